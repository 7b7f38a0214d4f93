package timeutils

import (
	"fmt"
	"time"
)

// DefaultZone is the civil zone used for scheduling decisions when the
// configuration does not name one.
const DefaultZone = "America/Argentina/Cordoba"

// LoadZone resolves a zone name, falling back to UTC on failure.
func LoadZone(name string) *time.Location {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CivilDate formats the wall-clock date of t in loc as YYYY-MM-DD.
func CivilDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// BusinessWindow describes the hours and weekdays follow-ups may go out.
type BusinessWindow struct {
	StartHour int
	EndHour   int
	Weekdays  map[time.Weekday]bool
	Zone      *time.Location
}

// DefaultWindow returns the 9..21 Mon-Sat window in the given zone.
func DefaultWindow(loc *time.Location) BusinessWindow {
	return BusinessWindow{
		StartHour: 9,
		EndHour:   21,
		Weekdays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
			time.Saturday:  true,
		},
		Zone: loc,
	}
}

// Contains reports whether t falls inside the window.
func (w BusinessWindow) Contains(t time.Time) bool {
	local := t.In(w.Zone)
	if !w.Weekdays[local.Weekday()] {
		return false
	}
	h := local.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// Adjust clamps t forward into the next valid slot of the window. A time
// already inside the window is returned unchanged.
func (w BusinessWindow) Adjust(t time.Time) time.Time {
	local := t.In(w.Zone)
	for i := 0; i < 14; i++ { // two weeks is always enough
		if w.Weekdays[local.Weekday()] {
			h := local.Hour()
			switch {
			case h < w.StartHour:
				return time.Date(local.Year(), local.Month(), local.Day(), w.StartHour, 0, 0, 0, w.Zone)
			case h < w.EndHour:
				return local
			}
		}
		local = time.Date(local.Year(), local.Month(), local.Day(), w.StartHour, 0, 0, 0, w.Zone).AddDate(0, 0, 1)
	}
	return local
}

// RelativeReference renders a Spanish human-friendly reference to a past
// duration, used by the follow-up templates ("hace una hora").
func RelativeReference(since time.Duration) string {
	switch {
	case since < 2*time.Hour:
		return "hace una hora"
	case since < 24*time.Hour:
		return fmt.Sprintf("hace %d horas", int(since.Hours()))
	case since < 48*time.Hour:
		return "ayer"
	case since < 7*24*time.Hour:
		return fmt.Sprintf("hace %d días", int(since.Hours()/24))
	case since < 14*24*time.Hour:
		return "la semana pasada"
	default:
		return "hace un tiempo"
	}
}
