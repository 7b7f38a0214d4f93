package timeutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cordoba(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(DefaultZone)
	require.NoError(t, err)
	return loc
}

func TestWindow_Contains(t *testing.T) {
	loc := cordoba(t)
	w := DefaultWindow(loc)

	// martes 10:00 local
	tuesday := time.Date(2026, 8, 25, 10, 0, 0, 0, loc)
	assert.True(t, w.Contains(tuesday))

	// martes 21:00 local (límite superior excluido)
	assert.False(t, w.Contains(time.Date(2026, 8, 25, 21, 0, 0, 0, loc)))

	// domingo dentro del horario
	sunday := time.Date(2026, 8, 23, 12, 0, 0, 0, loc)
	assert.False(t, w.Contains(sunday))
}

func TestWindow_AdjustClampsForward(t *testing.T) {
	loc := cordoba(t)
	w := DefaultWindow(loc)

	// martes 07:30 -> mismo día 09:00
	early := time.Date(2026, 8, 25, 7, 30, 0, 0, loc)
	adjusted := w.Adjust(early)
	assert.Equal(t, 9, adjusted.Hour())
	assert.Equal(t, early.Day(), adjusted.Day())

	// martes 22:00 -> miércoles 09:00
	late := time.Date(2026, 8, 25, 22, 0, 0, 0, loc)
	adjusted = w.Adjust(late)
	assert.Equal(t, 9, adjusted.Hour())
	assert.Equal(t, late.Day()+1, adjusted.Day())

	// domingo -> lunes 09:00
	sunday := time.Date(2026, 8, 23, 12, 0, 0, 0, loc)
	adjusted = w.Adjust(sunday)
	assert.Equal(t, time.Monday, adjusted.Weekday())
	assert.Equal(t, 9, adjusted.Hour())

	// dentro de la ventana no se toca
	inside := time.Date(2026, 8, 25, 15, 0, 0, 0, loc)
	assert.Equal(t, inside, w.Adjust(inside))
}

func TestCivilDate(t *testing.T) {
	loc := cordoba(t)
	// 01:00 UTC es el día anterior en Córdoba (UTC-3)
	utc := time.Date(2026, 8, 25, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-08-24", CivilDate(utc, loc))
	assert.Equal(t, "2026-08-25", CivilDate(utc, time.UTC))
}

func TestRelativeReference(t *testing.T) {
	assert.Equal(t, "hace una hora", RelativeReference(time.Hour))
	assert.Equal(t, "hace 5 horas", RelativeReference(5*time.Hour))
	assert.Equal(t, "ayer", RelativeReference(30*time.Hour))
	assert.Equal(t, "hace 3 días", RelativeReference(3*24*time.Hour))
	assert.Equal(t, "la semana pasada", RelativeReference(8*24*time.Hour))
	assert.Equal(t, "hace un tiempo", RelativeReference(60*24*time.Hour))
}

func TestLoadZone_FallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, LoadZone("Not/AZone"))
	assert.Equal(t, DefaultZone, LoadZone("").String())
}
