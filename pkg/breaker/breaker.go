// Package breaker implements the circuit breaker that guards agent calls:
// open after N consecutive failures, a single probe after the cool-off.
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "closed"
}

const (
	DefaultThreshold = 5
	DefaultCoolOff   = 30 * time.Second
)

// Breaker tracks consecutive failures of a protected call.
type Breaker struct {
	mu            sync.Mutex
	name          string
	threshold     int
	coolOff       time.Duration
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
	now           func() time.Time
}

func New(name string, threshold int, coolOff time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if coolOff <= 0 {
		coolOff = DefaultCoolOff
	}
	return &Breaker{name: name, threshold: threshold, coolOff: coolOff, now: time.Now}
}

// Allow reports whether a call may proceed. In half-open, only a single
// probe is admitted until its outcome is reported.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.coolOff {
			b.state = HalfOpen
			b.probeInFlight = true
			logrus.Infof("[BREAKER] %s half-open, sending probe", b.name)
			return true
		}
		return false
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		logrus.Infof("[BREAKER] %s closed after successful probe", b.name)
	}
	b.state = Closed
	b.failures = 0
	b.probeInFlight = false
}

// Failure records a failed call; may trip the circuit open.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probeInFlight = false

	if b.state == HalfOpen || b.failures >= b.threshold {
		if b.state != Open {
			logrus.Warnf("[BREAKER] %s open after %d consecutive failures", b.name, b.failures)
		}
		b.state = Open
		b.openedAt = b.now()
	}
}

// State returns the current state, promoting open to half-open when the
// cool-off has elapsed.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.coolOff {
		return HalfOpen
	}
	return b.state
}
