package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", 3, time.Second)

	for i := 0; i < 2; i++ {
		b.Failure()
		assert.True(t, b.Allow(), "still closed below threshold")
	}
	b.Failure()

	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", 3, time.Second)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()

	assert.Equal(t, Closed, b.CurrentState())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := New("test", 1, 30*time.Second)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Failure()
	assert.False(t, b.Allow())

	// pasado el cool-off entra un solo probe
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "second call must wait for the probe outcome")

	b.Success()
	assert.Equal(t, Closed, b.CurrentState())
	assert.True(t, b.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New("test", 1, 30*time.Second)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Failure()
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())

	b.Failure()
	assert.False(t, b.Allow(), "failed probe reopens the circuit")
	assert.Equal(t, Open, b.CurrentState())
}
