package usecase

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/royalbot/royal-dispatch/domains/health"
	"github.com/royalbot/royal-dispatch/pkg/msgworker"
)

// probeFunc adapts a closure into a health.Prober.
type probeFunc func(ctx context.Context) health.ComponentHealth

func (f probeFunc) Probe(ctx context.Context) health.ComponentHealth { return f(ctx) }

// Pinger is anything with a connectivity check (database, cache).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthUsecase aggregates subsystem probes into one snapshot. The
// overall status is the worst component status: any ERROR flips the
// endpoint to 503, DEGRADED components keep it at 200.
type HealthUsecase struct {
	probers   []health.Prober
	queue     interface{ Depth() int }
	pool      interface{ Stats() msgworker.Stats }
	startedAt time.Time
}

func NewHealthUsecase(queue interface{ Depth() int }, pool interface{ Stats() msgworker.Stats }) *HealthUsecase {
	return &HealthUsecase{
		queue:     queue,
		pool:      pool,
		startedAt: time.Now(),
	}
}

var _ health.IHealthUsecase = (*HealthUsecase)(nil)

// Register adds a subsystem probe.
func (h *HealthUsecase) Register(p health.Prober) {
	h.probers = append(h.probers, p)
}

// RegisterPing adds a probe backed by a Ping. Critical components report
// ERROR when unreachable; non-critical ones only DEGRADED.
func (h *HealthUsecase) RegisterPing(name string, p Pinger, critical bool) {
	h.Register(probeFunc(func(ctx context.Context) health.ComponentHealth {
		ch := health.ComponentHealth{Name: name, Status: health.StatusOk, LastChecked: time.Now()}
		if err := p.Ping(ctx); err != nil {
			ch.Status = health.StatusDegraded
			if critical {
				ch.Status = health.StatusError
			}
			ch.LastMessage = err.Error()
		}
		return ch
	}))
}

// RegisterConfigured adds a static probe for transports that only need
// credentials to be present.
func (h *HealthUsecase) RegisterConfigured(name string, configured func() bool) {
	h.Register(probeFunc(func(ctx context.Context) health.ComponentHealth {
		ch := health.ComponentHealth{Name: name, Status: health.StatusOk, LastChecked: time.Now()}
		if !configured() {
			ch.Status = health.StatusDegraded
			ch.LastMessage = "not configured"
		}
		return ch
	}))
}

// Check runs all probes and aggregates.
func (h *HealthUsecase) Check(ctx context.Context) health.Snapshot {
	snap := health.Snapshot{
		Status:    health.StatusOk,
		Uptime:    humanize.Time(h.startedAt),
		CheckedAt: time.Now(),
	}
	for _, p := range h.probers {
		ch := p.Probe(ctx)
		snap.Components = append(snap.Components, ch)
		switch ch.Status {
		case health.StatusError:
			snap.Status = health.StatusError
		case health.StatusDegraded:
			if snap.Status == health.StatusOk {
				snap.Status = health.StatusDegraded
			}
		}
	}
	if h.queue != nil {
		snap.QueueDepth = h.queue.Depth()
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		snap.Workers = stats.Workers
		snap.Busy = stats.Busy
	}
	return snap
}
