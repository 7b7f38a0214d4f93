// Package metrics exposes the Prometheus collectors for the dispatch
// pipeline plus a lightweight in-memory event ring for the monitoring UI.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector behind one registry so tests can build
// isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	InboundAdmitted  prometheus.Counter
	InboundRejected  *prometheus.CounterVec
	QueueEnqueued    *prometheus.CounterVec
	QueueLeased      *prometheus.CounterVec
	QueueAcked       *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	WorkerCount      prometheus.Gauge
	WorkerBusy       prometheus.Gauge
	InferLatency     prometheus.Histogram
	TransportSends   *prometheus.CounterVec
	FollowupArmed    prometheus.Counter
	FollowupFired    prometheus.Counter
	FollowupSkipped  *prometheus.CounterVec
	PausedSkips      prometheus.Counter
	BreakerOpenTotal prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		InboundAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_inbound_admitted_total",
			Help: "Inbound messages admitted past dedup and rate limiting.",
		}),
		InboundRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_inbound_rejected_total",
			Help: "Inbound messages rejected at admission.",
		}, []string{"reason"}),
		QueueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_queue_enqueued_total",
			Help: "Items submitted to the priority queue.",
		}, []string{"priority"}),
		QueueLeased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_queue_leased_total",
			Help: "Items leased by workers.",
		}, []string{"priority"}),
		QueueAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_queue_acked_total",
			Help: "Items acknowledged by result.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Pending items across all priority levels.",
		}),
		WorkerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_workers",
			Help: "Current worker pool size.",
		}),
		WorkerBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_workers_busy",
			Help: "Workers currently processing an item.",
		}),
		InferLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_infer_latency_seconds",
			Help:    "Latency of agent InferReply calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		TransportSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_transport_sends_total",
			Help: "Outbound transport sends by source and result.",
		}, []string{"source", "result"}),
		FollowupArmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_followup_armed_total",
			Help: "Follow-up jobs armed.",
		}),
		FollowupFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_followup_fired_total",
			Help: "Follow-up messages sent.",
		}),
		FollowupSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_followup_skipped_total",
			Help: "Follow-up jobs deferred or cancelled by a guard.",
		}, []string{"guard"}),
		PausedSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_paused_skips_total",
			Help: "Dispatches short-circuited because the bot was paused.",
		}),
		BreakerOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_breaker_open_total",
			Help: "Times the agent circuit breaker tripped open.",
		}),
	}

	reg.MustRegister(
		m.InboundAdmitted, m.InboundRejected,
		m.QueueEnqueued, m.QueueLeased, m.QueueAcked, m.QueueDepth,
		m.WorkerCount, m.WorkerBusy, m.InferLatency,
		m.TransportSends,
		m.FollowupArmed, m.FollowupFired, m.FollowupSkipped,
		m.PausedSkips, m.BreakerOpenTotal,
	)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// --- Event ring for the monitoring endpoint ---

// Event is one recent pipeline occurrence kept for operator inspection.
type Event struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	UserID string    `json:"user_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

const eventRingSize = 200

// EventRing keeps the last N events in memory.
type EventRing struct {
	mu     sync.Mutex
	events []Event
}

func NewEventRing() *EventRing {
	return &EventRing{}
}

func (r *EventRing) Record(kind, userID, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{At: time.Now(), Kind: kind, UserID: userID, Detail: detail})
	if len(r.events) > eventRingSize {
		r.events = r.events[len(r.events)-eventRingSize:]
	}
}

// Recent returns a copy of the buffered events, newest last.
func (r *EventRing) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
