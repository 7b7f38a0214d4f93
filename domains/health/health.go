package health

import (
	"context"
	"time"
)

type Status string

const (
	StatusOk       Status = "OK"
	StatusDegraded Status = "DEGRADED"
	StatusError    Status = "ERROR"
)

// ComponentHealth is the probe result of one subsystem.
type ComponentHealth struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	LastMessage string    `json:"last_message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Snapshot aggregates component probes plus live pipeline gauges.
type Snapshot struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	QueueDepth int               `json:"queue_depth"`
	Workers    int               `json:"workers"`
	Busy       int               `json:"busy_workers"`
	Uptime     string            `json:"uptime"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Healthy reports whether the snapshot warrants HTTP 200.
func (s Snapshot) Healthy() bool {
	return s.Status != StatusError
}

// Prober is implemented by subsystems that can self-report.
type Prober interface {
	Probe(ctx context.Context) ComponentHealth
}

// IHealthUsecase aggregates probes into a Snapshot.
type IHealthUsecase interface {
	Check(ctx context.Context) Snapshot
}
