// Package pipeline runs each task's periodic Prometheus metrics
// reporting loop, the way the teacher's own pipeline package owned a
// per-pipeline Metrics struct and reported it to /metrics (§6 "Exposed to
// the operator layer" observability surface; this is the ambient
// ADR-030-style stats loop, adapted from packet counters to recovery-core
// gauges).
package pipeline

import (
	"context"
	"time"

	"firestige.xyz/streamrt/internal/metrics"
)

// Reportable is the subset of *task.Task the Reporter needs; kept as an
// interface here (instead of importing internal/task) so pipeline has no
// dependency on task and the two packages can be wired either way by the
// daemon.
type Reportable interface {
	ID() string
	EpochValue() int64
	RecoveryStateValue() int
	OutputBacklog() int
}

// Reporter periodically snapshots one task's gauges into
// internal/metrics, mirroring the teacher's per-pipeline Metrics
// reporting cadence.
type Reporter struct {
	task     Reportable
	interval time.Duration
}

// NewReporter creates a Reporter for task, sampling every interval (a
// zero interval defaults to one second).
func NewReporter(task Reportable, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reporter{task: task, interval: interval}
}

// Run blocks, sampling t's gauges every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *Reporter) sample() {
	id := r.task.ID()
	metrics.EpochCurrent.WithLabelValues(id).Set(float64(r.task.EpochValue()))
	metrics.RecoveryState.WithLabelValues(id).Set(float64(r.task.RecoveryStateValue()))
	metrics.SubpartitionBacklog.WithLabelValues(id, "output").Set(float64(r.task.OutputBacklog()))
}
