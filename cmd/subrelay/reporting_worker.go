package main

import (
	"context"
	"time"

	"github.com/relaystack/subrelay/internal/telemetry"
	"github.com/relaystack/subrelay/internal/tracker"
)

// reportingWorker periodically pushes a tracker status snapshot into the
// Prometheus gauges. Kept out of internal/worker so that package stays free
// of a dependency on internal/tracker and internal/telemetry -- it wires
// two already-built components together rather than implementing shared
// background-task machinery.
type reportingWorker struct {
	tracker  *tracker.Tracker
	metrics  *telemetry.Metrics
	interval time.Duration
}

func (w *reportingWorker) Name() string { return "metrics-reporter" }

func (w *reportingWorker) Run(ctx context.Context) error {
	interval := w.interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.report()
	for {
		select {
		case <-ticker.C:
			w.report()
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *reportingWorker) report() {
	status := w.tracker.Status()
	now := time.Now()
	for _, s := range status.Subscriptions {
		var cooldownUntil int64
		if s.InCooldown {
			cooldownUntil = now.Add(s.CooldownRemaining).Unix()
		}
		w.metrics.ReportSnapshot(s.Name, s.Active, s.MaxConcurrent, cooldownUntil)
	}
}
