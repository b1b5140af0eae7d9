package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner drives a fixed set of workers concurrently and returns once all of
// them exit, or ctx is cancelled and they drain.
type Runner struct {
	workers []Worker
}

// NewRunner builds a Runner over the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker in its own goroutine and blocks until they all
// return. The first non-nil error cancels the group's context, so the
// remaining workers see ctx cancellation and shut down too.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		w := w
		g.Go(func() error {
			slog.Info("worker starting", "worker", w.Name())
			err := w.Run(ctx)
			if err != nil {
				slog.Error("worker exited with error", "worker", w.Name(), "error", err)
			} else {
				slog.Info("worker stopped", "worker", w.Name())
			}
			return err
		})
	}
	return g.Wait()
}
