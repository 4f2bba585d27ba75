package janitor

import (
	"context"
	"log/slog"
	"time"
)

type runner interface {
	RunOnce(ctx context.Context) (Summary, error)
}

// Worker runs the janitor once a day at a fixed UTC hour.
type Worker struct {
	runner runner
	log    *slog.Logger

	// Hour is the UTC hour of day to run at.
	Hour int

	now func() time.Time
}

func NewWorker(r runner, log *slog.Logger) *Worker {
	return &Worker{runner: r, log: log, Hour: 2, now: time.Now}
}

func (w *Worker) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(w.untilNextRun())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		w.runOnce(ctx)
	}
}

func (w *Worker) untilNextRun() time.Duration {
	now := w.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), w.Hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func (w *Worker) runOnce(ctx context.Context) {
	start := w.now()
	sum, err := w.runner.RunOnce(ctx)
	if err != nil {
		w.log.Error("cleanup run failed", "elapsed", time.Since(start).Round(time.Millisecond), "err", err)
		return
	}
	w.log.Info("cleanup run finished",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"agePurged", sum.AgePurged,
		"quotaPurged", sum.QuotaPurged,
		"orphansDeleted", sum.OrphansDeleted,
		"bytesFreed", sum.BytesFreed,
	)
}
