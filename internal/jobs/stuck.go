package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper abandons requests that have sat in assigned or in_progress for
// longer than olderThan.
type Sweeper interface {
	SweepStuck(ctx context.Context, olderThan time.Duration, batch int) (int, error)
}

// StuckRequestJob runs the sweeper on a fixed interval.
type StuckRequestJob struct {
	sweeper  Sweeper
	after    time.Duration
	interval time.Duration
	batch    int
	log      *slog.Logger
}

func NewStuckRequestJob(s Sweeper, after, interval time.Duration, batch int, log *slog.Logger) *StuckRequestJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckRequestJob{sweeper: s, after: after, interval: interval, batch: batch, log: log}
}

// Enabled reports whether a stuck threshold is configured.
func (j *StuckRequestJob) Enabled() bool { return j.after > 0 }

// Run blocks until ctx is cancelled. It is a no-op when the job is disabled.
func (j *StuckRequestJob) Run(ctx context.Context) error {
	if !j.Enabled() {
		j.log.Info("stuck request sweeper disabled")
		return nil
	}
	j.log.Info("stuck request sweeper started", "after", j.after, "interval", j.interval)
	every(ctx, j.interval, j.tick)
	j.log.Info("stuck request sweeper stopped")
	return nil
}

// every calls fn on each tick until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (j *StuckRequestJob) tick(ctx context.Context) {
	n, err := j.sweeper.SweepStuck(ctx, j.after, j.batch)
	if err != nil {
		j.log.Error("stuck request sweep failed", "error", err, "abandoned", n)
		return
	}
	if n > 0 {
		j.log.Info("abandoned stuck requests", "count", n)
	}
}
