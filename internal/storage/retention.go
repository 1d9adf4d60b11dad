package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Retention prunes history on a cron schedule.
type Retention struct {
	store    Pruner
	schedule cron.Schedule
	keep     time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetention parses a five-field cron expression and returns a pruning job
// that keeps the last keep of history.
func NewRetention(store Pruner, expr string, keep time.Duration, logger *slog.Logger) (*Retention, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", expr, err)
	}
	if keep <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", keep)
	}
	return &Retention{
		store:    store,
		schedule: sched,
		keep:     keep,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Next returns the next prune time after from.
func (r *Retention) Next(from time.Time) time.Time {
	return r.schedule.Next(from)
}

// RunOnce deletes everything older than the retention window.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.keep)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning history before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}

// Start runs the job in the background. Returns a cancel function.
func (r *Retention) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		r.logger.InfoContext(ctx, "history retention started",
			slog.String("keep", r.keep.String()),
		)
		for {
			next := r.Next(r.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				r.logger.Info("history retention stopped")
				return
			case <-timer.C:
			}

			n, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "history prune failed", slog.String("error", err.Error()))
				continue
			}
			r.logger.InfoContext(ctx, "history pruned", slog.Int64("rows", n))
		}
	}()

	return cancel
}
