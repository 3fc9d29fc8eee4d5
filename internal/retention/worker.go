// Package retention runs the daily sweep that ages out incidents, closed
// sessions, and buffered log events.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/railwatch/railwatch/internal/utils"
)

// Store is the deletion surface the sweeper drives.
type Store interface {
	DeleteIncidentsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteClosedSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteLogEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker sweeps once per interval with jitter so replicas don't align.
type Worker struct {
	store           Store
	retentionDays   int
	bufferRetention time.Duration
	interval        time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// New constructs a worker. retentionDays <= 0 disables the incident and
// session sweep; bufferRetention <= 0 disables the log-event sweep.
func New(store Store, retentionDays int, bufferRetention time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:           store,
		retentionDays:   retentionDays,
		bufferRetention: bufferRetention,
		interval:        24 * time.Hour,
		logger:          logger.With(slog.String("component", "retention")),
		now:             time.Now,
	}
}

// Run sweeps until ctx is cancelled. The first sweep happens shortly after
// startup so a long-stopped instance catches up.
func (w *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(utils.Jitter(time.Minute, 0.5, w.now().UnixNano()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			w.Sweep(ctx)
			timer.Reset(utils.Jitter(w.interval, 0.05, w.now().UnixNano()))
		}
	}
}

// Sweep runs one pass. Failures are logged and never abort the process; the
// next pass retries.
func (w *Worker) Sweep(ctx context.Context) {
	now := w.now().UTC()

	if w.retentionDays > 0 {
		cutoff := now.AddDate(0, 0, -w.retentionDays)
		if n, err := w.store.DeleteIncidentsBefore(ctx, cutoff); err != nil {
			w.logger.Warn("incident sweep failed", slog.Any("error", err))
		} else if n > 0 {
			w.logger.Info("swept incidents", slog.Int64("deleted", n))
		}
		if n, err := w.store.DeleteClosedSessionsBefore(ctx, cutoff); err != nil {
			w.logger.Warn("session sweep failed", slog.Any("error", err))
		} else if n > 0 {
			w.logger.Info("swept sessions", slog.Int64("deleted", n))
		}
	}

	if w.bufferRetention > 0 {
		cutoff := now.Add(-w.bufferRetention)
		if n, err := w.store.DeleteLogEventsBefore(ctx, cutoff); err != nil {
			w.logger.Warn("log event sweep failed", slog.Any("error", err))
		} else if n > 0 {
			w.logger.Info("swept log events", slog.Int64("deleted", n))
		}
	}
}
