package stream

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/railwatch/railwatch/internal/models"
)

const (
	// persistStartDelay defers the first snapshot so startup never blocks on
	// the database.
	persistStartDelay   = 5 * time.Second
	persistMaxAttempts  = 3
	persistRetryBase    = 2 * time.Second
	defaultPersistEvery = 30 * time.Second
)

// StateStore persists connection snapshots.
type StateStore interface {
	SaveSubscriptionStates(ctx context.Context, states []models.SubscriptionState) error
}

// ConnectionSource yields the live connection snapshot, normally the
// supervisor.
type ConnectionSource interface {
	Connections() []ConnectionInfo
}

// StatePersister writes the supervisor's connection snapshot to the store:
// once shortly after startup, then on a fixed cadence. A snapshot that still
// fails after the retry budget marks the persister degraded until a later
// snapshot lands.
type StatePersister struct {
	source   ConnectionSource
	store    StateStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	startDelay time.Duration
	retryBase  time.Duration
	degraded   atomic.Bool
}

// NewStatePersister builds a persister. interval <= 0 falls back to the
// default cadence.
func NewStatePersister(source ConnectionSource, store StateStore, interval time.Duration, logger *slog.Logger) *StatePersister {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultPersistEvery
	}
	return &StatePersister{
		source:     source,
		store:      store,
		interval:   interval,
		logger:     logger.With(slog.String("component", "stream_state")),
		now:        time.Now,
		startDelay: persistStartDelay,
		retryBase:  persistRetryBase,
	}
}

// Degraded reports whether the latest snapshot failed its full retry budget.
func (p *StatePersister) Degraded() bool { return p.degraded.Load() }

// Run persists snapshots until ctx is cancelled.
func (p *StatePersister) Run(ctx context.Context) error {
	if !sleepCtx(ctx, p.startDelay) {
		return nil
	}
	p.persistOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.persistOnce(ctx)
		}
	}
}

func (p *StatePersister) persistOnce(ctx context.Context) {
	states := p.snapshot()
	if len(states) == 0 {
		return
	}

	var err error
	for attempt := 1; attempt <= persistMaxAttempts; attempt++ {
		if err = p.store.SaveSubscriptionStates(ctx, states); err == nil {
			p.degraded.Store(false)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < persistMaxAttempts {
			delay := p.retryBase << (attempt - 1)
			p.logger.Debug("subscription state save failed, retrying",
				slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", err))
			if !sleepCtx(ctx, delay) {
				return
			}
		}
	}
	p.degraded.Store(true)
	p.logger.Error("subscription state persistence degraded",
		slog.Int("attempts", persistMaxAttempts), slog.Any("error", err))
}

func (p *StatePersister) snapshot() []models.SubscriptionState {
	infos := p.source.Connections()
	states := make([]models.SubscriptionState, 0, len(infos))
	for _, info := range infos {
		status := string(info.State.Status)
		if info.Quarantined {
			status = "quarantined"
		}
		states = append(states, models.SubscriptionState{
			Target:        info.Target,
			Status:        status,
			LastError:     info.State.LastError,
			Attempts:      info.State.ConnectionAttempts,
			LastHeartbeat: info.State.LastHeartbeat,
			UpdatedAt:     p.now().UTC(),
		})
	}
	return states
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
