package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/railwatch/railwatch/internal/broker"
	"github.com/railwatch/railwatch/internal/models"
)

const stopWait = 5 * time.Second

// ConnectionInfo is one entry of the supervisor's health snapshot.
type ConnectionInfo struct {
	Target      models.Target
	Alive       bool
	Connected   bool
	Quarantined bool
	State       State
}

type runner struct {
	sub      *Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	restarts []time.Time
}

// Supervisor owns the dynamic set of per-target subscription tasks. It
// restarts tasks that die abnormally, with backoff and jitter, and
// quarantines targets that keep failing.
type Supervisor struct {
	wsURL  string
	token  string
	opts   Options
	logger *slog.Logger
	bus    *broker.Broker
	ingest chan<- models.LogEvent

	maxRestartsPerHour int

	mu          sync.Mutex
	runners     map[string]*runner
	quarantined map[string]time.Time
	baseCtx     context.Context
	baseCancel  context.CancelFunc
}

// NewSupervisor constructs a supervisor delivering normalized events into the
// shared ingest channel and onto per-service broker topics.
func NewSupervisor(wsURL, token string, opts Options, bus *broker.Broker, ingest chan<- models.LogEvent, maxRestartsPerHour int, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRestartsPerHour <= 0 {
		maxRestartsPerHour = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		wsURL:              wsURL,
		token:              token,
		opts:               opts,
		logger:             logger.With(slog.String("component", "supervisor")),
		bus:                bus,
		ingest:             ingest,
		maxRestartsPerHour: maxRestartsPerHour,
		runners:            make(map[string]*runner),
		quarantined:        make(map[string]time.Time),
		baseCtx:            ctx,
		baseCancel:         cancel,
	}
}

// Start launches the subscription task for a target. Starting an already
// running target is a no-op returning the existing subscription.
func (s *Supervisor) Start(target models.Target, serviceName string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := target.Key()
	if _, ok := s.quarantined[key]; ok {
		return nil, fmt.Errorf("target %s is quarantined; re-enable it first", key)
	}
	if r, ok := s.runners[key]; ok && r.alive() {
		return r.sub, nil
	}
	return s.launchLocked(target, serviceName, nil), nil
}

// launchLocked spawns the task goroutine. Caller holds s.mu.
func (s *Supervisor) launchLocked(target models.Target, serviceName string, restarts []time.Time) *Subscription {
	key := target.Key()
	sub := NewSubscription(s.wsURL, s.token, target, serviceName, s.opts, s.logger)
	ctx, cancel := context.WithCancel(s.baseCtx)
	r := &runner{sub: sub, cancel: cancel, done: make(chan struct{}), restarts: restarts}
	s.runners[key] = r

	go s.pump(ctx, sub)
	go func() {
		defer close(r.done)
		_ = sub.Run(ctx)
		if ctx.Err() == nil {
			// The task returned without being stopped: abnormal exit.
			s.handleAbnormalExit(target, serviceName, r)
		}
	}()
	return sub
}

// pump forwards subscription events to the ingest channel and broker topics.
func (s *Supervisor) pump(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub.Events():
			if s.bus != nil {
				s.bus.Publish(broker.TopicServiceLogs(event.ServiceID), event)
			}
			if s.ingest == nil {
				continue
			}
			select {
			case s.ingest <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Supervisor) handleAbnormalExit(target models.Target, serviceName string, old *runner) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := target.Key()
	if s.baseCtx.Err() != nil {
		return
	}

	now := time.Now()
	recent := make([]time.Time, 0, len(old.restarts)+1)
	for _, t := range old.restarts {
		if now.Sub(t) < time.Hour {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)

	if len(recent) > s.maxRestartsPerHour {
		s.quarantined[key] = now
		delete(s.runners, key)
		s.logger.Error("target quarantined after repeated failures",
			slog.String("target", key), slog.Int("restarts", len(recent)))
		return
	}

	delay := BackoffFor(len(recent), s.opts.MaxBackoff)
	delay += time.Duration(rand.Int63n(int64(delay) / 4))
	s.logger.Warn("subscription task exited, restarting",
		slog.String("target", key), slog.Duration("delay", delay))

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.baseCtx.Done():
			return
		case <-timer.C:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, running := s.runners[key]; running {
			return
		}
		if _, q := s.quarantined[key]; q {
			return
		}
		s.launchLocked(target, serviceName, recent)
	}()
}

// Stop cancels a target's task and waits up to five seconds for it to exit.
// Stopping an unknown target is a no-op.
func (s *Supervisor) Stop(target models.Target) {
	key := target.Key()
	s.mu.Lock()
	r, ok := s.runners[key]
	if ok {
		delete(s.runners, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	r.cancel()
	select {
	case <-r.done:
	case <-time.After(stopWait):
		s.logger.Warn("subscription task did not exit in time", slog.String("target", key))
	}
}

// Restart stops then starts a target; restarts are sequential per target.
func (s *Supervisor) Restart(target models.Target, serviceName string) (*Subscription, error) {
	s.Stop(target)
	return s.Start(target, serviceName)
}

// ReEnable lifts a quarantine so the target may be started again.
func (s *Supervisor) ReEnable(target models.Target) {
	s.mu.Lock()
	delete(s.quarantined, target.Key())
	s.mu.Unlock()
}

// SubscribeToLogs forwards an extra subscription request to a running target.
func (s *Supervisor) SubscribeToLogs(target models.Target, payload SubscribePayload) (string, error) {
	s.mu.Lock()
	r, ok := s.runners[target.Key()]
	s.mu.Unlock()
	if !ok || !r.alive() {
		return "", fmt.Errorf("target %s is not running", target.Key())
	}
	return r.sub.Subscribe(payload), nil
}

// Unsubscribe forwards a subscription teardown to a running target.
func (s *Supervisor) Unsubscribe(target models.Target, subID string) error {
	s.mu.Lock()
	r, ok := s.runners[target.Key()]
	s.mu.Unlock()
	if !ok || !r.alive() {
		return fmt.Errorf("target %s is not running", target.Key())
	}
	r.sub.Unsubscribe(subID)
	return nil
}

// Connections returns a health snapshot of every known target.
func (s *Supervisor) Connections() []ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(s.runners)+len(s.quarantined))
	for _, r := range s.runners {
		infos = append(infos, ConnectionInfo{
			Target:    r.sub.Target(),
			Alive:     r.alive(),
			Connected: r.sub.Connected(),
			State:     r.sub.Snapshot(),
		})
	}
	for key := range s.quarantined {
		infos = append(infos, ConnectionInfo{
			Target:      targetFromKey(key),
			Quarantined: true,
		})
	}
	return infos
}

// ConnectedCount reports how many targets have an acknowledged transport.
func (s *Supervisor) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.runners {
		if r.sub.Connected() {
			count++
		}
	}
	return count
}

// Close stops every task and waits briefly for each to exit.
func (s *Supervisor) Close() {
	s.baseCancel()
	s.mu.Lock()
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runners = make(map[string]*runner)
	s.mu.Unlock()

	for _, r := range runners {
		select {
		case <-r.done:
		case <-time.After(stopWait):
		}
	}
}

func (r *runner) alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func targetFromKey(key string) models.Target {
	var t models.Target
	parts := [3]string{}
	idx := 0
	start := 0
	for i := 0; i <= len(key); i++ {
		if i == len(key) || key[i] == '/' {
			if idx < 3 {
				parts[idx] = key[start:i]
			}
			idx++
			start = i + 1
		}
	}
	t.ProjectID, t.EnvironmentID, t.ServiceID = parts[0], parts[1], parts[2]
	return t
}
