package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/railwatch/railwatch/internal/metrics"
	"github.com/railwatch/railwatch/internal/models"
)

// Status is the connection state of one subscription.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Backoff bounds, in milliseconds.
const (
	minBackoffMS = 5000
	maxBackoffMS = 60000
)

// State is a point-in-time snapshot of a subscription's connection machine.
type State struct {
	Status             Status
	LastHeartbeat      time.Time
	ConnectionAttempts int
	BackoffMS          int64
	LastError          string
	Subscriptions      map[string]string
	Dropped            uint64
}

// Conn is the subset of *websocket.Conn the state machine needs. Tests swap
// in an in-memory implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens the subscription transport.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		Subprotocols:     []string{"graphql-transport-ws"},
	}
	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options tunes one subscription.
type Options struct {
	ConnectionTimeout time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxBackoff        time.Duration
	LevelFilter       string
	BufferSize        int
	Dialer            Dialer
}

func (o *Options) applyDefaults() {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = 30 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 45 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.LevelFilter == "" {
		o.LevelFilter = "error"
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1000
	}
	if o.Dialer == nil {
		o.Dialer = wsDialer{}
	}
}

var errStopped = errors.New("subscription stopped")

type command struct {
	subscribe   *SubscribePayload
	subscribeID string
	unsubscribe string
}

// Subscription is the per-target state machine. One goroutine (Run) owns the
// transport and all state transitions; events flow out through a bounded
// channel that drops its oldest entry rather than blocking the reader.
type Subscription struct {
	target      models.Target
	serviceName string
	token       string
	wsURL       string
	opts        Options
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.RWMutex
	state State

	out  chan models.LogEvent
	cmds chan command
}

// NewSubscription builds a subscription for one target. Run must be called to
// start it.
func NewSubscription(wsURL, token string, target models.Target, serviceName string, opts Options, logger *slog.Logger) *Subscription {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscription{
		target:      target,
		serviceName: serviceName,
		token:       token,
		wsURL:       wsURL,
		opts:        opts,
		logger: logger.With(
			slog.String("component", "stream"),
			slog.String("target", target.Key())),
		now:  time.Now,
		out:  make(chan models.LogEvent, opts.BufferSize),
		cmds: make(chan command, 16),
		state: State{
			Status:        StatusDisconnected,
			BackoffMS:     minBackoffMS,
			Subscriptions: make(map[string]string),
		},
	}
}

// Events returns the outbound normalized log stream.
func (s *Subscription) Events() <-chan models.LogEvent { return s.out }

// Target returns the subscription's identity tuple.
func (s *Subscription) Target() models.Target { return s.target }

// Snapshot returns a copy of the current connection state.
func (s *Subscription) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.state
	snap.Subscriptions = make(map[string]string, len(s.state.Subscriptions))
	for id, q := range s.state.Subscriptions {
		snap.Subscriptions[id] = q
	}
	return snap
}

// Connected reports whether the transport is up and acknowledged.
func (s *Subscription) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Status == StatusConnected
}

// Subscribe asks the running machine to open an extra subscription and
// returns its id.
func (s *Subscription) Subscribe(payload SubscribePayload) string {
	id := uuid.NewString()
	s.cmds <- command{subscribe: &payload, subscribeID: id}
	return id
}

// Unsubscribe closes one subscription id; the transport stays open.
func (s *Subscription) Unsubscribe(id string) {
	s.cmds <- command{unsubscribe: id}
}

// BackoffFor computes the reconnect delay for the given attempt count:
// min(5000ms * 2^(attempts-1), max), never below the 5s floor.
func BackoffFor(attempts int, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	ms := int64(minBackoffMS)
	for i := 1; i < attempts; i++ {
		ms *= 2
		if ms >= maxBackoffMS {
			ms = maxBackoffMS
			break
		}
	}
	d := time.Duration(ms) * time.Millisecond
	if max > 0 && d > max {
		d = max
	}
	if d < minBackoffMS*time.Millisecond {
		d = minBackoffMS * time.Millisecond
	}
	return d
}

// Run drives the connection machine until ctx is cancelled. Cancellation is
// the graceful stop: complete frames are sent and the state ends Disconnected
// with no reconnect scheduled.
func (s *Subscription) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.setDisconnected()
			return nil
		}

		attempts := s.beginConnecting()
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setDisconnected()
				return nil
			}
			s.toError(fmt.Sprintf("dial: %v", err))
			if !s.sleepBackoff(ctx, attempts) {
				s.setDisconnected()
				return nil
			}
			continue
		}

		err = s.session(ctx, conn)
		conn.Close()
		if errors.Is(err, errStopped) || ctx.Err() != nil {
			s.setDisconnected()
			return nil
		}
		s.toError(err.Error())
		if !s.sleepBackoff(ctx, s.attemptCount()) {
			s.setDisconnected()
			return nil
		}
	}
}

func (s *Subscription) dial(ctx context.Context) (Conn, error) {
	// The platform authenticates subscriptions by token URL parameter.
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()
	return s.opts.Dialer.DialContext(ctx, u.String(), nil)
}

// session performs the handshake then runs the frame loop. All writes happen
// on this goroutine; a helper goroutine only reads.
func (s *Subscription) session(ctx context.Context, conn Conn) error {
	if err := conn.WriteJSON(connectionInitFrame(s.token)); err != nil {
		return fmt.Errorf("connection_init: %w", err)
	}

	if err := s.awaitAck(conn); err != nil {
		return err
	}
	s.markConnected()
	s.logger.Info("log subscription connected")

	if err := s.issueSubscriptions(conn); err != nil {
		return err
	}

	frames := make(chan Frame, 64)
	readErr := make(chan error, 1)
	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go s.readLoop(readCtx, conn, frames, readErr)

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.sendCompletes(conn)
			return errStopped

		case <-ticker.C:
			if err := conn.WriteJSON(Frame{Type: FramePing}); err != nil {
				return fmt.Errorf("ping write: %w", err)
			}

		case cmd := <-s.cmds:
			if err := s.handleCommand(conn, cmd); err != nil {
				return err
			}

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case frame := <-frames:
			if err := s.handleFrame(conn, frame); err != nil {
				return err
			}
		}
	}
}

func (s *Subscription) awaitAck(conn Conn) error {
	deadline := s.now().Add(s.opts.ConnectionTimeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("set handshake deadline: %w", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return fmt.Errorf("handshake decode: %w", err)
		}
		switch frame.Type {
		case FrameConnectionAck:
			return nil
		case FramePing:
			if err := conn.WriteJSON(pongFrame()); err != nil {
				return fmt.Errorf("handshake pong: %w", err)
			}
		default:
			// Anything else before ack violates the protocol.
			return fmt.Errorf("unexpected %s frame before connection_ack", frame.Type)
		}
	}
}

func (s *Subscription) readLoop(ctx context.Context, conn Conn, frames chan<- Frame, readErr chan<- error) {
	for {
		// Absence of any frame for the heartbeat timeout trips the deadline
		// and surfaces here as a read error.
		if err := conn.SetReadDeadline(s.now().Add(s.opts.HeartbeatTimeout)); err != nil {
			readErr <- err
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			case <-ctx.Done():
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			select {
			case readErr <- fmt.Errorf("decode frame: %w", err):
			case <-ctx.Done():
			}
			return
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscription) handleFrame(conn Conn, frame Frame) error {
	s.touchHeartbeat()
	metrics.ObserveStreamFrame(string(frame.Type))

	switch frame.Type {
	case FramePing:
		return conn.WriteJSON(pongFrame())
	case FramePong, FrameConnectionAck:
		return nil
	case FrameNext, FrameData:
		events, err := normalizeNext(frame.Payload, s.target, s.serviceName, s.now)
		if err != nil {
			s.logger.Warn("malformed log frame", slog.Any("error", err))
			return nil
		}
		for _, event := range events {
			s.push(event)
		}
		return nil
	case FrameError:
		s.removeSubscription(frame.ID)
		return fmt.Errorf("subscription %s errored: %s", frame.ID, string(frame.Payload))
	case FrameComplete:
		s.removeSubscription(frame.ID)
		return nil
	default:
		s.logger.Debug("ignoring frame", slog.String("type", string(frame.Type)))
		return nil
	}
}

func (s *Subscription) handleCommand(conn Conn, cmd command) error {
	switch {
	case cmd.subscribe != nil:
		frame, err := subscribeFrame(cmd.subscribeID, *cmd.subscribe)
		if err != nil {
			return err
		}
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("subscribe write: %w", err)
		}
		s.mu.Lock()
		s.state.Subscriptions[cmd.subscribeID] = cmd.subscribe.Query
		s.mu.Unlock()
	case cmd.unsubscribe != "":
		if err := conn.WriteJSON(completeFrame(cmd.unsubscribe)); err != nil {
			return fmt.Errorf("complete write: %w", err)
		}
		s.removeSubscription(cmd.unsubscribe)
	}
	return nil
}

// issueSubscriptions re-opens prior subscriptions after reconnect, or the
// default environment logs subscription on first connect.
func (s *Subscription) issueSubscriptions(conn Conn) error {
	s.mu.Lock()
	existing := make([]string, 0, len(s.state.Subscriptions))
	for id := range s.state.Subscriptions {
		existing = append(existing, id)
	}
	if len(existing) == 0 {
		id := uuid.NewString()
		payload := buildLogsSubscription(s.target.EnvironmentID, s.target.ServiceID, s.opts.LevelFilter)
		s.state.Subscriptions[id] = payload.Query
		s.mu.Unlock()
		frame, err := subscribeFrame(id, payload)
		if err != nil {
			return err
		}
		return conn.WriteJSON(frame)
	}
	s.mu.Unlock()

	for _, id := range existing {
		payload := buildLogsSubscription(s.target.EnvironmentID, s.target.ServiceID, s.opts.LevelFilter)
		frame, err := subscribeFrame(id, payload)
		if err != nil {
			return err
		}
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("re-subscribe %s: %w", id, err)
		}
	}
	return nil
}

func (s *Subscription) sendCompletes(conn Conn) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.state.Subscriptions))
	for id := range s.state.Subscriptions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		_ = conn.WriteJSON(completeFrame(id))
	}
}

// push delivers an event to the bounded outbound channel, evicting the oldest
// buffered event instead of blocking the transport reader.
func (s *Subscription) push(event models.LogEvent) {
	select {
	case s.out <- event:
		return
	default:
	}
	select {
	case <-s.out:
		s.noteDrop()
	default:
	}
	select {
	case s.out <- event:
	default:
		s.noteDrop()
	}
}

func (s *Subscription) noteDrop() {
	s.mu.Lock()
	s.state.Dropped++
	s.mu.Unlock()
	metrics.ObserveStreamDrop()
}

func (s *Subscription) beginConnecting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Status = StatusConnecting
	s.state.ConnectionAttempts++
	return s.state.ConnectionAttempts
}

func (s *Subscription) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Status = StatusConnected
	s.state.ConnectionAttempts = 0
	s.state.BackoffMS = minBackoffMS
	s.state.LastHeartbeat = s.now()
	s.state.LastError = ""
}

func (s *Subscription) toError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Status = StatusError
	s.state.LastError = msg
	s.logger.Warn("log subscription error", slog.String("error", msg))
}

func (s *Subscription) setDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Status = StatusDisconnected
}

func (s *Subscription) touchHeartbeat() {
	s.mu.Lock()
	s.state.LastHeartbeat = s.now()
	s.mu.Unlock()
}

func (s *Subscription) attemptCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ConnectionAttempts
}

func (s *Subscription) removeSubscription(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	delete(s.state.Subscriptions, id)
	s.mu.Unlock()
}

// sleepBackoff records and waits the computed backoff; returns false when the
// context ended first.
func (s *Subscription) sleepBackoff(ctx context.Context, attempts int) bool {
	metrics.ObserveStreamReconnect()
	delay := BackoffFor(attempts, s.opts.MaxBackoff)
	s.mu.Lock()
	s.state.BackoffMS = delay.Milliseconds()
	s.mu.Unlock()
	s.logger.Debug("reconnect scheduled", slog.Duration("backoff", delay), slog.Int("attempts", attempts))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
