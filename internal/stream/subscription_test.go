package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railwatch/railwatch/internal/models"
)

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 1, want: 5 * time.Second},
		{attempts: 2, want: 10 * time.Second},
		{attempts: 3, want: 20 * time.Second},
		{attempts: 4, want: 40 * time.Second},
		{attempts: 5, want: 60 * time.Second},
		{attempts: 10, want: 60 * time.Second},
		{attempts: 0, want: 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffFor(tt.attempts, 60*time.Second), "attempts=%d", tt.attempts)
	}
}

func TestBackoffForHonorsLowerCap(t *testing.T) {
	assert.Equal(t, 30*time.Second, BackoffFor(5, 30*time.Second))
}

func TestNormalizeNext(t *testing.T) {
	payload := json.RawMessage(`{"data":{"environmentLogs":[
		{"timestamp":"2026-08-24T10:00:00Z","message":"oom killed","severity":"error","tags":{"serviceId":"svc-9"}},
		{"timestamp":"not-a-time","message":"boom","severity":"weird"}
	]}}`)

	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	target := models.Target{EnvironmentID: "env-1", ServiceID: "svc-1"}
	events, err := normalizeNext(payload, target, "payments", func() time.Time { return fixed })
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Tagged entries override the subscription's service id.
	assert.Equal(t, "svc-9", events[0].ServiceID)
	assert.Equal(t, models.LevelError, events[0].Level)
	assert.Equal(t, 4, events[0].SeverityScore)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), events[0].Timestamp)

	// Unknown severity clamps to info; bad timestamps fall back to now.
	assert.Equal(t, "svc-1", events[1].ServiceID)
	assert.Equal(t, models.LevelInfo, events[1].Level)
	assert.Equal(t, fixed, events[1].Timestamp)
}

func TestNormalizeNextMalformed(t *testing.T) {
	_, err := normalizeNext(json.RawMessage(`{"data":`), models.Target{}, "", time.Now)
	assert.Error(t, err)
}

func TestBuildLogsSubscriptionFilter(t *testing.T) {
	env := buildLogsSubscription("env-1", "", "error")
	assert.Equal(t, "level:error", env.Variables["filter"])

	svc := buildLogsSubscription("env-1", "svc-1", "warn")
	assert.Equal(t, "service:svc-1 level:warn", svc.Variables["filter"])
}

func TestPushDropsOldestWhenFull(t *testing.T) {
	s := NewSubscription("ws://example", "tok", models.Target{}, "", Options{BufferSize: 2}, nil)

	s.push(models.LogEvent{Message: "one"})
	s.push(models.LogEvent{Message: "two"})
	s.push(models.LogEvent{Message: "three"})

	assert.Equal(t, uint64(1), s.Snapshot().Dropped)
	first := <-s.Events()
	assert.Equal(t, "two", first.Message)
	second := <-s.Events()
	assert.Equal(t, "three", second.Message)
}

// fakeConn scripts the server side of the transport. WriteJSON inspects what
// the client sends and queues the protocol response.
type fakeConn struct {
	mu     sync.Mutex
	reads  chan []byte
	writes []Frame
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	raw, ok := <-c.reads
	if !ok {
		return 0, nil, context.Canceled
	}
	return 1, raw, nil
}

func (c *fakeConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, frame)
	c.mu.Unlock()

	switch frame.Type {
	case FrameConnectionInit:
		c.queue(Frame{Type: FrameConnectionAck})
	case FrameSubscribe:
		next := Frame{
			ID:   frame.ID,
			Type: FrameNext,
			Payload: json.RawMessage(`{"data":{"environmentLogs":[
				{"timestamp":"2026-08-24T10:00:00Z","message":"fatal crash","severity":"error"}
			]}}`),
		}
		c.queue(next)
	}
	return nil
}

func (c *fakeConn) queue(frame Frame) {
	raw, _ := json.Marshal(frame)
	select {
	case c.reads <- raw:
	default:
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.reads)
	}
	return nil
}

func (c *fakeConn) sent() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.writes...)
}

type fakeDialer struct{ conn *fakeConn }

func (d fakeDialer) DialContext(context.Context, string, http.Header) (Conn, error) {
	return d.conn, nil
}

func TestRunHandshakeAndDelivery(t *testing.T) {
	conn := newFakeConn()
	target := models.Target{ProjectID: "p", EnvironmentID: "env-1", ServiceID: "svc-1"}
	s := NewSubscription("ws://example/graphql", "tok", target, "payments", Options{
		Dialer:            fakeDialer{conn: conn},
		HeartbeatInterval: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case event := <-s.Events():
		assert.Equal(t, "fatal crash", event.Message)
		assert.Equal(t, "svc-1", event.ServiceID)
		assert.Equal(t, models.LevelError, event.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	assert.True(t, s.Connected())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, StatusDisconnected, s.Snapshot().Status)

	// Protocol order: connection_init first, then the subscribe.
	sent := conn.sent()
	require.GreaterOrEqual(t, len(sent), 2)
	assert.Equal(t, FrameConnectionInit, sent[0].Type)
	assert.Equal(t, FrameSubscribe, sent[1].Type)
}
