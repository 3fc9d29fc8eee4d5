package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railwatch/railwatch/internal/models"
)

type staticConnections struct {
	infos []ConnectionInfo
}

func (s staticConnections) Connections() []ConnectionInfo { return s.infos }

type recordingStateStore struct {
	mu       sync.Mutex
	failures int
	saves    [][]models.SubscriptionState
}

func (r *recordingStateStore) SaveSubscriptionStates(_ context.Context, states []models.SubscriptionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("database is locked")
	}
	r.saves = append(r.saves, states)
	return nil
}

func testConnections() []ConnectionInfo {
	return []ConnectionInfo{
		{
			Target:    models.Target{ProjectID: "p1", EnvironmentID: "env-1", ServiceID: "svc-1"},
			Connected: true,
			State:     State{Status: StatusConnected, LastHeartbeat: time.Now()},
		},
		{
			Target:      models.Target{ProjectID: "p1", EnvironmentID: "env-1", ServiceID: "svc-2"},
			Quarantined: true,
		},
	}
}

func newTestPersister(store StateStore, infos []ConnectionInfo) *StatePersister {
	p := NewStatePersister(staticConnections{infos: infos}, store, time.Minute, nil)
	p.startDelay = 0
	p.retryBase = time.Millisecond
	return p
}

func TestPersistOnceRetriesThenSucceeds(t *testing.T) {
	store := &recordingStateStore{failures: 2}
	p := newTestPersister(store, testConnections())

	p.persistOnce(context.Background())

	require.Len(t, store.saves, 1)
	assert.False(t, p.Degraded())
}

func TestPersistOnceDegradesAfterRetryBudget(t *testing.T) {
	store := &recordingStateStore{failures: 3}
	p := newTestPersister(store, testConnections())

	p.persistOnce(context.Background())
	assert.True(t, p.Degraded())
	assert.Empty(t, store.saves)

	// The next snapshot that lands clears the degraded flag.
	p.persistOnce(context.Background())
	assert.False(t, p.Degraded())
	require.Len(t, store.saves, 1)
}

func TestPersistOnceSkipsEmptySnapshot(t *testing.T) {
	store := &recordingStateStore{}
	p := newTestPersister(store, nil)

	p.persistOnce(context.Background())
	assert.Empty(t, store.saves)
}

func TestSnapshotMarksQuarantinedTargets(t *testing.T) {
	p := newTestPersister(&recordingStateStore{}, testConnections())

	states := p.snapshot()
	require.Len(t, states, 2)
	assert.Equal(t, string(StatusConnected), states[0].Status)
	assert.False(t, states[0].LastHeartbeat.IsZero())
	assert.Equal(t, "quarantined", states[1].Status)
}
