package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweepStore struct {
	incidentCutoff time.Time
	sessionCutoff  time.Time
	logCutoff      time.Time
	incidentCalls  int
	sessionCalls   int
	logCalls       int
	incidentErr    error
}

func (f *fakeSweepStore) DeleteIncidentsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.incidentCalls++
	f.incidentCutoff = cutoff
	return 3, f.incidentErr
}

func (f *fakeSweepStore) DeleteClosedSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.sessionCalls++
	f.sessionCutoff = cutoff
	return 1, nil
}

func (f *fakeSweepStore) DeleteLogEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.logCalls++
	f.logCutoff = cutoff
	return 100, nil
}

func TestSweepCutoffs(t *testing.T) {
	st := &fakeSweepStore{}
	w := New(st, 30, 48*time.Hour, nil)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	w.Sweep(context.Background())

	require.Equal(t, 1, st.incidentCalls)
	require.Equal(t, 1, st.sessionCalls)
	require.Equal(t, 1, st.logCalls)
	assert.Equal(t, fixed.AddDate(0, 0, -30), st.incidentCutoff)
	assert.Equal(t, fixed.AddDate(0, 0, -30), st.sessionCutoff)
	assert.Equal(t, fixed.Add(-48*time.Hour), st.logCutoff)
}

func TestSweepDisabledByZeroSettings(t *testing.T) {
	st := &fakeSweepStore{}
	w := New(st, 0, 0, nil)

	w.Sweep(context.Background())

	assert.Zero(t, st.incidentCalls)
	assert.Zero(t, st.sessionCalls)
	assert.Zero(t, st.logCalls)
}

func TestSweepFailureDoesNotAbortPass(t *testing.T) {
	st := &fakeSweepStore{incidentErr: errors.New("db locked")}
	w := New(st, 7, time.Hour, nil)

	w.Sweep(context.Background())

	// The session and log sweeps still run after an incident sweep failure.
	assert.Equal(t, 1, st.sessionCalls)
	assert.Equal(t, 1, st.logCalls)
}
