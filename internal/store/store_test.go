package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/utils"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func candidate(serviceID, fingerprint string, severity models.Severity) models.Candidate {
	return models.Candidate{
		ServiceID:         serviceID,
		ServiceName:       "payments",
		EnvironmentID:     "env-1",
		Fingerprint:       fingerprint,
		Severity:          severity,
		Confidence:        0.8,
		RootCause:         "memory exhaustion",
		RecommendedAction: models.ActionScaleMemory,
		Reasoning:         "matched signal: oom",
	}
}

func TestUpsertIncidentCreatesThenUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, outcome, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertCreated, outcome)
	assert.Equal(t, models.StatusDetected, first.Status)
	assert.False(t, first.DetectedAt.IsZero())

	second, outcome, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityCritical))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertUpdated, outcome)
	assert.Equal(t, first.ID, second.ID)
	// Severity only ever rises on update.
	assert.Equal(t, models.SeverityCritical, second.Severity)

	lower, outcome, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityLow))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertUpdated, outcome)
	assert.Equal(t, models.SeverityCritical, lower.Severity)
}

func TestUpsertIncidentSkipsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, _, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)
	_, err = s.TransitionIncident(ctx, created.ID, models.StatusManualResolved)
	require.NoError(t, err)

	_, outcome, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityCritical))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertSkipped, outcome)
}

func TestUpsertIncidentRevivesFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, _, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)
	_, err = s.TransitionIncident(ctx, created.ID, models.StatusAwaitingAction)
	require.NoError(t, err)
	_, err = s.TransitionIncident(ctx, created.ID, models.StatusFailed)
	require.NoError(t, err)

	revived, outcome, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)
	assert.Equal(t, models.UpsertUpdated, outcome)
	assert.Equal(t, models.StatusDetected, revived.Status)
}

func TestUpsertIncidentSeparatesServices(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)
	b, _, err := s.UpsertIncident(ctx, candidate("svc-2", "fp-1", models.SeverityHigh))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestTransitionIncidentRejectsInvalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, _, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)

	_, err = s.TransitionIncident(ctx, created.ID, models.StatusAutoRemediated)
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindInvalidTransition))

	_, err = s.TransitionIncident(ctx, "missing", models.StatusIgnored)
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
}

func TestTransitionIncidentStampsResolvedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, _, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)

	resolved, err := s.TransitionIncident(ctx, created.ID, models.StatusManualResolved)
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestCreateActionEnforcesSingleOpenAction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	incident, _, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)

	first, err := s.CreateAction(ctx, incident.ID, models.InitiatorUser, "U123", models.ActionRestart, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ActionPending, first.Status)

	_, err = s.CreateAction(ctx, incident.ID, models.InitiatorUser, "U456", models.ActionRedeploy, nil)
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindActionInProgress))

	// Terminal action frees the slot.
	require.NoError(t, s.UpdateActionStatus(ctx, first.ID, models.ActionFailed, "", "deploy not found"))
	_, err = s.CreateAction(ctx, incident.ID, models.InitiatorUser, "U456", models.ActionRedeploy, nil)
	require.NoError(t, err)
}

func TestUpdateActionStatusStampsCompletedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	incident, _, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)
	action, err := s.CreateAction(ctx, incident.ID, models.InitiatorAutomated, "", models.ActionRestart, nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateActionStatus(ctx, action.ID, models.ActionInProgress, "", ""))
	got, err := s.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateActionStatus(ctx, action.ID, models.ActionSucceeded, "restarted", ""))
	got, err = s.GetAction(ctx, action.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "restarted", got.ResultMessage)
}

func TestListStaleActions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	incident, _, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)
	_, err = s.CreateAction(ctx, incident.ID, models.InitiatorAutomated, "", models.ActionRestart, nil)
	require.NoError(t, err)

	stale, err := s.ListStaleActions(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	none, err := s.ListStaleActions(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFindOrCreateSessionReusesOpenSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, created, err := s.FindOrCreateSession(ctx, "inc-1", "slack", "C1:123.456", "U1")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.FindOrCreateSession(ctx, "", "slack", "C1:123.456", "U2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "inc-1", again.IncidentID)

	// Closing frees the ref for a fresh session.
	require.NoError(t, s.CloseSession(ctx, first.ID))
	fresh, created, err := s.FindOrCreateSession(ctx, "inc-2", "slack", "C1:123.456", "U1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	session, _, err := s.FindOrCreateSession(ctx, "inc-1", "slack", "C1:1.2", "U1")
	require.NoError(t, err)
	require.NoError(t, s.CloseSession(ctx, session.ID))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClosedAt)
	closedAt := *got.ClosedAt

	require.NoError(t, s.CloseSession(ctx, session.ID))
	got, err = s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, closedAt, *got.ClosedAt)
}

func TestMessagesOrderedByTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	session, _, err := s.FindOrCreateSession(ctx, "inc-1", "slack", "C1:1.2", "U1")
	require.NoError(t, err)

	for _, content := range []string{"first", "second", "third"} {
		_, err := s.AppendMessage(ctx, session.ID, models.RoleUser, content, "")
		require.NoError(t, err)
	}

	messages, err := s.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	for i := 1; i < len(messages); i++ {
		assert.False(t, messages[i].Timestamp.Before(messages[i-1].Timestamp))
	}
}

func TestPolicyForCreatesDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	policy, err := s.PolicyFor(ctx, "svc-1", "payments")
	require.NoError(t, err)
	assert.False(t, policy.AutoRemediationEnabled)
	assert.Equal(t, models.ProviderAuto, policy.LLMProvider)
	assert.InDelta(t, 0.8, policy.ConfidenceThreshold, 0.001)

	policy.AutoRemediationEnabled = true
	policy.DefaultMemoryMB = 2048
	require.NoError(t, s.UpdatePolicy(ctx, policy))

	got, err := s.PolicyFor(ctx, "svc-1", "payments")
	require.NoError(t, err)
	assert.True(t, got.AutoRemediationEnabled)
	assert.Equal(t, 2048, got.DefaultMemoryMB)
}

func TestUpdatePolicyValidates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bad := models.DefaultPolicy("svc-1", "payments")
	bad.ConfidenceThreshold = 1.5
	err := s.UpdatePolicy(ctx, bad)
	assert.True(t, utils.IsKind(err, utils.KindInvalidEnum))
}

func TestRetentionDeletes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	incident, _, err := s.UpsertIncident(ctx, candidate("svc-1", "fp-1", models.SeverityHigh))
	require.NoError(t, err)
	_, err = s.CreateAction(ctx, incident.ID, models.InitiatorUser, "U1", models.ActionRestart, nil)
	require.NoError(t, err)

	n, err := s.DeleteIncidentsBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Cascade removed the action too.
	actions, err := s.ListActionsForIncident(ctx, incident.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestSessionRetentionAnchorsOnStart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Session started long ago but closed just now: still past retention.
	s.now = func() time.Time { return time.Now().Add(-40 * 24 * time.Hour) }
	stale, _, err := s.FindOrCreateSession(ctx, "inc-1", "slack", "C1:old", "U1")
	require.NoError(t, err)
	s.now = time.Now
	require.NoError(t, s.CloseSession(ctx, stale.ID))

	recent, _, err := s.FindOrCreateSession(ctx, "inc-2", "slack", "C1:new", "U1")
	require.NoError(t, err)
	require.NoError(t, s.CloseSession(ctx, recent.ID))

	n, err := s.DeleteClosedSessionsBefore(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetSession(ctx, stale.ID)
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
	_, err = s.GetSession(ctx, recent.ID)
	require.NoError(t, err)
}

func TestSaveSubscriptionStatesUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	target := models.Target{ProjectID: "p1", EnvironmentID: "env-1", ServiceID: "svc-1"}
	require.NoError(t, s.SaveSubscriptionStates(ctx, []models.SubscriptionState{
		{Target: target, Status: "connecting", Attempts: 1},
	}))
	require.NoError(t, s.SaveSubscriptionStates(ctx, []models.SubscriptionState{
		{Target: target, Status: "connected", LastHeartbeat: time.Now()},
		{Target: models.Target{ProjectID: "p1", EnvironmentID: "env-1", ServiceID: "svc-2"},
			Status: "error", LastError: "dial: connection refused"},
	}))

	states, err := s.ListSubscriptionStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2, "upsert must not duplicate a target")
	assert.Equal(t, "connected", states[0].Status)
	assert.False(t, states[0].LastHeartbeat.IsZero())
	assert.Equal(t, "error", states[1].Status)
	assert.Equal(t, "dial: connection refused", states[1].LastError)
}

func TestLogEventLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events := []models.LogEvent{
		{ServiceID: "svc-1", Level: models.LevelError, Message: "boom", Timestamp: time.Now().Add(-2 * time.Hour)},
		{ServiceID: "svc-1", Level: models.LevelInfo, Message: "ok", Timestamp: time.Now()},
	}
	require.NoError(t, s.InsertLogEvents(ctx, events))

	n, err := s.CountLogEvents(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	deleted, err := s.DeleteLogEventsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}
