package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/store"
	"github.com/railwatch/railwatch/internal/stream"
	"github.com/railwatch/railwatch/internal/utils"
)

type fakeAPIStore struct {
	pingErr       error
	incidents     []*models.Incident
	actions       []*models.RemediationAction
	subscriptions []models.SubscriptionState
}

func (f *fakeAPIStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeAPIStore) ListIncidents(context.Context, store.IncidentFilter) ([]*models.Incident, error) {
	return f.incidents, nil
}

func (f *fakeAPIStore) GetIncident(_ context.Context, id string) (*models.Incident, error) {
	for _, incident := range f.incidents {
		if incident.ID == id {
			return incident, nil
		}
	}
	return nil, utils.E(utils.KindNotFound, "store.GetIncident", "incident not found", nil)
}

func (f *fakeAPIStore) ListActionsForIncident(context.Context, string) ([]*models.RemediationAction, error) {
	return f.actions, nil
}

func (f *fakeAPIStore) ListSubscriptionStates(context.Context) ([]models.SubscriptionState, error) {
	return f.subscriptions, nil
}

type fakeStreams struct {
	connected int
	infos     []stream.ConnectionInfo
}

func (f *fakeStreams) ConnectedCount() int                  { return f.connected }
func (f *fakeStreams) Connections() []stream.ConnectionInfo { return f.infos }

func newTestServer(st *fakeAPIStore, streams *fakeStreams, secret string) http.Handler {
	return NewServer(st, streams, nil, nil, nil, nil, secret, nil).Handler()
}

func TestHealthOK(t *testing.T) {
	h := newTestServer(&fakeAPIStore{}, &fakeStreams{connected: 2}, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Components["database"])
	assert.Equal(t, "ok", body.Components["log_stream"])
}

func TestHealthDegradedOnDatabaseError(t *testing.T) {
	st := &fakeAPIStore{pingErr: utils.E(utils.KindInternal, "store.Ping", "db locked", nil)}
	h := newTestServer(st, &fakeStreams{}, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "error", body.Components["database"])
	assert.Equal(t, "degraded", body.Components["log_stream"])
}

func TestListIncidents(t *testing.T) {
	st := &fakeAPIStore{incidents: []*models.Incident{
		{ID: "inc-1", ServiceName: "payments", Severity: models.SeverityHigh, Status: models.StatusDetected},
	}}
	h := newTestServer(st, &fakeStreams{}, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/incidents?status=detected", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "inc-1")
	assert.Contains(t, rec.Body.String(), "payments")
}

func TestGetIncidentNotFound(t *testing.T) {
	h := newTestServer(&fakeAPIStore{}, &fakeStreams{}, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/incidents/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnections(t *testing.T) {
	streams := &fakeStreams{infos: []stream.ConnectionInfo{
		{Target: models.Target{ServiceID: "svc-1"}, Alive: true, Connected: true},
	}}
	h := newTestServer(&fakeAPIStore{}, streams, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/connections", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "svc-1")
}

func TestSubscriptionsServesPersistedSnapshot(t *testing.T) {
	st := &fakeAPIStore{subscriptions: []models.SubscriptionState{
		{Target: models.Target{ProjectID: "p1", EnvironmentID: "env-1", ServiceID: "svc-1"}, Status: "connected"},
	}}
	h := newTestServer(st, &fakeStreams{}, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "svc-1")
	assert.Contains(t, rec.Body.String(), "connected")
}

// signedSlackRequest builds a request carrying a valid v0 signature for body.
func signedSlackRequest(t *testing.T, path, secret, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestSlackEndpointsRejectUnsigned(t *testing.T) {
	h := newTestServer(&fakeAPIStore{}, &fakeStreams{}, "shhh")

	for _, path := range []string{"/slack/interactive", "/slack/slash"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("payload={}"))
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "path=%s", path)
	}
}

func TestSlackEndpointsRejectEverythingWithoutSecret(t *testing.T) {
	// No signing secret configured: even a correctly signed request is
	// unverifiable and must be refused.
	h := newTestServer(&fakeAPIStore{}, &fakeStreams{}, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSlackRequest(t, "/slack/interactive", "whatever", "payload={}"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSlackEndpointsRejectBadSignature(t *testing.T) {
	h := newTestServer(&fakeAPIStore{}, &fakeStreams{}, "real-secret")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSlackRequest(t, "/slack/slash", "wrong-secret", "channel_id=C1&user_id=U1&text=status"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInteractiveRejectsMissingPayload(t *testing.T) {
	h := newTestServer(&fakeAPIStore{}, &fakeStreams{}, "shhh")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSlackRequest(t, "/slack/interactive", "shhh", "notpayload=x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInteractiveRejectsMalformedPayload(t *testing.T) {
	h := newTestServer(&fakeAPIStore{}, &fakeStreams{}, "shhh")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSlackRequest(t, "/slack/interactive", "shhh", "payload=%7Bnot-json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInteractiveRejectsNonBlockActions(t *testing.T) {
	h := newTestServer(&fakeAPIStore{}, &fakeStreams{}, "shhh")

	body := "payload=" + `{"type":"view_submission"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSlackRequest(t, "/slack/interactive", "shhh", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSlashRejectsMissingChannel(t *testing.T) {
	h := newTestServer(&fakeAPIStore{}, &fakeStreams{}, "shhh")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSlackRequest(t, "/slack/slash", "shhh", "text=status"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
