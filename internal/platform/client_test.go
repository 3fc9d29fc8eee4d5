package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railwatch/railwatch/internal/utils"
)

func noSleep(c *Client) {
	c.sleep = func(context.Context, time.Duration) error { return nil }
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-token", nil)
	noSleep(c)
	return c, srv
}

func TestExecuteWithoutTokenFailsFast(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	_, err := c.GetService(context.Background(), "svc-1")
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindNotConfigured))
	assert.EqualValues(t, 0, hits.Load(), "no network call may happen without a token")
}

func TestExecuteRetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"service": map[string]any{"id": "svc-1", "name": "payments"}},
		})
	})

	svc, err := c.GetService(context.Background(), "svc-1")
	require.NoError(t, err)
	assert.Equal(t, "payments", svc.Name)
	assert.EqualValues(t, 3, hits.Load())
}

func TestExecuteGivesUpAfterRetryBudget(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.GetService(context.Background(), "svc-1")
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindNetwork))
	assert.EqualValues(t, 4, hits.Load(), "initial attempt plus three retries")
}

func TestExecuteRateLimited(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.GetService(context.Background(), "svc-1")
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindRateLimited))
	assert.True(t, utils.Retryable(err))
}

func TestExecuteMapsGraphQLErrors(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]string{{"message": "Not Authorized"}},
		})
	})
	_, err := c.GetService(context.Background(), "svc-1")
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindUnauthorized))
}

func TestLatestDeploymentIDSentinels(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"service": map[string]any{
				"id": "svc-1", "name": "payments",
				"serviceInstances": map[string]any{"edges": []any{
					map[string]any{"node": map[string]any{"environmentId": "env-1", "numReplicas": 1}},
				}},
			}},
		})
	})

	_, err := c.LatestDeploymentID(context.Background(), "env-1", "svc-1")
	assert.ErrorIs(t, err, ErrNoDeployment)

	_, err = c.LatestDeploymentID(context.Background(), "env-other", "svc-1")
	assert.ErrorIs(t, err, ErrNoInstanceForEnvironment)
}

func deploymentEdge(id, status string, at time.Time) map[string]any {
	return map[string]any{"node": map[string]any{
		"id": id, "status": status, "createdAt": at.Format(time.RFC3339),
		"serviceId": "svc-1", "environmentId": "env-1",
	}}
}

func TestPreviousSucceededDeploymentID(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"deployments": map[string]any{"edges": []any{
				deploymentEdge("d4", "CRASHED", now),
				deploymentEdge("d3", "SUCCESS", now.Add(-time.Hour)),
				deploymentEdge("d2", "FAILED", now.Add(-2*time.Hour)),
				deploymentEdge("d1", "SUCCESS", now.Add(-3*time.Hour)),
			}}},
		})
	})

	// Rollback target is the second-most-recent successful deployment.
	id, err := c.PreviousSucceededDeploymentID(context.Background(), "p", "env-1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, "d1", id)
}

func TestPreviousSucceededDeploymentIDNeedsTwo(t *testing.T) {
	now := time.Now().UTC()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"deployments": map[string]any{"edges": []any{
				deploymentEdge("d1", "SUCCESS", now),
			}}},
		})
	})
	_, err := c.PreviousSucceededDeploymentID(context.Background(), "p", "env-1", "svc-1")
	assert.ErrorIs(t, err, ErrNoDeployment)
}

func TestRestartDeploymentSendsAuth(t *testing.T) {
	var auth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"deploymentRestart": true}})
	})

	result, err := c.RestartDeployment(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "dep-1", result.DeploymentID)
	assert.NotEmpty(t, result.CorrelationID)
	assert.Equal(t, "Bearer test-token", auth)
}

func TestCancelDeploymentSurvivesTransientFailure(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"deploymentCancel": true}})
	})

	result, err := c.CancelDeployment(context.Background(), "dep-7")
	require.NoError(t, err)
	assert.Equal(t, "dep-7", result.DeploymentID)
	assert.NotEmpty(t, result.CorrelationID)
	assert.EqualValues(t, 2, hits.Load())
}

func TestGetVariablesSortsByName(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"variables": map[string]string{
				"PORT":         "8080",
				"DATABASE_URL": "postgres://db",
			}},
		})
	})

	vars, err := c.GetVariables(context.Background(), "p1", "env-1", "svc-1")
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "DATABASE_URL", vars[0].Name)
	assert.Equal(t, "PORT", vars[1].Name)
	assert.Equal(t, "8080", vars[1].Value)
}

func TestUpsertVariableSendsInput(t *testing.T) {
	var req graphQLRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"variableUpsert": true}})
	})

	result, err := c.UpsertVariable(context.Background(), "p1", "env-1", "svc-1", "LOG_LEVEL", "debug")
	require.NoError(t, err)
	assert.NotEmpty(t, result.CorrelationID)
	input, ok := req.Variables["input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "LOG_LEVEL", input["name"])
	assert.Equal(t, "debug", input["value"])
}
