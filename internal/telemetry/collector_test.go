package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railwatch/railwatch/internal/broker"
	"github.com/railwatch/railwatch/internal/models"
)

func TestCollectorAggregatesIncidents(t *testing.T) {
	bus := broker.New(nil, 16)
	c := New(bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Wait for Run to subscribe; the broker only delivers to current subscribers.
	require.Eventually(t, func() bool {
		return bus.SubscriberCount(broker.TopicDashboardIncidents) == 1 &&
			bus.SubscriberCount(broker.TopicRemediationActions) == 1
	}, time.Second, time.Millisecond)

	bus.Publish(broker.TopicDashboardIncidents, &models.Incident{
		Severity: models.SeverityCritical, Status: models.StatusDetected, DetectedAt: time.Now(),
	})
	bus.Publish(broker.TopicDashboardIncidents, &models.Incident{
		Severity: models.SeverityHigh, Status: models.StatusAutoRemediated, DetectedAt: time.Now(),
	})
	bus.Publish(broker.TopicRemediationActions, models.AutoFixRequest{IncidentID: "inc-1"})

	require.Eventually(t, func() bool {
		snap := c.Current()
		return snap.ActionsObserved == 1 &&
			snap.IncidentsBySeverity[models.SeverityCritical] == 1 &&
			snap.IncidentsBySeverity[models.SeverityHigh] == 1
	}, time.Second, 5*time.Millisecond)

	snap := c.Current()
	assert.Equal(t, int64(1), snap.IncidentsByStatus["detected"])
	assert.Equal(t, int64(1), snap.IncidentsByStatus["auto_remediated"])
	assert.False(t, snap.StartedAt.IsZero())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestCollectorAlertLatencyOnlyForDetected(t *testing.T) {
	bus := broker.New(nil, 16)
	c := New(bus, nil)
	c.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 1, 0, time.UTC) }

	detectedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.observeIncident(&models.Incident{Severity: models.SeverityLow, Status: models.StatusDetected, DetectedAt: detectedAt})
	c.observeIncident(&models.Incident{Severity: models.SeverityLow, Status: models.StatusFailed, DetectedAt: detectedAt})

	snap := c.Current()
	assert.Equal(t, time.Second, snap.AlertAverage, "only fresh detections feed alert latency")
}

func TestCollectorSnapshotIsACopy(t *testing.T) {
	c := New(broker.New(nil, 16), nil)
	c.observeIncident(&models.Incident{Severity: models.SeverityLow, Status: models.StatusDetected, DetectedAt: time.Now()})

	snap := c.Current()
	snap.IncidentsBySeverity[models.SeverityLow] = 99

	assert.Equal(t, int64(1), c.Current().IncidentsBySeverity[models.SeverityLow])
}
