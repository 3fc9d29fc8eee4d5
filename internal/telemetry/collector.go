// Package telemetry aggregates pipeline activity into an in-process snapshot
// served by the health and dashboard surfaces.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/railwatch/railwatch/internal/broker"
	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/utils"
)

// Snapshot is one point-in-time view of pipeline activity.
type Snapshot struct {
	StartedAt           time.Time                 `json:"started_at"`
	IncidentsBySeverity map[models.Severity]int64 `json:"incidents_by_severity"`
	IncidentsByStatus   map[string]int64          `json:"incidents_by_status"`
	ActionsObserved     int64                     `json:"actions_observed"`
	BrokerDropped       uint64                    `json:"broker_dropped"`
	AlertP95            time.Duration             `json:"alert_p95"`
	AlertAverage        time.Duration             `json:"alert_average"`
}

// Collector subscribes to pipeline topics and keeps running aggregates.
type Collector struct {
	bus     *broker.Broker
	logger  *slog.Logger
	alertLT *utils.LatencyTracker
	now     func() time.Time

	mu         sync.Mutex
	startedAt  time.Time
	bySeverity map[models.Severity]int64
	byStatus   map[string]int64
	actions    int64
}

// New constructs a collector.
func New(bus *broker.Broker, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		bus:        bus,
		logger:     logger.With(slog.String("component", "telemetry")),
		alertLT:    utils.NewLatencyTracker(1024),
		now:        time.Now,
		startedAt:  time.Now().UTC(),
		bySeverity: make(map[models.Severity]int64),
		byStatus:   make(map[string]int64),
	}
}

// Run consumes dashboard and remediation events until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	incidents, cancelInc := c.bus.Subscribe(broker.TopicDashboardIncidents)
	defer cancelInc()
	actions, cancelAct := c.bus.Subscribe(broker.TopicRemediationActions)
	defer cancelAct()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-incidents:
			if !ok {
				return nil
			}
			if incident, ok := msg.Payload.(*models.Incident); ok {
				c.observeIncident(incident)
			}
		case _, ok := <-actions:
			if !ok {
				return nil
			}
			c.mu.Lock()
			c.actions++
			c.mu.Unlock()
		}
	}
}

func (c *Collector) observeIncident(incident *models.Incident) {
	c.mu.Lock()
	c.bySeverity[incident.Severity]++
	c.byStatus[string(incident.Status)]++
	c.mu.Unlock()

	if incident.Status == models.StatusDetected {
		c.alertLT.Observe(c.now().Sub(incident.DetectedAt))
	}
}

// Current returns the aggregate snapshot.
func (c *Collector) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	bySeverity := make(map[models.Severity]int64, len(c.bySeverity))
	for k, v := range c.bySeverity {
		bySeverity[k] = v
	}
	byStatus := make(map[string]int64, len(c.byStatus))
	for k, v := range c.byStatus {
		byStatus[k] = v
	}
	return Snapshot{
		StartedAt:           c.startedAt,
		IncidentsBySeverity: bySeverity,
		IncidentsByStatus:   byStatus,
		ActionsObserved:     c.actions,
		BrokerDropped:       c.bus.Dropped(),
		AlertP95:            c.alertLT.Percentile(95),
		AlertAverage:        c.alertLT.Average(),
	}
}
