// Package remediation executes fix actions against the platform with policy
// gating, action bookkeeping, and incident status transitions.
package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/railwatch/railwatch/internal/broker"
	"github.com/railwatch/railwatch/internal/metrics"
	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/platform"
	"github.com/railwatch/railwatch/internal/utils"
)

// staleAfter marks how long a non-terminal action may sit before startup
// recovery reconciles it against the platform.
const staleAfter = 10 * time.Minute

// Store is the persistence surface the coordinator drives.
type Store interface {
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	TransitionIncident(ctx context.Context, id string, to models.IncidentStatus) (*models.Incident, error)
	PolicyFor(ctx context.Context, serviceID, serviceName string) (models.ServicePolicy, error)
	CreateAction(ctx context.Context, incidentID string, initiator models.InitiatorType, initiatorRef string, actionType models.RecommendedAction, parameters map[string]any) (*models.RemediationAction, error)
	UpdateActionStatus(ctx context.Context, id string, status models.ActionStatus, resultMessage, failureReason string) error
	ListStaleActions(ctx context.Context, cutoff time.Time) ([]*models.RemediationAction, error)
}

// PlatformAPI is the subset of the platform client the coordinator calls.
type PlatformAPI interface {
	LatestDeploymentID(ctx context.Context, environmentID, serviceID string) (string, error)
	PreviousSucceededDeploymentID(ctx context.Context, projectID, environmentID, serviceID string) (string, error)
	ListDeployments(ctx context.Context, projectID, environmentID, serviceID string, limit int) ([]platform.Deployment, error)
	DeploymentLogs(ctx context.Context, deploymentID string, limit int) ([]platform.LogLine, error)
	RestartDeployment(ctx context.Context, deploymentID string) (*platform.MutationResult, error)
	RedeployService(ctx context.Context, environmentID, serviceID string) (*platform.MutationResult, error)
	StopDeployment(ctx context.Context, deploymentID string) (*platform.MutationResult, error)
	RollbackDeployment(ctx context.Context, deploymentID string) (*platform.MutationResult, error)
	UpdateServiceReplicas(ctx context.Context, environmentID, serviceID string, numReplicas int) (*platform.MutationResult, error)
	UpdateServiceLimits(ctx context.Context, environmentID, serviceID string, memoryMB int) (*platform.MutationResult, error)
}

// Notifier reports remediation progress back to the alert thread.
type Notifier interface {
	PostThreadUpdate(ctx context.Context, incidentID, text string) error
	RefreshAlert(ctx context.Context, incident *models.Incident) error
}

// Coordinator serializes remediation per incident and owns the action
// lifecycle from pending to a terminal status.
type Coordinator struct {
	store    Store
	platform PlatformAPI
	notifier Notifier
	bus      *broker.Broker
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a coordinator.
func New(store Store, api PlatformAPI, notifier Notifier, bus *broker.Broker, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		platform: api,
		notifier: notifier,
		bus:      bus,
		logger:   logger.With(slog.String("component", "remediation")),
		now:      time.Now,
	}
}

// Run consumes remediation requests and policy-gated new incidents until ctx
// is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	requests, cancelReq := c.bus.Subscribe(broker.TopicRemediationActions)
	defer cancelReq()
	incidents, cancelInc := c.bus.Subscribe(broker.TopicIncidentsNew)
	defer cancelInc()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-requests:
			if !ok {
				return nil
			}
			if req, ok := msg.Payload.(models.AutoFixRequest); ok {
				if err := c.Execute(ctx, req); err != nil {
					c.logger.Warn("remediation request rejected",
						slog.String("incident_id", req.IncidentID), slog.Any("error", err))
				}
			}
		case msg, ok := <-incidents:
			if !ok {
				return nil
			}
			if incident, ok := msg.Payload.(*models.Incident); ok {
				c.maybeAutoRemediate(ctx, incident)
			}
		}
	}
}

// maybeAutoRemediate initiates a policy-driven fix for a fresh incident when
// the service opted in and the classification is confident enough.
func (c *Coordinator) maybeAutoRemediate(ctx context.Context, incident *models.Incident) {
	if incident.RecommendedAction == models.ActionNone || incident.RecommendedAction == models.ActionManualFix {
		return
	}
	policy, err := c.store.PolicyFor(ctx, incident.ServiceID, incident.ServiceName)
	if err != nil {
		c.logger.Warn("policy lookup failed", slog.String("service_id", incident.ServiceID), slog.Any("error", err))
		return
	}
	if !policy.AutoRemediationEnabled || incident.Confidence < policy.ConfidenceThreshold {
		return
	}
	err = c.Execute(ctx, models.AutoFixRequest{
		IncidentID: incident.ID,
		Initiator:  models.InitiatorAutomated,
		Action:     incident.RecommendedAction,
	})
	if err != nil && !utils.IsKind(err, utils.KindActionInProgress) {
		c.logger.Warn("auto remediation failed to start",
			slog.String("incident_id", incident.ID), slog.Any("error", err))
	}
}

// Execute runs one remediation request end to end.
func (c *Coordinator) Execute(ctx context.Context, req models.AutoFixRequest) error {
	const op = "remediation.Execute"

	incident, err := c.store.GetIncident(ctx, req.IncidentID)
	if err != nil {
		return err
	}
	if incident.Status.Terminal() {
		c.notify(ctx, incident.ID, "Incident is already resolved; nothing to do.")
		return utils.E(utils.KindConflict, op, "incident already resolved", nil)
	}

	if req.Initiator == models.InitiatorAutomated {
		policy, err := c.store.PolicyFor(ctx, incident.ServiceID, incident.ServiceName)
		if err != nil {
			return err
		}
		if !policy.AutoRemediationEnabled {
			return utils.E(utils.KindConflict, op, "auto remediation disabled for service", nil)
		}
		if incident.Confidence < policy.ConfidenceThreshold {
			return utils.E(utils.KindConflict, op,
				fmt.Sprintf("confidence %.2f below threshold %.2f", incident.Confidence, policy.ConfidenceThreshold), nil)
		}
	}

	actionType := req.Action
	if actionType == "" {
		actionType = incident.RecommendedAction
	}

	action, err := c.store.CreateAction(ctx, incident.ID, req.Initiator, req.InitiatorRef, actionType, req.Parameters)
	if err != nil {
		if utils.IsKind(err, utils.KindActionInProgress) {
			c.notify(ctx, incident.ID, "Another remediation is already in progress for this incident.")
		}
		return err
	}

	if err := c.store.UpdateActionStatus(ctx, action.ID, models.ActionInProgress, "", ""); err != nil {
		return err
	}
	if incident.Status == models.StatusDetected || incident.Status == models.StatusFailed {
		if updated, err := c.store.TransitionIncident(ctx, incident.ID, models.StatusAwaitingAction); err == nil {
			incident = updated
		}
	}

	start := c.now()
	result, execErr := c.dispatch(ctx, incident, action)
	duration := c.now().Sub(start)
	metrics.ObserveRemediation(string(actionType), execErr == nil, duration)

	if execErr != nil {
		c.fail(ctx, incident, action, execErr)
		return nil
	}
	c.succeed(ctx, incident, action, result, duration)
	return nil
}

// dispatch maps an action type onto platform mutations. Diagnostic actions
// (manual_fix, none) gather context instead of mutating anything.
func (c *Coordinator) dispatch(ctx context.Context, incident *models.Incident, action *models.RemediationAction) (string, error) {
	const op = "remediation.dispatch"

	switch action.ActionType {
	case models.ActionRestart:
		deploymentID, err := c.platform.LatestDeploymentID(ctx, incident.EnvironmentID, incident.ServiceID)
		if err != nil {
			return "", err
		}
		if _, err := c.platform.RestartDeployment(ctx, deploymentID); err != nil {
			return "", err
		}
		return "restarted deployment " + deploymentID, nil

	case models.ActionRedeploy:
		if _, err := c.platform.RedeployService(ctx, incident.EnvironmentID, incident.ServiceID); err != nil {
			return "", err
		}
		return "triggered redeploy", nil

	case models.ActionStop:
		deploymentID, err := c.platform.LatestDeploymentID(ctx, incident.EnvironmentID, incident.ServiceID)
		if err != nil {
			return "", err
		}
		if _, err := c.platform.StopDeployment(ctx, deploymentID); err != nil {
			return "", err
		}
		return "stopped deployment " + deploymentID, nil

	case models.ActionRollback:
		projectID, _ := action.Parameters["project_id"].(string)
		deploymentID, err := c.platform.PreviousSucceededDeploymentID(ctx, projectID, incident.EnvironmentID, incident.ServiceID)
		if err != nil {
			return "", err
		}
		if _, err := c.platform.RollbackDeployment(ctx, deploymentID); err != nil {
			return "", err
		}
		return "rolled back to deployment " + deploymentID, nil

	case models.ActionScaleMemory:
		memoryMB := intParam(action.Parameters, "memory_mb")
		if memoryMB <= 0 {
			policy, err := c.store.PolicyFor(ctx, incident.ServiceID, incident.ServiceName)
			if err != nil {
				return "", err
			}
			memoryMB = policy.DefaultMemoryMB
		}
		if memoryMB <= 0 {
			return "", utils.E(utils.KindUnsupported, op,
				"no memory target configured; set memory_mb or the service policy default", nil)
		}
		if _, err := c.platform.UpdateServiceLimits(ctx, incident.EnvironmentID, incident.ServiceID, memoryMB); err != nil {
			return "", err
		}
		return fmt.Sprintf("raised memory limit to %d MB", memoryMB), nil

	case models.ActionScaleReplicas:
		replicas := intParam(action.Parameters, "replicas")
		if replicas <= 0 {
			policy, err := c.store.PolicyFor(ctx, incident.ServiceID, incident.ServiceName)
			if err != nil {
				return "", err
			}
			replicas = policy.DefaultReplicas
		}
		if replicas <= 0 {
			replicas = 1
		}
		if _, err := c.platform.UpdateServiceReplicas(ctx, incident.EnvironmentID, incident.ServiceID, replicas); err != nil {
			return "", err
		}
		return fmt.Sprintf("scaled to %d replicas", replicas), nil

	case models.ActionManualFix, models.ActionNone:
		return c.diagnose(ctx, incident), nil

	default:
		return "", utils.E(utils.KindUnsupported, op,
			fmt.Sprintf("unsupported action type %q", action.ActionType), nil)
	}
}

// diagnose collects deployment context for a human instead of mutating the
// service.
func (c *Coordinator) diagnose(ctx context.Context, incident *models.Incident) string {
	deploymentID, err := c.platform.LatestDeploymentID(ctx, incident.EnvironmentID, incident.ServiceID)
	if err != nil {
		return "diagnostic: no active deployment found"
	}
	lines, err := c.platform.DeploymentLogs(ctx, deploymentID, 10)
	if err != nil || len(lines) == 0 {
		return "diagnostic: deployment " + deploymentID + ", no recent logs available"
	}
	return fmt.Sprintf("diagnostic: deployment %s, last log: %s", deploymentID, lines[len(lines)-1].Message)
}

func (c *Coordinator) succeed(ctx context.Context, incident *models.Incident, action *models.RemediationAction, result string, duration time.Duration) {
	if err := c.store.UpdateActionStatus(ctx, action.ID, models.ActionSucceeded, result, ""); err != nil {
		c.logger.Error("action status update failed", slog.String("action_id", action.ID), slog.Any("error", err))
	}

	// Diagnostic actions leave the incident open for a human.
	if action.ActionType != models.ActionManualFix && action.ActionType != models.ActionNone {
		if updated, err := c.store.TransitionIncident(ctx, incident.ID, models.StatusAutoRemediated); err == nil {
			incident = updated
		} else {
			c.logger.Warn("transition to auto_remediated failed",
				slog.String("incident_id", incident.ID), slog.Any("error", err))
		}
	}

	c.notify(ctx, incident.ID, fmt.Sprintf("✅ %s (%.1fs)", result, duration.Seconds()))
	if c.notifier != nil {
		c.notifier.RefreshAlert(ctx, incident)
	}
	if c.bus != nil {
		c.bus.Publish(broker.TopicDashboardIncidents, incident)
	}
}

func (c *Coordinator) fail(ctx context.Context, incident *models.Incident, action *models.RemediationAction, execErr error) {
	reason := execErr.Error()
	if err := c.store.UpdateActionStatus(ctx, action.ID, models.ActionFailed, "", reason); err != nil {
		c.logger.Error("action status update failed", slog.String("action_id", action.ID), slog.Any("error", err))
	}
	if updated, err := c.store.TransitionIncident(ctx, incident.ID, models.StatusFailed); err == nil {
		incident = updated
	}

	c.logger.Error("remediation failed",
		slog.String("incident_id", incident.ID),
		slog.String("action", string(action.ActionType)),
		slog.Any("error", execErr))
	c.notify(ctx, incident.ID, "❌ Remediation failed: "+reason)
	if c.notifier != nil {
		c.notifier.RefreshAlert(ctx, incident)
	}
	if c.bus != nil {
		c.bus.Publish(broker.TopicDashboardIncidents, incident)
	}
}

// RecoverStale reconciles actions left pending or in_progress by a previous
// process: it checks the latest deployment and settles the action either way.
func (c *Coordinator) RecoverStale(ctx context.Context) error {
	cutoff := c.now().Add(-staleAfter)
	stale, err := c.store.ListStaleActions(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, action := range stale {
		incident, err := c.store.GetIncident(ctx, action.IncidentID)
		if err != nil {
			c.store.UpdateActionStatus(ctx, action.ID, models.ActionFailed, "", "incident missing during recovery")
			continue
		}
		status := c.latestDeploymentStatus(ctx, incident)
		if status == platform.DeployStatusSuccess {
			c.store.UpdateActionStatus(ctx, action.ID, models.ActionSucceeded,
				"recovered: deployment healthy after restart", "")
			c.store.TransitionIncident(ctx, incident.ID, models.StatusAutoRemediated)
		} else {
			c.store.UpdateActionStatus(ctx, action.ID, models.ActionFailed, "",
				"recovered: action interrupted, deployment status "+status)
			c.store.TransitionIncident(ctx, incident.ID, models.StatusFailed)
		}
		c.logger.Info("recovered stale action",
			slog.String("action_id", action.ID),
			slog.String("incident_id", incident.ID),
			slog.String("deployment_status", status))
	}
	return nil
}

func (c *Coordinator) latestDeploymentStatus(ctx context.Context, incident *models.Incident) string {
	deployments, err := c.platform.ListDeployments(ctx, "", incident.EnvironmentID, incident.ServiceID, 1)
	if err != nil || len(deployments) == 0 {
		return "unknown"
	}
	return deployments[0].Status
}

func (c *Coordinator) notify(ctx context.Context, incidentID, text string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.PostThreadUpdate(ctx, incidentID, text); err != nil {
		c.logger.Warn("thread update failed", slog.String("incident_id", incidentID), slog.Any("error", err))
	}
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return 0
}
