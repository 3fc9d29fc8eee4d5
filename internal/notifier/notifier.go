// Package notifier posts incident alerts to Slack and translates interactive
// button clicks into pipeline events.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/railwatch/railwatch/internal/broker"
	"github.com/railwatch/railwatch/internal/llm"
	"github.com/railwatch/railwatch/internal/metrics"
	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/platform"
	"github.com/railwatch/railwatch/internal/utils"
)

// deployLogLines is how much deployment context the refinement prompt gets.
const deployLogLines = 50

// SlackAPI is the subset of the Slack client the notifier needs.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// IncidentStore is the persistence surface the notifier touches.
type IncidentStore interface {
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	TransitionIncident(ctx context.Context, id string, to models.IncidentStatus) (*models.Incident, error)
}

// Platform fetches deployment context for auto-fix refinement.
type Platform interface {
	LatestDeploymentID(ctx context.Context, environmentID, serviceID string) (string, error)
	DeploymentLogs(ctx context.Context, deploymentID string, limit int) ([]platform.LogLine, error)
}

// Notifier owns the alert channel: one root message per incident, updates
// and action chatter in its thread.
type Notifier struct {
	api       SlackAPI
	channelID string
	store     IncidentStore
	platform  Platform
	router    *llm.Router
	bus       *broker.Broker
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	threads map[string]string // incident id -> root message ts
}

// New constructs a notifier. api may be nil when Slack is not configured;
// every method then logs and no-ops.
func New(api SlackAPI, channelID string, store IncidentStore, platform Platform, router *llm.Router, bus *broker.Broker, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		api:       api,
		channelID: channelID,
		store:     store,
		platform:  platform,
		router:    router,
		bus:       bus,
		logger:    logger.With(slog.String("component", "notifier")),
		now:       time.Now,
		threads:   make(map[string]string),
	}
}

// Enabled reports whether alerts can actually be delivered.
func (n *Notifier) Enabled() bool { return n.api != nil && n.channelID != "" }

// Run consumes new-incident events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	events, cancel := n.bus.Subscribe(broker.TopicIncidentsNew)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			incident, ok := msg.Payload.(*models.Incident)
			if !ok {
				continue
			}
			if err := n.Notify(ctx, incident); err != nil {
				n.logger.Error("alert delivery failed",
					slog.String("incident_id", incident.ID), slog.Any("error", err))
			}
		}
	}
}

// Notify posts the alert for an incident, or updates the existing root
// message when the incident already has one. Recurrences of a deduplicated
// incident therefore never spam the channel.
func (n *Notifier) Notify(ctx context.Context, incident *models.Incident) error {
	const op = "notifier.Notify"
	if !n.Enabled() {
		n.logger.Debug("slack not configured, skipping alert",
			slog.String("incident_id", incident.ID))
		return nil
	}

	n.mu.Lock()
	ts, seen := n.threads[incident.ID]
	n.mu.Unlock()

	blocks := alertBlocks(incident)
	if seen {
		_, _, _, err := n.api.UpdateMessageContext(ctx, n.channelID, ts,
			slack.MsgOptionBlocks(blocks...))
		if err != nil {
			return utils.E(utils.KindAPI, op, "update alert", err)
		}
		return nil
	}

	_, ts, err := n.api.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return utils.E(utils.KindAPI, op, "post alert", err)
	}
	n.mu.Lock()
	n.threads[incident.ID] = ts
	n.mu.Unlock()
	metrics.ObserveAlertLatency(n.now().Sub(incident.DetectedAt))
	return nil
}

// RefreshAlert re-renders the root message after a status change.
func (n *Notifier) RefreshAlert(ctx context.Context, incident *models.Incident) error {
	if !n.Enabled() {
		return nil
	}
	n.mu.Lock()
	ts, ok := n.threads[incident.ID]
	n.mu.Unlock()
	if !ok {
		return n.Notify(ctx, incident)
	}
	_, _, _, err := n.api.UpdateMessageContext(ctx, n.channelID, ts,
		slack.MsgOptionBlocks(alertBlocks(incident)...))
	if err != nil {
		return utils.E(utils.KindAPI, "notifier.RefreshAlert", "update alert", err)
	}
	return nil
}

// PostThreadUpdate drops a text message into the incident's alert thread.
func (n *Notifier) PostThreadUpdate(ctx context.Context, incidentID, text string) error {
	if !n.Enabled() {
		return nil
	}
	n.mu.Lock()
	ts := n.threads[incidentID]
	n.mu.Unlock()

	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	if _, _, err := n.api.PostMessageContext(ctx, n.channelID, opts...); err != nil {
		return utils.E(utils.KindAPI, "notifier.PostThreadUpdate", "post thread update", err)
	}
	return nil
}

// ParseActionValue splits a button value. Two forms exist:
// "<action>:<incident_id>" for the alert buttons, and
// "confirm:<incident_id>:<action_name>" for the confirmation button, which
// pins the remediation it was rendered for.
func ParseActionValue(value string) (action, incidentID, actionName string, err error) {
	parts := strings.Split(value, ":")
	switch {
	case len(parts) == 3 && parts[0] == "confirm" && parts[1] != "" && parts[2] != "":
		return ActionConfirmAutoFix, parts[1], parts[2], nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], "", nil
	}
	return "", "", "", utils.E(utils.KindParseFailure, "notifier.ParseActionValue",
		fmt.Sprintf("malformed action value %q", value), nil)
}

// HandleInteraction processes one verified block-action callback.
func (n *Notifier) HandleInteraction(ctx context.Context, cb *slack.InteractionCallback) error {
	for _, ba := range cb.ActionCallback.BlockActions {
		action, incidentID, actionName, err := ParseActionValue(ba.Value)
		if err != nil {
			return err
		}
		if err := n.dispatchAction(ctx, action, incidentID, actionName, cb.User.ID); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) dispatchAction(ctx context.Context, action, incidentID, actionName, userID string) error {
	const op = "notifier.dispatchAction"

	incident, err := n.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}

	switch action {
	case ActionAutoFix:
		return n.promptAutoFix(ctx, incident)
	case ActionConfirmAutoFix:
		// The confirmation button carries the action it was rendered for, so
		// the fix runs what the user saw even if the recommendation has since
		// been refined.
		fix := incident.RecommendedAction
		if actionName != "" {
			parsed, err := models.ParseRecommendedAction(actionName)
			if err != nil {
				return err
			}
			fix = parsed
		}
		if n.bus != nil {
			n.bus.Publish(broker.TopicRemediationActions, models.AutoFixRequest{
				IncidentID:   incident.ID,
				Initiator:    models.InitiatorUser,
				InitiatorRef: userID,
				Action:       fix,
			})
		}
		return n.PostThreadUpdate(ctx, incident.ID,
			fmt.Sprintf("Remediation `%s` started by <@%s>.", fix, userID))
	case ActionCancelAutoFix:
		return n.PostThreadUpdate(ctx, incident.ID, "Auto-fix cancelled.")
	case ActionStartChat:
		n.mu.Lock()
		ts := n.threads[incident.ID]
		n.mu.Unlock()
		if n.bus != nil {
			n.bus.Publish(broker.TopicConversationEvents, models.StartChatRequest{
				IncidentID: incident.ID,
				ChannelID:  n.channelID,
				UserID:     userID,
				ThreadTS:   ts,
			})
		}
		return nil
	case ActionIgnore:
		updated, err := n.store.TransitionIncident(ctx, incident.ID, models.StatusIgnored)
		if err != nil {
			return err
		}
		return n.RefreshAlert(ctx, updated)
	default:
		return utils.E(utils.KindUnsupported, op, fmt.Sprintf("unknown action %q", action), nil)
	}
}

// promptAutoFix posts the confirmation message, refined with recent
// deployment logs when an LLM provider is available.
func (n *Notifier) promptAutoFix(ctx context.Context, incident *models.Incident) error {
	if !n.Enabled() {
		return nil
	}

	refinement := n.refineProposal(ctx, incident)

	n.mu.Lock()
	ts := n.threads[incident.ID]
	n.mu.Unlock()

	opts := []slack.MsgOption{slack.MsgOptionBlocks(confirmBlocks(incident, refinement)...)}
	if ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	if _, _, err := n.api.PostMessageContext(ctx, n.channelID, opts...); err != nil {
		return utils.E(utils.KindAPI, "notifier.promptAutoFix", "post confirmation", err)
	}
	return nil
}

func (n *Notifier) refineProposal(ctx context.Context, incident *models.Incident) string {
	if n.platform == nil || !n.router.Enabled() {
		return ""
	}
	deploymentID, err := n.platform.LatestDeploymentID(ctx, incident.EnvironmentID, incident.ServiceID)
	if err != nil {
		n.logger.Warn("refinement skipped, no deployment",
			slog.String("incident_id", incident.ID), slog.Any("error", err))
		return ""
	}
	raw, err := n.platform.DeploymentLogs(ctx, deploymentID, deployLogLines)
	if err != nil {
		n.logger.Warn("refinement skipped, log fetch failed",
			slog.String("incident_id", incident.ID), slog.Any("error", err))
		return ""
	}
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, "["+l.Severity+"] "+l.Message)
	}

	client, err := n.router.Pick(models.ProviderAuto)
	if err != nil {
		return ""
	}
	refined, err := client.Complete(ctx,
		"You refine remediation proposals for service incidents. Respond with at most three sentences.",
		llm.BuildRefinementPrompt(incident, lines))
	if err != nil {
		n.logger.Warn("refinement call failed",
			slog.String("incident_id", incident.ID), slog.Any("error", err))
		return ""
	}
	return strings.TrimSpace(refined)
}
