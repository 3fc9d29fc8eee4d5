// Package conversation manages incident chat sessions started from alerts or
// slash commands, mapping messages onto status queries and remediation
// requests.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/railwatch/railwatch/internal/broker"
	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/platform"
)

const (
	// IdleTimeout closes sessions with no activity.
	IdleTimeout = 60 * time.Minute
	// idleSweepInterval is how often idle sessions are checked.
	idleSweepInterval = 5 * time.Minute
)

// Store is the session and incident persistence the manager needs.
type Store interface {
	FindOrCreateSession(ctx context.Context, incidentID, channel, channelRef, participantID string) (*models.ConversationSession, bool, error)
	CloseSession(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, sessionID string, role models.MessageRole, content, actionRef string) (*models.ConversationMessage, error)
	ListIdleOpenSessions(ctx context.Context, cutoff time.Time) ([]*models.ConversationSession, error)
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	TransitionIncident(ctx context.Context, id string, to models.IncidentStatus) (*models.Incident, error)
	ListActionsForIncident(ctx context.Context, incidentID string) ([]*models.RemediationAction, error)
}

// PlatformAPI answers read-only queries from chat.
type PlatformAPI interface {
	LatestDeploymentID(ctx context.Context, environmentID, serviceID string) (string, error)
	DeploymentLogs(ctx context.Context, deploymentID string, limit int) ([]platform.LogLine, error)
	ListDeployments(ctx context.Context, projectID, environmentID, serviceID string, limit int) ([]platform.Deployment, error)
}

// Responder delivers replies back into the channel thread the session lives
// in. A nil thread ref means an ephemeral slash-command reply.
type Responder interface {
	Reply(ctx context.Context, channelID, threadTS, text string) error
}

// Manager owns the chat lifecycle: session creation, intent handling, and
// idle closure.
type Manager struct {
	store     Store
	platform  PlatformAPI
	responder Responder
	bus       *broker.Broker
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a manager.
func New(store Store, api PlatformAPI, responder Responder, bus *broker.Broker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		platform:  api,
		responder: responder,
		bus:       bus,
		logger:    logger.With(slog.String("component", "conversation")),
		now:       time.Now,
	}
}

// SlashKey builds the session ref for a slash-command conversation, which has
// no thread of its own.
func SlashKey(channelID, userID string) string {
	return channelID + ":slash:" + userID
}

// ThreadKey builds the session ref for a thread conversation.
func ThreadKey(channelID, threadTS string) string {
	return channelID + ":" + threadTS
}

// Run consumes start-chat events and sweeps idle sessions until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	events, cancel := m.bus.Subscribe(broker.TopicConversationEvents)
	defer cancel()

	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			if req, ok := msg.Payload.(models.StartChatRequest); ok {
				if err := m.StartChat(ctx, req); err != nil {
					m.logger.Error("start chat failed",
						slog.String("incident_id", req.IncidentID), slog.Any("error", err))
				}
			}
		case <-ticker.C:
			m.closeIdleSessions(ctx)
		}
	}
}

// StartChat opens (or re-joins) the session bound to an alert thread.
func (m *Manager) StartChat(ctx context.Context, req models.StartChatRequest) error {
	ref := ThreadKey(req.ChannelID, req.ThreadTS)
	if req.ThreadTS == "" {
		ref = SlashKey(req.ChannelID, req.UserID)
	}

	session, created, err := m.store.FindOrCreateSession(ctx, req.IncidentID, "slack", ref, req.UserID)
	if err != nil {
		return err
	}
	if !created {
		return m.reply(ctx, req.ChannelID, req.ThreadTS, session,
			"This thread already has an open session. Ask me *status*, *logs*, or *help*.")
	}

	if _, err := m.store.AppendMessage(ctx, session.ID, models.RoleSystem, "Chat session started", ""); err != nil {
		return err
	}

	intro := "Chat session started. Ask me *status*, *logs*, *deployments*, or tell me to *restart*, *redeploy*, *rollback*, or *scale* the service."
	if incident, err := m.store.GetIncident(ctx, req.IncidentID); err == nil {
		intro = fmt.Sprintf("Chat session started for *%s* (%s, %s). %s",
			incident.ServiceName, incident.Severity, incident.Status, intro)
	}
	return m.reply(ctx, req.ChannelID, req.ThreadTS, session, intro)
}

// HandleMessage processes one inbound user message for the session keyed by
// channelRef.
func (m *Manager) HandleMessage(ctx context.Context, channelID, threadTS, channelRef, userID, text string) error {
	session, created, err := m.store.FindOrCreateSession(ctx, "", "slack", channelRef, userID)
	if err != nil {
		return err
	}
	if created {
		if _, err := m.store.AppendMessage(ctx, session.ID, models.RoleSystem, "Chat session started", ""); err != nil {
			return err
		}
	}
	if _, err := m.store.AppendMessage(ctx, session.ID, models.RoleUser, text, ""); err != nil {
		return err
	}

	reply, actionRef := m.respond(ctx, session, ParseIntent(text), userID)
	if _, err := m.store.AppendMessage(ctx, session.ID, models.RoleAssistant, reply, actionRef); err != nil {
		return err
	}
	return m.reply(ctx, channelID, threadTS, session, reply)
}

// respond builds the assistant reply for one intent, requesting remediation
// through the bus for the action intents.
func (m *Manager) respond(ctx context.Context, session *models.ConversationSession, intent Intent, userID string) (string, string) {
	incident, incidentErr := m.incidentFor(ctx, session)

	switch intent.Kind {
	case IntentHelp:
		return helpText, ""

	case IntentStatus:
		if incidentErr != nil {
			return "No incident is bound to this session.", ""
		}
		return m.statusSummary(ctx, incident), ""

	case IntentLogs:
		if incidentErr != nil {
			return "No incident is bound to this session.", ""
		}
		return m.recentLogs(ctx, incident), ""

	case IntentDeployments:
		if incidentErr != nil {
			return "No incident is bound to this session.", ""
		}
		return m.recentDeployments(ctx, incident), ""

	case IntentResolve:
		return m.resolveAndClose(ctx, session, incident, incidentErr), ""

	case IntentRestart, IntentRedeploy, IntentStop, IntentRollback, IntentScaleMemory, IntentScaleReplicas:
		if incidentErr != nil {
			return "No incident is bound to this session, so I cannot run remediations here.", ""
		}
		action, params := remediationFor(intent)
		m.bus.Publish(broker.TopicRemediationActions, models.AutoFixRequest{
			IncidentID:   incident.ID,
			Initiator:    models.InitiatorUser,
			InitiatorRef: userID,
			Action:       action,
			Parameters:   params,
		})
		return fmt.Sprintf("Requested `%s` for *%s*. I'll post the result in the alert thread.",
			action, incident.ServiceName), string(action)

	default:
		return "Sorry, I didn't catch that. " + helpText, ""
	}
}

func remediationFor(intent Intent) (models.RecommendedAction, map[string]any) {
	switch intent.Kind {
	case IntentRestart:
		return models.ActionRestart, nil
	case IntentRedeploy:
		return models.ActionRedeploy, nil
	case IntentStop:
		return models.ActionStop, nil
	case IntentRollback:
		return models.ActionRollback, nil
	case IntentScaleMemory:
		return models.ActionScaleMemory, map[string]any{"memory_mb": intent.Amount}
	case IntentScaleReplicas:
		return models.ActionScaleReplicas, map[string]any{"replicas": intent.Amount}
	}
	return models.ActionNone, nil
}

// resolveAndClose marks the bound incident manually resolved and ends the
// session. The session closes even when no incident is bound or the
// transition fails.
func (m *Manager) resolveAndClose(ctx context.Context, session *models.ConversationSession, incident *models.Incident, incidentErr error) string {
	var b strings.Builder
	if incidentErr == nil {
		if _, err := m.store.TransitionIncident(ctx, incident.ID, models.StatusManualResolved); err != nil {
			m.logger.Warn("resolve transition failed",
				slog.String("incident_id", incident.ID), slog.Any("error", err))
			b.WriteString("Could not update the incident status. ")
		} else {
			fmt.Fprintf(&b, "Marked *%s* as resolved. ", incident.ServiceName)
		}
	}
	if err := m.store.CloseSession(ctx, session.ID); err != nil {
		m.logger.Warn("session close failed",
			slog.String("session_id", session.ID), slog.Any("error", err))
	}
	b.WriteString("Session closed. Thanks!")
	return b.String()
}

func (m *Manager) incidentFor(ctx context.Context, session *models.ConversationSession) (*models.Incident, error) {
	if session.IncidentID == "" {
		return nil, fmt.Errorf("session %s has no incident", session.ID)
	}
	return m.store.GetIncident(ctx, session.IncidentID)
}

func (m *Manager) statusSummary(ctx context.Context, incident *models.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* is %s (%s severity, %.0f%% confidence).\n",
		incident.ServiceName, incident.Status, incident.Severity, incident.Confidence*100)
	if incident.RootCause != "" {
		fmt.Fprintf(&b, "Root cause: %s\n", incident.RootCause)
	}
	fmt.Fprintf(&b, "Recommended action: `%s`", incident.RecommendedAction)

	actions, err := m.store.ListActionsForIncident(ctx, incident.ID)
	if err == nil && len(actions) > 0 {
		b.WriteString("\nRecent actions:")
		for i, a := range actions {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "\n• `%s` — %s", a.ActionType, a.Status)
		}
	}
	return b.String()
}

func (m *Manager) recentLogs(ctx context.Context, incident *models.Incident) string {
	deploymentID, err := m.platform.LatestDeploymentID(ctx, incident.EnvironmentID, incident.ServiceID)
	if err != nil {
		return "Could not find an active deployment to read logs from."
	}
	lines, err := m.platform.DeploymentLogs(ctx, deploymentID, 10)
	if err != nil || len(lines) == 0 {
		return "No recent logs available for deployment " + deploymentID + "."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last %d log lines from deployment %s:\n```", len(lines), deploymentID)
	for _, l := range lines {
		fmt.Fprintf(&b, "\n[%s] %s", l.Severity, l.Message)
	}
	b.WriteString("\n```")
	return b.String()
}

func (m *Manager) recentDeployments(ctx context.Context, incident *models.Incident) string {
	deployments, err := m.platform.ListDeployments(ctx, "", incident.EnvironmentID, incident.ServiceID, 5)
	if err != nil || len(deployments) == 0 {
		return "No deployments found for this service."
	}
	var b strings.Builder
	b.WriteString("Recent deployments:")
	for _, d := range deployments {
		fmt.Fprintf(&b, "\n• %s — %s (%s)", d.ID, d.Status, d.CreatedAt.Format(time.RFC3339))
	}
	return b.String()
}

// closeIdleSessions closes sessions quiet for longer than IdleTimeout.
func (m *Manager) closeIdleSessions(ctx context.Context) {
	cutoff := m.now().Add(-IdleTimeout)
	idle, err := m.store.ListIdleOpenSessions(ctx, cutoff)
	if err != nil {
		m.logger.Warn("idle session sweep failed", slog.Any("error", err))
		return
	}
	for _, session := range idle {
		if err := m.store.CloseSession(ctx, session.ID); err != nil {
			m.logger.Warn("session close failed", slog.String("session_id", session.ID), slog.Any("error", err))
			continue
		}
		m.logger.Info("closed idle session", slog.String("session_id", session.ID))
	}
}

func (m *Manager) reply(ctx context.Context, channelID, threadTS string, session *models.ConversationSession, text string) error {
	if m.responder == nil {
		return nil
	}
	if err := m.responder.Reply(ctx, channelID, threadTS, text); err != nil {
		m.logger.Warn("reply delivery failed", slog.String("session_id", session.ID), slog.Any("error", err))
		return err
	}
	return nil
}
