package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/utils"
)

const actionColumns = `id, incident_id, initiator_type, initiator_ref, action_type,
	parameters, requested_at, completed_at, status, result_message, failure_reason`

// CreateAction records a new remediation attempt in status pending. It fails
// with an action-in-progress error when the incident already has a pending or
// in-progress action.
func (s *Store) CreateAction(ctx context.Context, incidentID string, initiator models.InitiatorType, initiatorRef string, actionType models.RecommendedAction, parameters map[string]any) (*models.RemediationAction, error) {
	const op = "store.CreateAction"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "begin tx", err)
	}
	defer tx.Rollback()

	var open int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM remediation_actions
		WHERE incident_id = ? AND status IN (?, ?)`,
		incidentID, string(models.ActionPending), string(models.ActionInProgress)).Scan(&open)
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "count open actions", err)
	}
	if open > 0 {
		return nil, utils.E(utils.KindActionInProgress, op,
			fmt.Sprintf("incident %s already has an action in progress", incidentID), nil)
	}

	action := &models.RemediationAction{
		ID:            uuid.NewString(),
		IncidentID:    incidentID,
		InitiatorType: initiator,
		InitiatorRef:  initiatorRef,
		ActionType:    actionType,
		Parameters:    parameters,
		RequestedAt:   s.now().UTC(),
		Status:        models.ActionPending,
	}
	params, err := json.Marshal(action.Parameters)
	if err != nil || action.Parameters == nil {
		params = []byte("{}")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO remediation_actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, '', '')`,
		action.ID, action.IncidentID, string(action.InitiatorType), action.InitiatorRef,
		string(action.ActionType), string(params), fmtTime(action.RequestedAt),
		string(action.Status)); err != nil {
		return nil, utils.E(utils.KindInternal, op, "insert action", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, utils.E(utils.KindInternal, op, "commit", err)
	}
	return action, nil
}

// UpdateActionStatus advances an action; terminal statuses stamp completed_at.
func (s *Store) UpdateActionStatus(ctx context.Context, id string, status models.ActionStatus, resultMessage, failureReason string) error {
	const op = "store.UpdateActionStatus"

	var completedAt any
	if status.Terminal() {
		completedAt = fmtTime(s.now().UTC())
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE remediation_actions
		SET status = ?, result_message = ?, failure_reason = ?,
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		string(status), resultMessage, failureReason, completedAt, id)
	if err != nil {
		return utils.E(utils.KindInternal, op, "update action", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.E(utils.KindNotFound, op, fmt.Sprintf("action %s not found", id), nil)
	}
	return nil
}

// GetAction fetches one remediation action.
func (s *Store) GetAction(ctx context.Context, id string) (*models.RemediationAction, error) {
	const op = "store.GetAction"
	action, err := scanAction(s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM remediation_actions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.E(utils.KindNotFound, op, fmt.Sprintf("action %s not found", id), err)
	}
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "query action", err)
	}
	return action, nil
}

// ListActionsForIncident returns an incident's actions newest-first.
func (s *Store) ListActionsForIncident(ctx context.Context, incidentID string) ([]*models.RemediationAction, error) {
	const op = "store.ListActionsForIncident"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM remediation_actions
		WHERE incident_id = ? ORDER BY requested_at DESC`, incidentID)
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "query actions", err)
	}
	defer rows.Close()

	var out []*models.RemediationAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, utils.E(utils.KindInternal, op, "scan action", err)
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

// ListStaleActions returns non-terminal actions requested before cutoff.
// Startup recovery uses this to reconcile actions orphaned by a crash.
func (s *Store) ListStaleActions(ctx context.Context, cutoff time.Time) ([]*models.RemediationAction, error) {
	const op = "store.ListStaleActions"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM remediation_actions
		WHERE status IN (?, ?) AND requested_at < ?
		ORDER BY requested_at ASC`,
		string(models.ActionPending), string(models.ActionInProgress), fmtTime(cutoff))
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "query stale actions", err)
	}
	defer rows.Close()

	var out []*models.RemediationAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, utils.E(utils.KindInternal, op, "scan action", err)
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

func scanAction(row rowScanner) (*models.RemediationAction, error) {
	var (
		action                        models.RemediationAction
		initiator, actionType, status string
		parameters, requestedAt       string
		completedAt                   sql.NullString
	)
	err := row.Scan(&action.ID, &action.IncidentID, &initiator, &action.InitiatorRef,
		&actionType, &parameters, &requestedAt, &completedAt, &status,
		&action.ResultMessage, &action.FailureReason)
	if err != nil {
		return nil, err
	}
	action.InitiatorType = models.InitiatorType(initiator)
	action.ActionType = models.RecommendedAction(actionType)
	action.Status = models.ActionStatus(status)
	action.RequestedAt = parseTime(requestedAt)
	action.CompletedAt = parseNullableTime(completedAt)
	json.Unmarshal([]byte(parameters), &action.Parameters)
	return &action, nil
}
