package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/utils"
)

const incidentColumns = `id, service_id, service_name, environment_id, fingerprint,
	severity, status, confidence, root_cause, recommended_action, reasoning,
	log_context, metadata, detected_at, resolved_at`

// UpsertIncident applies the dedup contract for a detection candidate:
//   - no open incident for (service, fingerprint): insert one in status
//     detected and report created
//   - open non-terminal incident: refresh classification, raise severity to
//     the max of old and new, revive failed to detected, report updated
//   - terminal incident: leave it alone and report skipped
func (s *Store) UpsertIncident(ctx context.Context, c models.Candidate) (*models.Incident, models.UpsertOutcome, error) {
	const op = "store.UpsertIncident"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", utils.E(utils.KindInternal, op, "begin tx", err)
	}
	defer tx.Rollback()

	existing, err := scanIncident(tx.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE service_id = ? AND fingerprint = ?`,
		c.ServiceID, c.Fingerprint))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		incident, err := s.insertIncident(ctx, tx, c)
		if err != nil {
			return nil, "", err
		}
		if err := tx.Commit(); err != nil {
			return nil, "", utils.E(utils.KindInternal, op, "commit", err)
		}
		return incident, models.UpsertCreated, nil
	case err != nil:
		return nil, "", utils.E(utils.KindInternal, op, "query incident", err)
	}

	if existing.Status.Terminal() {
		return existing, models.UpsertSkipped, nil
	}

	existing.Severity = existing.Severity.Max(c.Severity)
	existing.Confidence = c.Confidence
	existing.RootCause = c.RootCause
	existing.RecommendedAction = c.RecommendedAction
	existing.Reasoning = c.Reasoning
	if c.LogContext != nil {
		existing.LogContext = c.LogContext
	}
	if existing.Status == models.StatusFailed {
		existing.Status = models.StatusDetected
	}

	logContext, metadata := marshalJSONColumns(existing.LogContext, existing.Metadata)
	if _, err := tx.ExecContext(ctx,
		`UPDATE incidents SET severity = ?, status = ?, confidence = ?, root_cause = ?,
			recommended_action = ?, reasoning = ?, log_context = ?, metadata = ?
		WHERE id = ?`,
		string(existing.Severity), string(existing.Status), existing.Confidence,
		existing.RootCause, string(existing.RecommendedAction), existing.Reasoning,
		logContext, metadata, existing.ID); err != nil {
		return nil, "", utils.E(utils.KindInternal, op, "update incident", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, "", utils.E(utils.KindInternal, op, "commit", err)
	}
	return existing, models.UpsertUpdated, nil
}

func (s *Store) insertIncident(ctx context.Context, tx *sql.Tx, c models.Candidate) (*models.Incident, error) {
	const op = "store.insertIncident"

	incident := &models.Incident{
		ID:                uuid.NewString(),
		ServiceID:         c.ServiceID,
		ServiceName:       c.ServiceName,
		EnvironmentID:     c.EnvironmentID,
		Fingerprint:       c.Fingerprint,
		Severity:          c.Severity,
		Status:            models.StatusDetected,
		Confidence:        c.Confidence,
		RootCause:         c.RootCause,
		RecommendedAction: c.RecommendedAction,
		Reasoning:         c.Reasoning,
		LogContext:        c.LogContext,
		DetectedAt:        s.now().UTC(),
	}
	logContext, metadata := marshalJSONColumns(incident.LogContext, incident.Metadata)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		incident.ID, incident.ServiceID, incident.ServiceName, incident.EnvironmentID,
		incident.Fingerprint, string(incident.Severity), string(incident.Status),
		incident.Confidence, incident.RootCause, string(incident.RecommendedAction),
		incident.Reasoning, logContext, metadata, fmtTime(incident.DetectedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, utils.E(utils.KindDuplicateFingerprint, op, "concurrent insert for fingerprint", err)
		}
		return nil, utils.E(utils.KindInternal, op, "insert incident", err)
	}
	return incident, nil
}

// GetIncident fetches one incident by id.
func (s *Store) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	const op = "store.GetIncident"
	incident, err := scanIncident(s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.E(utils.KindNotFound, op, fmt.Sprintf("incident %s not found", id), err)
	}
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "query incident", err)
	}
	return incident, nil
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	ServiceID string
	Status    models.IncidentStatus
	Limit     int
}

// ListIncidents returns incidents newest-first.
func (s *Store) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*models.Incident, error) {
	const op = "store.ListIncidents"

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	var clauses []string
	var args []any
	if filter.ServiceID != "" {
		clauses = append(clauses, "service_id = ?")
		args = append(args, filter.ServiceID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY detected_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "query incidents", err)
	}
	defer rows.Close()

	var out []*models.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, utils.E(utils.KindInternal, op, "scan incident", err)
		}
		out = append(out, incident)
	}
	return out, rows.Err()
}

// TransitionIncident moves an incident to a new status, enforcing the
// transition matrix. Entering auto_remediated or manual_resolved stamps
// resolved_at.
func (s *Store) TransitionIncident(ctx context.Context, id string, to models.IncidentStatus) (*models.Incident, error) {
	const op = "store.TransitionIncident"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "begin tx", err)
	}
	defer tx.Rollback()

	incident, err := scanIncident(tx.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.E(utils.KindNotFound, op, fmt.Sprintf("incident %s not found", id), err)
	}
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "query incident", err)
	}

	if !models.CanTransition(incident.Status, to) {
		return nil, utils.E(utils.KindInvalidTransition, op,
			fmt.Sprintf("cannot move incident from %s to %s", incident.Status, to), nil)
	}

	incident.Status = to
	var resolvedAt any
	if to == models.StatusAutoRemediated || to == models.StatusManualResolved {
		t := s.now().UTC()
		incident.ResolvedAt = &t
		resolvedAt = fmtTime(t)
	} else {
		resolvedAt = fmtNullableTime(incident.ResolvedAt)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE incidents SET status = ?, resolved_at = ? WHERE id = ?`,
		string(to), resolvedAt, id); err != nil {
		return nil, utils.E(utils.KindInternal, op, "update status", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, utils.E(utils.KindInternal, op, "commit", err)
	}
	return incident, nil
}

// DeleteIncidentsBefore removes incidents detected before cutoff; actions
// cascade. Returns the number of incidents removed.
func (s *Store) DeleteIncidentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "store.DeleteIncidentsBefore"
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM incidents WHERE detected_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, utils.E(utils.KindInternal, op, "delete incidents", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var (
		incident                 models.Incident
		severity, status, action string
		logContext, metadata     string
		detectedAt               string
		resolvedAt               sql.NullString
	)
	err := row.Scan(&incident.ID, &incident.ServiceID, &incident.ServiceName,
		&incident.EnvironmentID, &incident.Fingerprint, &severity, &status,
		&incident.Confidence, &incident.RootCause, &action, &incident.Reasoning,
		&logContext, &metadata, &detectedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	incident.Severity = models.Severity(severity)
	incident.Status = models.IncidentStatus(status)
	incident.RecommendedAction = models.RecommendedAction(action)
	incident.DetectedAt = parseTime(detectedAt)
	incident.ResolvedAt = parseNullableTime(resolvedAt)
	json.Unmarshal([]byte(logContext), &incident.LogContext)
	json.Unmarshal([]byte(metadata), &incident.Metadata)
	return &incident, nil
}

func marshalJSONColumns(logContext, metadata map[string]any) (string, string) {
	lc, err := json.Marshal(logContext)
	if err != nil || logContext == nil {
		lc = []byte("{}")
	}
	md, err := json.Marshal(metadata)
	if err != nil || metadata == nil {
		md = []byte("{}")
	}
	return string(lc), string(md)
}
