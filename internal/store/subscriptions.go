package store

import (
	"context"
	"database/sql"

	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/utils"
)

// SaveSubscriptionStates upserts the full connection snapshot in one
// transaction, keyed by target.
func (s *Store) SaveSubscriptionStates(ctx context.Context, states []models.SubscriptionState) error {
	const op = "store.SaveSubscriptionStates"
	if len(states) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.E(utils.KindInternal, op, "begin tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO subscription_states
			(target_key, project_id, environment_id, service_id, service_name,
			status, last_error, attempts, last_heartbeat, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (target_key) DO UPDATE SET
			service_name   = excluded.service_name,
			status         = excluded.status,
			last_error     = excluded.last_error,
			attempts       = excluded.attempts,
			last_heartbeat = excluded.last_heartbeat,
			updated_at     = excluded.updated_at`)
	if err != nil {
		return utils.E(utils.KindInternal, op, "prepare upsert", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	for _, st := range states {
		var heartbeat any
		if !st.LastHeartbeat.IsZero() {
			heartbeat = fmtTime(st.LastHeartbeat)
		}
		if _, err := stmt.ExecContext(ctx, st.Target.Key(),
			st.Target.ProjectID, st.Target.EnvironmentID, st.Target.ServiceID,
			st.ServiceName, st.Status, st.LastError, st.Attempts,
			heartbeat, fmtTime(now)); err != nil {
			return utils.E(utils.KindInternal, op, "upsert state", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return utils.E(utils.KindInternal, op, "commit", err)
	}
	return nil
}

// ListSubscriptionStates returns every persisted connection snapshot, ordered
// by target key.
func (s *Store) ListSubscriptionStates(ctx context.Context) ([]models.SubscriptionState, error) {
	const op = "store.ListSubscriptionStates"
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, environment_id, service_id, service_name,
			status, last_error, attempts, last_heartbeat, updated_at
		FROM subscription_states ORDER BY target_key`)
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "query states", err)
	}
	defer rows.Close()

	var out []models.SubscriptionState
	for rows.Next() {
		var (
			st        models.SubscriptionState
			heartbeat sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&st.Target.ProjectID, &st.Target.EnvironmentID,
			&st.Target.ServiceID, &st.ServiceName, &st.Status, &st.LastError,
			&st.Attempts, &heartbeat, &updatedAt); err != nil {
			return nil, utils.E(utils.KindInternal, op, "scan state", err)
		}
		if hb := parseNullableTime(heartbeat); hb != nil {
			st.LastHeartbeat = *hb
		}
		st.UpdatedAt = parseTime(updatedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}
