package store

import (
	"context"
	"time"

	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/utils"
)

// InsertLogEvents persists a batch of buffered events in one transaction.
func (s *Store) InsertLogEvents(ctx context.Context, events []models.LogEvent) error {
	const op = "store.InsertLogEvents"
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.E(utils.KindInternal, op, "begin tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO log_events (service_id, environment_id, ts, level, message, severity_score, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return utils.E(utils.KindInternal, op, "prepare insert", err)
	}
	defer stmt.Close()

	for _, e := range events {
		e.Truncate()
		if _, err := stmt.ExecContext(ctx, e.ServiceID, e.EnvironmentID,
			fmtTime(e.Timestamp), string(e.Level), e.Message, e.SeverityScore, e.Source); err != nil {
			return utils.E(utils.KindInternal, op, "insert event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return utils.E(utils.KindInternal, op, "commit", err)
	}
	return nil
}

// DeleteLogEventsBefore drops buffered events older than cutoff.
func (s *Store) DeleteLogEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "store.DeleteLogEventsBefore"
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM log_events WHERE ts < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, utils.E(utils.KindInternal, op, "delete events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountLogEvents reports the buffered event count. Used by telemetry.
func (s *Store) CountLogEvents(ctx context.Context) (int64, error) {
	const op = "store.CountLogEvents"
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM log_events`).Scan(&n); err != nil {
		return 0, utils.E(utils.KindInternal, op, "count events", err)
	}
	return n, nil
}
