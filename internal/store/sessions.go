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

const sessionColumns = `id, incident_id, channel, channel_ref, participant_id,
	started_at, closed_at, context`

// FindOrCreateSession returns the open session bound to channelRef, creating
// one when none exists. Reusing a ref never spawns a second open session.
func (s *Store) FindOrCreateSession(ctx context.Context, incidentID, channel, channelRef, participantID string) (*models.ConversationSession, bool, error) {
	const op = "store.FindOrCreateSession"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, utils.E(utils.KindInternal, op, "begin tx", err)
	}
	defer tx.Rollback()

	session, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM conversation_sessions
		WHERE channel_ref = ? AND closed_at IS NULL`, channelRef))
	switch {
	case err == nil:
		return session, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, utils.E(utils.KindInternal, op, "query session", err)
	}

	session = &models.ConversationSession{
		ID:            uuid.NewString(),
		IncidentID:    incidentID,
		Channel:       channel,
		ChannelRef:    channelRef,
		ParticipantID: participantID,
		StartedAt:     s.now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, NULL, '{}')`,
		session.ID, session.IncidentID, session.Channel, session.ChannelRef,
		session.ParticipantID, fmtTime(session.StartedAt)); err != nil {
		return nil, false, utils.E(utils.KindInternal, op, "insert session", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, utils.E(utils.KindInternal, op, "commit", err)
	}
	return session, true, nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	const op = "store.GetSession"
	session, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM conversation_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.E(utils.KindNotFound, op, fmt.Sprintf("session %s not found", id), err)
	}
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "query session", err)
	}
	return session, nil
}

// CloseSession stamps closed_at exactly once; closing twice is a no-op.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	const op = "store.CloseSession"
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversation_sessions SET closed_at = ?
		WHERE id = ? AND closed_at IS NULL`,
		fmtTime(s.now()), id)
	if err != nil {
		return utils.E(utils.KindInternal, op, "close session", err)
	}
	return nil
}

// AppendMessage records one message in a session.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role models.MessageRole, content, actionRef string) (*models.ConversationMessage, error) {
	const op = "store.AppendMessage"

	msg := &models.ConversationMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: s.now().UTC(),
		ActionRef: actionRef,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (id, session_id, role, content, ts, action_ref)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content,
		fmtTime(msg.Timestamp), msg.ActionRef); err != nil {
		return nil, utils.E(utils.KindInternal, op, "insert message", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages in timestamp order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*models.ConversationMessage, error) {
	const op = "store.ListMessages"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, ts, action_ref
		FROM conversation_messages WHERE session_id = ? ORDER BY ts ASC, id ASC`, sessionID)
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "query messages", err)
	}
	defer rows.Close()

	var out []*models.ConversationMessage
	for rows.Next() {
		var (
			msg  models.ConversationMessage
			role string
			ts   string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &ts, &msg.ActionRef); err != nil {
			return nil, utils.E(utils.KindInternal, op, "scan message", err)
		}
		msg.Role = models.MessageRole(role)
		msg.Timestamp = parseTime(ts)
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// ListIdleOpenSessions returns open sessions with no activity since cutoff.
// Activity is the latest message timestamp, or started_at for empty sessions.
func (s *Store) ListIdleOpenSessions(ctx context.Context, cutoff time.Time) ([]*models.ConversationSession, error) {
	const op = "store.ListIdleOpenSessions"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM conversation_sessions cs
		WHERE cs.closed_at IS NULL
		AND COALESCE(
			(SELECT MAX(ts) FROM conversation_messages m WHERE m.session_id = cs.id),
			cs.started_at
		) < ?`, fmtTime(cutoff))
	if err != nil {
		return nil, utils.E(utils.KindInternal, op, "query idle sessions", err)
	}
	defer rows.Close()

	var out []*models.ConversationSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, utils.E(utils.KindInternal, op, "scan session", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// DeleteClosedSessionsBefore removes closed sessions whose started_at is
// older than cutoff; messages cascade. Retention ages sessions from when they
// began, not from when they happened to be closed.
func (s *Store) DeleteClosedSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "store.DeleteClosedSessionsBefore"
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_sessions
		WHERE closed_at IS NOT NULL AND started_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, utils.E(utils.KindInternal, op, "delete sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanSession(row rowScanner) (*models.ConversationSession, error) {
	var (
		session   models.ConversationSession
		startedAt string
		closedAt  sql.NullString
		context_  string
	)
	err := row.Scan(&session.ID, &session.IncidentID, &session.Channel,
		&session.ChannelRef, &session.ParticipantID, &startedAt, &closedAt, &context_)
	if err != nil {
		return nil, err
	}
	session.StartedAt = parseTime(startedAt)
	session.ClosedAt = parseNullableTime(closedAt)
	json.Unmarshal([]byte(context_), &session.Context)
	return &session, nil
}
