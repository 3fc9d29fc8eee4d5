// Package store persists incidents, remediation actions, conversations, and
// service policies in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/railwatch/railwatch/internal/broker"
	"github.com/railwatch/railwatch/internal/cache"
)

// policyCacheTTL bounds how stale a cached service policy may get.
const policyCacheTTL = 5 * time.Minute

// Store wraps the SQLite handle plus the policy read cache.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	cache  *cache.Memory
	bus    *broker.Broker
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBus attaches the event bus so policy updates are announced.
func WithBus(bus *broker.Broker) Option {
	return func(s *Store) { s.bus = bus }
}

// Open opens (creating if needed) the database at path and applies the
// schema. SQLite runs in WAL mode with foreign keys on.
func Open(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	// A single writer keeps SQLite happy under concurrent upserts.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "store")),
		cache:  cache.NewMemory(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database answers within the caller's deadline. Used by
// the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_policies (
			service_id               TEXT PRIMARY KEY,
			service_name             TEXT NOT NULL DEFAULT '',
			auto_remediation_enabled INTEGER NOT NULL DEFAULT 0,
			default_memory_mb        INTEGER NOT NULL DEFAULT 0,
			default_replicas         INTEGER NOT NULL DEFAULT 0,
			llm_provider             TEXT NOT NULL DEFAULT 'auto',
			confidence_threshold     REAL NOT NULL DEFAULT 0.8,
			updated_at               TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id                 TEXT PRIMARY KEY,
			service_id         TEXT NOT NULL,
			service_name       TEXT NOT NULL DEFAULT '',
			environment_id     TEXT NOT NULL DEFAULT '',
			fingerprint        TEXT NOT NULL,
			severity           TEXT NOT NULL,
			status             TEXT NOT NULL,
			confidence         REAL NOT NULL DEFAULT 0,
			root_cause         TEXT NOT NULL DEFAULT '',
			recommended_action TEXT NOT NULL DEFAULT 'none',
			reasoning          TEXT NOT NULL DEFAULT '',
			log_context        TEXT NOT NULL DEFAULT '{}',
			metadata           TEXT NOT NULL DEFAULT '{}',
			detected_at        TEXT NOT NULL,
			resolved_at        TEXT,
			UNIQUE (service_id, fingerprint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents (status)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_detected_at ON incidents (detected_at)`,
		`CREATE TABLE IF NOT EXISTS remediation_actions (
			id             TEXT PRIMARY KEY,
			incident_id    TEXT NOT NULL REFERENCES incidents (id) ON DELETE CASCADE,
			initiator_type TEXT NOT NULL,
			initiator_ref  TEXT NOT NULL DEFAULT '',
			action_type    TEXT NOT NULL,
			parameters     TEXT NOT NULL DEFAULT '{}',
			requested_at   TEXT NOT NULL,
			completed_at   TEXT,
			status         TEXT NOT NULL,
			result_message TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_incident ON remediation_actions (incident_id, status)`,
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			id             TEXT PRIMARY KEY,
			incident_id    TEXT NOT NULL DEFAULT '',
			channel        TEXT NOT NULL,
			channel_ref    TEXT NOT NULL,
			participant_id TEXT NOT NULL DEFAULT '',
			started_at     TEXT NOT NULL,
			closed_at      TEXT,
			context        TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_channel_ref ON conversation_sessions (channel_ref)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES conversation_sessions (id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			ts         TEXT NOT NULL,
			action_ref TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON conversation_messages (session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS log_events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			service_id     TEXT NOT NULL,
			environment_id TEXT NOT NULL DEFAULT '',
			ts             TEXT NOT NULL,
			level          TEXT NOT NULL,
			message        TEXT NOT NULL,
			severity_score INTEGER NOT NULL DEFAULT 0,
			source         TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_events_ts ON log_events (ts)`,
		`CREATE TABLE IF NOT EXISTS subscription_states (
			target_key     TEXT PRIMARY KEY,
			project_id     TEXT NOT NULL,
			environment_id TEXT NOT NULL,
			service_id     TEXT NOT NULL DEFAULT '',
			service_name   TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			last_error     TEXT NOT NULL DEFAULT '',
			attempts       INTEGER NOT NULL DEFAULT 0,
			last_heartbeat TEXT,
			updated_at     TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
