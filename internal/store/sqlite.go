package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ibsupervisor/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ SessionLedger = (*SQLiteStore)(nil)
var _ EventLog = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	broker_id   TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	port        INTEGER NOT NULL,
	is_parent   INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	broker_id TEXT NOT NULL,
	port      INTEGER NOT NULL,
	event     TEXT NOT NULL,
	at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS session_events_broker ON session_events (broker_id, at);
`

// SQLiteStore implements SessionLedger and EventLog backed by a SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates
// the tables and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// SessionLedger implementation
// ---------------------------------------------------------------------------

// SaveSession upserts the session row. created_at is kept from the first
// insert.
func (s *SQLiteStore) SaveSession(ctx context.Context, info domain.SessionInfo) error {
	now := time.Now().UnixMilli()
	created := now
	if !info.CreatedAt.IsZero() {
		created = info.CreatedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (broker_id, user_id, strategy_id, port, is_parent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (broker_id) DO UPDATE SET
			user_id = excluded.user_id,
			strategy_id = excluded.strategy_id,
			port = excluded.port,
			is_parent = excluded.is_parent,
			updated_at = excluded.updated_at`,
		info.BrokerID, info.UserID, info.StrategyID, info.Port, info.Parent, created, now,
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", info.BrokerID, err)
	}
	return nil
}

// DeleteSession removes the session row. Deleting a missing row is not an
// error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, brokerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE broker_id = ?`, brokerID); err != nil {
		return fmt.Errorf("deleting session %s: %w", brokerID, err)
	}
	return nil
}

// ListSessions returns every recorded session in creation order.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT broker_id, user_id, strategy_id, port, is_parent, created_at
		FROM sessions
		ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionInfo
	for rows.Next() {
		var info domain.SessionInfo
		var created int64
		if err := rows.Scan(&info.BrokerID, &info.UserID, &info.StrategyID, &info.Port, &info.Parent, &created); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		info.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// EventLog implementation
// ---------------------------------------------------------------------------

// RecordEvent appends a lifecycle event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, brokerID string, port int, event string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (broker_id, port, event, at) VALUES (?, ?, ?, ?)`,
		brokerID, port, event, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording %s for %s: %w", event, brokerID, err)
	}
	return nil
}

// ListEvents returns the newest events first.
func (s *SQLiteStore) ListEvents(ctx context.Context, brokerID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT broker_id, port, event, at FROM session_events`
	args := []any{}
	if brokerID != "" {
		query += ` WHERE broker_id = ?`
		args = append(args, brokerID)
	}
	query += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var at int64
		if err := rows.Scan(&ev.BrokerID, &ev.Port, &ev.Name, &at); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.At = time.UnixMilli(at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
