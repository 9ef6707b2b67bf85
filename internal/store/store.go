// Package store persists the supervisor's state: the session ledger and
// event audit trail in SQLite, and account snapshots in Parquet.
package store

import (
	"context"
	"time"

	"ibsupervisor/internal/domain"
)

// SessionLedger records which sessions exist so they can be restored after
// a restart.
type SessionLedger interface {
	// SaveSession inserts or updates the ledger row for info.BrokerID.
	SaveSession(ctx context.Context, info domain.SessionInfo) error

	// DeleteSession removes the ledger row for brokerID.
	DeleteSession(ctx context.Context, brokerID string) error

	// ListSessions returns all recorded sessions in creation order.
	ListSessions(ctx context.Context) ([]domain.SessionInfo, error)
}

// Event is one recorded session lifecycle event.
type Event struct {
	BrokerID string
	Port     int
	Name     string
	At       time.Time
}

// EventLog is the audit trail of session lifecycle events.
type EventLog interface {
	// RecordEvent appends an event.
	RecordEvent(ctx context.Context, brokerID string, port int, event string, at time.Time) error

	// ListEvents returns the most recent events for brokerID, newest first,
	// up to limit. An empty brokerID lists events of every session.
	ListEvents(ctx context.Context, brokerID string, limit int) ([]Event, error)
}

// SnapshotArchive stores account snapshots.
type SnapshotArchive interface {
	// AppendSnapshot adds one snapshot to the archive.
	AppendSnapshot(ctx context.Context, snap domain.AccountSnapshot) error

	// ReadSnapshots returns snapshots taken within [start, end].
	ReadSnapshots(ctx context.Context, start, end time.Time) ([]domain.AccountSnapshot, error)
}
