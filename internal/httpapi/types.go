// Package httpapi provides a read-only HTTP REST API over the supervisor:
// live session state, the session event audit trail and archived account
// snapshots.
package httpapi

import (
	"time"

	"ibsupervisor/internal/domain"
	"ibsupervisor/internal/store"
)

// SessionsJSON is the response of GET /api/sessions.
type SessionsJSON struct {
	Count    int                  `json:"count"`
	Sessions []domain.SessionInfo `json:"sessions"`
}

// EventJSON is one audit trail entry.
type EventJSON struct {
	BrokerID string `json:"broker_id"`
	Port     int    `json:"port"`
	Event    string `json:"event"`
	At       string `json:"at"`
}

func eventJSON(ev store.Event) EventJSON {
	return EventJSON{
		BrokerID: ev.BrokerID,
		Port:     ev.Port,
		Event:    ev.Name,
		At:       ev.At.Format(time.RFC3339),
	}
}

// SnapshotJSON is one archived account snapshot.
type SnapshotJSON struct {
	Time      string `json:"time"`
	BrokerID  string `json:"broker_id"`
	AccountID string `json:"account_id"`
	domain.AccountInfo
}

func snapshotJSON(s domain.AccountSnapshot) SnapshotJSON {
	return SnapshotJSON{
		Time:        s.Time.Format(time.RFC3339),
		BrokerID:    s.BrokerID,
		AccountID:   s.AccountID,
		AccountInfo: s.AccountInfo,
	}
}

// HealthJSON is the response of GET /healthz.
type HealthJSON struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	LoggedIn int    `json:"logged_in"`
	Pending  int    `json:"outbox_pending"`
}
