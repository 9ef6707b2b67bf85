package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ibsupervisor/internal/domain"
	"ibsupervisor/internal/store"
)

// SessionLister returns a snapshot of every live session.
type SessionLister interface {
	Infos() []domain.SessionInfo
}

// QueueDepth reports how many outbound envelopes are waiting.
type QueueDepth interface {
	Pending() int
}

// StatusServer serves the status HTTP API. Events, Archive and Outbox are
// optional; their routes answer 404 when unset.
type StatusServer struct {
	sessions SessionLister
	events   store.EventLog
	archive  store.SnapshotArchive
	outbox   QueueDepth
	log      *slog.Logger
}

// NewStatusServer creates a new status HTTP server.
func NewStatusServer(
	sessions SessionLister,
	events store.EventLog,
	archive store.SnapshotArchive,
	outbox QueueDepth,
	log *slog.Logger,
) *StatusServer {
	if log == nil {
		log = slog.Default()
	}
	return &StatusServer{
		sessions: sessions,
		events:   events,
		archive:  archive,
		outbox:   outbox,
		log:      log,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *StatusServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{broker_id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{broker_id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/snapshots", s.handleSnapshots)
}

// Handler returns an http.Handler with CORS middleware.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *StatusServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	infos := s.sessions.Infos()
	h := HealthJSON{Status: "ok", Sessions: len(infos)}
	for _, info := range infos {
		if info.LoggedIn {
			h.LoggedIn++
		}
	}
	if s.outbox != nil {
		h.Pending = s.outbox.Pending()
	}
	writeJSON(w, h)
}

func (s *StatusServer) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := s.sessions.Infos()
	writeJSON(w, SessionsJSON{Count: len(infos), Sessions: infos})
}

func (s *StatusServer) handleSession(w http.ResponseWriter, r *http.Request) {
	brokerID := r.PathValue("broker_id")
	for _, info := range s.sessions.Infos() {
		if info.BrokerID == brokerID {
			writeJSON(w, info)
			return
		}
	}
	writeError(w, http.StatusNotFound, "session not found")
}

func (s *StatusServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event log not configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := s.events.ListEvents(r.Context(), r.PathValue("broker_id"), limit)
	if err != nil {
		s.log.Error("listing events", "error", err)
		writeError(w, http.StatusInternalServerError, "listing events failed")
		return
	}
	out := make([]EventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, eventJSON(ev))
	}
	writeJSON(w, out)
}

// handleSnapshots serves ?date=YYYY-MM-DD (UTC), defaulting to today.
func (s *StatusServer) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "snapshot archive not configured")
		return
	}
	day := time.Now().UTC().Truncate(24 * time.Hour)
	if v := r.URL.Query().Get("date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date")
			return
		}
		day = t
	}

	snaps, err := s.archive.ReadSnapshots(r.Context(), day, day.Add(24*time.Hour-time.Millisecond))
	if err != nil {
		s.log.Error("reading snapshots", "error", err)
		writeError(w, http.StatusInternalServerError, "reading snapshots failed")
		return
	}
	out := make([]SnapshotJSON, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotJSON(snap))
	}
	writeJSON(w, out)
}
