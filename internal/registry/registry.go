// Package registry keeps the live broker sessions keyed by broker id and
// serializes every mutation through a FIFO admission queue so that no two
// sessions are created for the same identity or bound to the same port.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ibsupervisor/internal/domain"
)

var (
	// ErrNotFound is returned when no session matches a lookup.
	ErrNotFound = errors.New("session not found")
	// ErrBrokerInUse is returned when a replace would collide with another
	// session's broker id.
	ErrBrokerInUse = errors.New("broker id already registered")
)

// Member is the view of a session the registry needs.
type Member interface {
	Identity() domain.Identity
	Port() int
	IsParent() bool
	LoggedIn() bool
	CheckLoggedIn(ctx context.Context) bool
	Replace(id domain.Identity)
	Info() domain.SessionInfo
	Stop(ctx context.Context) error
}

// Params describes a session to create. A zero Port lets the registry
// assign the next free one.
type Params struct {
	Identity    domain.Identity
	Credentials domain.Credentials
	Parent      bool
	Port        int
}

// Factory builds and starts a session on the port the registry assigned.
type Factory[S Member] func(ctx context.Context, p Params) (S, error)

// Ledger persists the set of sessions so they survive a restart.
type Ledger interface {
	SaveSession(ctx context.Context, info domain.SessionInfo) error
	DeleteSession(ctx context.Context, brokerID string) error
}

// Options configures a Registry.
type Options struct {
	BasePort int
	Ledger   Ledger
	Logger   *slog.Logger
}

// Registry owns all live sessions.
type Registry[S Member] struct {
	factory  Factory[S]
	ledger   Ledger
	logger   *slog.Logger
	basePort int

	admit admission

	mu       sync.RWMutex
	sessions map[string]S
	order    []string
	parent   string
	nextPort int
}

// New creates an empty registry. Ports are handed out from BasePort upward.
func New[S Member](factory Factory[S], opts Options) *Registry[S] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BasePort <= 0 {
		opts.BasePort = 5000
	}
	return &Registry[S]{
		factory:  factory,
		ledger:   opts.Ledger,
		logger:   logger,
		basePort: opts.BasePort,
		sessions: make(map[string]S),
		nextPort: opts.BasePort,
	}
}

// --- creation ---

// CreateOrGet returns the session for p.Identity.BrokerID, creating and
// starting it when none exists. The boolean reports whether a new session
// was created.
func (r *Registry[S]) CreateOrGet(ctx context.Context, p Params) (S, bool, error) {
	var zero S

	release, err := r.admit.acquire(ctx)
	if err != nil {
		return zero, false, err
	}
	defer release()

	brokerID := p.Identity.BrokerID
	if s, ok := r.Get(brokerID); ok {
		return s, false, nil
	}

	p.Port = r.assignPort(p.Port)

	r.logger.Info("creating session",
		"broker_id", brokerID,
		"port", p.Port,
		"parent", p.Parent,
	)

	s, err := r.factory(ctx, p)
	if err != nil {
		return zero, false, fmt.Errorf("creating session %s on port %d: %w", brokerID, p.Port, err)
	}

	r.mu.Lock()
	r.sessions[brokerID] = s
	r.order = append(r.order, brokerID)
	if p.Parent {
		r.parent = brokerID
	}
	r.mu.Unlock()

	r.save(ctx, s)
	return s, true, nil
}

// assignPort returns want when it is set and free, otherwise the next
// unused port. Must be called while holding the admission.
func (r *Registry[S]) assignPort(want int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if want > 0 && !r.portInUse(want) {
		if want >= r.nextPort {
			r.nextPort = want + 1
		}
		return want
	}
	for r.portInUse(r.nextPort) {
		r.nextPort++
	}
	port := r.nextPort
	r.nextPort++
	return port
}

func (r *Registry[S]) portInUse(port int) bool {
	for _, s := range r.sessions {
		if s.Port() == port {
			return true
		}
	}
	return false
}

// --- lookups ---

// Get returns the session registered under brokerID.
func (r *Registry[S]) Get(brokerID string) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[brokerID]
	return s, ok
}

// Parent returns the parent session, if one was registered.
func (r *Registry[S]) Parent() (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.parent == "" {
		var zero S
		return zero, false
	}
	s, ok := r.sessions[r.parent]
	return s, ok
}

// List returns the sessions in creation order.
func (r *Registry[S]) List() []S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]S, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// Infos returns a snapshot of every session in creation order.
func (r *Registry[S]) Infos() []domain.SessionInfo {
	sessions := r.List()
	out := make([]domain.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry[S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// FindByIdentity returns the first logged-in session whose identity equals
// the given triple.
func (r *Registry[S]) FindByIdentity(userID, strategyID, brokerID string) (S, error) {
	for _, s := range r.List() {
		if s.Identity().Matches(userID, strategyID, brokerID) && s.LoggedIn() {
			return s, nil
		}
	}
	var zero S
	return zero, ErrNotFound
}

// AllocatePort suggests a port for a new session. It prefers the port of an
// existing non-parent session that is not logged in and not listed in
// exclude, checking login state live. When every such session is logged
// in it returns one past the highest port seen.
func (r *Registry[S]) AllocatePort(ctx context.Context, exclude []int) int {
	maxPort := r.basePort
	for _, s := range r.List() {
		port := s.Port()
		if port == r.basePort || s.IsParent() {
			continue
		}
		if port > maxPort {
			maxPort = port
		}
		if slices.Contains(exclude, port) {
			continue
		}
		if !s.CheckLoggedIn(ctx) {
			return port
		}
	}
	return maxPort + 1
}

// --- mutation ---

// Replace rebinds the session on port to a new identity, re-keying it when
// the broker id changes.
func (r *Registry[S]) Replace(ctx context.Context, port int, id domain.Identity) error {
	release, err := r.admit.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	oldID, s, ok := r.byPortLocked(port)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("port %d: %w", port, ErrNotFound)
	}
	if id.BrokerID != oldID {
		if _, taken := r.sessions[id.BrokerID]; taken {
			r.mu.Unlock()
			return fmt.Errorf("%s: %w", id.BrokerID, ErrBrokerInUse)
		}
		delete(r.sessions, oldID)
		r.sessions[id.BrokerID] = s
		r.order[slices.Index(r.order, oldID)] = id.BrokerID
		if r.parent == oldID {
			r.parent = id.BrokerID
		}
	}
	r.mu.Unlock()

	s.Replace(id)
	r.logger.Info("session replaced", "port", port, "from", oldID, "to", id.BrokerID)

	if id.BrokerID != oldID {
		r.forget(ctx, oldID)
	}
	r.save(ctx, s)
	return nil
}

func (r *Registry[S]) byPortLocked(port int) (string, S, bool) {
	for _, id := range r.order {
		if s := r.sessions[id]; s.Port() == port {
			return id, s, true
		}
	}
	var zero S
	return "", zero, false
}

// Delete stops the session registered under brokerID and removes it. The
// admission is held until the gateway has stopped so its port cannot be
// reused early.
func (r *Registry[S]) Delete(ctx context.Context, brokerID string) error {
	release, err := r.admit.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	s, ok := r.sessions[brokerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", brokerID, ErrNotFound)
	}
	delete(r.sessions, brokerID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == brokerID })
	if r.parent == brokerID {
		r.parent = ""
	}
	r.mu.Unlock()

	r.logger.Info("deleting session", "broker_id", brokerID, "port", s.Port())
	err = s.Stop(ctx)
	r.forget(ctx, brokerID)
	return err
}

// Close stops every session concurrently and empties the registry. The
// ledger is left intact so the sessions can be restored on the next start.
func (r *Registry[S]) Close(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]S, 0, len(r.order))
	for _, id := range r.order {
		sessions = append(sessions, r.sessions[id])
	}
	r.sessions = make(map[string]S)
	r.order = nil
	r.parent = ""
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error { return s.Stop(gctx) })
	}
	return g.Wait()
}

// Restore recreates the sessions recorded in a ledger. Sessions that fail
// to start are logged and skipped. It returns the number restored.
func (r *Registry[S]) Restore(ctx context.Context, infos []domain.SessionInfo, creds func(brokerID string) domain.Credentials) int {
	restored := 0
	for _, info := range infos {
		if ctx.Err() != nil {
			break
		}
		var c domain.Credentials
		if creds != nil {
			c = creds(info.BrokerID)
		}
		_, created, err := r.CreateOrGet(ctx, Params{
			Identity:    info.Identity,
			Credentials: c,
			Parent:      info.Parent,
			Port:        info.Port,
		})
		if err != nil {
			r.logger.Warn("restore failed", "broker_id", info.BrokerID, "port", info.Port, "error", err)
			continue
		}
		if created {
			restored++
		}
	}
	r.logger.Info("sessions restored", "count", restored, "recorded", len(infos))
	return restored
}

// --- ledger ---

func (r *Registry[S]) save(ctx context.Context, s S) {
	if r.ledger == nil {
		return
	}
	info := s.Info()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}
	if err := r.ledger.SaveSession(ctx, info); err != nil {
		r.logger.Warn("ledger save failed", "broker_id", info.BrokerID, "error", err)
	}
}

func (r *Registry[S]) forget(ctx context.Context, brokerID string) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.DeleteSession(ctx, brokerID); err != nil {
		r.logger.Warn("ledger delete failed", "broker_id", brokerID, "error", err)
	}
}
