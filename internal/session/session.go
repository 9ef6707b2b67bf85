// Package session supervises one broker session: a gateway subprocess on a
// dedicated port, the HTTP client bound to it, and the keep-alive loop that
// logs in, tickles, re-authenticates and restarts the gateway as needed.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ibsupervisor/internal/config"
	"ibsupervisor/internal/cpapi"
	"ibsupervisor/internal/domain"
	"ibsupervisor/internal/gateway"
	"ibsupervisor/internal/login"
	"ibsupervisor/internal/util"
)

// ErrStopped is returned by operations on a stopped session.
var ErrStopped = errors.New("session stopped")

// State is the supervisory state of a session.
type State int

const (
	Starting State = iota
	AwaitingGateway
	AwaitingLogin
	Authenticated
	Degraded
	Restarting
	Stopped
)

var stateNames = [...]string{
	Starting:        "starting",
	AwaitingGateway: "awaiting_gateway",
	AwaitingLogin:   "awaiting_login",
	Authenticated:   "authenticated",
	Degraded:        "degraded",
	Restarting:      "restarting",
	Stopped:         "stopped",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Client is the gateway REST surface a session uses.
type Client interface {
	login.Gateway
	Tickle(ctx context.Context) (cpapi.TickleStatus, error)
	Reauthenticate(ctx context.Context, force bool) error
	AuthStatus(ctx context.Context, pollInterval, timeout time.Duration) bool
	Logout(ctx context.Context) error
	Accounts(ctx context.Context) ([]cpapi.Account, error)
	Summary(ctx context.Context, accountID string) (cpapi.Summary, error)
	Positions(ctx context.Context, accountID string) ([]map[string]any, error)
	Orders(ctx context.Context) (map[string]any, error)
	PlaceOrder(ctx context.Context, accountID string, orders []cpapi.Order) (any, error)
	ModifyOrder(ctx context.Context, accountID, orderID string, order cpapi.Order) (any, error)
	CancelOrder(ctx context.Context, accountID, orderID string) (any, error)
	CloseIdleConnections()
}

var _ Client = (*cpapi.Client)(nil)

// Notifier delivers a session event to the subscriber registered under
// msgID.
type Notifier interface {
	Notify(msgID string, args ...any)
}

// Recorder keeps an audit trail of session events.
type Recorder interface {
	RecordEvent(ctx context.Context, brokerID string, port int, event string, at time.Time) error
}

// Archive stores account snapshots.
type Archive interface {
	AppendSnapshot(ctx context.Context, snap domain.AccountSnapshot) error
}

// Timing holds the loop cadence and escalation thresholds.
type Timing struct {
	Tick                 time.Duration
	GatewayPoll          time.Duration
	Reauth               time.Duration
	AuthStatusPoll       time.Duration
	AuthStatusTimeout    time.Duration
	StopTimeout          time.Duration
	MaxAuthFailures      int
	MaxTransientFailures int
	MaxLoginFailures     int
	RestartBackoffMax    time.Duration
}

// TimingFromConfig builds Timing from the supervisor and gateway sections.
func TimingFromConfig(sv config.Supervisor, gw config.Gateway) Timing {
	return Timing{
		Tick:                 sv.TickInterval,
		GatewayPoll:          sv.GatewayPollInterval,
		Reauth:               sv.ReauthInterval,
		AuthStatusPoll:       sv.AuthStatusPoll,
		AuthStatusTimeout:    sv.AuthStatusTimeout,
		StopTimeout:          gw.StopTimeout,
		MaxAuthFailures:      sv.MaxAuthFailures,
		MaxTransientFailures: sv.MaxTransientFailures,
		MaxLoginFailures:     sv.MaxLoginFailures,
	}
}

func (t *Timing) fill() {
	def := config.Default()
	d := TimingFromConfig(def.Supervisor, def.Gateway)
	if t.Tick <= 0 {
		t.Tick = d.Tick
	}
	if t.GatewayPoll <= 0 {
		t.GatewayPoll = d.GatewayPoll
	}
	if t.Reauth <= 0 {
		t.Reauth = d.Reauth
	}
	if t.AuthStatusPoll <= 0 {
		t.AuthStatusPoll = d.AuthStatusPoll
	}
	if t.AuthStatusTimeout <= 0 {
		t.AuthStatusTimeout = d.AuthStatusTimeout
	}
	if t.StopTimeout <= 0 {
		t.StopTimeout = d.StopTimeout
	}
	if t.MaxAuthFailures <= 0 {
		t.MaxAuthFailures = d.MaxAuthFailures
	}
	if t.MaxTransientFailures <= 0 {
		t.MaxTransientFailures = d.MaxTransientFailures
	}
	if t.MaxLoginFailures <= 0 {
		t.MaxLoginFailures = d.MaxLoginFailures
	}
	if t.RestartBackoffMax <= 0 {
		t.RestartBackoffMax = time.Minute
	}
}

// Params identify a new session.
type Params struct {
	Identity    domain.Identity
	Port        int
	Parent      bool
	Credentials domain.Credentials
}

// Deps are the collaborators of a session. Launcher, Client and Login are
// required.
type Deps struct {
	Launcher gateway.Launcher
	Client   Client
	Login    login.Strategy
	Clock    util.Clock
	Logger   *slog.Logger
	Notifier Notifier
	Recorder Recorder
	Archive  Archive
	Timing   Timing
}

type subscriber struct {
	msgID string
}

// Session is one supervised gateway session.
type Session struct {
	port      int
	parent    bool
	createdAt time.Time

	launcher gateway.Launcher
	client   Client
	login    login.Strategy
	clock    util.Clock
	logger   *slog.Logger
	notifier Notifier
	recorder Recorder
	archive  Archive
	timing   Timing

	mu            sync.RWMutex
	identity      domain.Identity
	state         State
	gatewayLoaded bool
	loggedIn      bool
	serverAuth    bool
	restarts      int
	lastReauth    time.Time
	proc          gateway.Process
	subs          []subscriber

	// Owned by the loop goroutine.
	loginFailures     int
	authFailures      int
	transientFailures int
	restartBackoff    *backoff.ExponentialBackOff

	wake      chan struct{}
	reauthReq chan chan bool
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

// New spawns the gateway for p.Port and starts the supervisory loop. A
// spawn failure is returned and no session is created. The loop is not
// bound to ctx; it runs until Stop.
func New(ctx context.Context, p Params, d Deps) (*Session, error) {
	if d.Clock == nil {
		d.Clock = util.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Timing.fill()

	rb := backoff.NewExponentialBackOff()
	rb.InitialInterval = time.Second
	rb.MaxInterval = d.Timing.RestartBackoffMax

	s := &Session{
		port:           p.Port,
		parent:         p.Parent,
		createdAt:      d.Clock.Now(),
		launcher:       d.Launcher,
		client:         d.Client,
		login:          d.Login,
		clock:          d.Clock,
		logger:         d.Logger.With("port", p.Port),
		notifier:       d.Notifier,
		recorder:       d.Recorder,
		archive:        d.Archive,
		timing:         d.Timing,
		identity:       p.Identity,
		state:          Starting,
		restartBackoff: rb,
		wake:           make(chan struct{}, 1),
		reauthReq:      make(chan chan bool),
		done:           make(chan struct{}),
	}

	proc, err := d.Launcher.Start(ctx, p.Port)
	if err != nil {
		return nil, err
	}
	s.proc = proc
	s.state = AwaitingGateway

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(loopCtx)

	s.logger.Info("session started", "broker_id", p.Identity.BrokerID, "parent", p.Parent)
	return s, nil
}

// --- accessors ---

func (s *Session) Port() int { return s.port }

func (s *Session) IsParent() bool { return s.parent }

func (s *Session) Identity() domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

func (s *Session) GatewayLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gatewayLoaded
}

func (s *Session) ServerAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverAuth
}

// Info returns a snapshot of the session.
func (s *Session) Info() domain.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.SessionInfo{
		Identity:            s.identity,
		Port:                s.port,
		Parent:              s.parent,
		State:               s.state.String(),
		GatewayLoaded:       s.gatewayLoaded,
		LoggedIn:            s.loggedIn,
		ServerAuthenticated: s.serverAuth,
		Restarts:            s.restarts,
		CreatedAt:           s.createdAt,
	}
}

// Replace re-binds the session to a new owner. The gateway and its login
// are kept.
func (s *Session) Replace(id domain.Identity) {
	s.mu.Lock()
	old := s.identity
	s.identity = id
	s.mu.Unlock()

	s.logger.Info("session replaced", "from", old.BrokerID, "to", id.BrokerID, "user_id", id.UserID, "strategy_id", id.StrategyID)
}

// CheckLoggedIn asks the gateway whether it is logged in right now.
func (s *Session) CheckLoggedIn(ctx context.Context) bool {
	st, err := s.client.ValidateSSO(ctx)
	if err != nil {
		s.logger.Debug("validate sso", "error", err)
		return false
	}
	return st.Authenticated
}

// StartGateway makes sure a gateway process is running, restarting it if
// it has exited.
func (s *Session) StartGateway(ctx context.Context) error {
	s.mu.RLock()
	state, proc := s.state, s.proc
	s.mu.RUnlock()

	switch {
	case state == Stopped:
		return ErrStopped
	case state == Restarting:
		return nil
	case proc != nil && proc.Running():
		return nil
	}
	s.beginRestart("gateway not running")
	s.Wake()
	return nil
}

// --- subscribers ---

// Subscribe registers msgID to receive session events. Subscribing the
// same id twice is a no-op.
func (s *Session) Subscribe(msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.msgID == msgID {
			return
		}
	}
	s.subs = append(s.subs, subscriber{msgID: msgID})
}

// Unsubscribe removes msgID and reports whether it was registered.
func (s *Session) Unsubscribe(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.msgID == msgID {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribers returns the registered msg ids in subscription order.
func (s *Session) Subscribers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.subs))
	for i, sub := range s.subs {
		ids[i] = sub.msgID
	}
	return ids
}

func (s *Session) emit(event string) {
	s.mu.RLock()
	subs := append([]subscriber(nil), s.subs...)
	brokerID := s.identity.BrokerID
	s.mu.RUnlock()

	s.logger.Info("session event", "event", event, "broker_id", brokerID)

	if s.notifier != nil {
		for _, sub := range subs {
			s.notifier.Notify(sub.msgID, event)
		}
	}
	if s.recorder != nil {
		if err := s.recorder.RecordEvent(context.Background(), brokerID, s.port, event, s.clock.Now()); err != nil {
			s.logger.Warn("record session event", "event", event, "error", err)
		}
	}
}

// --- lifecycle ---

// Wake collapses the remaining wait of the loop so the next cycle runs
// immediately.
func (s *Session) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the supervisory loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop cancels the loop, logs out, stops the gateway and releases the HTTP
// client. Calling Stop again is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			s.logger.Warn("session loop did not exit before stop deadline")
		}

		if err := s.client.Logout(ctx); err != nil {
			s.logger.Debug("logout", "error", err)
		}

		s.mu.Lock()
		proc := s.proc
		s.state = Stopped
		s.loggedIn = false
		s.serverAuth = false
		s.mu.Unlock()

		if proc != nil {
			if err := proc.Stop(s.timing.StopTimeout); err != nil {
				s.logger.Warn("stop gateway", "error", err)
			}
		}
		s.client.CloseIdleConnections()

		s.emit(domain.EventStopped)
	})
	return nil
}

// setState moves the loop to st. A pending restart or a stop is never
// overridden here; only restart and Stop leave those states.
func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	if prev == Restarting || prev == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	if prev != st {
		s.logger.Debug("state change", "from", prev.String(), "to", st.String())
	}
}

func (s *Session) gatewayExited() bool {
	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()
	return proc == nil || !proc.Running()
}

func (s *Session) resetAuth() {
	s.mu.Lock()
	s.loggedIn = false
	s.serverAuth = false
	s.mu.Unlock()
}

func (s *Session) markLoggedIn() {
	now := s.clock.Now()
	s.mu.Lock()
	if s.state == Restarting || s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.loggedIn = true
	s.lastReauth = now
	s.state = Authenticated
	s.mu.Unlock()

	s.loginFailures = 0
	s.authFailures = 0
	s.transientFailures = 0
	s.emit(domain.EventLoggedIn)
}

// beginRestart moves the session to Restarting and emits the event once
// per restart.
func (s *Session) beginRestart(reason string) {
	s.mu.Lock()
	if s.state == Restarting || s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = Restarting
	s.restarts++
	s.gatewayLoaded = false
	s.loggedIn = false
	s.serverAuth = false
	s.mu.Unlock()

	s.logger.Warn("restarting gateway", "reason", reason)
	s.emit(domain.EventRestarting)
}

// requestReauth has the loop re-authenticate between cycles, so it never
// overlaps a keep-alive step. It gives up when ctx ends or the loop has
// stopped.
func (s *Session) requestReauth(ctx context.Context) bool {
	reply := make(chan bool, 1)
	select {
	case s.reauthReq <- reply:
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

// reauthenticate forces a brokerage re-authentication and waits for the
// auth status to confirm it.
func (s *Session) reauthenticate(ctx context.Context) bool {
	if err := s.client.Reauthenticate(ctx, true); err != nil {
		s.logger.Debug("reauthenticate", "error", err)
	}
	ok := s.client.AuthStatus(ctx, s.timing.AuthStatusPoll, s.timing.AuthStatusTimeout)

	now := s.clock.Now()
	s.mu.Lock()
	s.serverAuth = ok
	if ok {
		s.lastReauth = now
	}
	s.mu.Unlock()
	return ok
}
