package session

import (
	"context"
	"errors"
	"time"

	"ibsupervisor/internal/cpapi"
	"ibsupervisor/internal/domain"
)

// run drives the supervisory loop until ctx is cancelled. Cycles never
// overlap; each one returns how long to wait before the next.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		wait := s.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if wait <= 0 {
			continue
		}

		s.sleep(ctx, wait)
		if ctx.Err() != nil {
			return
		}
	}
}

// sleep waits for the next cycle, serving re-authentication requests from
// trading operations in the meantime.
func (s *Session) sleep(ctx context.Context, wait time.Duration) {
	timer := s.clock.After(wait)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			return
		case <-timer:
			return
		case reply := <-s.reauthReq:
			reply <- s.reauthenticate(ctx)
		}
	}
}

func (s *Session) cycle(ctx context.Context) time.Duration {
	switch s.State() {
	case AwaitingGateway:
		return s.awaitGateway(ctx)
	case AwaitingLogin:
		return s.awaitLogin(ctx)
	case Authenticated, Degraded:
		return s.keepAlive(ctx)
	case Restarting:
		return s.restart(ctx)
	default:
		return s.timing.Tick
	}
}

// awaitGateway polls /sso/validate until the gateway answers.
func (s *Session) awaitGateway(ctx context.Context) time.Duration {
	if s.gatewayExited() {
		s.beginRestart("gateway exited while starting")
		return 0
	}

	st, err := s.client.ValidateSSO(ctx)
	if err != nil || !st.Reachable {
		return s.timing.GatewayPoll
	}

	s.mu.Lock()
	first := !s.gatewayLoaded
	s.gatewayLoaded = true
	s.mu.Unlock()
	if first {
		s.logger.Info("gateway loaded", "login_url", s.client.RootURL()+"/")
		s.emit(domain.EventGatewayLoaded)
	}

	if st.Authenticated {
		s.markLoggedIn()
		return 0
	}
	s.setState(AwaitingLogin)
	return 0
}

// awaitLogin runs the login strategy once per tick until it succeeds.
func (s *Session) awaitLogin(ctx context.Context) time.Duration {
	if s.gatewayExited() {
		s.beginRestart("gateway exited before login")
		return 0
	}

	err := s.login.Login(ctx, s.client)
	if ctx.Err() != nil {
		return 0
	}
	if err != nil {
		s.loginFailures++
		s.logger.Warn("login failed", "attempt", s.loginFailures, "error", err)
		if s.loginFailures >= s.timing.MaxLoginFailures {
			s.loginFailures = 0
			s.emit(domain.EventLoginFailed)
		}
		return s.timing.Tick
	}

	s.markLoggedIn()
	return 0
}

// keepAlive tickles the gateway and escalates on failures: unauthorized
// goes back to login, a competing session or a dead gateway restarts, and
// a lost brokerage session is re-authenticated.
func (s *Session) keepAlive(ctx context.Context) time.Duration {
	if s.gatewayExited() {
		s.beginRestart("gateway exited")
		return 0
	}

	st, err := s.client.Tickle(ctx)
	var statusErr *cpapi.StatusError
	switch {
	case errors.As(err, &statusErr):
		s.logger.Warn("tickle rejected, logging in again", "status", statusErr.Code)
		s.resetAuth()
		s.setState(AwaitingLogin)
		return 0
	case err != nil:
		if ctx.Err() != nil {
			return 0
		}
		s.transientFailures++
		s.logger.Debug("tickle failed", "consecutive", s.transientFailures, "error", err)
		if s.transientFailures >= s.timing.MaxTransientFailures {
			s.transientFailures = 0
			s.beginRestart("gateway unresponsive")
			return 0
		}
		return s.timing.Tick
	}
	s.transientFailures = 0

	if st.Competing {
		s.beginRestart("competing session")
		return 0
	}

	s.mu.RLock()
	due := s.clock.Now().Sub(s.lastReauth) >= s.timing.Reauth
	s.mu.RUnlock()

	if st.Authenticated && !due {
		s.mu.Lock()
		s.serverAuth = true
		s.mu.Unlock()
		s.authFailures = 0
		s.setState(Authenticated)
		return s.timing.Tick
	}

	if !st.Authenticated {
		s.mu.Lock()
		s.serverAuth = false
		s.mu.Unlock()
	}

	if s.reauthenticate(ctx) {
		s.authFailures = 0
		s.setState(Authenticated)
		return s.timing.Tick
	}
	if ctx.Err() != nil {
		return 0
	}

	s.authFailures++
	s.logger.Warn("brokerage re-authentication timed out", "consecutive", s.authFailures)
	if s.authFailures >= s.timing.MaxAuthFailures {
		s.authFailures = 0
		s.beginRestart("re-authentication keeps failing")
		return 0
	}
	s.setState(Degraded)
	return s.timing.Tick
}

// restart replaces the gateway process on the same port. A failed spawn is
// retried with exponential backoff.
func (s *Session) restart(ctx context.Context) time.Duration {
	if err := s.client.Logout(ctx); err != nil {
		s.logger.Debug("logout before restart", "error", err)
	}

	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()
	if proc != nil {
		if err := proc.Stop(s.timing.StopTimeout); err != nil {
			s.logger.Warn("stop gateway", "error", err)
		}
	}
	s.client.CloseIdleConnections()

	next, err := s.launcher.Start(ctx, s.port)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		wait := s.restartBackoff.NextBackOff()
		s.logger.Error("gateway restart failed", "error", err, "retry_in", wait)
		return wait
	}
	s.restartBackoff.Reset()

	s.mu.Lock()
	s.proc = next
	s.state = AwaitingGateway
	s.mu.Unlock()
	return 0
}
