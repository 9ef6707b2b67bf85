// Package login implements the ways a gateway session gets logged in:
// posting credentials, driving the login page in a browser, or waiting for
// an operator.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ibsupervisor/internal/config"
	"ibsupervisor/internal/cpapi"
	"ibsupervisor/internal/domain"
)

// ErrLoginFailed is returned when a login attempt did not produce an
// authenticated gateway session.
var ErrLoginFailed = errors.New("login failed")

// Gateway is the part of the gateway client a strategy needs.
type Gateway interface {
	RootURL() string
	ValidateSSO(ctx context.Context) (cpapi.SSOStatus, error)
	SubmitLogin(ctx context.Context, username, password string) error
}

// Strategy logs a gateway session in.
type Strategy interface {
	Login(ctx context.Context, gw Gateway) error
}

// New returns the strategy selected by cfg. Sessions without credentials
// always fall back to manual login.
func New(cfg config.Login, creds domain.Credentials, logger *slog.Logger) Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("login", cfg.Mode)

	if creds.Empty() || cfg.Mode == "manual" {
		return &ManualLogin{VerifyTimeout: cfg.VerifyTimeout, Logger: logger}
	}

	switch cfg.Mode {
	case "interactive":
		return &InteractiveLogin{
			Credentials: creds,
			Browser: &ChromeBrowser{
				ExecPath: cfg.BrowserPath,
				Headless: cfg.Headless,
				Timeout:  cfg.PageTimeout,
				Markers:  []string{cfg.SuccessMarker, cfg.FailureMarker},
			},
			Attempts:      cfg.Attempts,
			SuccessMarker: cfg.SuccessMarker,
			FailureMarker: cfg.FailureMarker,
			Logger:        logger,
		}
	default:
		return &CredentialLogin{
			Credentials:   creds,
			VerifyTimeout: cfg.VerifyTimeout,
			Logger:        logger,
		}
	}
}

const defaultPollInterval = time.Second

// waitAuthenticated polls /sso/validate until it reports a logged in
// session or timeout elapses.
func waitAuthenticated(ctx context.Context, gw Gateway, poll, timeout time.Duration) error {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		st, err := gw.ValidateSSO(ctx)
		if err == nil && st.Authenticated {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: session not authenticated after %s", ErrLoginFailed, timeout)
		case <-ticker.C:
		}
	}
}
