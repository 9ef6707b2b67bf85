package login

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ibsupervisor/internal/domain"
	"ibsupervisor/internal/util"
)

// Browser fills in and submits the gateway login page at url, then returns
// the rendered page text once it settles.
type Browser interface {
	SubmitForm(ctx context.Context, url string, creds domain.Credentials) (string, error)
}

// InteractiveLogin drives the gateway's login page in a browser and reads
// the outcome from the rendered page.
type InteractiveLogin struct {
	Credentials   domain.Credentials
	Browser       Browser
	Attempts      int
	RetryDelay    time.Duration
	SuccessMarker string
	FailureMarker string
	Logger        *slog.Logger
}

func (l *InteractiveLogin) Login(ctx context.Context, gw Gateway) error {
	if l.Credentials.Empty() {
		return fmt.Errorf("%w: no credentials", ErrLoginFailed)
	}

	attempts := l.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := l.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	url := gw.RootURL() + "/"
	err := util.Retry(ctx, attempts, delay, func(attempt int) error {
		text, err := l.Browser.SubmitForm(ctx, url, l.Credentials)
		if err != nil {
			logger.Warn("browser login attempt failed", "attempt", attempt, "error", err)
			return err
		}
		switch {
		case l.SuccessMarker != "" && strings.Contains(text, l.SuccessMarker):
			return nil
		case l.FailureMarker != "" && strings.Contains(text, l.FailureMarker):
			logger.Warn("gateway rejected credentials", "attempt", attempt)
			return fmt.Errorf("credentials rejected")
		default:
			logger.Warn("login page gave no verdict", "attempt", attempt)
			return fmt.Errorf("no login verdict")
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	logger.Info("browser login succeeded", "user", l.Credentials.Username)
	return nil
}
