package login

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ibsupervisor/internal/domain"
)

// CredentialLogin posts the username and password to the gateway's SSO
// form and waits for the session to validate.
type CredentialLogin struct {
	Credentials   domain.Credentials
	VerifyTimeout time.Duration
	PollInterval  time.Duration
	Logger        *slog.Logger
}

func (l *CredentialLogin) Login(ctx context.Context, gw Gateway) error {
	if l.Credentials.Empty() {
		return fmt.Errorf("%w: no credentials", ErrLoginFailed)
	}
	if err := gw.SubmitLogin(ctx, l.Credentials.Username, l.Credentials.Password); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if err := waitAuthenticated(ctx, gw, l.PollInterval, l.VerifyTimeout); err != nil {
		return err
	}
	if l.Logger != nil {
		l.Logger.Info("credential login succeeded", "user", l.Credentials.Username)
	}
	return nil
}
