package login

import (
	"context"
	"log/slog"
	"time"
)

// ManualLogin waits for an operator to log in through the gateway's own
// login page.
type ManualLogin struct {
	VerifyTimeout time.Duration
	PollInterval  time.Duration
	Logger        *slog.Logger
}

func (l *ManualLogin) Login(ctx context.Context, gw Gateway) error {
	if l.Logger != nil {
		l.Logger.Info("waiting for manual login", "url", gw.RootURL()+"/")
	}
	return waitAuthenticated(ctx, gw, l.PollInterval, l.VerifyTimeout)
}
