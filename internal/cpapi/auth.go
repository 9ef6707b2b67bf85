package cpapi

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// SSOStatus is the outcome of GET /sso/validate.
type SSOStatus struct {
	Code int
	// Reachable is true once the gateway answers with a status below 500.
	Reachable bool
	// Authenticated is true when the brokerage session is logged in.
	Authenticated bool
}

// TickleStatus is the keep-alive response of POST /tickle.
type TickleStatus struct {
	Session       string
	Authenticated bool
	Competing     bool
	Connected     bool
}

type tickleResponse struct {
	Session    string `json:"session"`
	Collission bool   `json:"collission"`
	IServer    struct {
		AuthStatus authStatusResponse `json:"authStatus"`
	} `json:"iserver"`
}

type authStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Competing     bool   `json:"competing"`
	Connected     bool   `json:"connected"`
	Message       string `json:"message"`
}

// ValidateSSO reports whether the gateway is up and logged in. Non-2xx
// responses are not errors; the gateway answers 401 until a user logs in.
func (c *Client) ValidateSSO(ctx context.Context) (SSOStatus, error) {
	code, _, err := c.send(ctx, http.MethodGet, "/sso/validate", nil, nil, c.validateTimeout)
	if err != nil {
		return SSOStatus{}, err
	}
	return SSOStatus{
		Code:          code,
		Reachable:     code < 500,
		Authenticated: code == http.StatusOK,
	}, nil
}

// Tickle keeps the gateway session alive and returns its brokerage auth
// state. The gateway reports a competing session either under
// iserver.authStatus or as a top-level "collission" flag.
func (c *Client) Tickle(ctx context.Context) (TickleStatus, error) {
	var resp tickleResponse
	if err := c.do(ctx, http.MethodPost, "/tickle", nil, nil, &resp); err != nil {
		return TickleStatus{}, err
	}
	auth := resp.IServer.AuthStatus
	return TickleStatus{
		Session:       resp.Session,
		Authenticated: auth.Authenticated,
		Competing:     auth.Competing || resp.Collission,
		Connected:     auth.Connected,
	}, nil
}

// Reauthenticate asks the gateway to re-open the brokerage session. The
// request completes asynchronously; poll AuthStatus for the outcome.
func (c *Client) Reauthenticate(ctx context.Context, force bool) error {
	var query url.Values
	if force {
		query = url.Values{"force": {"true"}}
	}
	return c.do(ctx, http.MethodPost, "/iserver/reauthenticate", query, nil, nil)
}

// AuthStatus polls the brokerage auth status every pollInterval until it
// reports authenticated or timeout elapses. A zero timeout checks once.
func (c *Client) AuthStatus(ctx context.Context, pollInterval, timeout time.Duration) bool {
	deadline := c.clock.Now().Add(timeout)
	for {
		var resp authStatusResponse
		err := c.do(ctx, http.MethodPost, "/iserver/auth/status", nil, nil, &resp)
		switch {
		case err != nil:
			c.logger.Debug("auth status", "error", err)
		case resp.Authenticated:
			return true
		}

		if !c.clock.Now().Add(pollInterval).Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.clock.After(pollInterval):
		}
	}
}

// Logout ends the gateway session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, nil, nil)
}

// SubmitLogin posts credentials to the gateway's SSO login form. Success
// only means the form was accepted; confirm with ValidateSSO.
func (c *Client) SubmitLogin(ctx context.Context, username, password string) error {
	form := url.Values{
		"user_name": {username},
		"password":  {password},
	}
	query := url.Values{"forwardTo": {"22"}, "RL": {"1"}}

	code, data, err := c.sendURL(ctx, http.MethodPost, c.root+"/sso/Login", query, form, c.timeout)
	if err != nil {
		return err
	}
	if code >= 400 {
		return &StatusError{Method: http.MethodPost, Path: "/sso/Login", Code: code, Body: truncate(string(data), 256)}
	}
	return nil
}
