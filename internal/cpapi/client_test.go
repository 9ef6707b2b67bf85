package cpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibsupervisor/internal/cpapi/cpapitest"
	"ibsupervisor/internal/util"
)

func newTestClient(t *testing.T) (*Client, *cpapitest.Gateway) {
	t.Helper()
	gw := cpapitest.New()
	t.Cleanup(gw.Close)

	c, err := New(Options{BaseURL: gw.URL(), Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(c.CloseIdleConnections)
	return c, gw
}

func TestNewBuildsLocalURL(t *testing.T) {
	c, err := New(Options{Port: 5001})
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:5001", c.RootURL())
	assert.Equal(t, "https://localhost:5001/v1/api", c.api)
}

func TestValidateSSO(t *testing.T) {
	c, gw := newTestClient(t)
	ctx := context.Background()

	st, err := c.ValidateSSO(ctx)
	require.NoError(t, err)
	assert.True(t, st.Reachable)
	assert.True(t, st.Authenticated)

	gw.SetSSO(http.StatusUnauthorized)
	st, err = c.ValidateSSO(ctx)
	require.NoError(t, err)
	assert.True(t, st.Reachable)
	assert.False(t, st.Authenticated)

	gw.SetSSO(http.StatusServiceUnavailable)
	st, err = c.ValidateSSO(ctx)
	require.NoError(t, err)
	assert.False(t, st.Reachable)
}

func TestValidateSSOUnreachable(t *testing.T) {
	c, gw := newTestClient(t)
	gw.Close()

	_, err := c.ValidateSSO(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
}

func TestTickle(t *testing.T) {
	c, gw := newTestClient(t)
	gw.SetTickles(
		cpapitest.Tickle{Authenticated: true},
		cpapitest.Tickle{Authenticated: true, Competing: true},
		cpapitest.Tickle{Status: http.StatusUnauthorized},
	)
	ctx := context.Background()

	st, err := c.Tickle(ctx)
	require.NoError(t, err)
	assert.True(t, st.Authenticated)
	assert.False(t, st.Competing)
	assert.Equal(t, "c0ffee", st.Session)

	st, err = c.Tickle(ctx)
	require.NoError(t, err)
	assert.True(t, st.Competing)

	_, err = c.Tickle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestTickleCollission(t *testing.T) {
	c, gw := newTestClient(t)
	gw.Handle("POST /v1/api/tickle", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"session":"s","collission":true,"iserver":{"authStatus":{"authenticated":true}}}`))
	})

	st, err := c.Tickle(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Competing)
}

func TestTickleMalformedBody(t *testing.T) {
	c, gw := newTestClient(t)
	gw.Handle("POST /v1/api/tickle", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})

	_, err := c.Tickle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
}

func TestReauthenticateForce(t *testing.T) {
	c, gw := newTestClient(t)
	var force string
	gw.Handle("POST /v1/api/iserver/reauthenticate", func(w http.ResponseWriter, r *http.Request) {
		force = r.URL.Query().Get("force")
		w.Write([]byte(`{"message":"triggered"}`))
	})

	require.NoError(t, c.Reauthenticate(context.Background(), true))
	assert.Equal(t, "true", force)
}

func TestAuthStatusPolls(t *testing.T) {
	c, gw := newTestClient(t)
	calls := 0
	gw.Handle("POST /v1/api/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"authenticated": calls >= 3})
	})

	ok := c.AuthStatus(context.Background(), 10*time.Millisecond, 2*time.Second)
	assert.True(t, ok)
	assert.Equal(t, 3, calls)
}

func TestAuthStatusTimeout(t *testing.T) {
	c, gw := newTestClient(t)
	gw.SetAuthenticated(false)

	start := time.Now()
	ok := c.AuthStatus(context.Background(), 10*time.Millisecond, 100*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAuthStatusFollowsClock(t *testing.T) {
	gw := cpapitest.New()
	t.Cleanup(gw.Close)
	gw.SetAuthenticated(false)

	clock := util.NewManualClock(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC))
	c, err := New(Options{BaseURL: gw.URL(), Timeout: 2 * time.Second, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(c.CloseIdleConnections)

	var polls atomic.Int32
	gw.Handle("POST /v1/api/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"authenticated": false})
	})

	done := make(chan bool, 1)
	go func() { done <- c.AuthStatus(context.Background(), time.Minute, 10*time.Minute) }()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ok := <-done:
			assert.False(t, ok)
			assert.GreaterOrEqual(t, polls.Load(), int32(1))
			assert.LessOrEqual(t, polls.Load(), int32(11))
			return
		case <-deadline:
			t.Fatal("AuthStatus did not return after the clock passed its timeout")
		case <-time.After(5 * time.Millisecond):
			clock.Advance(time.Minute)
		}
	}
}

func TestRateLimitIsPerClient(t *testing.T) {
	gw := cpapitest.New()
	t.Cleanup(gw.Close)

	newPaced := func() *Client {
		c, err := New(Options{BaseURL: gw.URL(), Timeout: 2 * time.Second, RequestsPerMinute: 60, Burst: 1})
		require.NoError(t, err)
		t.Cleanup(c.CloseIdleConnections)
		return c
	}
	a, b := newPaced(), newPaced()
	ctx := context.Background()

	_, err := a.ValidateSSO(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Tickle(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "another client's request must not drain this bucket")

	start = time.Now()
	_, err = a.ValidateSSO(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond, "a client paces its own requests")
}

func TestSubmitLogin(t *testing.T) {
	c, gw := newTestClient(t)
	gw.SetSSO(http.StatusUnauthorized)
	gw.SetCredentials("trader", "secret")
	ctx := context.Background()

	err := c.SubmitLogin(ctx, "trader", "wrong")
	require.Error(t, err)

	require.NoError(t, c.SubmitLogin(ctx, "trader", "secret"))
	st, err := c.ValidateSSO(ctx)
	require.NoError(t, err)
	assert.True(t, st.Authenticated)
}

func TestAccountsAndSummary(t *testing.T) {
	c, gw := newTestClient(t)
	gw.SetAccounts("U123", "U456")
	gw.SetSummary("U123", map[string]any{
		"availablefunds":     map[string]any{"amount": 1300.0, "currency": "USD"},
		"fullavailablefunds": map[string]any{"amount": 1500.0, "currency": "USD"},
		"initmarginreq":      map[string]any{"amount": 200.0, "currency": "USD"},
		"accountready":       map[string]any{"value": "true"},
	})
	ctx := context.Background()

	accounts, err := c.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "U123", accounts[0].ID)

	summary, err := c.Summary(ctx, "U123")
	require.NoError(t, err)
	assert.Equal(t, 1300.0, summary["availablefunds"].Amount)
	assert.Equal(t, "USD", summary["availablefunds"].Currency)
	assert.Equal(t, 200.0, summary["initmarginreq"].Amount)

	_, err = c.Summary(ctx, "U999")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestPlaceAndCancelOrder(t *testing.T) {
	c, gw := newTestClient(t)
	var placed struct {
		Orders []Order `json:"orders"`
	}
	gw.Handle("POST /v1/api/iserver/account/U1/order", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&placed)
		w.Write([]byte(`[{"order_id":"42","order_status":"Submitted"}]`))
	})
	gw.Handle("DELETE /v1/api/iserver/account/U1/order/42", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"msg":"Request was submitted","order_id":42}`))
	})
	ctx := context.Background()

	resp, err := c.PlaceOrder(ctx, "U1", []Order{{OrderType: "MKT", Side: "BUY", Ticker: "EURUSD", Quantity: 1, TIF: "GTC"}})
	require.NoError(t, err)
	require.Len(t, placed.Orders, 1)
	assert.Equal(t, "EURUSD", placed.Orders[0].Ticker)
	assert.IsType(t, []any{}, resp)

	resp, err = c.CancelOrder(ctx, "U1", "42")
	require.NoError(t, err)
	assert.Equal(t, "Request was submitted", resp.(map[string]any)["msg"])
}
