// Package cpapitest provides an in-process Client Portal gateway for tests.
package cpapitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Tickle is one scripted reply to POST /tickle. A Status other than 0 or
// 200 is written as-is with no body.
type Tickle struct {
	Status        int
	Authenticated bool
	Competing     bool
}

// Gateway is a TLS test server answering the gateway endpoints the
// supervisor uses. Replies are scripted through the setters; any route can
// be replaced with Handle.
type Gateway struct {
	server *httptest.Server
	mux    *http.ServeMux

	mu        sync.Mutex
	ssoCode   int
	tickles   []Tickle
	auth      bool
	username  string
	password  string
	accounts  []map[string]any
	summaries map[string]map[string]any
	overrides map[string]http.HandlerFunc
	calls     map[string]int
}

// New starts a gateway that reports a logged in, authenticated session.
func New() *Gateway {
	g := &Gateway{
		ssoCode:   http.StatusOK,
		tickles:   []Tickle{{Authenticated: true}},
		auth:      true,
		summaries: make(map[string]map[string]any),
		overrides: make(map[string]http.HandlerFunc),
		calls:     make(map[string]int),
		mux:       http.NewServeMux(),
	}

	g.mux.HandleFunc("GET /v1/api/sso/validate", g.handleValidate)
	g.mux.HandleFunc("POST /v1/api/tickle", g.handleTickle)
	g.mux.HandleFunc("POST /v1/api/iserver/reauthenticate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"message": "triggered"})
	})
	g.mux.HandleFunc("/v1/api/iserver/auth/status", g.handleAuthStatus)
	g.mux.HandleFunc("POST /v1/api/logout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": true})
	})
	g.mux.HandleFunc("POST /sso/Login", g.handleLogin)
	g.mux.HandleFunc("GET /v1/api/portfolio/accounts", g.handleAccounts)
	g.mux.HandleFunc("GET /v1/api/portfolio/{id}/summary", g.handleSummary)

	g.server = httptest.NewTLSServer(http.HandlerFunc(g.serve))
	return g
}

// URL returns the gateway origin.
func (g *Gateway) URL() string { return g.server.URL }

// Close shuts the server down.
func (g *Gateway) Close() { g.server.Close() }

// SetSSO sets the status code of GET /sso/validate.
func (g *Gateway) SetSSO(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ssoCode = code
}

// SetTickles scripts the replies to POST /tickle. Replies are consumed in
// order; the last one repeats.
func (g *Gateway) SetTickles(seq ...Tickle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tickles = append([]Tickle(nil), seq...)
}

// SetAuthenticated sets the reply of /iserver/auth/status.
func (g *Gateway) SetAuthenticated(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auth = ok
}

// SetCredentials makes POST /sso/Login accept the given pair and flip
// /sso/validate to 200.
func (g *Gateway) SetCredentials(username, password string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.username, g.password = username, password
}

// SetAccounts sets the ids returned by GET /portfolio/accounts.
func (g *Gateway) SetAccounts(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts = g.accounts[:0]
	for _, id := range ids {
		g.accounts = append(g.accounts, map[string]any{"id": id, "accountId": id, "currency": "USD"})
	}
}

// SetSummary sets the portfolio summary of an account.
func (g *Gateway) SetSummary(accountID string, summary map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.summaries[accountID] = summary
}

// Handle replaces the route for "METHOD /path" (paths as requested, e.g.
// "POST /v1/api/iserver/account/U1/order").
func (g *Gateway) Handle(route string, h http.HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[route] = h
}

// Calls returns how often "METHOD /path" was requested.
func (g *Gateway) Calls(route string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[route]
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path

	g.mu.Lock()
	g.calls[route]++
	h := g.overrides[route]
	g.mu.Unlock()

	if h != nil {
		h(w, r)
		return
	}
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) handleValidate(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	code := g.ssoCode
	g.mu.Unlock()
	writeJSON(w, code, map[string]any{"RESULT": code == http.StatusOK})
}

func (g *Gateway) handleTickle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	t := g.tickles[0]
	if len(g.tickles) > 1 {
		g.tickles = g.tickles[1:]
	}
	g.mu.Unlock()

	if t.Status != 0 && t.Status != http.StatusOK {
		w.WriteHeader(t.Status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    "c0ffee",
		"collission": false,
		"iserver": map[string]any{
			"authStatus": map[string]any{
				"authenticated": t.Authenticated,
				"competing":     t.Competing,
				"connected":     true,
			},
		},
	})
}

func (g *Gateway) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	ok := g.auth
	g.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": ok, "competing": false, "connected": true})
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.username == "" || r.PostForm.Get("user_name") != g.username || r.PostForm.Get("password") != g.password {
		http.Error(w, "Invalid username password combination", http.StatusUnauthorized)
		return
	}
	g.ssoCode = http.StatusOK
	w.Write([]byte("Client login succeeds"))
}

func (g *Gateway) handleAccounts(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	accounts := append([]map[string]any{}, g.accounts...)
	g.mu.Unlock()
	writeJSON(w, http.StatusOK, accounts)
}

func (g *Gateway) handleSummary(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	summary, ok := g.summaries[r.PathValue("id")]
	g.mu.Unlock()
	if !ok {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
