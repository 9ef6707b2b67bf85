// Package cpapi is an HTTP client for the Client Portal gateway REST API
// served on a local port.
package cpapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ibsupervisor/internal/util"
)

// ErrTransient marks network failures, timeouts and undecodable bodies.
// Callers retry on the next cycle.
var ErrTransient = errors.New("transient gateway error")

// ErrUnauthorized matches a *StatusError with code 401.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

// maxBody caps how much of a response body is read.
const maxBody = 4 << 20

// Options configures a Client.
type Options struct {
	Host string
	Port int

	// BaseURL overrides Host and Port, e.g. "https://127.0.0.1:5001".
	BaseURL string

	Timeout         time.Duration
	ValidateTimeout time.Duration

	// RequestsPerMinute paces this client's requests; zero disables pacing.
	// Every client has its own bucket, so one gateway never delays another.
	RequestsPerMinute int
	Burst             int

	Clock  util.Clock
	Logger *slog.Logger
}

// Client talks to one gateway. It keeps the gateway's session cookies
// between calls.
type Client struct {
	root            string
	api             string
	http            *http.Client
	timeout         time.Duration
	validateTimeout time.Duration
	limiter         *util.RateLimiter
	clock           util.Clock
	logger          *slog.Logger
}

// New creates a client for the gateway described by opts. Certificate
// verification is disabled because the gateway serves a self-signed
// certificate on localhost.
func New(opts Options) (*Client, error) {
	root := strings.TrimRight(opts.BaseURL, "/")
	if root == "" {
		host := opts.Host
		if host == "" {
			host = "localhost"
		}
		root = "https://" + host + ":" + strconv.Itoa(opts.Port)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	validateTimeout := opts.ValidateTimeout
	if validateTimeout <= 0 {
		validateTimeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = util.SystemClock{}
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}

	return &Client{
		root:            root,
		api:             root + "/v1/api",
		http:            &http.Client{Transport: transport, Jar: jar},
		timeout:         timeout,
		validateTimeout: validateTimeout,
		limiter:         util.NewRateLimiter(opts.RequestsPerMinute, burst),
		clock:           clock,
		logger:          logger,
	}, nil
}

// RootURL returns the gateway origin, where the login page is served.
func (c *Client) RootURL() string { return c.root }

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() { c.http.CloseIdleConnections() }

// --- transport ---

// send performs a request against the API base and returns the status code
// and body. Only transport-level failures are errors.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any, timeout time.Duration) (int, []byte, error) {
	return c.sendURL(ctx, method, c.api+path, query, body, timeout)
}

func (c *Client) sendURL(ctx context.Context, method, rawURL string, query url.Values, body any, timeout time.Duration) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}

	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case url.Values:
		reader = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "ibsupervisor")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %w", ErrTransient, method, rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: reading %s: %w", ErrTransient, rawURL, err)
	}

	c.logger.Debug("gateway request", "method", method, "path", req.URL.Path, "status", resp.StatusCode)
	return resp.StatusCode, data, nil
}

// do sends a request and decodes a 2xx JSON body into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	code, data, err := c.send(ctx, method, path, query, body, c.timeout)
	if err != nil {
		return err
	}
	if code < 200 || code > 299 {
		return &StatusError{Method: method, Path: path, Code: code, Body: truncate(string(data), 256)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding %s %s: %w", ErrTransient, method, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
