package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the daemon does not know the named process.
var ErrNotFound = errors.New("process not found")

// Client talks to the control API of a running guardian.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Token   string // bearer token, when the daemon requires one
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// Reachable reports whether a daemon answers on the base URL.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	ok := resp.StatusCode == http.StatusOK
	c.logger.Debug("daemon reachability check", "reachable", ok, "status", resp.StatusCode)
	return ok
}

// Status returns every supervised process in name order.
func (c *Client) Status(ctx context.Context) ([]ProcessStatus, error) {
	var out []ProcessStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StatusOf returns one process.
func (c *Client) StatusOf(ctx context.Context, name string) (ProcessStatus, error) {
	var out ProcessStatus
	err := c.do(ctx, http.MethodGet, "/status", url.Values{"name": {name}}, &out)
	return out, err
}

// Start starts one process.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/start", url.Values{"name": {name}}, nil)
}

// Stop stops one process, waiting up to wait for a graceful exit. Zero uses
// the daemon's grace period.
func (c *Client) Stop(ctx context.Context, name string, wait time.Duration) error {
	q := url.Values{"name": {name}}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	return c.do(ctx, http.MethodPost, "/stop", q, nil)
}

// Restart restarts one process, or the whole fleet when name is empty.
func (c *Client) Restart(ctx context.Context, name string) error {
	var q url.Values
	if name != "" {
		q = url.Values{"name": {name}}
	}
	return c.do(ctx, http.MethodPost, "/restart", q, nil)
}

// RecoveryStats returns the recovery counters of the daemon.
func (c *Client) RecoveryStats(ctx context.Context) (RecoveryStats, error) {
	var out RecoveryStats
	err := c.do(ctx, http.MethodGet, "/recovery/stats", nil, &out)
	return out, err
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, method, path, q)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", req.URL.String())
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
