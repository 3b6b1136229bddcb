package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goodtune/kquota/internal/engine"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/resilience"
)

// Client talks to the admin API over its unix socket.
type Client struct {
	http *http.Client
}

// NewClient creates a client for the socket at path.
func NewClient(path string, timeout time.Duration) *Client {
	dialer := &net.Dialer{Timeout: timeout}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", path)
				},
			},
		},
	}
}

// APIError is a non-2xx admin response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin API returned %d: %s", e.Code, e.Message)
}

// Users lists users with a running engine.
func (c *Client) Users(ctx context.Context) ([]string, error) {
	var resp UsersResponse
	if err := c.do(ctx, http.MethodGet, "/users", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// StoredUsers lists users with a persisted ledger.
func (c *Client) StoredUsers(ctx context.Context) ([]string, error) {
	var resp UsersResponse
	if err := c.do(ctx, http.MethodGet, "/ledgers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// ResetLedger deletes a logged out user's stored ledger.
func (c *Client) ResetLedger(ctx context.Context, user string) error {
	return c.do(ctx, http.MethodDelete, "/users/"+url.PathEscape(user)+"/ledger", nil, nil)
}

// Status returns a user's status.
func (c *Client) Status(ctx context.Context, user string) (*engine.Status, error) {
	var st engine.Status
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(user), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Adjust changes a user's day balance.
func (c *Client) Adjust(ctx context.Context, user, op string, seconds int64) (*engine.Status, error) {
	var st engine.Status
	req := AdjustRequest{Op: op, Seconds: seconds}
	if err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(user)+"/adjust", req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SetPolicy replaces a logged in user's policy.
func (c *Client) SetPolicy(ctx context.Context, user string, p *quota.Policy) (*engine.Status, error) {
	var st engine.Status
	if err := c.do(ctx, http.MethodPut, "/users/"+url.PathEscape(user)+"/policy", p, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Endpoints returns the connection state of every endpoint.
func (c *Client) Endpoints(ctx context.Context) ([]resilience.Status, error) {
	var eps []resilience.Status
	if err := c.do(ctx, http.MethodGet, "/endpoints", nil, &eps); err != nil {
		return nil, err
	}
	return eps, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	// The host is ignored by the unix dialer.
	req, err := http.NewRequestWithContext(ctx, method, "http://kquota"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			return &APIError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return &APIError{Code: resp.StatusCode, Message: e.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
