package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/somnialabs/somnia/internal/monitor"
)

// Client queries a running daemon's local API.
type Client struct {
	baseURL string
	client  *http.Client
}

// StatusError is a non-2xx reply from the daemon.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// UserMessage returns the daemon's message.
func (e *StatusError) UserMessage() string {
	return e.Message
}

// NewClient creates a client for the daemon at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Pending calls GET /api/v1/pending.
func (c *Client) Pending(ctx context.Context) (monitor.Snapshot, error) {
	var out monitor.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/pending", nil, &out)
	return out, err
}

// SetVisibility calls PUT /api/v1/visibility.
func (c *Client) SetVisibility(ctx context.Context, visible bool) error {
	return c.do(ctx, http.MethodPut, "/api/v1/visibility", VisibilityRequest{Visible: &visible}, nil)
}

// NotifyCreated calls POST /api/v1/dreams/created and returns the event id.
func (c *Client) NotifyCreated(ctx context.Context, id string) (string, error) {
	var out CreatedResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/dreams/created", CreatedRequest{ID: id}, &out)
	return out.EventID, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid daemon URL: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
