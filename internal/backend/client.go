// Package backend is the HTTP client for the Analysis Status Service.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/somnialabs/somnia/internal/analysis"
	"github.com/somnialabs/somnia/internal/config"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 4 << 20

// Client talks to the Analysis Status Service. It is safe for concurrent
// use.
type Client struct {
	baseURL  string
	resource string

	httpClient *http.Client
	limiter    *rate.Limiter
	tracer     trace.Tracer
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The bearer token from
// config is not applied to a replaced client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithTracer sets the tracer used for per-request spans.
func WithTracer(t trace.Tracer) Option {
	return func(cl *Client) {
		cl.tracer = t
	}
}

// New creates a Client from the backend section of the config.
func New(cfg config.BackendConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend base URL %q", cfg.BaseURL)
	}
	resource := cfg.Resource
	if resource == "" {
		resource = "dreams"
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var httpClient *http.Client
	if cfg.Token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value(), TokenType: "Bearer"})
		httpClient = oauth2.NewClient(context.Background(), ts)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = timeout

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		resource:   resource,
		httpClient: httpClient,
		limiter:    limiter,
		tracer:     otel.Tracer("somnia.backend"),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetAnalysis fetches {status, result, analyzed_at} for one dream.
func (c *Client) GetAnalysis(ctx context.Context, id string) (analysis.Snapshot, error) {
	const op = "GetAnalysis"
	body, err := c.do(ctx, op, http.MethodGet, c.path(id, "analysis"), nil, attribute.String("dream.id", id))
	if err != nil {
		return analysis.Snapshot{}, err
	}

	var snap analysis.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return analysis.Snapshot{}, &MalformedError{Op: op, Err: err}
	}
	return snap, nil
}

// StartAnalysis asks the backend to analyze a dream. Any 2xx, including
// 202, means accepted. A 409 saying a job is already running matches
// ErrAnalysisInProgress.
func (c *Client) StartAnalysis(ctx context.Context, id string) error {
	_, err := c.do(ctx, "StartAnalysis", http.MethodPost, c.path(id, "analyze"), nil, attribute.String("dream.id", id))
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		apiErr.inProgress = apiErr.Message == "" || looksInProgress(apiErr.Message)
	}
	return err
}

// BatchStatuses returns the status of every requested id in one request.
// Ids missing from the response are absent from the map. An empty id list
// returns an empty map without a request.
func (c *Client) BatchStatuses(ctx context.Context, ids []string) (map[string]analysis.Status, error) {
	const op = "BatchStatuses"
	out := make(map[string]analysis.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	q := url.Values{"ids": {strings.Join(ids, ",")}}
	body, err := c.do(ctx, op, http.MethodGet, c.path("statuses"), q, attribute.Int("ids.count", len(ids)))
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, &MalformedError{Op: op, Err: errors.New("invalid JSON")}
	}
	root := gjson.ParseBytes(body)
	if s := root.Get("statuses"); s.IsObject() {
		root = s
	}
	if !root.IsObject() {
		return nil, &MalformedError{Op: op, Err: errors.New("expected an object of id to status")}
	}

	root.ForEach(func(key, value gjson.Result) bool {
		switch {
		case value.Type == gjson.String:
			out[key.String()] = analysis.ParseStatus(value.String())
		case value.IsObject():
			out[key.String()] = analysis.ParseStatus(value.Get("status").String())
		default:
			out[key.String()] = analysis.StatusUnknown
		}
		return true
	})
	return out, nil
}

// ListEntities fetches the full listing. The body may be a bare array or an
// object holding it under items, data, or the resource name.
func (c *Client) ListEntities(ctx context.Context) ([]analysis.Entity, error) {
	const op = "ListEntities"
	body, err := c.do(ctx, op, http.MethodGet, c.path(), nil)
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, &MalformedError{Op: op, Err: errors.New("invalid JSON")}
	}
	items := gjson.ParseBytes(body)
	if !items.IsArray() {
		found := false
		for _, key := range []string{"items", "data", c.resource} {
			if v := items.Get(key); v.IsArray() {
				items, found = v, true
				break
			}
		}
		if !found {
			return nil, &MalformedError{Op: op, Err: errors.New("no entity list in response")}
		}
	}

	var out []analysis.Entity
	items.ForEach(func(_, item gjson.Result) bool {
		id := item.Get("id").String()
		if id == "" {
			return true
		}
		out = append(out, analysis.Entity{
			ID:     id,
			Status: analysis.ParseStatus(item.Get("status").String()),
			Title:  item.Get("title").String(),
		})
		return true
	})
	return out, nil
}

// ListRaw returns the listing body unparsed, for pass-through proxies.
func (c *Client) ListRaw(ctx context.Context) ([]byte, error) {
	return c.do(ctx, "ListEntities", http.MethodGet, c.path(), nil)
}

func (c *Client) path(segments ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/")
	b.WriteString(url.PathEscape(c.resource))
	for _, s := range segments {
		b.WriteString("/")
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, query url.Values, attrs ...attribute.KeyValue) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "backend."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(append(attrs, attribute.String("http.method", method))...)

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter")
		return nil, &TransportError{Op: op, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.logger.Debug("backend request failed",
			zap.String("op", op),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("backend request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(body)}
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return nil, apiErr
	}
	return body, nil
}

// errorMessage pulls a human message out of an error body: error, message
// or detail, either as a string or as an object with a message.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)
	for _, key := range []string{"error", "message", "detail"} {
		v := root.Get(key)
		switch {
		case v.Type == gjson.String && strings.TrimSpace(v.String()) != "":
			return strings.TrimSpace(v.String())
		case v.IsObject():
			if m := v.Get("message"); m.Type == gjson.String && m.String() != "" {
				return m.String()
			}
		}
	}
	return ""
}
