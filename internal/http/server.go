// Package http is the daemon's local API: a thin proxy over the Analysis
// Status Service plus the monitor's state.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/somnialabs/somnia/internal/analysis"
	"github.com/somnialabs/somnia/internal/backend"
	"github.com/somnialabs/somnia/internal/events"
	"github.com/somnialabs/somnia/internal/logging"
	"github.com/somnialabs/somnia/internal/monitor"
	"github.com/somnialabs/somnia/internal/telemetry"
	"go.uber.org/zap"
)

// Backend is the slice of backend.Client the proxy routes use.
type Backend interface {
	GetAnalysis(ctx context.Context, id string) (analysis.Snapshot, error)
	StartAnalysis(ctx context.Context, id string) error
	BatchStatuses(ctx context.Context, ids []string) (map[string]analysis.Status, error)
	ListRaw(ctx context.Context) ([]byte, error)
}

// PendingMonitor exposes the monitor state. *monitor.Monitor satisfies it.
type PendingMonitor interface {
	Snapshot() monitor.Snapshot
	Visibility() *monitor.VisibilityFlag
	Discover(ctx context.Context) error
}

// Dependencies are the components the routes are served from. Backend is
// required. A nil Monitor, Bus or Cache disables the routes that need it.
type Dependencies struct {
	Backend        Backend
	Monitor        PendingMonitor
	Bus            events.Bus
	Cache          *ListingCache
	Telemetry      *telemetry.Telemetry
	Metrics        *HTTPMetrics
	MetricsHandler http.Handler
	Version        string
}

// Server provides the local HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	deps   Dependencies
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(deps Dependencies, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			if id := c.Param("id"); id != "" {
				ctx = logging.WithDreamID(ctx, id)
			}
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return err
		}
	})
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.deps.MetricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.MetricsHandler))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/dreams", s.handleList)
	v1.GET("/dreams/statuses", s.handleStatuses)
	v1.GET("/dreams/:id/analysis", s.handleAnalysis)
	v1.POST("/dreams/:id/analyze", s.handleAnalyze)
	v1.POST("/dreams/created", s.handleCreated)
	v1.GET("/pending", s.handlePending)
	v1.PUT("/visibility", s.handleVisibility)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.deps.Version, Events: "disabled"}
	if s.deps.Bus != nil {
		resp.Events = "enabled"
	}
	if s.deps.Telemetry != nil && s.deps.Telemetry.IsEnabled() {
		h := s.deps.Telemetry.Health()
		resp.Telemetry = &h
		if !h.Healthy {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleList proxies the full listing. Bodies are cached until the TTL runs
// out or the monitor reports completions.
func (s *Server) handleList(c echo.Context) error {
	if s.deps.Cache != nil {
		if body, ok := s.deps.Cache.Get(listingKey); ok {
			c.Response().Header().Set("X-Cache", "hit")
			return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, body)
		}
	}

	body, err := s.deps.Backend.ListRaw(c.Request().Context())
	if err != nil {
		return s.backendError(c, err)
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Add(listingKey, body)
		c.Response().Header().Set("X-Cache", "miss")
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, body)
}

func (s *Server) handleStatuses(c echo.Context) error {
	ids := splitIDs(c.QueryParam("ids"))
	if len(ids) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ids query parameter is required")
	}

	statuses, err := s.deps.Backend.BatchStatuses(c.Request().Context(), ids)
	if err != nil {
		return s.backendError(c, err)
	}
	return c.JSON(http.StatusOK, statuses)
}

func (s *Server) handleAnalysis(c echo.Context) error {
	snap, err := s.deps.Backend.GetAnalysis(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.backendError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// handleAnalyze starts an analysis. An analysis already running is
// reported as accepted.
func (s *Server) handleAnalyze(c echo.Context) error {
	id := c.Param("id")
	err := s.deps.Backend.StartAnalysis(c.Request().Context(), id)
	inProgress := errors.Is(err, backend.ErrAnalysisInProgress)
	if err != nil && !inProgress {
		return s.backendError(c, err)
	}

	if s.deps.Cache != nil {
		s.deps.Cache.Invalidate()
	}
	s.rediscover()

	return c.JSON(http.StatusAccepted, AnalyzeResponse{
		ID:         id,
		Status:     analysis.StatusPending,
		InProgress: inProgress,
	})
}

// handleCreated broadcasts EntityCreated for a new dream.
func (s *Server) handleCreated(c echo.Context) error {
	if s.deps.Bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus is disabled")
	}

	var req CreatedRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid created request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id field is required")
	}

	ev := events.EntityCreated{EventID: uuid.NewString(), EntityID: req.ID, At: time.Now().UTC()}
	if err := s.deps.Bus.PublishEntityCreated(c.Request().Context(), ev); err != nil {
		s.logger.Error("publishing entity created failed", zap.String("dream.id", req.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "could not publish event")
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Invalidate()
	}
	return c.JSON(http.StatusAccepted, CreatedResponse{EventID: ev.EventID})
}

func (s *Server) handlePending(c echo.Context) error {
	if s.deps.Monitor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "monitor is not running")
	}
	return c.JSON(http.StatusOK, s.deps.Monitor.Snapshot())
}

func (s *Server) handleVisibility(c echo.Context) error {
	if s.deps.Monitor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "monitor is not running")
	}

	var req VisibilityRequest
	if err := c.Bind(&req); err != nil || req.Visible == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "visible field is required")
	}
	s.deps.Monitor.Visibility().Set(*req.Visible)
	s.logger.Debug("visibility changed", zap.Bool("visible", *req.Visible))
	return c.JSON(http.StatusOK, VisibilityResponse{Visible: *req.Visible})
}

// rediscover lets the monitor pick up a dream that just became pending
// without waiting for an EntityCreated event.
func (s *Server) rediscover() {
	if s.deps.Monitor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.deps.Monitor.Discover(ctx); err != nil && !errors.Is(err, monitor.ErrClosed) {
			s.logger.Debug("rediscovery after analyze failed", zap.Error(err))
		}
	}()
}

// backendError maps a backend failure onto the reply. A 401 passes through
// so the caller can send the user to sign in, other API errors keep their
// status and message, and anything that never got an answer is a 502.
func (s *Server) backendError(c echo.Context, err error) error {
	kind := backend.Classify(err)
	switch kind {
	case backend.KindUnauthorized:
		s.logger.Info("backend rejected credentials", zap.String("path", c.Path()))
		return echo.NewHTTPError(http.StatusUnauthorized, analysis.UserMessage(err, analysis.MsgUnauthorized))
	case backend.KindServer:
		code := backend.StatusCode(err)
		if code < 400 || code > 599 {
			code = http.StatusBadGateway
		}
		return echo.NewHTTPError(code, analysis.UserMessage(err, http.StatusText(code)))
	case backend.KindTransport:
		if errors.Is(err, context.Canceled) {
			return echo.NewHTTPError(499, "client closed request")
		}
		s.logger.Warn("backend unreachable", zap.String("path", c.Path()), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "backend unavailable")
	case backend.KindMalformed:
		s.logger.Warn("malformed backend response", zap.String("path", c.Path()), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "malformed backend response")
	default:
		s.logger.Error("proxy request failed", zap.String("path", c.Path()), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func splitIDs(raw string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
