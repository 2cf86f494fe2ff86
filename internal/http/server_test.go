package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/somnialabs/somnia/internal/analysis"
	"github.com/somnialabs/somnia/internal/backend"
	"github.com/somnialabs/somnia/internal/config"
	"github.com/somnialabs/somnia/internal/events"
	"github.com/somnialabs/somnia/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend is a scripted Analysis Status Service.
type fakeBackend struct {
	listCalls   atomic.Int32
	analyzeCode int
	analyzeBody string
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/dreams", func(w http.ResponseWriter, r *http.Request) {
		f.listCalls.Add(1)
		w.Write([]byte(`[{"id":"1","status":"pending"},{"id":"2","status":"done"}]`))
	})
	mux.HandleFunc("/dreams/statuses", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") != "1,2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"1":"pending","2":"done"}`))
	})
	mux.HandleFunc("/dreams/1/analysis", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"done","result":{"text":"X"},"analyzed_at":"2024-05-01T10:00:00Z"}`))
	})
	mux.HandleFunc("/dreams/401/analysis", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Not authenticated"}`))
	})
	mux.HandleFunc("/dreams/404/analysis", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"dream not found"}`))
	})
	mux.HandleFunc("/dreams/bad/analysis", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	mux.HandleFunc("/dreams/1/analyze", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(f.analyzeCode)
		w.Write([]byte(f.analyzeBody))
	})
	return mux
}

type stubMonitor struct {
	mu        sync.Mutex
	snap      monitor.Snapshot
	vis       *monitor.VisibilityFlag
	discovers int
}

func (m *stubMonitor) Snapshot() monitor.Snapshot            { return m.snap }
func (m *stubMonitor) Visibility() *monitor.VisibilityFlag { return m.vis }

func (m *stubMonitor) Discover(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovers++
	return nil
}

func (m *stubMonitor) Discovers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discovers
}

type testEnv struct {
	server  *Server
	backend *fakeBackend
	monitor *stubMonitor
	bus     *events.MemoryBus
	cache   *ListingCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fb := &fakeBackend{analyzeCode: http.StatusAccepted}
	upstream := httptest.NewServer(fb.handler())
	t.Cleanup(upstream.Close)

	cfg := config.Default().Backend
	cfg.BaseURL = upstream.URL
	cfg.RateLimit = 0
	client, err := backend.New(cfg, zap.NewNop())
	require.NoError(t, err)

	env := &testEnv{
		backend: fb,
		monitor: &stubMonitor{vis: monitor.NewVisibilityFlag(true), snap: monitor.Snapshot{Pending: []string{"1"}, Polling: true}},
		bus:     events.NewMemoryBus(),
		cache:   NewListingCache(4, time.Minute),
	}
	t.Cleanup(func() { env.bus.Close() })

	env.server, err = NewServer(Dependencies{
		Backend:        client,
		Monitor:        env.monitor,
		Bus:            env.bus,
		Cache:          env.cache,
		MetricsHandler: promhttp.Handler(),
		Version:        "test",
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(Dependencies{Backend: &backend.Client{}}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(Dependencies{Backend: &backend.Client{}}, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when backend is nil", func(t *testing.T) {
		_, err := NewServer(Dependencies{}, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "backend cannot be nil")
	})
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "enabled", resp.Events)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestListing_Cached(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/dreams", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "miss", rec.Header().Get("X-Cache"))
	assert.JSONEq(t, `[{"id":"1","status":"pending"},{"id":"2","status":"done"}]`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/dreams", nil)
	assert.Equal(t, "hit", rec.Header().Get("X-Cache"))
	assert.Equal(t, int32(1), env.backend.listCalls.Load())

	// the monitor's refresh purges the cache
	require.NoError(t, env.cache.Refresh(context.Background(), []string{"1"}))
	rec = env.do(t, http.MethodGet, "/api/v1/dreams", nil)
	assert.Equal(t, "miss", rec.Header().Get("X-Cache"))
	assert.Equal(t, int32(2), env.backend.listCalls.Load())
}

func TestStatuses(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/dreams/statuses?ids=1,%202,,1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"1":"pending","2":"done"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/dreams/statuses?ids=,", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalysis(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		id      string
		code    int
		message string
	}{
		{name: "done", id: "1", code: http.StatusOK},
		{name: "unauthorized", id: "401", code: http.StatusUnauthorized, message: "Not authenticated"},
		{name: "not found", id: "404", code: http.StatusNotFound, message: "dream not found"},
		{name: "malformed", id: "bad", code: http.StatusBadGateway, message: "malformed backend response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/dreams/"+tt.id+"/analysis", nil)
			assert.Equal(t, tt.code, rec.Code)
			if tt.message != "" {
				var e ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
				assert.Equal(t, tt.message, e.Message)
				return
			}
			var snap analysis.Snapshot
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
			assert.Equal(t, analysis.StatusDone, snap.Status)
			assert.Equal(t, "X", snap.Result.Body())
		})
	}
}

func TestAnalysis_BackendDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	cfg := config.Default().Backend
	cfg.BaseURL = upstream.URL
	client, err := backend.New(cfg, zap.NewNop())
	require.NoError(t, err)
	upstream.Close()

	server, err := NewServer(Dependencies{Backend: client}, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dreams/1/analysis", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "backend unavailable")
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		body       string
		want       int
		inProgress bool
	}{
		{name: "accepted", code: http.StatusAccepted, want: http.StatusAccepted},
		{name: "ok", code: http.StatusOK, body: `{}`, want: http.StatusAccepted},
		{name: "already running", code: http.StatusConflict, body: `{"detail":"analysis already in progress"}`, want: http.StatusAccepted, inProgress: true},
		{name: "rejected", code: http.StatusUnprocessableEntity, body: `{"detail":"dream has no text"}`, want: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.backend.analyzeCode = tt.code
			env.backend.analyzeBody = tt.body
			env.cache.Add(listingKey, []byte(`[]`))

			rec := env.do(t, http.MethodPost, "/api/v1/dreams/1/analyze", nil)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want != http.StatusAccepted {
				assert.Contains(t, rec.Body.String(), "dream has no text")
				assert.Equal(t, 1, env.cache.Len())
				return
			}

			var resp AnalyzeResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "1", resp.ID)
			assert.Equal(t, analysis.StatusPending, resp.Status)
			assert.Equal(t, tt.inProgress, resp.InProgress)
			assert.Equal(t, 0, env.cache.Len())
			require.Eventually(t, func() bool { return env.monitor.Discovers() == 1 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestCreated(t *testing.T) {
	env := newTestEnv(t)

	var got []events.EntityCreated
	_, err := env.bus.SubscribeEntityCreated(func(ev events.EntityCreated) { got = append(got, ev) })
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/dreams/created", CreatedRequest{ID: " 42 "})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp CreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].EntityID)
	assert.Equal(t, resp.EventID, got[0].EventID)

	rec = env.do(t, http.MethodPost, "/api/v1/dreams/created", CreatedRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreated_NoBus(t *testing.T) {
	server, err := NewServer(Dependencies{Backend: &backend.Client{}}, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dreams/created", bytes.NewBufferString(`{"id":"1"}`))
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPendingAndVisibility(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap monitor.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, []string{"1"}, snap.Pending)
	assert.True(t, snap.Polling)

	rec = env.do(t, http.MethodPut, "/api/v1/visibility", map[string]bool{"visible": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.monitor.vis.Visible())

	rec = env.do(t, http.MethodPut, "/api/v1/visibility", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestClient(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	snap, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, snap.Pending)

	require.NoError(t, c.SetVisibility(ctx, false))
	assert.False(t, env.monitor.vis.Visible())

	id, err := c.NotifyCreated(ctx, "9")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = c.NotifyCreated(ctx, "")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "id field is required", analysis.UserMessage(err, ""))
}

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitIDs(" a, b ,a,,"))
	assert.Nil(t, splitIDs(""))
}
