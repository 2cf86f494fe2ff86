// Package monitor converges the set of dreams with an analysis in flight.
//
// A Monitor discovers pending dreams from the full listing, then polls all
// of them with one batched status request per tick. Failed ticks back off
// exponentially. Dreams that turn terminal leave the pending set, and each
// one triggers the debounced refresh at most once for the Monitor's
// lifetime. The loop stops when nothing is pending and restarts as soon as
// discovery finds work again.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/somnialabs/somnia/internal/analysis"
	"github.com/somnialabs/somnia/internal/config"
	"github.com/somnialabs/somnia/internal/events"
	"github.com/somnialabs/somnia/internal/logging"
	"github.com/somnialabs/somnia/internal/poll"
	"go.uber.org/zap"
)

// ErrClosed is returned by a closed Monitor.
var ErrClosed = errors.New("monitor closed")

// Service is the slice of the Analysis Status Service the monitor needs.
type Service interface {
	ListEntities(ctx context.Context) ([]analysis.Entity, error)
	BatchStatuses(ctx context.Context, ids []string) (map[string]analysis.Status, error)
}

// Refresher is the UI-wide refresh run after dreams complete. It receives
// every id completed in one tick.
type Refresher interface {
	Refresh(ctx context.Context, completed []string) error
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, completed []string) error

// Refresh implements Refresher.
func (f RefreshFunc) Refresh(ctx context.Context, completed []string) error { return f(ctx, completed) }

// Snapshot is a point-in-time copy of the monitor state.
type Snapshot struct {
	Pending         []string      `json:"pending"`
	Handled         int           `json:"handled"`
	Polling         bool          `json:"polling"`
	Visible         bool          `json:"visible"`
	Failures        int           `json:"failures"`
	Interval        time.Duration `json:"interval_ns"`
	MaxInterval     time.Duration `json:"max_interval_ns"`
	Unauthorized    bool          `json:"unauthorized"`
	LastError       string        `json:"last_error,omitempty"`
	LastTick        time.Time     `json:"last_tick,omitempty"`
	RefreshesQueued int           `json:"refreshes_queued"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithConfig applies the monitor section of the config.
func WithConfig(cfg config.MonitorConfig) Option {
	return func(m *Monitor) {
		if d := cfg.BaseInterval.Duration(); d > 0 {
			m.policy.Base = d
		}
		if d := cfg.MaxInterval.Duration(); d > 0 {
			m.policy.Max = d
		}
		if cfg.Factor >= 1 {
			m.policy.Factor = cfg.Factor
		}
		if d := cfg.RefreshDelay.Duration(); d > 0 {
			m.refreshDelay = d
		}
	}
}

// WithBackoffPolicy replaces the tick interval policy.
func WithBackoffPolicy(p poll.Exponential) Option {
	return func(m *Monitor) {
		m.policy = p
	}
}

// WithRefreshDelay sets the grace period between detecting completions and
// running the refresh. Defaults to 2s.
func WithRefreshDelay(d time.Duration) Option {
	return func(m *Monitor) {
		m.refreshDelay = d
	}
}

// WithVisibility gates ticks on v.
func WithVisibility(v *VisibilityFlag) Option {
	return func(m *Monitor) {
		m.visibility = v
	}
}

// WithBus subscribes to EntityCreated for rediscovery and publishes
// AnalysisCompleted after each refresh.
func WithBus(b events.Bus) Option {
	return func(m *Monitor) {
		m.bus = b
	}
}

// Monitor owns the pending set and the handled record. It is safe for
// concurrent use.
type Monitor struct {
	svc          Service
	refresher    Refresher
	bus          events.Bus
	logger       *zap.Logger
	policy       poll.Exponential
	refreshDelay time.Duration
	visibility   *VisibilityFlag

	backoff *poll.Backoff
	loop    *poll.Loop[batch]

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	pending      []string
	handled      map[string]struct{}
	running      bool
	started      bool
	closed       bool
	lastErr      error
	unauthorized bool
	lastTick     time.Time
	timers       map[*time.Timer]struct{}
	sub          events.Subscription
}

type batch struct {
	ids      []string
	statuses map[string]analysis.Status
}

// New creates a Monitor. refresher may be nil when only the pending set is
// of interest.
func New(svc Service, refresher Refresher, logger *zap.Logger, opts ...Option) (*Monitor, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	root, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		svc:          svc,
		refresher:    refresher,
		logger:       logger,
		policy:       poll.Exponential{Base: 5 * time.Second, Factor: 1.5, Max: 60 * time.Second},
		refreshDelay: 2 * time.Second,
		root:         root,
		cancel:       cancel,
		handled:      make(map[string]struct{}),
		timers:       make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.visibility == nil {
		m.visibility = NewVisibilityFlag(true)
	}

	m.backoff = poll.NewBackoff(m.policy)
	loop, err := poll.New(m.fetch, m.apply,
		poll.WithBackoff(m.backoff),
		poll.WithGate(m.visibility),
		poll.WithErrorHandler(m.tickFailed),
		poll.WithTickHook(m.observeTick),
		poll.WithLogger(logger, "monitor"),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating poll loop: %w", err)
	}
	m.loop = loop
	intervalSeconds.Set(m.backoff.Interval().Seconds())
	return m, nil
}

// Start subscribes to EntityCreated, if a bus is set, and runs the first
// discovery. A failed discovery is logged and left for the next signal.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if m.bus != nil {
		sub, err := m.bus.SubscribeEntityCreated(m.onEntityCreated)
		if err != nil {
			return fmt.Errorf("subscribing to entity events: %w", err)
		}
		m.mu.Lock()
		m.sub = sub
		m.mu.Unlock()
	}

	if err := m.Discover(ctx); err != nil && !errors.Is(err, ErrClosed) {
		m.logFailure("initial discovery failed", err)
	}
	return nil
}

// Discover recomputes the pending set from the full listing. An unchanged
// set is left alone and not logged. A non-empty set starts the loop if it
// is not running.
func (m *Monitor) Discover(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	entities, err := m.svc.ListEntities(ctx)
	if err != nil {
		discoveriesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("listing dreams: %w", err)
	}
	discoveriesTotal.WithLabelValues("success").Inc()

	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		if e.Status == analysis.StatusPending {
			ids = append(ids, e.ID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if sameIDs(ids, m.pending) {
		return nil
	}

	m.pending = ids
	pendingGauge.Set(float64(len(ids)))
	m.logger.Info("pending set updated", zap.Int("pending", len(ids)))
	m.ensureLoopLocked()
	return nil
}

// Tick runs one batch tick now, through the same gate and backoff as the
// background loop. It waits for a tick the loop has in flight, so the two
// never overlap. A tick with nothing pending makes no request and returns
// poll.Idle.
func (m *Monitor) Tick(ctx context.Context) (poll.Outcome, error) {
	return m.loop.Tick(ctx)
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Pending:         append([]string(nil), m.pending...),
		Handled:         len(m.handled),
		Polling:         m.running,
		Visible:         m.visibility.Visible(),
		Failures:        m.backoff.Failures(),
		Interval:        m.backoff.Interval(),
		MaxInterval:     m.policy.Max,
		Unauthorized:    m.unauthorized,
		LastTick:        m.lastTick,
		RefreshesQueued: len(m.timers),
	}
	if m.lastErr != nil {
		s.LastError = analysis.UserMessage(m.lastErr, m.lastErr.Error())
	}
	return s
}

// Visibility returns the flag gating ticks.
func (m *Monitor) Visibility() *VisibilityFlag {
	return m.visibility
}

// Close stops the loop and queued refreshes, waits for in-flight work and
// clears the pending set and the handled record. It is idempotent.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = map[*time.Timer]struct{}{}
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.pending = nil
	m.handled = map[string]struct{}{}
	m.mu.Unlock()
	pendingGauge.Set(0)
	return err
}

func (m *Monitor) onEntityCreated(ev events.EntityCreated) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.logger.Debug("entity created, rediscovering", zap.String("dream.id", ev.EntityID))
		if err := m.Discover(m.root); err != nil && !errors.Is(err, ErrClosed) && m.root.Err() == nil {
			m.logFailure("discovery failed", err)
		}
	}()
}

// ensureLoopLocked starts the background loop when there is work and none
// is running. The loop keeps the shared backoff, so a restart resumes at
// the current interval.
func (m *Monitor) ensureLoopLocked() {
	if m.closed || m.running || len(m.pending) == 0 {
		return
	}
	m.running = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.loop.Run(m.root)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("monitor loop ended", zap.Error(err))
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		m.running = false
		// discovery may have added work after the last tick drained the set
		m.ensureLoopLocked()
	}()
}

func (m *Monitor) fetch(ctx context.Context) (batch, error) {
	m.mu.Lock()
	ids := append([]string(nil), m.pending...)
	m.mu.Unlock()

	if len(ids) == 0 {
		return batch{}, poll.ErrIdle
	}
	statuses, err := m.svc.BatchStatuses(ctx, ids)
	if err != nil {
		return batch{}, err
	}
	if ce := m.logger.Check(logging.TraceLevel, "batch statuses fetched"); ce != nil {
		raw := make(map[string]string, len(statuses))
		for id, st := range statuses {
			raw[id] = st.String()
		}
		ce.Write(zap.Strings("dream.ids", ids), zap.Any("statuses", raw))
	}
	return batch{ids: ids, statuses: statuses}, nil
}

// apply removes every terminal id from the pending set and schedules one
// refresh for those not handled before. It reports done once the set is
// empty.
func (m *Monitor) apply(_ context.Context, b batch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastErr = nil
	m.unauthorized = false
	m.lastTick = time.Now()
	if m.closed {
		return true
	}

	terminal := make(map[string]struct{})
	for _, id := range b.ids {
		if b.statuses[id].Terminal() {
			terminal[id] = struct{}{}
		}
	}

	if len(terminal) > 0 {
		remaining := m.pending[:0:0]
		for _, id := range m.pending {
			if _, ok := terminal[id]; !ok {
				remaining = append(remaining, id)
			}
		}
		m.pending = remaining
		pendingGauge.Set(float64(len(remaining)))
	}

	var fresh []string
	for _, id := range b.ids {
		if _, ok := terminal[id]; !ok {
			continue
		}
		if _, seen := m.handled[id]; seen {
			continue
		}
		m.handled[id] = struct{}{}
		fresh = append(fresh, id)
	}

	if len(fresh) > 0 {
		completionsTotal.Add(float64(len(fresh)))
		m.logger.Info("analyses completed",
			zap.Strings("dream.ids", fresh),
			zap.Int("pending", len(m.pending)),
		)
		m.scheduleRefreshLocked(fresh)
	}

	return len(m.pending) == 0
}

func (m *Monitor) tickFailed(_ context.Context, err error) bool {
	m.mu.Lock()
	m.lastErr = err
	m.unauthorized = errors.Is(err, analysis.ErrUnauthorized)
	m.lastTick = time.Now()
	m.mu.Unlock()

	m.logFailure("batch status tick failed", err,
		zap.Int("failures", m.backoff.Failures()),
		zap.Duration("next", m.backoff.Interval()),
	)
	return false
}

func (m *Monitor) observeTick(outcome poll.Outcome, err error) {
	result := "success"
	switch {
	case outcome == poll.Skipped:
		result = "skipped"
	case outcome == poll.Idle:
		result = "idle"
	case errors.Is(err, analysis.ErrUnauthorized):
		result = "unauthorized"
	case err != nil:
		result = "failure"
	}
	ticksTotal.WithLabelValues(result).Inc()
	intervalSeconds.Set(m.backoff.Interval().Seconds())
}

func (m *Monitor) scheduleRefreshLocked(ids []string) {
	var t *time.Timer
	t = time.AfterFunc(m.refreshDelay, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		delete(m.timers, t)
		m.wg.Add(1)
		m.mu.Unlock()
		defer m.wg.Done()

		m.runRefresh(ids)
	})
	m.timers[t] = struct{}{}
}

func (m *Monitor) runRefresh(ids []string) {
	refreshesTotal.Inc()
	if m.refresher != nil {
		if err := m.refresher.Refresh(m.root, ids); err != nil {
			m.logger.Warn("refresh failed", zap.Strings("dream.ids", ids), zap.Error(err))
		}
	}
	if m.bus != nil {
		ev := events.AnalysisCompleted{EntityIDs: ids}
		if err := m.bus.PublishAnalysisCompleted(m.root, ev); err != nil && m.root.Err() == nil {
			m.logger.Warn("publishing completion failed", zap.Error(err))
		}
	}
}

// logFailure keeps 401s out of warning and error logs.
func (m *Monitor) logFailure(msg string, err error, fields ...zap.Field) {
	if errors.Is(err, analysis.ErrUnauthorized) {
		m.logger.Info(msg, append(fields, zap.Bool("unauthorized", true))...)
		return
	}
	m.logger.Warn(msg, append(fields, zap.Error(err))...)
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
