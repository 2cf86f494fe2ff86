package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/somnialabs/somnia/internal/analysis"
	"github.com/somnialabs/somnia/internal/config"
	"github.com/somnialabs/somnia/internal/events"
	"github.com/somnialabs/somnia/internal/logging"
	"github.com/somnialabs/somnia/internal/poll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type batchResponse struct {
	statuses map[string]analysis.Status
	err      error
}

// fakeService serves a mutable listing and replays scripted batch
// responses. Once the script runs out every id reports pending.
type fakeService struct {
	mu         sync.Mutex
	listing    []analysis.Entity
	listErr    error
	listCalls  int
	batches    []batchResponse
	batchCalls int
	batchIDs   [][]string
}

func (f *fakeService) ListEntities(ctx context.Context) ([]analysis.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]analysis.Entity(nil), f.listing...), nil
}

func (f *fakeService) BatchStatuses(ctx context.Context, ids []string) (map[string]analysis.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	f.batchIDs = append(f.batchIDs, append([]string(nil), ids...))
	if len(f.batches) == 0 {
		out := make(map[string]analysis.Status, len(ids))
		for _, id := range ids {
			out[id] = analysis.StatusPending
		}
		return out, nil
	}
	r := f.batches[0]
	f.batches = f.batches[1:]
	return r.statuses, r.err
}

func (f *fakeService) setListing(es ...analysis.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listing = es
}

func (f *fakeService) script(rs ...batchResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, rs...)
}

func (f *fakeService) calls() (list, batch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.batchCalls
}

type recordingRefresher struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingRefresher) Refresh(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), ids...))
	return nil
}

func (r *recordingRefresher) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func pending(id string) analysis.Entity {
	return analysis.Entity{ID: id, Status: analysis.StatusPending}
}

func done(id string) analysis.Entity {
	return analysis.Entity{ID: id, Status: analysis.StatusDone}
}

// newManualMonitor builds a Monitor whose background loop never fires on
// its own, so tests drive ticks with Tick.
func newManualMonitor(t *testing.T, svc Service, ref Refresher, opts ...Option) *Monitor {
	t.Helper()
	base := []Option{
		WithBackoffPolicy(poll.Exponential{Base: time.Hour, Factor: 1.5, Max: 2 * time.Hour}),
		WithRefreshDelay(10 * time.Millisecond),
	}
	m, err := New(svc, ref, zap.NewNop(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = New(&fakeService{}, nil, nil)
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	m, err := New(&fakeService{}, nil, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	snap := m.Snapshot()
	assert.Equal(t, 5*time.Second, snap.Interval)
	assert.True(t, snap.Visible)
	assert.Equal(t, 2*time.Second, m.refreshDelay)
}

func TestWithConfig(t *testing.T) {
	cfg := config.Default().Monitor
	cfg.BaseInterval = config.Duration(2 * time.Second)
	cfg.MaxInterval = config.Duration(10 * time.Second)
	cfg.Factor = 2
	cfg.RefreshDelay = config.Duration(500 * time.Millisecond)

	m, err := New(&fakeService{}, nil, zap.NewNop(), WithConfig(cfg))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, poll.Exponential{Base: 2 * time.Second, Factor: 2, Max: 10 * time.Second}, m.policy)
	assert.Equal(t, 500*time.Millisecond, m.refreshDelay)
}

func TestDiscover_CollectsPendingInListingOrder(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("3"), done("1"), pending("2"), analysis.Entity{ID: "4"})
	m := newManualMonitor(t, svc, nil)

	require.NoError(t, m.Discover(context.Background()))
	snap := m.Snapshot()
	assert.Equal(t, []string{"3", "2"}, snap.Pending)
	assert.True(t, snap.Polling)
}

func TestDiscover_UnchangedSetIsNotLogged(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"), pending("2"))
	logger := logging.NewTestLogger()
	m, err := New(svc, nil, logger.Underlying(),
		WithBackoffPolicy(poll.Exponential{Base: time.Hour, Factor: 1.5}))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Discover(context.Background()))
	require.NoError(t, m.Discover(context.Background()))
	assert.Equal(t, 1, logger.FilterMessage("pending set updated").Len())

	svc.setListing(pending("2"), pending("1"))
	require.NoError(t, m.Discover(context.Background()))
	assert.Equal(t, 2, logger.FilterMessage("pending set updated").Len())
	assert.Equal(t, []string{"2", "1"}, m.Snapshot().Pending)
}

func TestDiscover_Error(t *testing.T) {
	svc := &fakeService{listErr: errors.New("boom")}
	m := newManualMonitor(t, svc, nil)

	err := m.Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing dreams")
	assert.Empty(t, m.Snapshot().Pending)
}

// Discovery finds [1,2]; the first tick reports both pending, the second
// reports 1 done. The pending set becomes [2], 1 is handled and one
// refresh runs.
func TestScenarioC_BatchConvergence(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"), pending("2"))
	svc.script(
		batchResponse{statuses: map[string]analysis.Status{"1": analysis.StatusPending, "2": analysis.StatusPending}},
		batchResponse{statuses: map[string]analysis.Status{"1": analysis.StatusDone, "2": analysis.StatusPending}},
	)
	ref := &recordingRefresher{}
	m := newManualMonitor(t, svc, ref, WithRefreshDelay(200*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))

	outcome, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.Continue, outcome)
	assert.Equal(t, []string{"1", "2"}, m.Snapshot().Pending)
	assert.Equal(t, 0, m.Snapshot().Handled)

	outcome, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.Continue, outcome)

	snap := m.Snapshot()
	assert.Equal(t, []string{"2"}, snap.Pending)
	assert.Equal(t, 1, snap.Handled)
	assert.Equal(t, 1, snap.RefreshesQueued)

	require.Eventually(t, func() bool { return len(ref.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]string{{"1"}}, ref.Calls())

	// one batched request per tick covering every pending id
	svc.mu.Lock()
	assert.Equal(t, [][]string{{"1", "2"}, {"1", "2"}}, svc.batchIDs)
	svc.mu.Unlock()
}

func TestTick_CompletionsShareOneRefresh(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("a"), pending("b"), pending("c"))
	svc.script(batchResponse{statuses: map[string]analysis.Status{
		"a": analysis.StatusDone, "b": analysis.StatusFailed, "c": analysis.StatusPending,
	}})
	ref := &recordingRefresher{}
	m := newManualMonitor(t, svc, ref)
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	_, err := m.Tick(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(ref.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b"}, ref.Calls()[0])
	assert.Equal(t, []string{"c"}, m.Snapshot().Pending)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, ref.Calls(), 1)
}

func TestTick_RefreshIsDelayed(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("a"))
	svc.script(batchResponse{statuses: map[string]analysis.Status{"a": analysis.StatusDone}})
	ref := &recordingRefresher{}
	m := newManualMonitor(t, svc, ref, WithRefreshDelay(100*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	outcome, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.Done, outcome)

	assert.Empty(t, ref.Calls())
	require.Eventually(t, func() bool { return len(ref.Calls()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestTick_HandledIDsNeverRefreshTwice(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"))
	svc.script(
		batchResponse{statuses: map[string]analysis.Status{"1": analysis.StatusDone}},
		batchResponse{statuses: map[string]analysis.Status{"1": analysis.StatusDone}},
	)
	ref := &recordingRefresher{}
	m := newManualMonitor(t, svc, ref)
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	_, err := m.Tick(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ref.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	// a lagging listing still reports 1 as pending
	svc.setListing(pending("1"))
	require.NoError(t, m.Discover(ctx))
	assert.Equal(t, []string{"1"}, m.Snapshot().Pending)

	_, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, m.Snapshot().Pending)

	time.Sleep(40 * time.Millisecond)
	assert.Len(t, ref.Calls(), 1)
	assert.Equal(t, 1, m.Snapshot().Handled)
}

func TestTick_MissingIDsStayPending(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"), pending("2"))
	svc.script(batchResponse{statuses: map[string]analysis.Status{"2": analysis.StatusDone}})
	m := newManualMonitor(t, svc, nil)
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	_, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, m.Snapshot().Pending)
}

// Three consecutive failures put the next tick at 5s × 1.5³.
func TestScenarioD_Backoff(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"))
	netErr := errors.New("connection refused")
	svc.script(
		batchResponse{err: netErr},
		batchResponse{err: netErr},
		batchResponse{err: netErr},
	)
	m, err := New(svc, nil, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	for i := 0; i < 3; i++ {
		outcome, err := m.Tick(ctx)
		assert.Equal(t, poll.Continue, outcome)
		assert.ErrorIs(t, err, netErr)
	}

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.Failures)
	assert.Equal(t, 16875*time.Millisecond, snap.Interval)
	assert.NotEmpty(t, snap.LastError)
	assert.Equal(t, []string{"1"}, snap.Pending)

	_, err = m.Tick(ctx)
	require.NoError(t, err)
	snap = m.Snapshot()
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, 5*time.Second, snap.Interval)
	assert.Empty(t, snap.LastError)
}

func TestBackoff_Capped(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"))
	for i := 0; i < 10; i++ {
		svc.script(batchResponse{err: errors.New("503")})
	}
	m, err := New(svc, nil, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	for i := 0; i < 10; i++ {
		m.Tick(ctx)
	}
	assert.Equal(t, 60*time.Second, m.Snapshot().Interval)
}

func TestTick_UnauthorizedBacksOffQuietly(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"))
	svc.script(batchResponse{err: fmt.Errorf("batch: %w", analysis.ErrUnauthorized)})
	logger := logging.NewTestLogger()
	m, err := New(svc, nil, logger.Underlying(),
		WithBackoffPolicy(poll.Exponential{Base: time.Hour, Factor: 1.5}))
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	outcome, err := m.Tick(ctx)
	assert.Equal(t, poll.Continue, outcome)
	assert.ErrorIs(t, err, analysis.ErrUnauthorized)

	snap := m.Snapshot()
	assert.True(t, snap.Unauthorized)
	assert.Equal(t, 1, snap.Failures)

	logger.AssertLogged(t, zapcore.InfoLevel, "batch status tick failed")
	logger.AssertNotLogged(t, zapcore.WarnLevel, "batch status tick failed")
	logger.AssertNotLogged(t, zapcore.ErrorLevel, "batch status tick failed")
}

func TestTick_HiddenSkipsWithoutRequest(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"))
	svc.script(batchResponse{err: errors.New("down")})
	vis := NewVisibilityFlag(true)
	m := newManualMonitor(t, svc, nil, WithVisibility(vis))
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	_, err := m.Tick(ctx)
	require.Error(t, err)
	require.Equal(t, 1, m.Snapshot().Failures)

	vis.Set(false)
	outcome, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.Skipped, outcome)

	_, batches := svc.calls()
	assert.Equal(t, 1, batches)
	snap := m.Snapshot()
	assert.Equal(t, 1, snap.Failures)
	assert.False(t, snap.Visible)

	vis.Set(true)
	_, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Snapshot().Failures)
}

func TestTick_EmptySetKeepsBackoff(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"))
	svc.script(batchResponse{err: errors.New("down")})
	m := newManualMonitor(t, svc, nil)
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	_, err := m.Tick(ctx)
	require.Error(t, err)
	require.Equal(t, 1, m.Snapshot().Failures)

	svc.setListing()
	require.NoError(t, m.Discover(ctx))
	require.Empty(t, m.Snapshot().Pending)

	outcome, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.Idle, outcome)

	_, batches := svc.calls()
	assert.Equal(t, 1, batches)
	assert.Equal(t, 1, m.Snapshot().Failures, "no request, no reset")
}

func TestTick_TraceLogsRawStatuses(t *testing.T) {
	core, logs := observer.New(logging.TraceLevel)
	svc := &fakeService{}
	svc.setListing(pending("1"), pending("2"))
	svc.script(batchResponse{statuses: map[string]analysis.Status{"1": analysis.StatusDone, "2": analysis.StatusPending}})
	m, err := New(svc, nil, zap.New(core),
		WithBackoffPolicy(poll.Exponential{Base: time.Hour, Factor: 1.5, Max: 2 * time.Hour}))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	_, err = m.Tick(ctx)
	require.NoError(t, err)

	entries := logs.FilterMessage("batch statuses fetched").All()
	require.Len(t, entries, 1)
	assert.Equal(t, logging.TraceLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, []interface{}{"1", "2"}, fields["dream.ids"])
	assert.Equal(t, map[string]string{"1": "done", "2": "pending"}, fields["statuses"])
}

func TestTick_ConcurrentTicksDoNotDoubleCount(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"))
	svc.script(
		batchResponse{err: errors.New("down")},
		batchResponse{err: errors.New("down")},
		batchResponse{err: errors.New("down")},
	)
	m := newManualMonitor(t, svc, nil)
	ctx := context.Background()
	require.NoError(t, m.Discover(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Tick(ctx)
		}()
	}
	wg.Wait()

	_, batches := svc.calls()
	assert.Equal(t, 3, batches)
	assert.Equal(t, 3, m.Snapshot().Failures)
}

func TestLoop_StopsWhenEmptyAndRestarts(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"))
	svc.script(batchResponse{statuses: map[string]analysis.Status{"1": analysis.StatusDone}})
	ref := &recordingRefresher{}
	m, err := New(svc, ref, zap.NewNop(),
		WithBackoffPolicy(poll.Exponential{Base: 10 * time.Millisecond, Factor: 1.5, Max: 50 * time.Millisecond}),
		WithRefreshDelay(5*time.Millisecond),
	)
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Discover(ctx))
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return len(s.Pending) == 0 && !s.Polling
	}, 2*time.Second, 5*time.Millisecond)

	_, batchesBefore := svc.calls()
	time.Sleep(50 * time.Millisecond)
	_, batchesAfter := svc.calls()
	assert.Equal(t, batchesBefore, batchesAfter, "no ticks while nothing is pending")

	svc.setListing(done("1"), pending("2"))
	svc.script(batchResponse{statuses: map[string]analysis.Status{"2": analysis.StatusFailed}})
	require.NoError(t, m.Discover(ctx))

	require.Eventually(t, func() bool { return len(ref.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]string{{"1"}, {"2"}}, ref.Calls())
	assert.Equal(t, 2, m.Snapshot().Handled)
}

func TestStart_EntityCreatedTriggersDiscovery(t *testing.T) {
	svc := &fakeService{}
	bus := events.NewMemoryBus()
	defer bus.Close()

	var mu sync.Mutex
	var completed []events.AnalysisCompleted
	_, err := bus.SubscribeAnalysisCompleted(func(ev events.AnalysisCompleted) {
		mu.Lock()
		completed = append(completed, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	m, err := New(svc, nil, zap.NewNop(),
		WithBus(bus),
		WithBackoffPolicy(poll.Exponential{Base: 5 * time.Millisecond, Factor: 1.5, Max: 20 * time.Millisecond}),
		WithRefreshDelay(5*time.Millisecond),
	)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Start(context.Background()))
	assert.Empty(t, m.Snapshot().Pending)
	lists, _ := svc.calls()
	assert.Equal(t, 1, lists)

	svc.setListing(pending("new"))
	svc.script(
		batchResponse{statuses: map[string]analysis.Status{"new": analysis.StatusPending}},
		batchResponse{statuses: map[string]analysis.Status{"new": analysis.StatusDone}},
	)
	require.NoError(t, bus.PublishEntityCreated(context.Background(), events.EntityCreated{EntityID: "new"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"new"}, completed[0].EntityIDs)
	mu.Unlock()
}

func TestStart_DiscoveryFailureIsNotFatal(t *testing.T) {
	svc := &fakeService{listErr: fmt.Errorf("list: %w", analysis.ErrUnauthorized)}
	logger := logging.NewTestLogger()
	m, err := New(svc, nil, logger.Underlying())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	logger.AssertLogged(t, zapcore.InfoLevel, "initial discovery failed")
	logger.AssertNotLogged(t, zapcore.ErrorLevel, "discovery")

	lists, _ := svc.calls()
	assert.Equal(t, 1, lists)
}

func TestClose(t *testing.T) {
	svc := &fakeService{}
	svc.setListing(pending("1"))
	svc.script(batchResponse{statuses: map[string]analysis.Status{"1": analysis.StatusDone}})
	ref := &recordingRefresher{}
	bus := events.NewMemoryBus()
	defer bus.Close()

	m, err := New(svc, ref, zap.NewNop(),
		WithBus(bus),
		WithBackoffPolicy(poll.Exponential{Base: time.Hour, Factor: 1.5}),
		WithRefreshDelay(time.Hour),
	)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	_, err = m.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, m.Snapshot().RefreshesQueued)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	snap := m.Snapshot()
	assert.Empty(t, snap.Pending)
	assert.Equal(t, 0, snap.Handled)
	assert.Equal(t, 0, snap.RefreshesQueued)
	assert.False(t, snap.Polling)
	assert.Empty(t, ref.Calls())

	assert.ErrorIs(t, m.Discover(context.Background()), ErrClosed)
	assert.ErrorIs(t, m.Start(context.Background()), ErrClosed)

	// the closed monitor no longer listens for new dreams
	require.NoError(t, bus.PublishEntityCreated(context.Background(), events.EntityCreated{EntityID: "x"}))
	lists, _ := svc.calls()
	assert.Equal(t, 1, lists)
}

func TestVisibilityFlag(t *testing.T) {
	v := NewVisibilityFlag(false)
	assert.False(t, v.Visible())
	assert.False(t, v.Open())
	v.Set(true)
	assert.True(t, v.Open())

	var _ poll.Gate = v
}

func TestRefreshFunc(t *testing.T) {
	var got []string
	var r Refresher = RefreshFunc(func(_ context.Context, ids []string) error {
		got = ids
		return nil
	})
	require.NoError(t, r.Refresh(context.Background(), []string{"a"}))
	assert.Equal(t, []string{"a"}, got)
}
