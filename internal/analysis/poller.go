package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/somnialabs/somnia/internal/logging"
	"github.com/somnialabs/somnia/internal/poll"
	"go.uber.org/zap"
)

// Messages shown when the backend gives none.
const (
	MsgPollFailed    = "Could not check analysis status."
	MsgTriggerFailed = "Could not start analysis."
	MsgAnalysisFail  = "Analysis failed."
	MsgUnauthorized  = "Session expired. Sign in again."
)

// Service is the slice of the Analysis Status Service a Poller needs.
type Service interface {
	GetAnalysis(ctx context.Context, id string) (Snapshot, error)
	StartAnalysis(ctx context.Context, id string) error
}

// View is what a dream's detail surface renders.
type View struct {
	ID         string        `json:"id"`
	Status     Status        `json:"status"`
	Result     *Result       `json:"result"`
	AnalyzedAt *time.Time    `json:"analyzed_at"`
	Failure    FailureOrigin `json:"failure"`
	Message    string        `json:"message,omitempty"`
	// Unauthorized is set when the last backend call returned 401. The
	// caller one layer up decides whether to send the user to sign in.
	Unauthorized bool `json:"unauthorized,omitempty"`
	Polling      bool `json:"polling"`
}

// Text returns what to render for a finished analysis. A done result
// without text yields PlaceholderText.
func (v View) Text() string {
	switch v.Status {
	case StatusDone:
		if body := v.Result.Body(); body != "" {
			return body
		}
		return PlaceholderText
	case StatusFailed:
		return v.Message
	default:
		return ""
	}
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the poll interval. Defaults to 3s.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithUpdateBuffer sets how many views Updates can hold before the oldest
// is dropped. Defaults to 16.
func WithUpdateBuffer(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.updates = make(chan View, n)
		}
	}
}

// Poller tracks one dream's analysis job: trigger, poll while pending,
// resolve. It never touches shared state beyond its own view.
//
// All methods are safe for concurrent use. At most one poll loop runs at a
// time. Re-entering Pending starts a fresh loop and results from an older
// loop are discarded.
type Poller struct {
	svc      Service
	id       string
	logger   *zap.Logger
	interval time.Duration

	root   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	view       View
	gen        uint64
	rev        uint64
	loopCancel context.CancelFunc
	closed     bool
	updates    chan View

	wg sync.WaitGroup
}

// NewPoller creates a Poller for dream id. Call Start before Trigger.
func NewPoller(svc Service, id string, logger *zap.Logger, opts ...PollerOption) (*Poller, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if id == "" {
		return nil, fmt.Errorf("id cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	root, cancel := context.WithCancel(context.Background())
	p := &Poller{
		svc:      svc,
		id:       id,
		logger:   logger.With(zap.String("dream.id", id)),
		interval: 3 * time.Second,
		root:     root,
		cancel:   cancel,
		view:     View{ID: id},
		updates:  make(chan View, 16),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start seeds the view. With a seed no request is made; without one a
// single status fetch resolves the initial state, and a failure there
// leaves the view Unknown. A fetched state that lands after the view
// changed is discarded. Any running loop is stopped and polling restarts
// only if the new state is Pending.
func (p *Poller) Start(ctx context.Context, seed *Snapshot) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	rev := p.rev
	p.mu.Unlock()

	snap := seed
	if snap == nil {
		fetched, err := p.svc.GetAnalysis(ctx, p.id)
		if err != nil {
			p.logFailure("initial status fetch failed", err)
			p.mu.Lock()
			if !p.closed && rev == p.rev && errors.Is(err, ErrUnauthorized) {
				p.view.Unauthorized = true
				p.publishLocked()
			}
			p.mu.Unlock()
			return nil
		}
		snap = &fetched
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if seed == nil && rev != p.rev {
		p.logger.Debug("initial status superseded", zap.String("status", snap.Status.String()))
		return nil
	}
	if p.view.Status == StatusPending && snap.Status == StatusUnknown {
		// the job may not be visible yet; Pending only leaves for a terminal state
		return nil
	}

	p.stopLoopLocked()
	p.applySnapshotLocked(*snap)
	if p.view.Status == StatusPending {
		p.startLoopLocked()
	}
	p.publishLocked()
	return nil
}

// Trigger starts a new analysis. The view becomes Pending before the
// request is sent. Accepted and already-in-progress responses keep it
// Pending and start polling; any other error fails the view with the
// backend's message. While Pending, Trigger returns ErrAlreadyPending and
// sends nothing.
func (p *Poller) Trigger(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.view.Status == StatusPending {
		p.mu.Unlock()
		triggersTotal.WithLabelValues("rejected_pending").Inc()
		return ErrAlreadyPending
	}

	p.stopLoopLocked()
	p.view = View{ID: p.id, Status: StatusPending}
	p.publishLocked()
	gen := p.gen
	p.mu.Unlock()

	err := p.svc.StartAnalysis(ctx, p.id)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if gen != p.gen {
		// superseded while the request was in flight
		return nil
	}

	if err == nil || errors.Is(err, ErrAnalysisInProgress) {
		result := "accepted"
		if err != nil {
			result = "in_progress"
		}
		triggersTotal.WithLabelValues(result).Inc()
		p.logger.Info("analysis started", zap.String("result", result))
		p.startLoopLocked()
		p.publishLocked()
		return nil
	}

	triggersTotal.WithLabelValues("failed").Inc()
	p.logFailure("analysis trigger failed", err)

	msg := UserMessage(err, MsgTriggerFailed)
	if errors.Is(err, ErrUnauthorized) {
		msg = MsgUnauthorized
	}
	p.view = View{
		ID:           p.id,
		Status:       StatusFailed,
		Result:       &Result{Error: msg},
		Failure:      FailureTrigger,
		Message:      msg,
		Unauthorized: errors.Is(err, ErrUnauthorized),
	}
	p.publishLocked()
	return fmt.Errorf("start analysis %s: %w", p.id, err)
}

// View returns the current view.
func (p *Poller) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// Updates delivers a copy of the view after every change. When the reader
// falls behind the oldest view is dropped. Closed by Close.
func (p *Poller) Updates() <-chan View {
	return p.updates
}

// Close stops any poll loop, waits for it to exit and closes Updates.
// It is idempotent.
func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stopLoopLocked()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.updates)
	return nil
}

func (p *Poller) applySnapshotLocked(s Snapshot) {
	p.view.Status = s.Status
	p.view.Result = nil
	p.view.AnalyzedAt = nil
	if s.Status.Terminal() {
		p.view.Result = s.Result
		p.view.AnalyzedAt = s.AnalyzedAt
	}
	p.view.Failure = FailureNone
	p.view.Message = ""
	p.view.Unauthorized = false
	if s.Status == StatusFailed {
		p.view.Failure = FailureServer
		msg := MsgAnalysisFail
		if s.Result != nil && s.Result.Error != "" {
			msg = s.Result.Error
		}
		p.view.Message = msg
	}
}

func (p *Poller) startLoopLocked() {
	p.stopLoopLocked()
	gen := p.gen

	ctx, cancel := context.WithCancel(p.root)
	p.loopCancel = cancel

	loop, err := poll.New(
		func(ctx context.Context) (Snapshot, error) {
			return p.svc.GetAnalysis(ctx, p.id)
		},
		func(_ context.Context, s Snapshot) bool {
			return p.applyPoll(gen, s)
		},
		poll.WithBackoff(poll.NewBackoff(poll.Fixed(p.interval))),
		poll.WithErrorHandler(func(_ context.Context, err error) bool {
			p.pollFailed(gen, err)
			return true
		}),
		poll.WithLogger(p.logger, "poller"),
	)
	if err != nil {
		// only reachable with a nil logger, which NewPoller rejects
		cancel()
		p.logger.Error("poll loop not started", zap.Error(err))
		return
	}

	p.view.Polling = true
	activePollers.Inc()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer activePollers.Dec()
		defer cancel()

		err := loop.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Debug("poll loop ended", zap.Error(err))
		}

		p.mu.Lock()
		if gen == p.gen && !p.closed && p.view.Polling {
			p.view.Polling = false
			p.publishLocked()
		}
		p.mu.Unlock()
	}()
}

// stopLoopLocked invalidates the running loop, if any.
func (p *Poller) stopLoopLocked() {
	p.gen++
	if p.loopCancel != nil {
		p.loopCancel()
		p.loopCancel = nil
	}
	p.view.Polling = false
}

func (p *Poller) applyPoll(gen uint64, s Snapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || p.closed {
		return true
	}

	switch s.Status {
	case StatusDone, StatusFailed:
		pollsTotal.WithLabelValues(string(s.Status)).Inc()
		p.applySnapshotLocked(s)
		p.view.Polling = false
		p.publishLocked()
		p.logger.Info("analysis finished", zap.String("status", s.Status.String()))
		return true
	default:
		if ce := p.logger.Check(logging.TraceLevel, "status polled"); ce != nil {
			ce.Write(zap.String("status", s.Status.String()))
		}
		pollsTotal.WithLabelValues("pending").Inc()
		return false
	}
}

func (p *Poller) pollFailed(gen uint64, err error) {
	pollsTotal.WithLabelValues("error").Inc()
	p.logFailure("status poll failed", err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || p.closed {
		return
	}

	unauthorized := errors.Is(err, ErrUnauthorized)
	msg := UserMessage(err, MsgPollFailed)
	if unauthorized {
		msg = MsgUnauthorized
	}
	p.view = View{
		ID:           p.id,
		Status:       StatusFailed,
		Result:       &Result{Error: msg},
		Failure:      FailureLocal,
		Message:      msg,
		Unauthorized: unauthorized,
	}
	p.publishLocked()
}

// logFailure keeps 401s out of error-level logs.
func (p *Poller) logFailure(msg string, err error) {
	if errors.Is(err, ErrUnauthorized) {
		p.logger.Info(msg, zap.Bool("unauthorized", true))
		return
	}
	p.logger.Warn(msg, zap.Error(err))
}

// publishLocked bumps the view revision and delivers the view.
func (p *Poller) publishLocked() {
	if p.closed {
		return
	}
	p.rev++
	v := p.view
	for {
		select {
		case p.updates <- v:
			return
		default:
		}
		select {
		case <-p.updates:
		default:
		}
	}
}
