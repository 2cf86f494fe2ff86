// Package poll provides a generic poll-until-terminal loop with a pluggable
// backoff policy and a visibility gate. Both the per-dream poller and the
// pending-set monitor are built on it.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Outcome describes what a single tick did.
type Outcome int

const (
	// Continue means the fetch succeeded or a failure was retried.
	Continue Outcome = iota
	// Done means Apply reported a terminal state.
	Done
	// Skipped means the gate was closed and no fetch ran.
	Skipped
	// Stopped means an error ended the loop.
	Stopped
	// Idle means Fetch had nothing to do. The loop ends and the backoff is
	// left as it was.
	Idle
)

// ErrIdle is returned by a FetchFunc that has nothing to fetch.
var ErrIdle = errors.New("poll: nothing to fetch")

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Done:
		return "done"
	case Skipped:
		return "skipped"
	case Stopped:
		return "stopped"
	case Idle:
		return "idle"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Gate reports whether ticks may run. A closed gate skips the tick without
// touching the backoff.
type Gate interface {
	Open() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

// Open implements Gate.
func (f GateFunc) Open() bool { return f() }

// FetchFunc loads the current remote state, single-id or batch.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// ApplyFunc folds fetched state into the owner and reports whether polling
// is finished.
type ApplyFunc[T any] func(ctx context.Context, v T) (done bool)

// ErrorFunc decides whether a fetch error ends the loop.
type ErrorFunc func(ctx context.Context, err error) (stop bool)

// Option configures a Loop.
type Option func(*settings)

type settings struct {
	backoff *Backoff
	gate    Gate
	onError ErrorFunc
	onTick  func(Outcome, error)
	logger  *zap.Logger
	name    string
}

// WithBackoff sets the interval source. Defaults to Fixed(3s).
func WithBackoff(b *Backoff) Option {
	return func(s *settings) {
		s.backoff = b
	}
}

// WithGate skips ticks while g is closed.
func WithGate(g Gate) Option {
	return func(s *settings) {
		s.gate = g
	}
}

// WithErrorHandler decides whether fetch errors stop the loop. By default
// errors are retried after backing off.
func WithErrorHandler(f ErrorFunc) Option {
	return func(s *settings) {
		s.onError = f
	}
}

// WithTickHook observes every tick outcome, for metrics.
func WithTickHook(f func(Outcome, error)) Option {
	return func(s *settings) {
		s.onTick = f
	}
}

// WithLogger sets the logger and the loop name used in its fields.
func WithLogger(logger *zap.Logger, name string) Option {
	return func(s *settings) {
		s.logger = logger
		s.name = name
	}
}

// Loop waits an interval, fetches and applies, until Apply reports done,
// the error handler stops it, or the context ends. Ticks never overlap.
type Loop[T any] struct {
	fetch FetchFunc[T]
	apply ApplyFunc[T]
	settings

	tickMu sync.Mutex
}

// New creates a Loop. fetch and apply are required.
func New[T any](fetch FetchFunc[T], apply ApplyFunc[T], opts ...Option) (*Loop[T], error) {
	if fetch == nil {
		return nil, errors.New("fetch cannot be nil")
	}
	if apply == nil {
		return nil, errors.New("apply cannot be nil")
	}

	s := settings{
		logger: zap.NewNop(),
		name:   "poll",
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.backoff == nil {
		s.backoff = NewBackoff(Fixed(3 * time.Second))
	}
	if s.logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Loop[T]{fetch: fetch, apply: apply, settings: s}, nil
}

// Run blocks until the loop finishes. It returns nil when Apply reports
// done, the stopping error when the error handler ends the loop, and the
// context error on cancellation.
func (l *Loop[T]) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("poll loop panicked",
				zap.String("loop", l.name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("poll loop %s panicked: %v", l.name, r)
		}
	}()

	timer := time.NewTimer(l.backoff.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		outcome, tickErr := l.Tick(ctx)
		switch outcome {
		case Done, Idle:
			return nil
		case Stopped:
			return tickErr
		}

		timer.Reset(l.backoff.Interval())
	}
}

// Tick runs one iteration immediately. Run calls it after each wait; tests
// call it directly. Concurrent calls are serialized, so a manual tick never
// overlaps one from Run.
func (l *Loop[T]) Tick(ctx context.Context) (Outcome, error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	outcome, err := l.tick(ctx)
	if l.onTick != nil {
		l.onTick(outcome, err)
	}
	return outcome, err
}

func (l *Loop[T]) tick(ctx context.Context) (Outcome, error) {
	if l.gate != nil && !l.gate.Open() {
		l.logger.Debug("poll tick skipped, gate closed", zap.String("loop", l.name))
		return Skipped, nil
	}

	v, err := l.fetch(ctx)
	if errors.Is(err, ErrIdle) {
		return Idle, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return Stopped, ctx.Err()
		}
		next := l.backoff.Failure()
		if l.onError != nil && l.onError(ctx, err) {
			return Stopped, err
		}
		l.logger.Debug("poll tick failed, backing off",
			zap.String("loop", l.name),
			zap.Int("failures", l.backoff.Failures()),
			zap.Duration("next", next),
			zap.Error(err),
		)
		return Continue, err
	}

	l.backoff.Success()
	if l.apply(ctx, v) {
		return Done, nil
	}
	return Continue, nil
}
