// Package events carries the typed cross-component signals: a dream was
// created, and analyses completed. The monitor only treats EntityCreated as
// a cue to rediscover; it never trusts the payload's contents.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by a closed bus.
var ErrClosed = errors.New("event bus closed")

// EntityCreated is broadcast when a new dream exists, for example after an
// upload finishes.
type EntityCreated struct {
	EventID  string    `json:"event_id"`
	EntityID string    `json:"entity_id"`
	At       time.Time `json:"at"`
}

// AnalysisCompleted is broadcast once per refresh with every dream that
// finished in that tick.
type AnalysisCompleted struct {
	EventID   string    `json:"event_id"`
	EntityIDs []string  `json:"entity_ids"`
	At        time.Time `json:"at"`
}

// Subscription stops delivery to one handler.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and delivers typed events. Handlers may run on a bus-owned
// goroutine and must not block for long.
type Bus interface {
	PublishEntityCreated(ctx context.Context, ev EntityCreated) error
	SubscribeEntityCreated(handler func(EntityCreated)) (Subscription, error)
	PublishAnalysisCompleted(ctx context.Context, ev AnalysisCompleted) error
	SubscribeAnalysisCompleted(handler func(AnalysisCompleted)) (Subscription, error)
	Close() error
}

func stampCreated(ev EntityCreated) EntityCreated {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

func stampCompleted(ev AnalysisCompleted) AnalysisCompleted {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}
