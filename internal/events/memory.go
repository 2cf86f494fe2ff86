package events

import (
	"context"
	"sync"
)

// MemoryBus delivers events synchronously to in-process subscribers. It is
// used by the CLI watch view and by tests.
type MemoryBus struct {
	mu        sync.RWMutex
	nextID    int
	created   map[int]func(EntityCreated)
	completed map[int]func(AnalysisCompleted)
	closed    bool
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		created:   make(map[int]func(EntityCreated)),
		completed: make(map[int]func(AnalysisCompleted)),
	}
}

type memorySub struct {
	once   sync.Once
	remove func()
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(s.remove)
	return nil
}

// PublishEntityCreated calls every EntityCreated handler before returning.
func (b *MemoryBus) PublishEntityCreated(ctx context.Context, ev EntityCreated) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev = stampCreated(ev)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]func(EntityCreated), 0, len(b.created))
	for _, h := range b.created {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// SubscribeEntityCreated registers handler.
func (b *MemoryBus) SubscribeEntityCreated(handler func(EntityCreated)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	b.created[id] = handler
	return &memorySub{remove: func() {
		b.mu.Lock()
		delete(b.created, id)
		b.mu.Unlock()
	}}, nil
}

// PublishAnalysisCompleted calls every AnalysisCompleted handler before
// returning.
func (b *MemoryBus) PublishAnalysisCompleted(ctx context.Context, ev AnalysisCompleted) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev = stampCompleted(ev)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]func(AnalysisCompleted), 0, len(b.completed))
	for _, h := range b.completed {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// SubscribeAnalysisCompleted registers handler.
func (b *MemoryBus) SubscribeAnalysisCompleted(handler func(AnalysisCompleted)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	b.completed[id] = handler
	return &memorySub{remove: func() {
		b.mu.Lock()
		delete(b.completed, id)
		b.mu.Unlock()
	}}, nil
}

// Close drops all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.created = map[int]func(EntityCreated){}
	b.completed = map[int]func(AnalysisCompleted){}
	return nil
}
