package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus publishes JSON events on <prefix>.entities.created and
// <prefix>.analysis.completed.
type NATSBus struct {
	nc      *nats.Conn
	prefix  string
	ownConn bool
	logger  *zap.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATSBus wraps an existing connection. The caller keeps ownership of nc.
func NewNATSBus(nc *nats.Conn, prefix string, logger *zap.Logger) (*NATSBus, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if prefix == "" {
		return nil, fmt.Errorf("subject prefix cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &NATSBus{nc: nc, prefix: prefix, logger: logger}, nil
}

// Connect dials url and returns a bus that closes the connection on Close.
func Connect(url, prefix string, logger *zap.Logger, opts ...nats.Option) (*NATSBus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	opts = append([]nats.Option{
		nats.Name("somnia"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	bus, err := NewNATSBus(nc, prefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	bus.ownConn = true
	return bus, nil
}

// EntityCreatedSubject returns the subject EntityCreated is published on.
func (b *NATSBus) EntityCreatedSubject() string { return b.prefix + ".entities.created" }

// AnalysisCompletedSubject returns the subject AnalysisCompleted is
// published on.
func (b *NATSBus) AnalysisCompletedSubject() string { return b.prefix + ".analysis.completed" }

// PublishEntityCreated implements Bus.
func (b *NATSBus) PublishEntityCreated(ctx context.Context, ev EntityCreated) error {
	if ev.EntityID == "" {
		return fmt.Errorf("entity id cannot be empty")
	}
	return b.publish(ctx, b.EntityCreatedSubject(), stampCreated(ev))
}

// SubscribeEntityCreated implements Bus. Messages that do not decode or lack
// an entity id are logged and dropped.
func (b *NATSBus) SubscribeEntityCreated(handler func(EntityCreated)) (Subscription, error) {
	return b.subscribe(b.EntityCreatedSubject(), func(data []byte) error {
		var ev EntityCreated
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		if ev.EntityID == "" {
			return errors.New("missing entity_id")
		}
		handler(ev)
		return nil
	})
}

// PublishAnalysisCompleted implements Bus.
func (b *NATSBus) PublishAnalysisCompleted(ctx context.Context, ev AnalysisCompleted) error {
	return b.publish(ctx, b.AnalysisCompletedSubject(), stampCompleted(ev))
}

// SubscribeAnalysisCompleted implements Bus.
func (b *NATSBus) SubscribeAnalysisCompleted(handler func(AnalysisCompleted)) (Subscription, error) {
	return b.subscribe(b.AnalysisCompletedSubject(), func(data []byte) error {
		var ev AnalysisCompleted
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		handler(ev)
		return nil
	})
}

func (b *NATSBus) publish(ctx context.Context, subject string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) subscribe(subject string, decode func([]byte) error) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		if err := decode(m.Data); err != nil {
			b.logger.Warn("dropping malformed event",
				zap.String("subject", m.Subject),
				zap.Int("bytes", len(m.Data)),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return b.nc.FlushWithContext(ctx)
}

// Close unsubscribes every handler and, for buses made by Connect, flushes
// and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	if b.ownConn {
		if err := b.nc.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
		b.nc.Close()
	}
	return errors.Join(errs...)
}

// EmbeddedOptions configures an in-process NATS server.
type EmbeddedOptions struct {
	Host string
	// Port is the client port. -1 picks a free one.
	Port int
}

// StartEmbedded runs a NATS server inside this process. The daemon uses it
// when events.embedded is set so no external broker is needed.
func StartEmbedded(opts EmbeddedOptions) (*natsserver.Server, error) {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port == 0 {
		port = -1
	}

	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:           host,
		Port:           port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded nats server: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}
	return srv, nil
}
