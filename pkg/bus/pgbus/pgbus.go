// Package pgbus carries completion events over PostgreSQL LISTEN/NOTIFY on a
// single channel shared by all streams.
package pgbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wilhg/previews/pkg/bus"
)

var _ bus.Bus = (*Bus)(nil)

// DefaultChannel is the notification channel used when none is configured.
const DefaultChannel = "preview_generation_update"

// Bus publishes through a pool and listens on dedicated connections.
type Bus struct {
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger
}

// Open creates a pool for databaseURL.
func Open(ctx context.Context, databaseURL, channel string, logger *zap.Logger) (*Bus, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgbus: pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgbus: ping: %w", err)
	}
	return New(pool, channel, logger), nil
}

// New wraps an existing pool. Close closes the pool.
func New(pool *pgxpool.Pool, channel string, logger *zap.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{pool: pool, channel: channel, logger: logger.With(zap.String("component", "pgbus"))}
}

// Publish issues pg_notify with the encoded event.
func (b *Bus) Publish(ctx context.Context, ev bus.Event) error {
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, ev.Encode()); err != nil {
		return fmt.Errorf("pgbus: notify: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated connection and issues LISTEN on it.
func (b *Bus) Subscribe(ctx context.Context) (bus.Subscription, error) {
	conn, err := pgx.ConnectConfig(ctx, b.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("pgbus: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("pgbus: listen: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{conn: conn, cancel: cancel, out: make(chan bus.Event, 64), done: make(chan struct{})}
	go s.loop(loopCtx, b.logger)
	return s, nil
}

// Close closes the pool.
func (b *Bus) Close() error {
	b.pool.Close()
	return nil
}

type subscription struct {
	conn   *pgx.Conn
	cancel context.CancelFunc
	out    chan bus.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) loop(ctx context.Context, logger *zap.Logger) {
	defer close(s.done)
	defer close(s.out)
	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("listen connection lost", zap.Error(err))
			}
			return
		}
		ev, err := bus.Parse(n.Payload)
		if err != nil {
			logger.Warn("dropping malformed completion event", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) Events() <-chan bus.Event { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.conn.Close(context.Background())
	})
	return err
}
