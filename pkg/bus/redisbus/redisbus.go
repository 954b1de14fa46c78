// Package redisbus carries completion events over Redis pub/sub, one
// channel per stream under a shared prefix.
package redisbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wilhg/previews/pkg/bus"
)

var _ bus.Bus = (*Bus)(nil)

// DefaultPrefix is prepended to the stream id to form the channel name.
const DefaultPrefix = "preview_generation_update:"

// Bus publishes to "<prefix><streamId>" and pattern-subscribes to "<prefix>*".
type Bus struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// New wraps a Redis client. The caller owns the client.
func New(client redis.UniversalClient, prefix string, logger *zap.Logger) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, prefix: prefix, logger: logger.With(zap.String("component", "redisbus"))}
}

// Channel returns the channel name carrying events of a stream.
func (b *Bus) Channel(streamID string) string { return b.prefix + streamID }

// Publish sends ev on its stream channel.
func (b *Bus) Publish(ctx context.Context, ev bus.Event) error {
	if err := b.client.Publish(ctx, b.Channel(ev.StreamID), ev.Encode()).Err(); err != nil {
		return fmt.Errorf("redisbus: publish: %w", err)
	}
	return nil
}

// Subscribe pattern-subscribes to every stream channel and waits for the
// server to confirm the subscription.
func (b *Bus) Subscribe(ctx context.Context) (bus.Subscription, error) {
	ps := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisbus: subscribe: %w", err)
	}
	s := &subscription{ps: ps, out: make(chan bus.Event, 64), done: make(chan struct{})}
	go s.pump(b.prefix, b.logger)
	return s, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (b *Bus) Close() error { return nil }

type subscription struct {
	ps   *redis.PubSub
	out  chan bus.Event
	done chan struct{}
	once sync.Once
}

func (s *subscription) pump(prefix string, logger *zap.Logger) {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		ev, err := bus.Parse(msg.Payload)
		if err != nil {
			logger.Warn("dropping malformed completion event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if stream := strings.TrimPrefix(msg.Channel, prefix); stream != ev.StreamID {
			logger.Warn("completion event stream does not match channel",
				zap.String("channel", msg.Channel), zap.String("stream_id", ev.StreamID))
			continue
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Events() <-chan bus.Event { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
