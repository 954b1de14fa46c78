// Package membus is an in-process bus for single-node deployments and tests.
package membus

import (
	"context"
	"errors"
	"sync"

	"github.com/wilhg/previews/pkg/bus"
)

var _ bus.Bus = (*Bus)(nil)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("membus: closed")

// Bus fans each published event out to every live subscription.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	buffer int
	closed bool
}

// New creates a bus whose subscriptions buffer up to buffer events.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[*subscription]struct{}), buffer: buffer}
}

// Publish delivers ev to all subscriptions. A subscription whose buffer is
// full misses the event; waiters recover by re-reading the store.
func (b *Bus) Publish(ctx context.Context, ev bus.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscription.
func (b *Bus) Subscribe(ctx context.Context) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &subscription{bus: b, ch: make(chan bus.Event, b.buffer)}
	b.subs[s] = struct{}{}
	return s, nil
}

// Close ends every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
	return nil
}

type subscription struct {
	bus *Bus
	ch  chan bus.Event
}

func (s *subscription) Events() <-chan bus.Event { return s.ch }

func (s *subscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
	return nil
}
