package preview

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/previews/pkg/bus"
	"github.com/wilhg/previews/pkg/store"
)

type objectKey struct {
	streamID string
	objectID string
}

// Waiter is one registration for completion of a key. C receives a value
// each time an event for the key's object arrives; wake-ups coalesce.
type Waiter struct {
	Key store.PreviewKey
	C   chan struct{}
}

// Hub routes completion events to the waiters registered in this process.
// An event for an object wakes the waiters of every angle of that object.
type Hub struct {
	mu      sync.Mutex
	waiters map[objectKey]map[*Waiter]struct{}
	logger  *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		waiters: make(map[objectKey]map[*Waiter]struct{}),
		logger:  logger.With(zap.String("component", "waiters")),
	}
}

// Watch registers a waiter for key. The caller must Cancel it.
func (h *Hub) Watch(key store.PreviewKey) *Waiter {
	w := &Waiter{Key: key, C: make(chan struct{}, 1)}
	ok := objectKey{key.StreamID, key.ObjectID}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, found := h.waiters[ok]
	if !found {
		set = make(map[*Waiter]struct{})
		h.waiters[ok] = set
	}
	set[w] = struct{}{}
	return w
}

// Cancel removes a waiter. It is safe to call more than once.
func (h *Hub) Cancel(w *Waiter) {
	ok := objectKey{w.Key.StreamID, w.Key.ObjectID}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.waiters[ok]
	delete(set, w)
	if len(set) == 0 {
		delete(h.waiters, ok)
	}
}

// Notify wakes every waiter of ev's object and returns how many were woken.
func (h *Hub) Notify(ev bus.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.waiters[objectKey{ev.StreamID, ev.ObjectID}]
	for w := range set {
		select {
		case w.C <- struct{}{}:
		default:
		}
	}
	return len(set)
}

// Len returns the number of registered waiters.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.waiters {
		n += len(set)
	}
	return n
}

// Run dispatches events from sub until it closes or ctx ends.
func (h *Hub) Run(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			n := h.Notify(ev)
			h.logger.Debug("completion event",
				zap.String("status", string(ev.Status)),
				zap.String("stream_id", ev.StreamID),
				zap.String("object_id", ev.ObjectID),
				zap.Int("woken", n))
		}
	}
}

// Listen subscribes to s and dispatches its events until ctx ends. The first
// subscription must succeed; later ones are retried with backoff while
// waiters fall back to polling the store.
func (h *Hub) Listen(ctx context.Context, s bus.Subscriber) error {
	sub, err := s.Subscribe(ctx)
	if err != nil {
		return err
	}
	backoff := 100 * time.Millisecond
	for {
		h.Run(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		h.logger.Warn("completion subscription ended, resubscribing")
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			sub, err = s.Subscribe(ctx)
			if err == nil {
				backoff = 100 * time.Millisecond
				break
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			h.logger.Error("resubscribe failed", zap.Error(err))
			backoff = min(backoff*2, 10*time.Second)
		}
	}
}
