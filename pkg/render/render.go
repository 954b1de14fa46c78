// Package render notifies the external render workers that a preview key
// needs rendering. Signals are fire-and-forget and never retried here.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wilhg/previews/pkg/store"
)

// Signaler asks a renderer to produce the preview for key.
type Signaler interface {
	Request(ctx context.Context, key store.PreviewKey) error
}

// Noop leaves discovery to renderers polling the pending list.
type Noop struct{}

func (Noop) Request(context.Context, store.PreviewKey) error { return nil }

// DefaultQueue is the Redis list render jobs are pushed to.
const DefaultQueue = "previews:render"

// Job is the message a renderer pops from the queue.
type Job struct {
	ID          string    `json:"id"`
	StreamID    string    `json:"streamId"`
	ObjectID    string    `json:"objectId"`
	Angle       string    `json:"angle"`
	RequestedAt time.Time `json:"requestedAt"`
}

// RedisQueue pushes render jobs onto a Redis list.
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
	now    func() time.Time
}

// NewRedisQueue returns a signaler writing to queue (DefaultQueue when empty).
func NewRedisQueue(client redis.UniversalClient, queue string) *RedisQueue {
	if queue == "" {
		queue = DefaultQueue
	}
	return &RedisQueue{client: client, queue: queue, now: time.Now}
}

// Request LPUSHes one JSON job.
func (q *RedisQueue) Request(ctx context.Context, key store.PreviewKey) error {
	key = key.Normalize()
	b, err := json.Marshal(Job{
		ID:          uuid.NewString(),
		StreamID:    key.StreamID,
		ObjectID:    key.ObjectID,
		Angle:       key.Angle,
		RequestedAt: q.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, b).Err(); err != nil {
		return fmt.Errorf("render: enqueue %s: %w", key, err)
	}
	return nil
}
