// Package bus carries preview generation completion events from render
// workers to the processes waiting on them. Delivery is at-least-once and
// unordered across keys; consumers must re-read the preview store.
package bus

import (
	"context"
	"fmt"
	"strings"
)

// Status of a completed generation.
type Status string

const (
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Event announces that an object of a stream finished (or failed) rendering.
// It covers every angle of the object. StreamID must not contain ':' (see
// ValidStreamID); ObjectID may.
type Event struct {
	Status   Status
	StreamID string
	ObjectID string
}

// Encode renders the event as "<status>:<streamId>:<objectId>".
func (e Event) Encode() string {
	return fmt.Sprintf("%s:%s:%s", e.Status, e.StreamID, e.ObjectID)
}

// ValidStreamID reports whether id can be carried in an encoded event. The
// stream id is the middle field of the payload, so it cannot contain ':'.
func ValidStreamID(id string) bool {
	return id != "" && !strings.Contains(id, ":")
}

// Parse decodes a payload produced by Encode.
func Parse(payload string) (Event, error) {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Event{}, fmt.Errorf("bus: malformed payload %q", payload)
	}
	st := Status(parts[0])
	if st != StatusFinished && st != StatusFailed {
		return Event{}, fmt.Errorf("bus: unknown status %q", parts[0])
	}
	return Event{Status: st, StreamID: parts[1], ObjectID: parts[2]}, nil
}

// Publisher announces completion events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription delivers events until closed. Events is closed after Close
// or when the underlying transport fails.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Subscriber opens subscriptions. Subscribe returns only once the
// subscription is live, so events published afterwards are observed.
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Bus is a publisher and subscriber over the same transport.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
