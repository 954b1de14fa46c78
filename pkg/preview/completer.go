package preview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"

	"go.uber.org/zap"

	"github.com/wilhg/previews/pkg/bus"
	"github.com/wilhg/previews/pkg/errmodel"
	"github.com/wilhg/previews/pkg/store"
)

// Completer records worker results and announces them on the bus.
type Completer struct {
	previews store.PreviewStore
	pub      bus.Publisher
	metrics  *Metrics
	logger   *zap.Logger
}

// NewCompleter returns a completer. metrics may be nil.
func NewCompleter(previews store.PreviewStore, pub bus.Publisher, metrics *Metrics, logger *zap.Logger) *Completer {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Completer{previews: previews, pub: pub, metrics: metrics, logger: logger.With(zap.String("component", "completer"))}
}

// Complete stores a rendered image and publishes a finished event. Repeated
// completions are no-ops in the store but are announced again.
func (c *Completer) Complete(ctx context.Context, key store.PreviewKey, payload []byte) error {
	key = key.Normalize()
	if err := checkKey(key); err != nil {
		return err
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(payload)); err != nil {
		return errmodel.Validation(errmodel.CodeBadPayload, "payload is not a PNG or JPEG image", map[string]any{
			"key": key.String(),
		})
	}
	if err := c.previews.Complete(ctx, key, payload); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	c.metrics.completions.WithLabelValues(string(bus.StatusFinished)).Inc()
	return c.publish(ctx, bus.Event{Status: bus.StatusFinished, StreamID: key.StreamID, ObjectID: key.ObjectID})
}

// Fail records a render failure and publishes a failed event.
func (c *Completer) Fail(ctx context.Context, key store.PreviewKey, reason string) error {
	key = key.Normalize()
	if err := checkKey(key); err != nil {
		return err
	}
	if err := c.previews.Fail(ctx, key, reason); err != nil {
		return fmt.Errorf("fail %s: %w", key, err)
	}
	c.metrics.completions.WithLabelValues(string(bus.StatusFailed)).Inc()
	c.logger.Warn("render failed", zap.Error(errmodel.RenderFailed(reason, map[string]any{"key": key.String()})))
	return c.publish(ctx, bus.Event{Status: bus.StatusFailed, StreamID: key.StreamID, ObjectID: key.ObjectID})
}

// checkKey rejects keys whose completion event could not be decoded.
func checkKey(key store.PreviewKey) error {
	if !bus.ValidStreamID(key.StreamID) || key.ObjectID == "" {
		return errmodel.Validation(errmodel.CodeInvalidKey, "stream id must be non-empty without ':' and object id non-empty", map[string]any{
			"key": key.String(),
		})
	}
	return nil
}

func (c *Completer) publish(ctx context.Context, ev bus.Event) error {
	if err := c.pub.Publish(ctx, ev); err != nil {
		c.logger.Warn("publish completion failed",
			zap.String("stream_id", ev.StreamID), zap.String("object_id", ev.ObjectID), zap.Error(err))
		return err
	}
	return nil
}
