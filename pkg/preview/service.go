// Package preview resolves, authorizes, waits for and serves preview images.
package preview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wilhg/previews/pkg/access"
	"github.com/wilhg/previews/pkg/auth"
	"github.com/wilhg/previews/pkg/errmodel"
	"github.com/wilhg/previews/pkg/render"
	"github.com/wilhg/previews/pkg/store"
)

// PostProcessOG selects the open graph composition of a served preview.
const PostProcessOG = "og"

// Config tunes delivery.
type Config struct {
	DefaultAngle string
	// WaitTimeout bounds how long a request waits for a render.
	WaitTimeout time.Duration
	// PollInterval re-reads the store while waiting in case a completion
	// event was missed.
	PollInterval time.Duration
	// MaxAttempts is the render budget per key, counting the first render.
	MaxAttempts int
	// ObjectRouteRenders lets the object route trigger renders. By default it
	// only serves existing or already pending previews.
	ObjectRouteRenders bool
}

func (c Config) withDefaults() Config {
	if c.DefaultAngle == "" {
		c.DefaultAngle = store.DefaultAngle
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Gatekeeper decides access to a stream.
type Gatekeeper interface {
	Check(ctx context.Context, streamID string, id auth.Identity) (access.Decision, error)
}

// ReferenceResolver maps a reference to an object id.
type ReferenceResolver interface {
	Resolve(ctx context.Context, streamID string, ref Ref) (string, error)
}

// ObjectSource confirms that an object exists before a render is requested.
type ObjectSource interface {
	GetObject(ctx context.Context, streamID, objectID string) (store.Object, error)
}

// Request is one inbound preview request.
type Request struct {
	StreamID    string
	Ref         Ref
	Angle       string
	Identity    auth.Identity
	PostProcess string
}

// OutcomeKind distinguishes served previews from placeholders.
type OutcomeKind int

const (
	OutcomeServed OutcomeKind = iota
	OutcomeRedirected
)

// Outcome is the terminal state of a request: preview bytes, or one placeholder.
type Outcome struct {
	Kind        OutcomeKind
	Image       []byte
	Placeholder PlaceholderKind
	Key         store.PreviewKey
}

// Body returns the bytes to send.
func (o Outcome) Body() []byte {
	if o.Kind == OutcomeServed {
		return o.Image
	}
	return Placeholder(o.Placeholder)
}

func (o Outcome) label() string {
	if o.Kind == OutcomeServed {
		return "served"
	}
	return string(o.Placeholder)
}

func redirect(kind PlaceholderKind) Outcome {
	return Outcome{Kind: OutcomeRedirected, Placeholder: kind}
}

var errObjectMissing = errors.New("object does not exist")

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithSignaler sets how renderers are told about new work.
func WithSignaler(sig render.Signaler) Option {
	return func(s *Service) {
		if sig != nil {
			s.signaler = sig
		}
	}
}

// Service orchestrates resolution, authorization, lookup and waiting.
type Service struct {
	gate     Gatekeeper
	resolver ReferenceResolver
	objects  ObjectSource
	previews store.PreviewStore
	hub      *Hub
	signaler render.Signaler
	cfg      Config
	metrics  *Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	flights  singleflight.Group
}

// NewService wires the delivery pipeline.
func NewService(gate Gatekeeper, resolver ReferenceResolver, objects ObjectSource, previews store.PreviewStore, hub *Hub, cfg Config, opts ...Option) *Service {
	s := &Service{
		gate:     gate,
		resolver: resolver,
		objects:  objects,
		previews: previews,
		hub:      hub,
		signaler: render.Noop{},
		cfg:      cfg.withDefaults(),
		metrics:  NewMetrics(nil),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("preview/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "preview"))
	return s
}

// Deliver answers a request with preview bytes or a placeholder. It never
// returns an error: every failure ends in a placeholder.
func (s *Service) Deliver(ctx context.Context, req Request) Outcome {
	ctx, span := s.tracer.Start(ctx, "Service.Deliver", trace.WithAttributes(
		attribute.String("stream.id", req.StreamID),
		attribute.String("ref.kind", req.Ref.Kind.String()),
		attribute.String("ref.value", req.Ref.Value),
	))
	defer span.End()

	out := s.deliver(ctx, req)
	span.SetAttributes(
		attribute.String("preview.outcome", out.label()),
		attribute.String("object.id", out.Key.ObjectID),
		attribute.String("preview.angle", out.Key.Angle),
	)
	s.metrics.observeDelivery(req.Ref.Kind.String(), out.label())
	return out
}

func (s *Service) deliver(ctx context.Context, req Request) Outcome {
	log := s.logger.With(zap.String("stream_id", req.StreamID), zap.Stringer("ref", req.Ref.Kind))

	d, err := s.gate.Check(ctx, req.StreamID, req.Identity)
	if err != nil {
		log.Error("access check failed", zap.Error(err))
	}
	if !d.Allowed {
		return redirect(PlaceholderForStatus(d.StatusCode))
	}

	objectID, err := s.resolver.Resolve(ctx, req.StreamID, req.Ref)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("reference resolution failed", zap.Error(err))
		}
		return redirect(PlaceholderNoPreview)
	}

	key := store.PreviewKey{StreamID: req.StreamID, ObjectID: objectID, Angle: req.Angle}
	if key.Angle == "" {
		key.Angle = s.cfg.DefaultAngle
	}
	trigger := req.Ref.Kind != RefObject || s.cfg.ObjectRouteRenders

	rec, err := s.obtain(ctx, key, trigger)
	switch {
	case errors.Is(err, errObjectMissing):
		return Outcome{Kind: OutcomeRedirected, Placeholder: PlaceholderNoPreview, Key: key}
	case err != nil:
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, context.Canceled) &&
			!errmodel.HasCode(err, errmodel.CodeRenderTimeout) {
			log.Error("preview lookup failed", zap.Stringer("key", key), zap.Error(err))
		}
		return Outcome{Kind: OutcomeRedirected, Placeholder: PlaceholderNoPreview, Key: key}
	case rec.Status != store.StatusReady:
		return Outcome{Kind: OutcomeRedirected, Placeholder: PlaceholderNoPreview, Key: key}
	}

	img := rec.Payload
	if req.PostProcess == PostProcessOG {
		og, err := MakeOGImage(img, d.Stream.Name)
		if err != nil {
			log.Warn("open graph composition failed", zap.Stringer("key", key), zap.Error(err))
		} else {
			img = og
		}
	}
	return Outcome{Kind: OutcomeServed, Image: img, Key: key}
}

// obtain collapses concurrent requests for the same key into one flight.
// The flight outlives a cancelled caller but never its wait timeout.
func (s *Service) obtain(ctx context.Context, key store.PreviewKey, trigger bool) (store.PreviewRecord, error) {
	flight := key.String()
	if trigger {
		flight += "#render"
	}
	ch := s.flights.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WaitTimeout)
		defer cancel()
		return s.settle(fctx, key, trigger)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return store.PreviewRecord{}, res.Err
		}
		return res.Val.(store.PreviewRecord), nil
	case <-ctx.Done():
		return store.PreviewRecord{}, ctx.Err()
	}
}

// settle returns a terminal record for key, requesting a render if allowed.
func (s *Service) settle(ctx context.Context, key store.PreviewKey, trigger bool) (store.PreviewRecord, error) {
	rec, err := s.previews.Lookup(ctx, key)
	switch {
	case err == nil && rec.Status == store.StatusReady:
		return rec, nil
	case err == nil && rec.Status == store.StatusPending:
		return s.await(ctx, key)
	case err == nil && rec.Status == store.StatusFailed:
		if !trigger {
			return rec, nil
		}
	case errors.Is(err, store.ErrNotFound):
		if !trigger {
			return store.PreviewRecord{}, err
		}
		if _, err := s.objects.GetObject(ctx, key.StreamID, key.ObjectID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.PreviewRecord{}, fmt.Errorf("%s: %w", key, errObjectMissing)
			}
			return store.PreviewRecord{}, err
		}
	default:
		return store.PreviewRecord{}, err
	}

	rec, created, err := s.previews.EnsurePending(ctx, key, s.cfg.MaxAttempts)
	if err != nil {
		return store.PreviewRecord{}, err
	}
	if created {
		s.signal(ctx, key)
	}
	if rec.Terminal() {
		return rec, nil
	}
	return s.await(ctx, key)
}

func (s *Service) signal(ctx context.Context, key store.PreviewKey) {
	s.metrics.renders.Inc()
	if err := s.signaler.Request(ctx, key); err != nil {
		s.logger.Warn("render signal failed", zap.Stringer("key", key), zap.Error(err))
	}
}

// await blocks until key is terminal or ctx ends. The store is re-read after
// registering, so an event published before registration is not missed.
func (s *Service) await(ctx context.Context, key store.PreviewKey) (store.PreviewRecord, error) {
	ctx, span := s.tracer.Start(ctx, "Service.await", trace.WithAttributes(
		attribute.String("stream.id", key.StreamID),
		attribute.String("object.id", key.ObjectID),
		attribute.String("preview.angle", key.Angle),
	))
	defer span.End()

	start := time.Now()
	w := s.hub.Watch(key)
	defer s.hub.Cancel(w)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		rec, err := s.previews.Lookup(ctx, key)
		if err == nil && rec.Terminal() {
			s.metrics.observeWait(string(rec.Status), time.Since(start))
			return rec, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
			span.RecordError(err)
			return store.PreviewRecord{}, err
		}
		select {
		case <-w.C:
		case <-ticker.C:
		case <-ctx.Done():
			s.metrics.observeWait("timeout", time.Since(start))
			return store.PreviewRecord{}, errmodel.RenderTimeout("preview not rendered in time", map[string]any{
				"key": key.String(),
			})
		}
	}
}
