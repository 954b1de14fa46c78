// Package httpapi exposes the preview routes, the render worker ingest API,
// health and metrics over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wilhg/previews/pkg/auth"
	"github.com/wilhg/previews/pkg/bus"
	"github.com/wilhg/previews/pkg/errmodel"
	"github.com/wilhg/previews/pkg/preview"
	"github.com/wilhg/previews/pkg/store"
)

// Cache policies.
const (
	CachePreview     = "private, max-age=604800"
	CachePlaceholder = "no-cache"
)

// HeaderPreviewStatus carries the placeholder kind when one is served.
const HeaderPreviewStatus = "X-Preview-Status"

// HeaderRenderToken authenticates render workers.
const HeaderRenderToken = "X-Render-Token"

// MaxPayloadBytes bounds an uploaded preview.
const MaxPayloadBytes = 16 << 20

// Deliverer answers preview requests.
type Deliverer interface {
	Deliver(ctx context.Context, req preview.Request) preview.Outcome
}

// ResultRecorder stores worker results.
type ResultRecorder interface {
	Complete(ctx context.Context, key store.PreviewKey, payload []byte) error
	Fail(ctx context.Context, key store.PreviewKey, reason string) error
}

// PendingLister lists keys awaiting a render.
type PendingLister interface {
	ListPending(ctx context.Context, limit int) ([]store.PreviewKey, error)
}

// Options selects what the handler mounts. Preview routes are mounted only
// when Previews is set, and the ingest API only when WorkerToken is set.
type Options struct {
	Previews       Deliverer
	Results        ResultRecorder
	Pending        PendingLister
	WorkerToken    string
	Auth           Middleware
	Gatherer       prometheus.Gatherer
	Health         func(ctx context.Context) error
	AllowedOrigins []string
	Logger         *zap.Logger
}

type api struct {
	opts   Options
	logger *zap.Logger
}

// NewHandler builds the service's HTTP handler.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	a := &api{opts: opts, logger: opts.Logger.With(zap.String("component", "http"))}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.healthz)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	if opts.Previews != nil {
		routes := []struct {
			pattern string
			kind    preview.RefKind
			param   string
		}{
			{"/preview/{streamId}", preview.RefLatest, ""},
			{"/preview/{streamId}/{angle}", preview.RefLatest, ""},
			{"/preview/{streamId}/branches/{branchName}", preview.RefBranch, "branchName"},
			{"/preview/{streamId}/branches/{branchName}/{angle}", preview.RefBranch, "branchName"},
			{"/preview/{streamId}/commits/{commitId}", preview.RefCommit, "commitId"},
			{"/preview/{streamId}/commits/{commitId}/{angle}", preview.RefCommit, "commitId"},
			{"/preview/{streamId}/objects/{objectId}", preview.RefObject, "objectId"},
			{"/preview/{streamId}/objects/{objectId}/{angle}", preview.RefObject, "objectId"},
		}
		for _, rt := range routes {
			mux.Handle("GET "+rt.pattern, a.previewHandler(rt.kind, rt.param))
		}
	}

	if opts.WorkerToken != "" && opts.Results != nil {
		mux.Handle("PUT /api/previews/{streamId}/{objectId}/{angle}", a.worker(a.complete))
		mux.Handle("POST /api/previews/{streamId}/{objectId}/{angle}/failure", a.worker(a.fail))
		if opts.Pending != nil {
			mux.Handle("GET /api/previews/pending", a.worker(a.pending))
		}
	}

	return otelhttp.NewHandler(Chain(mux,
		Recovery(a.logger),
		RequestLogger(a.logger),
		CORS(opts.AllowedOrigins),
		opts.Auth,
	), "previews")
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.opts.Health != nil {
		if err := a.opts.Health(r.Context()); err != nil {
			a.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) previewHandler(kind preview.RefKind, param string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := preview.Ref{Kind: kind}
		if param != "" {
			ref.Value = r.PathValue(param)
		}
		out := a.opts.Previews.Deliver(r.Context(), preview.Request{
			StreamID:    r.PathValue("streamId"),
			Ref:         ref,
			Angle:       r.PathValue("angle"),
			Identity:    auth.FromContext(r.Context()),
			PostProcess: r.URL.Query().Get("postprocess"),
		})
		writeOutcome(w, r, out)
	})
}

// writeOutcome always answers 200 with an image; placeholders are flagged in
// a header so <img> embeds still render them.
func writeOutcome(w http.ResponseWriter, r *http.Request, out preview.Outcome) {
	body := out.Body()
	h := w.Header()
	h.Set("Content-Type", http.DetectContentType(body))
	h.Set("Content-Length", strconv.Itoa(len(body)))
	if out.Kind == preview.OutcomeServed {
		h.Set("Cache-Control", CachePreview)
	} else {
		h.Set("Cache-Control", CachePlaceholder)
		h.Set(HeaderPreviewStatus, string(out.Placeholder))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func (a *api) worker(next http.HandlerFunc) http.Handler {
	token := []byte(a.opts.WorkerToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(HeaderRenderToken))
		if subtle.ConstantTimeCompare(got, token) != 1 {
			errmodel.WriteHTTP(w, r, errmodel.Unauthorized("invalid render token", nil))
			return
		}
		next(w, r)
	})
}

// ingestKey reads the key from the path and rejects stream ids that cannot be
// carried on the completion bus.
func ingestKey(w http.ResponseWriter, r *http.Request) (store.PreviewKey, bool) {
	key := keyFromPath(r)
	if !bus.ValidStreamID(key.StreamID) {
		errmodel.WriteHTTP(w, r, errmodel.Validation(errmodel.CodeInvalidKey, "stream id must not contain ':'", map[string]any{
			"streamId": key.StreamID,
		}))
		return store.PreviewKey{}, false
	}
	return key, true
}

func keyFromPath(r *http.Request) store.PreviewKey {
	return store.PreviewKey{
		StreamID: r.PathValue("streamId"),
		ObjectID: r.PathValue("objectId"),
		Angle:    r.PathValue("angle"),
	}
}

func (a *api) complete(w http.ResponseWriter, r *http.Request) {
	key, ok := ingestKey(w, r)
	if !ok {
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err != nil {
		errmodel.WriteHTTP(w, r, errmodel.Validation(errmodel.CodeBadPayload, "payload too large or unreadable", nil))
		return
	}
	if err := a.opts.Results.Complete(r.Context(), key, payload); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failureBody struct {
	Reason string `json:"reason"`
}

func (a *api) fail(w http.ResponseWriter, r *http.Request) {
	key, ok := ingestKey(w, r)
	if !ok {
		return
	}
	var body failureBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		errmodel.WriteHTTP(w, r, errmodel.Validation(errmodel.CodeBadPayload, "invalid failure body", nil))
		return
	}
	if body.Reason == "" {
		body.Reason = "unspecified"
	}
	if err := a.opts.Results.Fail(r.Context(), key, body.Reason); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pendingKey struct {
	StreamID string `json:"streamId"`
	ObjectID string `json:"objectId"`
	Angle    string `json:"angle"`
}

func (a *api) pending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_limit", "limit must be a non-negative integer", map[string]any{"limit": s}))
			return
		}
		limit = n
	}
	keys, err := a.opts.Pending.ListPending(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]pendingKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, pendingKey{StreamID: k.StreamID, ObjectID: k.ObjectID, Angle: k.Angle})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *errmodel.Error
	switch {
	case errors.As(err, &ce):
	case errors.Is(err, store.ErrNotFound):
		err = errmodel.NotFound("no pending preview for key", map[string]any{"key": keyFromPath(r).Normalize().String()})
	default:
		a.logger.Error("ingest request failed", zap.String("path", r.URL.Path), zap.Error(err))
		err = errmodel.System("internal", "internal error", nil, err)
	}
	errmodel.WriteHTTP(w, r, err)
}
