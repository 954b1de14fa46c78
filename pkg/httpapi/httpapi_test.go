package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/previews/pkg/auth"
	"github.com/wilhg/previews/pkg/preview"
	"github.com/wilhg/previews/pkg/store"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n0000")

type fakeDeliverer struct {
	mu   sync.Mutex
	reqs []preview.Request
	out  preview.Outcome
}

func (f *fakeDeliverer) Deliver(_ context.Context, req preview.Request) preview.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.out
}

func (f *fakeDeliverer) last() preview.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeResults struct {
	completed map[store.PreviewKey][]byte
	failed    map[store.PreviewKey]string
	err       error
}

func newFakeResults() *fakeResults {
	return &fakeResults{completed: map[store.PreviewKey][]byte{}, failed: map[store.PreviewKey]string{}}
}

func (f *fakeResults) Complete(_ context.Context, key store.PreviewKey, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.completed[key] = payload
	return nil
}

func (f *fakeResults) Fail(_ context.Context, key store.PreviewKey, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.failed[key] = reason
	return nil
}

type fakePending []store.PreviewKey

func (f fakePending) ListPending(_ context.Context, limit int) ([]store.PreviewKey, error) {
	if limit > 0 && limit < len(f) {
		return f[:limit], nil
	}
	return f, nil
}

func do(h http.Handler, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPreviewRoutes(t *testing.T) {
	d := &fakeDeliverer{out: preview.Outcome{Kind: preview.OutcomeServed, Image: pngBytes}}
	h := NewHandler(Options{Previews: d})

	cases := []struct {
		path  string
		kind  preview.RefKind
		value string
		angle string
	}{
		{"/preview/s1", preview.RefLatest, "", ""},
		{"/preview/s1/3", preview.RefLatest, "", "3"},
		{"/preview/s1/branches/main", preview.RefBranch, "main", ""},
		{"/preview/s1/branches/feature%2Fx/2", preview.RefBranch, "feature/x", "2"},
		{"/preview/s1/commits/c1", preview.RefCommit, "c1", ""},
		{"/preview/s1/commits/c1/5", preview.RefCommit, "c1", "5"},
		{"/preview/s1/objects/o1", preview.RefObject, "o1", ""},
		{"/preview/s1/objects/o1/1?postprocess=og", preview.RefObject, "o1", "1"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := do(h, http.MethodGet, tc.path, nil, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
			assert.Equal(t, CachePreview, rec.Header().Get("Cache-Control"))
			assert.Empty(t, rec.Header().Get(HeaderPreviewStatus))
			assert.Equal(t, pngBytes, rec.Body.Bytes())

			req := d.last()
			assert.Equal(t, "s1", req.StreamID)
			assert.Equal(t, tc.kind, req.Ref.Kind)
			assert.Equal(t, tc.value, req.Ref.Value)
			assert.Equal(t, tc.angle, req.Angle)
		})
	}
	assert.Equal(t, preview.PostProcessOG, d.last().PostProcess)
}

func TestPreviewRoutes_Placeholder(t *testing.T) {
	d := &fakeDeliverer{out: preview.Outcome{Kind: preview.OutcomeRedirected, Placeholder: preview.PlaceholderUnauthorized}}
	rec := do(NewHandler(Options{Previews: d}), http.MethodGet, "/preview/s2", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "401", rec.Header().Get(HeaderPreviewStatus))
	assert.Equal(t, CachePlaceholder, rec.Header().Get("Cache-Control"))
	assert.Equal(t, preview.Placeholder(preview.PlaceholderUnauthorized), rec.Body.Bytes())
}

func TestPreviewRoutes_IdentityFromAuthMiddleware(t *testing.T) {
	d := &fakeDeliverer{out: preview.Outcome{Kind: preview.OutcomeRedirected, Placeholder: preview.PlaceholderNoPreview}}
	withUser := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{UserID: "u1", Authenticated: true})))
		})
	}
	do(NewHandler(Options{Previews: d, Auth: withUser}), http.MethodGet, "/preview/s2", nil, nil)
	assert.Equal(t, "u1", d.last().Identity.UserID)
}

func TestPreflight(t *testing.T) {
	h := NewHandler(Options{Previews: &fakeDeliverer{}})
	for _, path := range []string{"/preview/s1", "/preview/s1/branches/main", "/preview/s1/commits/c1/2", "/preview/s1/objects/o1"} {
		rec := do(h, http.MethodOptions, path, nil, map[string]string{
			"Origin":                        "https://app.example.com",
			"Access-Control-Request-Method": "GET",
		})
		assert.Equal(t, http.StatusNoContent, rec.Code, path)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), path)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET", path)
	}
}

func TestCORS_AllowList(t *testing.T) {
	h := CORS([]string{"https://a.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := do(h, http.MethodGet, "/", nil, map[string]string{"Origin": "https://a.example"})
	assert.Equal(t, "https://a.example", rec.Header().Get("Access-Control-Allow-Origin"))
	rec = do(h, http.MethodGet, "/", nil, map[string]string{"Origin": "https://b.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDisabledPreviewsAreNotMounted(t *testing.T) {
	h := NewHandler(Options{})
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/preview/s1", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", nil, nil).Code)
}

func TestHealthz(t *testing.T) {
	h := NewHandler(Options{Health: func(context.Context) error { return errors.New("db down") }})
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/healthz", nil, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	preview.NewMetrics(reg)
	rec := do(NewHandler(Options{Gatherer: reg}), http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "previews_renders_requested_total")
}

func TestIngest(t *testing.T) {
	results := newFakeResults()
	pending := fakePending{{StreamID: "s1", ObjectID: "o1", Angle: "0"}, {StreamID: "s1", ObjectID: "o2", Angle: "1"}}
	h := NewHandler(Options{Results: results, Pending: pending, WorkerToken: "tok"})
	hdr := map[string]string{HeaderRenderToken: "tok"}

	rec := do(h, http.MethodPut, "/api/previews/s1/o1/0", pngBytes, hdr)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, pngBytes, results.completed[store.PreviewKey{StreamID: "s1", ObjectID: "o1", Angle: "0"}])

	rec = do(h, http.MethodPost, "/api/previews/s1/o2/1/failure", []byte(`{"reason":"mesh too large"}`), hdr)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "mesh too large", results.failed[store.PreviewKey{StreamID: "s1", ObjectID: "o2", Angle: "1"}])

	rec = do(h, http.MethodGet, "/api/previews/pending?limit=1", nil, hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	assert.Equal(t, []map[string]string{{"streamId": "s1", "objectId": "o1", "angle": "0"}}, keys)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/previews/pending?limit=x", nil, hdr).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/previews/s1/o2/1/failure", []byte(`{`), hdr).Code)
}

func TestIngest_RequiresToken(t *testing.T) {
	h := NewHandler(Options{Results: newFakeResults(), WorkerToken: "tok"})
	for _, hdr := range []map[string]string{nil, {HeaderRenderToken: "wrong"}} {
		rec := do(h, http.MethodPut, "/api/previews/s1/o1/0", pngBytes, hdr)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), `"code":"unauthorized"`), rec.Body.String())
	}
}

func TestIngest_NotMountedWithoutToken(t *testing.T) {
	h := NewHandler(Options{Results: newFakeResults()})
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPut, "/api/previews/s1/o1/0", pngBytes, nil).Code)
}

func TestIngest_ErrorMapping(t *testing.T) {
	results := newFakeResults()
	h := NewHandler(Options{Results: results, WorkerToken: "tok"})
	hdr := map[string]string{HeaderRenderToken: "tok"}

	results.err = store.ErrNotFound
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/api/previews/s1/ghost/0/failure", []byte(`{}`), hdr).Code)

	results.err = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodPut, "/api/previews/s1/o1/0", pngBytes, hdr).Code)
}

func TestIngest_RejectsStreamIDWithSeparator(t *testing.T) {
	results := newFakeResults()
	h := NewHandler(Options{Results: results, WorkerToken: "tok"})
	hdr := map[string]string{HeaderRenderToken: "tok"}

	rec := do(h, http.MethodPut, "/api/previews/tenant%3As1/o1/0", pngBytes, hdr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"invalid_key"`)

	rec = do(h, http.MethodPost, "/api/previews/tenant%3As1/o1/0/failure", []byte(`{}`), hdr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, results.completed)
	assert.Empty(t, results.failed)
}
