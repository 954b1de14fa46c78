package preview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wilhg/previews/pkg/access"
	"github.com/wilhg/previews/pkg/bus/membus"
	"github.com/wilhg/previews/pkg/store"
	"github.com/wilhg/previews/pkg/store/entstore"
	"github.com/wilhg/previews/pkg/store/storetest"
)

var dbSeq atomic.Int64

func openStore(t *testing.T) *entstore.Store {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("sqlite:file:preview%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", dbSeq.Add(1))
	st, err := entstore.Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	storetest.Seed(t, st)
	return st
}

// testPNG returns a small solid PNG.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{0x22, 0x88, 0xcc, 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type recordingSignaler struct {
	mu   sync.Mutex
	keys []store.PreviewKey
	ch   chan store.PreviewKey
}

func newRecordingSignaler() *recordingSignaler {
	return &recordingSignaler{ch: make(chan store.PreviewKey, 64)}
}

func (r *recordingSignaler) Request(_ context.Context, key store.PreviewKey) error {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	r.ch <- key
	return nil
}

func (r *recordingSignaler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func (r *recordingSignaler) next(t *testing.T) store.PreviewKey {
	t.Helper()
	select {
	case k := <-r.ch:
		return k
	case <-time.After(5 * time.Second):
		t.Fatal("renderer was not signalled")
		return store.PreviewKey{}
	}
}

type countingResolver struct {
	calls atomic.Int64
	inner ReferenceResolver
}

func (c *countingResolver) Resolve(ctx context.Context, streamID string, ref Ref) (string, error) {
	c.calls.Add(1)
	return c.inner.Resolve(ctx, streamID, ref)
}

type harness struct {
	st        *entstore.Store
	hub       *Hub
	sig       *recordingSignaler
	resolver  *countingResolver
	svc       *Service
	completer *Completer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := openStore(t)
	b := membus.New(0)
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sub, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	hub := NewHub(nil)
	go hub.Run(ctx, sub)

	h := &harness{
		st:       st,
		hub:      hub,
		sig:      newRecordingSignaler(),
		resolver: &countingResolver{inner: NewResolver(st, nil)},
	}
	gate := access.NewGate(st, access.TokenScopes{}, access.CatalogRoles{Roles: st})
	h.svc = NewService(gate, h.resolver, st, st, hub, cfg, WithSignaler(h.sig))
	h.completer = NewCompleter(st, b, nil, nil)
	return h
}

// deliverAsync runs Deliver in the background.
func (h *harness) deliverAsync(req Request) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() { ch <- h.svc.Deliver(context.Background(), req) }()
	return ch
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("request did not finish")
		return Outcome{}
	}
}

// waitForWaiters blocks until n waiters are registered on the hub.
func (h *harness) waitForWaiters(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.hub.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("waiters = %d, want %d", h.hub.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
