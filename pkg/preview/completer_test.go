package preview

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wilhg/previews/pkg/bus"
	"github.com/wilhg/previews/pkg/bus/membus"
	"github.com/wilhg/previews/pkg/errmodel"
	"github.com/wilhg/previews/pkg/store"
)

func TestCompleter(t *testing.T) {
	st := openStore(t)
	b := membus.New(0)
	defer b.Close()
	sub, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	c := NewCompleter(st, b, nil, nil)
	ctx := context.Background()

	next := func() bus.Event {
		t.Helper()
		select {
		case ev := <-sub.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event published")
			return bus.Event{}
		}
	}

	key := store.PreviewKey{StreamID: "s1", ObjectID: "o1"}
	if _, _, err := st.EnsurePending(ctx, key, 3); err != nil {
		t.Fatal(err)
	}
	if err := c.Complete(ctx, key, testPNG(t, 2, 2)); err != nil {
		t.Fatal(err)
	}
	if ev := next(); ev != (bus.Event{Status: bus.StatusFinished, StreamID: "s1", ObjectID: "o1"}) {
		t.Fatalf("event = %+v", ev)
	}
	// Duplicate completion keeps the first payload.
	if err := c.Complete(ctx, key, testPNG(t, 3, 3)); err != nil {
		t.Fatal(err)
	}
	next()
	rec, err := st.Lookup(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Payload) != string(testPNG(t, 2, 2)) {
		t.Fatal("duplicate completion overwrote payload")
	}

	var ce *errmodel.Error
	if err := c.Complete(ctx, key, []byte("not an image")); !errors.As(err, &ce) || ce.Code != errmodel.CodeBadPayload {
		t.Fatalf("bad payload err = %v", err)
	}

	if err := c.Fail(ctx, store.PreviewKey{StreamID: "s1", ObjectID: "ghost"}, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("fail of unknown key err = %v", err)
	}

	other := store.PreviewKey{StreamID: "s1", ObjectID: "o2", Angle: "1"}
	if _, _, err := st.EnsurePending(ctx, other, 3); err != nil {
		t.Fatal(err)
	}
	if err := c.Fail(ctx, other, "boom"); err != nil {
		t.Fatal(err)
	}
	if ev := next(); ev.Status != bus.StatusFailed || ev.ObjectID != "o2" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestCompleter_FailLogsRenderFailure(t *testing.T) {
	st := openStore(t)
	b := membus.New(0)
	defer b.Close()
	core, logs := observer.New(zapcore.WarnLevel)
	c := NewCompleter(st, b, nil, zap.New(core))
	ctx := context.Background()

	key := store.PreviewKey{StreamID: "s1", ObjectID: "o1"}
	if _, _, err := st.EnsurePending(ctx, key, 3); err != nil {
		t.Fatal(err)
	}
	if err := c.Fail(ctx, key, "mesh has no geometry"); err != nil {
		t.Fatal(err)
	}

	entries := logs.FilterMessage("render failed").All()
	if len(entries) != 1 {
		t.Fatalf("render failed entries = %d, want 1", len(entries))
	}
	logged, ok := entries[0].ContextMap()["error"].(string)
	if !ok {
		t.Fatalf("error field missing: %#v", entries[0].ContextMap())
	}
	if want := errmodel.CodeRenderFailed + ": mesh has no geometry"; logged != want {
		t.Fatalf("error = %q, want %q", logged, want)
	}
}

func TestCompleter_RejectsUnencodableKey(t *testing.T) {
	st := openStore(t)
	b := membus.New(0)
	defer b.Close()
	c := NewCompleter(st, b, nil, nil)
	ctx := context.Background()

	for _, key := range []store.PreviewKey{
		{StreamID: "tenant:s1", ObjectID: "o1"},
		{StreamID: "s1"},
	} {
		if err := c.Complete(ctx, key, testPNG(t, 2, 2)); !errmodel.HasCode(err, errmodel.CodeInvalidKey) {
			t.Fatalf("Complete(%s) err = %v", key, err)
		}
		if err := c.Fail(ctx, key, "x"); !errmodel.HasCode(err, errmodel.CodeInvalidKey) {
			t.Fatalf("Fail(%s) err = %v", key, err)
		}
	}
}
