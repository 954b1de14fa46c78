// Package storetest is a conformance suite shared by every store.Store backend.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/wilhg/previews/pkg/store"
)

// Factory returns a migrated, empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes the full suite against the backend produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Catalog", func(t *testing.T) { testCatalog(t, newStore(t)) })
	t.Run("Pagination", func(t *testing.T) { testPagination(t, newStore(t)) })
	t.Run("PreviewLifecycle", func(t *testing.T) { testPreviewLifecycle(t, newStore(t)) })
	t.Run("RetryBudget", func(t *testing.T) { testRetryBudget(t, newStore(t)) })
	t.Run("CompleteWithoutRequest", func(t *testing.T) { testCompleteWithoutRequest(t, newStore(t)) })
	t.Run("EnsurePendingConcurrent", func(t *testing.T) { testEnsurePendingConcurrent(t, newStore(t)) })
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Seed creates stream s1 (public) with branches main and globals, two commits on
// main and a newer one on globals, and stream s2 (private) with one commit.
func Seed(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	mustStream(t, st, store.Stream{ID: "s1", Name: "Public", IsPublic: true, CreatedAt: base})
	mustStream(t, st, store.Stream{ID: "s2", Name: "Private", CreatedAt: base})
	for _, b := range []store.Branch{
		{ID: "b-main", StreamID: "s1", Name: "main", CreatedAt: base},
		{ID: "b-globals", StreamID: "s1", Name: store.GlobalsBranch, CreatedAt: base},
		{ID: "b-empty", StreamID: "s1", Name: "empty", CreatedAt: base},
		{ID: "b2-main", StreamID: "s2", Name: "main", CreatedAt: base},
	} {
		if _, err := st.CreateBranch(ctx, b); err != nil {
			t.Fatalf("create branch %s: %v", b.ID, err)
		}
	}
	for _, o := range []store.Object{
		{ID: "o1", StreamID: "s1"}, {ID: "o2", StreamID: "s1"}, {ID: "og", StreamID: "s1"}, {ID: "o3", StreamID: "s2"},
	} {
		if _, err := st.CreateObject(ctx, o); err != nil {
			t.Fatalf("create object %s: %v", o.ID, err)
		}
	}
	for _, c := range []store.Commit{
		{ID: "c1", StreamID: "s1", BranchID: "b-main", ReferencedObjectID: "o1", CreatedAt: base.Add(1 * time.Minute)},
		{ID: "c2", StreamID: "s1", BranchID: "b-main", ReferencedObjectID: "o2", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "cg", StreamID: "s1", BranchID: "b-globals", ReferencedObjectID: "og", CreatedAt: base.Add(3 * time.Minute)},
		{ID: "c3", StreamID: "s2", BranchID: "b2-main", ReferencedObjectID: "o3", CreatedAt: base.Add(1 * time.Minute)},
	} {
		if _, err := st.CreateCommit(ctx, c); err != nil {
			t.Fatalf("create commit %s: %v", c.ID, err)
		}
	}
	if err := st.GrantRole(ctx, "s2", "u-reviewer", store.RoleReviewer); err != nil {
		t.Fatal(err)
	}
}

func mustStream(t *testing.T, st store.Store, s store.Stream) {
	t.Helper()
	if _, err := st.CreateStream(context.Background(), s); err != nil {
		t.Fatalf("create stream %s: %v", s.ID, err)
	}
}

func testCatalog(t *testing.T, st store.Store) {
	ctx := context.Background()
	Seed(t, st)

	s, err := st.GetStream(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsPublic || s.Name != "Public" {
		t.Fatalf("unexpected stream: %+v", s)
	}
	if _, err := st.GetStream(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing stream err=%v want ErrNotFound", err)
	}

	page, err := st.ListStreamCommits(ctx, store.CommitQuery{StreamID: "s1", Limit: 1, IgnoreGlobalsBranch: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Commits) != 1 || page.Commits[0].ID != "c2" {
		t.Fatalf("latest non-globals commit=%+v want c2", page.Commits)
	}
	page, err = st.ListStreamCommits(ctx, store.CommitQuery{StreamID: "s1", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Commits) != 1 || page.Commits[0].ID != "cg" {
		t.Fatalf("latest commit=%+v want cg", page.Commits)
	}

	b, err := st.GetBranchByName(ctx, "s1", "main")
	if err != nil {
		t.Fatal(err)
	}
	page, err = st.ListBranchCommits(ctx, b.ID, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Commits) != 1 || page.Commits[0].ReferencedObjectID != "o2" {
		t.Fatalf("branch head=%+v want object o2", page.Commits)
	}
	if page.Commits[0].BranchName != "main" {
		t.Fatalf("branch name not resolved: %+v", page.Commits[0])
	}
	if _, err := st.GetBranchByName(ctx, "s1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing branch err=%v", err)
	}
	empty, err := st.GetBranchByName(ctx, "s1", "empty")
	if err != nil {
		t.Fatal(err)
	}
	page, err = st.ListBranchCommits(ctx, empty.ID, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Commits) != 0 {
		t.Fatalf("empty branch has commits: %+v", page.Commits)
	}

	c, err := st.GetCommit(ctx, "s1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.ReferencedObjectID != "o1" {
		t.Fatalf("commit object=%s want o1", c.ReferencedObjectID)
	}
	// c3 exists but belongs to s2.
	if _, err := st.GetCommit(ctx, "s1", "c3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-stream commit err=%v want ErrNotFound", err)
	}

	if _, err := st.GetObject(ctx, "s1", "o1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetObject(ctx, "s1", "o3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-stream object err=%v want ErrNotFound", err)
	}

	role, err := st.StreamRole(ctx, "s2", "u-reviewer")
	if err != nil || role != store.RoleReviewer {
		t.Fatalf("role=%q err=%v", role, err)
	}
	if err := st.GrantRole(ctx, "s2", "u-reviewer", store.RoleOwner); err != nil {
		t.Fatal(err)
	}
	if role, _ := st.StreamRole(ctx, "s2", "u-reviewer"); role != store.RoleOwner {
		t.Fatalf("role after regrant=%q", role)
	}
	if _, err := st.StreamRole(ctx, "s2", "stranger"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing role err=%v", err)
	}
}

func testPagination(t *testing.T, st store.Store) {
	ctx := context.Background()
	mustStream(t, st, store.Stream{ID: "p", CreatedAt: base})
	if _, err := st.CreateBranch(ctx, store.Branch{ID: "pb", StreamID: "p", Name: "main", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		_, err := st.CreateCommit(ctx, store.Commit{
			ID: fmt.Sprintf("pc%d", i), StreamID: "p", BranchID: "pb",
			ReferencedObjectID: fmt.Sprintf("po%d", i), CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	var seen []string
	cursor := ""
	for i := 0; i < 5; i++ {
		page, err := st.ListStreamCommits(ctx, store.CommitQuery{StreamID: "p", Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range page.Commits {
			seen = append(seen, c.ID)
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	want := []string{"pc4", "pc3", "pc2", "pc1", "pc0"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("pages=%v want %v", seen, want)
	}
}

func testPreviewLifecycle(t *testing.T, st store.Store) {
	ctx := context.Background()
	key := store.PreviewKey{StreamID: "s1", ObjectID: "o1"}

	if _, err := st.Lookup(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("lookup before insert err=%v", err)
	}
	rec, created, err := st.EnsurePending(ctx, key, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !created || rec.Status != store.StatusPending || rec.Attempts != 1 {
		t.Fatalf("first ensure: created=%v rec=%+v", created, rec)
	}
	if rec.Key.Angle != store.DefaultAngle {
		t.Fatalf("angle=%q want default", rec.Key.Angle)
	}
	if _, created, err = st.EnsurePending(ctx, key, 3); err != nil || created {
		t.Fatalf("second ensure created=%v err=%v", created, err)
	}

	pending, err := st.ListPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != key.Normalize() {
		t.Fatalf("pending=%+v", pending)
	}

	if err := st.Complete(ctx, key, []byte("png-1")); err != nil {
		t.Fatal(err)
	}
	if err := st.Complete(ctx, key, []byte("png-2")); err != nil {
		t.Fatalf("duplicate complete should be a no-op: %v", err)
	}
	if err := st.Fail(ctx, key, "late failure"); err != nil {
		t.Fatalf("fail after ready should be a no-op: %v", err)
	}
	rec, err = st.Lookup(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusReady || !bytes.Equal(rec.Payload, []byte("png-1")) || rec.CompletedAt == nil {
		t.Fatalf("after complete: %+v", rec)
	}
	if pending, _ := st.ListPending(ctx, 10); len(pending) != 0 {
		t.Fatalf("pending after complete=%+v", pending)
	}
	if _, created, _ := st.EnsurePending(ctx, key, 3); created {
		t.Fatal("ensure on ready record must not re-arm")
	}

	if err := st.Fail(ctx, store.PreviewKey{StreamID: "s1", ObjectID: "ghost"}, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("fail on missing key err=%v", err)
	}
}

func testRetryBudget(t *testing.T, st store.Store) {
	ctx := context.Background()
	key := store.PreviewKey{StreamID: "s1", ObjectID: "broken", Angle: "2"}
	const maxAttempts = 2

	if _, created, err := st.EnsurePending(ctx, key, maxAttempts); err != nil || !created {
		t.Fatalf("ensure: created=%v err=%v", created, err)
	}
	if err := st.Fail(ctx, key, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := st.Fail(ctx, key, "boom again"); err != nil {
		t.Fatalf("duplicate fail should be a no-op: %v", err)
	}
	rec, err := st.Lookup(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusFailed || rec.FailureReason != "boom" {
		t.Fatalf("after fail: %+v", rec)
	}

	rec, created, err := st.EnsurePending(ctx, key, maxAttempts)
	if err != nil || !created {
		t.Fatalf("re-arm within budget: created=%v err=%v", created, err)
	}
	if rec.Status != store.StatusPending || rec.Attempts != 2 || rec.FailureReason != "" {
		t.Fatalf("re-armed record: %+v", rec)
	}
	if err := st.Fail(ctx, key, "still broken"); err != nil {
		t.Fatal(err)
	}
	rec, created, err = st.EnsurePending(ctx, key, maxAttempts)
	if err != nil {
		t.Fatal(err)
	}
	if created || rec.Status != store.StatusFailed {
		t.Fatalf("beyond budget: created=%v rec=%+v", created, rec)
	}
}

func testCompleteWithoutRequest(t *testing.T, st store.Store) {
	ctx := context.Background()
	key := store.PreviewKey{StreamID: "s1", ObjectID: "eager", Angle: "1"}
	if err := st.Complete(ctx, key, []byte("eager")); err != nil {
		t.Fatal(err)
	}
	rec, err := st.Lookup(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusReady || string(rec.Payload) != "eager" {
		t.Fatalf("eager complete: %+v", rec)
	}
}

func testEnsurePendingConcurrent(t *testing.T, st store.Store) {
	var seq atomic.Int64
	rapid.Check(t, func(rt *rapid.T) {
		callers := rapid.IntRange(2, 12).Draw(rt, "callers")
		key := store.PreviewKey{StreamID: "s1", ObjectID: fmt.Sprintf("race-%d", seq.Add(1))}

		var (
			wg      sync.WaitGroup
			created atomic.Int32
			errs    = make(chan error, callers)
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, c, err := st.EnsurePending(context.Background(), key, 3)
				if err != nil {
					errs <- err
					return
				}
				if c {
					created.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			rt.Fatalf("ensure pending: %v", err)
		}
		if got := created.Load(); got != 1 {
			rt.Fatalf("%d callers observed created=true, want exactly 1", got)
		}
	})
}
