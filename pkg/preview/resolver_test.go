package preview

import (
	"context"
	"errors"
	"testing"

	"github.com/wilhg/previews/pkg/store"
)

func TestResolver(t *testing.T) {
	st := openStore(t)
	r := NewResolver(st, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		stream string
		ref    Ref
		want   string
		err    error
	}{
		{"latest skips globals", "s1", Ref{Kind: RefLatest}, "o2", nil},
		{"latest private", "s2", Ref{Kind: RefLatest}, "o3", nil},
		{"latest without commits", "nope", Ref{Kind: RefLatest}, "", store.ErrNotFound},
		{"branch", "s1", Ref{Kind: RefBranch, Value: "main"}, "o2", nil},
		{"globals branch by name", "s1", Ref{Kind: RefBranch, Value: store.GlobalsBranch}, "og", nil},
		{"missing branch", "s1", Ref{Kind: RefBranch, Value: "missing"}, "", store.ErrNotFound},
		{"empty branch", "s1", Ref{Kind: RefBranch, Value: "empty"}, "", store.ErrNotFound},
		{"commit", "s1", Ref{Kind: RefCommit, Value: "c1"}, "o1", nil},
		{"commit of another stream", "s1", Ref{Kind: RefCommit, Value: "c3"}, "", store.ErrNotFound},
		{"object passes through", "s1", Ref{Kind: RefObject, Value: "unchecked"}, "unchecked", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tc.stream, tc.ref)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("err = %v, want %v", err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("object = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveBranch_MissingAndEmptyAreIndistinguishable(t *testing.T) {
	st := openStore(t)
	r := NewResolver(st, nil)
	missing := r.ResolveBranch(context.Background(), "s1", "missing")
	empty := r.ResolveBranch(context.Background(), "s1", "empty")
	if missing != empty || missing.Found {
		t.Fatalf("missing=%+v empty=%+v", missing, empty)
	}
}
