package access

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/wilhg/previews/pkg/auth"
	"github.com/wilhg/previews/pkg/store"
)

type fakeStreams map[string]store.Stream

func (f fakeStreams) GetStream(_ context.Context, id string) (store.Stream, error) {
	s, ok := f[id]
	if !ok {
		return store.Stream{}, store.ErrNotFound
	}
	return s, nil
}

type countingScopes struct {
	calls int
	inner ScopeValidator
}

func (c *countingScopes) ValidateScope(ctx context.Context, id auth.Identity, scope string) error {
	c.calls++
	return c.inner.ValidateScope(ctx, id, scope)
}

type countingRoles struct {
	calls int
	inner RoleAuthorizer
}

func (c *countingRoles) AuthorizeRole(ctx context.Context, id auth.Identity, streamID, minRole string) error {
	c.calls++
	return c.inner.AuthorizeRole(ctx, id, streamID, minRole)
}

type fakeRoles map[string]string

func (f fakeRoles) StreamRole(_ context.Context, streamID, userID string) (string, error) {
	r, ok := f[streamID+"/"+userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return r, nil
}

func newTestGate() (*Gate, *countingScopes, *countingRoles) {
	streams := fakeStreams{
		"pub":  {ID: "pub", IsPublic: true},
		"priv": {ID: "priv"},
	}
	scopes := &countingScopes{inner: TokenScopes{}}
	roles := &countingRoles{inner: CatalogRoles{Roles: fakeRoles{
		"priv/reviewer": store.RoleReviewer,
		"priv/owner":    store.RoleOwner,
		"priv/stranger": "stream:guest",
	}}}
	return NewGate(streams, scopes, roles), scopes, roles
}

func user(id string, scopes ...string) auth.Identity {
	return auth.Identity{UserID: id, Scopes: scopes, Authenticated: true}
}

func TestGate_Decisions(t *testing.T) {
	cases := []struct {
		name    string
		stream  string
		id      auth.Identity
		allowed bool
		status  int
	}{
		{"missing stream", "nope", auth.Identity{}, false, http.StatusNotFound},
		{"public anonymous", "pub", auth.Identity{}, true, http.StatusOK},
		{"private anonymous", "priv", auth.Identity{}, false, http.StatusUnauthorized},
		{"private no scope", "priv", user("reviewer"), false, http.StatusUnauthorized},
		{"private no role", "priv", user("nobody", auth.ScopeStreamsRead), false, http.StatusUnauthorized},
		{"private weak role", "priv", user("stranger", auth.ScopeStreamsRead), false, http.StatusUnauthorized},
		{"private reviewer", "priv", user("reviewer", auth.ScopeStreamsRead), true, http.StatusOK},
		{"private owner", "priv", user("owner", auth.ScopeStreamsRead), true, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _, _ := newTestGate()
			d, err := g.Check(context.Background(), tc.stream, tc.id)
			if err != nil {
				t.Fatal(err)
			}
			if d.Allowed != tc.allowed || d.StatusCode != tc.status {
				t.Fatalf("got %+v, want allowed=%v status=%d", d, tc.allowed, tc.status)
			}
		})
	}
}

func TestGate_PublicStreamSkipsScopeAndRole(t *testing.T) {
	g, scopes, roles := newTestGate()
	for _, id := range []auth.Identity{{}, user("reviewer"), user("owner", auth.ScopeStreamsRead)} {
		if _, err := g.Check(context.Background(), "pub", id); err != nil {
			t.Fatal(err)
		}
	}
	if scopes.calls != 0 || roles.calls != 0 {
		t.Fatalf("scope calls=%d role calls=%d, want 0", scopes.calls, roles.calls)
	}
}

func TestGate_ScopeAndRoleFailuresLookAlike(t *testing.T) {
	g, scopes, roles := newTestGate()
	noScope, err := g.Check(context.Background(), "priv", user("reviewer"))
	if err != nil {
		t.Fatal(err)
	}
	if scopes.calls != 1 || roles.calls != 0 {
		t.Fatalf("scope failure must short-circuit: scope=%d role=%d", scopes.calls, roles.calls)
	}
	noRole, err := g.Check(context.Background(), "priv", user("nobody", auth.ScopeStreamsRead))
	if err != nil {
		t.Fatal(err)
	}
	if roles.calls != 1 {
		t.Fatalf("role calls=%d", roles.calls)
	}
	if noScope != noRole {
		t.Fatalf("decisions differ: %+v vs %+v", noScope, noRole)
	}
}

func TestGate_ResourceRestriction(t *testing.T) {
	g, _, _ := newTestGate()
	id := user("owner", auth.ScopeStreamsRead)
	id.Resources = []string{"other"}
	d, err := g.Check(context.Background(), "priv", id)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got %+v", d)
	}
}

type brokenStreams struct{}

func (brokenStreams) GetStream(context.Context, string) (store.Stream, error) {
	return store.Stream{}, errors.New("db down")
}

func TestGate_StorageError(t *testing.T) {
	g := NewGate(brokenStreams{}, TokenScopes{}, CatalogRoles{})
	d, err := g.Check(context.Background(), "pub", auth.Identity{})
	if err == nil {
		t.Fatal("expected error")
	}
	if d.Allowed {
		t.Fatal("must deny on storage error")
	}
}
