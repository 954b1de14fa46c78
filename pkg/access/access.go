// Package access decides whether a caller may see previews of a stream.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/previews/pkg/auth"
	"github.com/wilhg/previews/pkg/store"
)

// ErrDenied is returned by validators and authorizers that refuse a caller.
var ErrDenied = errors.New("access denied")

// Decision is the outcome of a gate check. StatusCode is 200 when allowed and
// 401, 403 or 404 otherwise.
type Decision struct {
	Allowed    bool
	StatusCode int
	Stream     store.Stream
}

// StreamSource looks streams up by id.
type StreamSource interface {
	GetStream(ctx context.Context, streamID string) (store.Stream, error)
}

// ScopeValidator checks that the caller's token carries scope.
type ScopeValidator interface {
	ValidateScope(ctx context.Context, id auth.Identity, scope string) error
}

// RoleAuthorizer checks that the caller holds at least minRole on a stream.
type RoleAuthorizer interface {
	AuthorizeRole(ctx context.Context, id auth.Identity, streamID, minRole string) error
}

// Gate evaluates, in order: stream existence, public bypass, authentication,
// read scope and reviewer role.
type Gate struct {
	streams StreamSource
	scopes  ScopeValidator
	roles   RoleAuthorizer
}

// NewGate wires a gate from its collaborators.
func NewGate(streams StreamSource, scopes ScopeValidator, roles RoleAuthorizer) *Gate {
	return &Gate{streams: streams, scopes: scopes, roles: roles}
}

// Check returns the access decision for streamID. Scope and role failures
// both yield 401 so the caller cannot tell them apart. A non-nil error means
// the stream lookup itself failed.
func (g *Gate) Check(ctx context.Context, streamID string, id auth.Identity) (Decision, error) {
	ctx, span := otel.Tracer("access/gate").Start(ctx, "Gate.Check", trace.WithAttributes(
		attribute.String("stream.id", streamID),
		attribute.Bool("auth.present", id.Authenticated),
	))
	defer span.End()

	s, err := g.streams.GetStream(ctx, streamID)
	if errors.Is(err, store.ErrNotFound) {
		return deny(http.StatusNotFound), nil
	}
	if err != nil {
		span.RecordError(err)
		return deny(http.StatusNotFound), fmt.Errorf("access: stream %s: %w", streamID, err)
	}
	if s.IsPublic {
		return Decision{Allowed: true, StatusCode: http.StatusOK, Stream: s}, nil
	}
	if !id.Authenticated {
		return deny(http.StatusUnauthorized), nil
	}
	if err := g.scopes.ValidateScope(ctx, id, auth.ScopeStreamsRead); err != nil {
		span.SetAttributes(attribute.String("access.denied_by", "scope"))
		return deny(http.StatusUnauthorized), nil
	}
	if err := g.roles.AuthorizeRole(ctx, id, streamID, store.RoleReviewer); err != nil {
		span.SetAttributes(attribute.String("access.denied_by", "role"))
		return deny(http.StatusUnauthorized), nil
	}
	return Decision{Allowed: true, StatusCode: http.StatusOK, Stream: s}, nil
}

func deny(status int) Decision { return Decision{StatusCode: status} }

// TokenScopes validates scopes against the token claims.
type TokenScopes struct{}

func (TokenScopes) ValidateScope(_ context.Context, id auth.Identity, scope string) error {
	if !id.HasScope(scope) {
		return fmt.Errorf("%w: missing scope %s", ErrDenied, scope)
	}
	return nil
}

// RoleSource reports the role a user holds on a stream.
type RoleSource interface {
	StreamRole(ctx context.Context, streamID, userID string) (string, error)
}

// CatalogRoles authorizes against stored stream roles and the token's
// resource restriction.
type CatalogRoles struct {
	Roles RoleSource
}

func (c CatalogRoles) AuthorizeRole(ctx context.Context, id auth.Identity, streamID, minRole string) error {
	if !id.AllowsStream(streamID) {
		return fmt.Errorf("%w: token not valid for stream %s", ErrDenied, streamID)
	}
	role, err := c.Roles.StreamRole(ctx, streamID, id.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: no role on stream %s", ErrDenied, streamID)
	}
	if err != nil {
		return err
	}
	if store.RoleWeight(role) < store.RoleWeight(minRole) {
		return fmt.Errorf("%w: role %s below %s", ErrDenied, role, minRole)
	}
	return nil
}
