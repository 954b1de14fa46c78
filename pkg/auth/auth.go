// Package auth turns bearer tokens into a request Identity. It never rejects
// a request: an absent or invalid token yields an anonymous identity and the
// access gate decides what that caller may see.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ScopeStreamsRead is required to read private streams.
const ScopeStreamsRead = "streams:read"

// Identity is the authenticated caller, or the zero value for anonymous callers.
type Identity struct {
	UserID        string
	Scopes        []string
	Resources     []string
	Authenticated bool
}

// HasScope reports whether the token carries scope.
func (id Identity) HasScope(scope string) bool {
	return slices.Contains(id.Scopes, scope)
}

// AllowsStream reports whether the token is not limited to other streams.
// Tokens without a resources claim may address every stream.
func (id Identity) AllowsStream(streamID string) bool {
	return len(id.Resources) == 0 || slices.Contains(id.Resources, streamID)
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by the middleware, or an anonymous one.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// Config selects the verification keys and expected claims.
type Config struct {
	Secret    string
	PublicKey string
	Issuer    string
	Audience  string
}

// Claims is the token payload.
type Claims struct {
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes,omitempty"`
	Resources []string `json:"resources,omitempty"`
	jwt.RegisteredClaims
}

// ErrNoCredentials is returned when no key is configured.
var ErrNoCredentials = errors.New("auth: no verification key configured")

// Authenticator verifies HS256 or RS256 tokens.
type Authenticator struct {
	hmacSecret []byte
	rsaKey     *rsa.PublicKey
	opts       []jwt.ParserOption
	logger     *zap.Logger
}

// New builds an Authenticator. An unparsable public key is an error.
func New(cfg Config, logger *zap.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authenticator{hmacSecret: []byte(cfg.Secret), logger: logger.With(zap.String("component", "auth"))}
	if cfg.PublicKey != "" {
		block, _ := pem.Decode([]byte(cfg.PublicKey))
		if block == nil {
			return nil, errors.New("auth: failed to decode PEM block for public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("auth: public key is not RSA")
		}
		a.rsaKey = k
	}
	a.opts = []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})}
	if cfg.Issuer != "" {
		a.opts = append(a.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		a.opts = append(a.opts, jwt.WithAudience(cfg.Audience))
	}
	return a, nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.Alg() {
	case "HS256":
		if len(a.hmacSecret) == 0 {
			return nil, ErrNoCredentials
		}
		return a.hmacSecret, nil
	case "RS256":
		if a.rsaKey == nil {
			return nil, ErrNoCredentials
		}
		return a.rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
	}
}

// Parse verifies a raw token and returns the identity it carries.
func (a *Authenticator) Parse(raw string) (Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, a.keyFunc, a.opts...)
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, errors.New("auth: invalid token")
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, errors.New("auth: token has no user")
	}
	return Identity{
		UserID:        userID,
		Scopes:        claims.Scopes,
		Resources:     claims.Resources,
		Authenticated: true,
	}, nil
}

// Middleware attaches the caller identity to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := a.Parse(raw)
		if err != nil {
			a.logger.Debug("token rejected", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
