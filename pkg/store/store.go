// Package store defines persistence records and interfaces for the stream
// catalog and for rendered previews. Implementations must provide identical
// semantics across backends so the delivery layer can run on any of them.
package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a stream, branch, commit, object or preview does not exist.
var ErrNotFound = errors.New("not found")

// GlobalsBranch is the reserved branch excluded from "latest commit" queries.
const GlobalsBranch = "globals"

// DefaultAngle is the canonical camera angle used when a request names none.
const DefaultAngle = "0"

// Stream is a project container and its visibility flag.
type Stream struct {
	ID        string
	Name      string
	IsPublic  bool
	CreatedAt time.Time
}

// Branch is a named line of commits inside a stream.
type Branch struct {
	ID        string
	StreamID  string
	Name      string
	CreatedAt time.Time
}

// Commit is an immutable snapshot reference pointing to exactly one object.
type Commit struct {
	ID                 string
	StreamID           string
	BranchID           string
	BranchName         string
	ReferencedObjectID string
	Message            string
	AuthorID           string
	CreatedAt          time.Time
}

// Object is the addressable unit a preview is rendered for.
type Object struct {
	ID          string
	StreamID    string
	SpeckleType string
	CreatedAt   time.Time
}

// PreviewKey identifies one rendered view of an object.
type PreviewKey struct {
	StreamID string
	ObjectID string
	Angle    string
}

// Normalize fills in the default angle.
func (k PreviewKey) Normalize() PreviewKey {
	if k.Angle == "" {
		k.Angle = DefaultAngle
	}
	return k
}

func (k PreviewKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.StreamID, k.ObjectID, k.Angle)
}

// PreviewStatus is the lifecycle state of a preview record.
type PreviewStatus string

const (
	StatusPending PreviewStatus = "pending"
	StatusReady   PreviewStatus = "ready"
	StatusFailed  PreviewStatus = "failed"
)

// PreviewRecord is the durable result of rendering a key.
type PreviewRecord struct {
	Key           PreviewKey
	Status        PreviewStatus
	Payload       []byte
	Attempts      int
	FailureReason string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// Terminal reports whether the record has left the pending state.
func (r PreviewRecord) Terminal() bool {
	return r.Status == StatusReady || r.Status == StatusFailed
}

// Role names on a stream, weakest first.
const (
	RoleReviewer    = "stream:reviewer"
	RoleContributor = "stream:contributor"
	RoleOwner       = "stream:owner"
)

// RoleWeight ranks a stream role; unknown roles rank zero.
func RoleWeight(role string) int {
	switch role {
	case RoleReviewer:
		return 1
	case RoleContributor:
		return 2
	case RoleOwner:
		return 3
	default:
		return 0
	}
}
