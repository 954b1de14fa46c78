package preview

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wilhg/previews/pkg/store"
)

// RefKind selects how a request names the object to preview.
type RefKind int

const (
	RefLatest RefKind = iota
	RefBranch
	RefCommit
	RefObject
)

func (k RefKind) String() string {
	switch k {
	case RefLatest:
		return "latest"
	case RefBranch:
		return "branch"
	case RefCommit:
		return "commit"
	case RefObject:
		return "object"
	default:
		return "unknown"
	}
}

// Ref is a reference to an object inside a stream.
type Ref struct {
	Kind  RefKind
	Value string
}

// BranchResolution is the newest commit of a branch. Found is false both when
// the branch does not exist and when it has no commits; callers cannot tell
// the two apart.
type BranchResolution struct {
	Commit store.Commit
	Found  bool
}

// Resolver turns a Ref into a canonical object id.
type Resolver struct {
	catalog store.Catalog
	logger  *zap.Logger
}

// NewResolver returns a resolver reading from catalog.
func NewResolver(catalog store.Catalog, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{catalog: catalog, logger: logger.With(zap.String("component", "resolver"))}
}

// Resolve returns the object id ref points at in streamID. Missing data is
// reported as store.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, streamID string, ref Ref) (string, error) {
	switch ref.Kind {
	case RefLatest:
		page, err := r.catalog.ListStreamCommits(ctx, store.CommitQuery{
			StreamID:            streamID,
			Limit:               1,
			IgnoreGlobalsBranch: true,
		})
		if err != nil {
			return "", fmt.Errorf("latest commit of %s: %w", streamID, err)
		}
		if len(page.Commits) == 0 {
			return "", fmt.Errorf("stream %s has no commits: %w", streamID, store.ErrNotFound)
		}
		return page.Commits[0].ReferencedObjectID, nil
	case RefBranch:
		res := r.ResolveBranch(ctx, streamID, ref.Value)
		if !res.Found {
			return "", fmt.Errorf("branch %s of %s has no commits: %w", ref.Value, streamID, store.ErrNotFound)
		}
		return res.Commit.ReferencedObjectID, nil
	case RefCommit:
		c, err := r.catalog.GetCommit(ctx, streamID, ref.Value)
		if err != nil {
			return "", fmt.Errorf("commit %s of %s: %w", ref.Value, streamID, err)
		}
		return c.ReferencedObjectID, nil
	case RefObject:
		if ref.Value == "" {
			return "", fmt.Errorf("empty object id: %w", store.ErrNotFound)
		}
		return ref.Value, nil
	default:
		return "", fmt.Errorf("unknown reference kind %d", ref.Kind)
	}
}

// ResolveBranch finds the newest commit on a branch. Every failure, including
// storage errors, collapses to Found=false.
func (r *Resolver) ResolveBranch(ctx context.Context, streamID, name string) BranchResolution {
	b, err := r.catalog.GetBranchByName(ctx, streamID, name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("branch lookup failed", zap.String("stream_id", streamID), zap.Error(err))
		}
		return BranchResolution{}
	}
	page, err := r.catalog.ListBranchCommits(ctx, b.ID, 1, "")
	if err != nil {
		r.logger.Warn("branch commits lookup failed", zap.String("stream_id", streamID), zap.Error(err))
		return BranchResolution{}
	}
	if len(page.Commits) == 0 {
		return BranchResolution{}
	}
	return BranchResolution{Commit: page.Commits[0], Found: true}
}
