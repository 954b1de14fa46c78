package store

import (
	"context"
)

// CommitQuery selects a page of commits for a stream, newest first.
type CommitQuery struct {
	StreamID            string
	Limit               int
	Cursor              string
	IgnoreGlobalsBranch bool
}

// CommitPage is one page of commits plus the cursor for the next page.
type CommitPage struct {
	Commits []Commit
	Cursor  string
}

// Catalog reads streams, branches, commits, objects and stream roles.
type Catalog interface {
	GetStream(ctx context.Context, streamID string) (Stream, error)
	ListStreamCommits(ctx context.Context, q CommitQuery) (CommitPage, error)
	GetBranchByName(ctx context.Context, streamID, name string) (Branch, error)
	ListBranchCommits(ctx context.Context, branchID string, limit int, cursor string) (CommitPage, error)
	GetCommit(ctx context.Context, streamID, commitID string) (Commit, error)
	GetObject(ctx context.Context, streamID, objectID string) (Object, error)
	StreamRole(ctx context.Context, streamID, userID string) (string, error)
}

// CatalogWriter creates catalog entries. IDs left empty are generated.
type CatalogWriter interface {
	CreateStream(ctx context.Context, s Stream) (Stream, error)
	CreateBranch(ctx context.Context, b Branch) (Branch, error)
	CreateCommit(ctx context.Context, c Commit) (Commit, error)
	CreateObject(ctx context.Context, o Object) (Object, error)
	GrantRole(ctx context.Context, streamID, userID, role string) error
}

// PreviewStore maps preview keys to render status and image bytes.
type PreviewStore interface {
	// Lookup reads a record without side effects. Missing keys return ErrNotFound.
	Lookup(ctx context.Context, key PreviewKey) (PreviewRecord, error)
	// EnsurePending inserts a pending record if none exists, or re-arms a failed
	// record whose attempts are below maxAttempts. created is true only for the
	// single caller that performed the insert or re-arm.
	EnsurePending(ctx context.Context, key PreviewKey, maxAttempts int) (rec PreviewRecord, created bool, err error)
	// Complete moves a pending record to ready, or records a ready result for a key
	// that has none. Terminal records are left untouched.
	Complete(ctx context.Context, key PreviewKey, payload []byte) error
	// Fail moves a pending record to failed. Terminal records are left untouched;
	// missing keys return ErrNotFound.
	Fail(ctx context.Context, key PreviewKey, reason string) error
	// ListPending returns pending keys, oldest first.
	ListPending(ctx context.Context, limit int) ([]PreviewKey, error)
}

// Store aggregates every persistence concern of the service.
type Store interface {
	Catalog
	CatalogWriter
	PreviewStore
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
