package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/wilhg/previews/pkg/store"
)

var commitColumns = []string{"id", "stream_id", "branch_id", "branch_name", "referenced_object", "message", "author_id", "created_at"}

// GetStream loads a stream by id.
func (s *Store) GetStream(ctx context.Context, streamID string) (store.Stream, error) {
	query, args := s.builder().Select("id", "name", "is_public", "created_at").
		From(entsql.Table(StreamsTable.Name)).
		Where(entsql.EQ("id", streamID)).
		Limit(1).
		Query()
	var st store.Stream
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&st.ID, &st.Name, &st.IsPublic, &st.CreatedAt)
	if err != nil {
		return store.Stream{}, notFound(err)
	}
	return st, nil
}

// ListStreamCommits lists commits of a stream, newest first.
func (s *Store) ListStreamCommits(ctx context.Context, q store.CommitQuery) (store.CommitPage, error) {
	preds := []*entsql.Predicate{entsql.EQ("stream_id", q.StreamID)}
	if q.IgnoreGlobalsBranch {
		preds = append(preds, entsql.NEQ("branch_name", store.GlobalsBranch))
	}
	return s.listCommits(ctx, preds, q.Limit, q.Cursor)
}

// GetBranchByName loads a branch by its name within a stream.
func (s *Store) GetBranchByName(ctx context.Context, streamID, name string) (store.Branch, error) {
	query, args := s.builder().Select("id", "stream_id", "name", "created_at").
		From(entsql.Table(BranchesTable.Name)).
		Where(entsql.And(entsql.EQ("stream_id", streamID), entsql.EQ("name", name))).
		Limit(1).
		Query()
	var b store.Branch
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&b.ID, &b.StreamID, &b.Name, &b.CreatedAt)
	if err != nil {
		return store.Branch{}, notFound(err)
	}
	return b, nil
}

// ListBranchCommits lists commits of a branch, newest first.
func (s *Store) ListBranchCommits(ctx context.Context, branchID string, limit int, cursor string) (store.CommitPage, error) {
	return s.listCommits(ctx, []*entsql.Predicate{entsql.EQ("branch_id", branchID)}, limit, cursor)
}

// GetCommit loads a commit scoped to its stream; commits of other streams are not found.
func (s *Store) GetCommit(ctx context.Context, streamID, commitID string) (store.Commit, error) {
	query, args := s.builder().Select(commitColumns...).
		From(entsql.Table(CommitsTable.Name)).
		Where(entsql.And(entsql.EQ("id", commitID), entsql.EQ("stream_id", streamID))).
		Limit(1).
		Query()
	c, err := scanCommit(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return store.Commit{}, notFound(err)
	}
	return c, nil
}

// GetObject loads an object of a stream.
func (s *Store) GetObject(ctx context.Context, streamID, objectID string) (store.Object, error) {
	query, args := s.builder().Select("id", "stream_id", "speckle_type", "created_at").
		From(entsql.Table(ObjectsTable.Name)).
		Where(entsql.And(entsql.EQ("stream_id", streamID), entsql.EQ("id", objectID))).
		Limit(1).
		Query()
	var o store.Object
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&o.ID, &o.StreamID, &o.SpeckleType, &o.CreatedAt)
	if err != nil {
		return store.Object{}, notFound(err)
	}
	return o, nil
}

// StreamRole returns the role a user holds on a stream.
func (s *Store) StreamRole(ctx context.Context, streamID, userID string) (string, error) {
	query, args := s.builder().Select("role").
		From(entsql.Table(StreamACLTable.Name)).
		Where(entsql.And(entsql.EQ("stream_id", streamID), entsql.EQ("user_id", userID))).
		Limit(1).
		Query()
	var role string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&role); err != nil {
		return "", notFound(err)
	}
	return role, nil
}

// CreateStream inserts a stream.
func (s *Store) CreateStream(ctx context.Context, st store.Stream) (store.Stream, error) {
	if st.ID == "" {
		st.ID = newID()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	query, args := s.builder().Insert(StreamsTable.Name).
		Columns("id", "name", "is_public", "created_at").
		Values(st.ID, st.Name, st.IsPublic, st.CreatedAt).
		Query()
	if _, err := s.exec(ctx, query, args); err != nil {
		return store.Stream{}, fmt.Errorf("create stream: %w", err)
	}
	return st, nil
}

// CreateBranch inserts a branch.
func (s *Store) CreateBranch(ctx context.Context, b store.Branch) (store.Branch, error) {
	if b.ID == "" {
		b.ID = newID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	query, args := s.builder().Insert(BranchesTable.Name).
		Columns("id", "stream_id", "name", "created_at").
		Values(b.ID, b.StreamID, b.Name, b.CreatedAt).
		Query()
	if _, err := s.exec(ctx, query, args); err != nil {
		return store.Branch{}, fmt.Errorf("create branch: %w", err)
	}
	return b, nil
}

// CreateCommit inserts a commit. BranchName is resolved from BranchID when empty.
func (s *Store) CreateCommit(ctx context.Context, c store.Commit) (store.Commit, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.BranchName == "" && c.BranchID != "" {
		query, args := s.builder().Select("name").
			From(entsql.Table(BranchesTable.Name)).
			Where(entsql.EQ("id", c.BranchID)).
			Query()
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.BranchName); err != nil {
			return store.Commit{}, fmt.Errorf("create commit: branch %s: %w", c.BranchID, notFound(err))
		}
	}
	query, args := s.builder().Insert(CommitsTable.Name).
		Columns(commitColumns...).
		Values(c.ID, c.StreamID, c.BranchID, c.BranchName, c.ReferencedObjectID, c.Message, c.AuthorID, c.CreatedAt).
		Query()
	if _, err := s.exec(ctx, query, args); err != nil {
		return store.Commit{}, fmt.Errorf("create commit: %w", err)
	}
	return c, nil
}

// CreateObject inserts an object record.
func (s *Store) CreateObject(ctx context.Context, o store.Object) (store.Object, error) {
	if o.ID == "" {
		o.ID = newID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	query, args := s.builder().Insert(ObjectsTable.Name).
		Columns("id", "stream_id", "speckle_type", "created_at").
		Values(o.ID, o.StreamID, o.SpeckleType, o.CreatedAt).
		Query()
	if _, err := s.exec(ctx, query, args); err != nil {
		return store.Object{}, fmt.Errorf("create object: %w", err)
	}
	return o, nil
}

// GrantRole sets the role of a user on a stream, replacing any previous role.
func (s *Store) GrantRole(ctx context.Context, streamID, userID, role string) error {
	query, args := s.builder().Insert(StreamACLTable.Name).
		Columns("stream_id", "user_id", "role").
		Values(streamID, userID, role).
		OnConflict(
			entsql.ConflictColumns("stream_id", "user_id"),
			entsql.ResolveWithNewValues(),
		).
		Query()
	if _, err := s.exec(ctx, query, args); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func (s *Store) listCommits(ctx context.Context, preds []*entsql.Predicate, limit int, cursor string) (store.CommitPage, error) {
	limit = clampLimit(limit)
	if cursor != "" {
		before, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return store.CommitPage{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		preds = append(preds, entsql.LT("created_at", before))
	}
	query, args := s.builder().Select(commitColumns...).
		From(entsql.Table(CommitsTable.Name)).
		Where(entsql.And(preds...)).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("id")).
		Limit(limit).
		Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return store.CommitPage{}, err
	}
	defer rows.Close()
	var page store.CommitPage
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return store.CommitPage{}, err
		}
		page.Commits = append(page.Commits, c)
	}
	if err := rows.Err(); err != nil {
		return store.CommitPage{}, err
	}
	if n := len(page.Commits); n == limit {
		page.Cursor = page.Commits[n-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(r rowScanner) (store.Commit, error) {
	var c store.Commit
	err := r.Scan(&c.ID, &c.StreamID, &c.BranchID, &c.BranchName, &c.ReferencedObjectID, &c.Message, &c.AuthorID, &c.CreatedAt)
	return c, err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 25
	case limit > 100:
		return 100
	default:
		return limit
	}
}

func newID() string { return uuid.NewString() }
