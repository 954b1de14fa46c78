// Package gormstore implements store.Store on top of GORM. It is the
// alternative backend to entstore and shares the same conformance suite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/wilhg/previews/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Option allows configuring DB connection.
type Option func(*config)

type config struct {
	Logger logger.Interface
}

// WithLogger sets a custom GORM logger.
func WithLogger(l logger.Interface) Option { return func(c *config) { c.Logger = l } }

// Open opens a Postgres-backed GORM DB connection using the provided DSN.
func Open(dsn string, opts ...Option) (*Store, error) {
	return OpenDialector(postgres.Open(dsn), opts...)
}

// OpenURL opens a store from a DATABASE_URL style DSN: "sqlite:<dsn>" or a
// Postgres URL or keyword DSN.
func OpenURL(databaseURL string, opts ...Option) (*Store, error) {
	if dsn, ok := strings.CutPrefix(databaseURL, "sqlite:"); ok {
		st, err := OpenDialector(sqlite.Open(dsn), opts...)
		if err != nil {
			return nil, err
		}
		sqlDB, err := st.db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return st, nil
	}
	return Open(databaseURL, opts...)
}

// OpenDialector opens a GORM DB on any dialector (tests use SQLite).
func OpenDialector(d gorm.Dialector, opts ...Option) (*Store, error) {
	cfg := &config{Logger: logger.Default.LogMode(logger.Silent)}
	for _, o := range opts {
		o(cfg)
	}
	db, err := gorm.Open(d, &gorm.Config{Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// StreamModel represents the GORM model for streams.
type StreamModel struct {
	ID        string    `gorm:"primaryKey;type:text"`
	Name      string    `gorm:"type:text;not null;default:''"`
	IsPublic  bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
}

func (StreamModel) TableName() string { return "streams" }

// BranchModel represents the GORM model for branches.
type BranchModel struct {
	ID        string    `gorm:"primaryKey;type:text"`
	StreamID  string    `gorm:"type:text;not null;uniqueIndex:branch_stream_name"`
	Name      string    `gorm:"type:text;not null;uniqueIndex:branch_stream_name"`
	CreatedAt time.Time `gorm:"not null"`
}

func (BranchModel) TableName() string { return "branches" }

// CommitModel represents the GORM model for commits.
type CommitModel struct {
	ID               string    `gorm:"primaryKey;type:text"`
	StreamID         string    `gorm:"type:text;not null;index:commit_stream_created"`
	BranchID         string    `gorm:"type:text;not null;index:commit_branch_created"`
	BranchName       string    `gorm:"type:text;not null"`
	ReferencedObject string    `gorm:"type:text;not null;index"`
	Message          string    `gorm:"type:text;not null;default:''"`
	AuthorID         string    `gorm:"type:text;not null;default:''"`
	CreatedAt        time.Time `gorm:"not null;index:commit_stream_created;index:commit_branch_created"`
}

func (CommitModel) TableName() string { return "commits" }

// ObjectModel represents the GORM model for objects.
type ObjectModel struct {
	StreamID    string    `gorm:"primaryKey;type:text"`
	ID          string    `gorm:"primaryKey;type:text"`
	SpeckleType string    `gorm:"type:text;not null;default:''"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (ObjectModel) TableName() string { return "objects" }

// StreamACLModel represents the GORM model for stream roles.
type StreamACLModel struct {
	StreamID string `gorm:"primaryKey;type:text"`
	UserID   string `gorm:"primaryKey;type:text"`
	Role     string `gorm:"type:text;not null"`
}

func (StreamACLModel) TableName() string { return "stream_acl" }

// PreviewModel represents the GORM model for object previews.
type PreviewModel struct {
	StreamID      string     `gorm:"primaryKey;type:text"`
	ObjectID      string     `gorm:"primaryKey;type:text"`
	Angle         string     `gorm:"primaryKey;type:text"`
	Status        string     `gorm:"type:text;not null;index:preview_status_created"`
	Attempts      int        `gorm:"not null;default:0"`
	Payload       []byte     `gorm:""`
	FailureReason *string    `gorm:"type:text"`
	CreatedAt     time.Time  `gorm:"not null;index:preview_status_created"`
	CompletedAt   *time.Time `gorm:""`
}

func (PreviewModel) TableName() string { return "object_previews" }

// Store implements store.Store using GORM.
type Store struct{ db *gorm.DB }

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&StreamModel{}, &BranchModel{}, &CommitModel{}, &ObjectModel{}, &StreamACLModel{}, &PreviewModel{},
	)
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetStream loads a stream by id.
func (s *Store) GetStream(ctx context.Context, streamID string) (store.Stream, error) {
	var m StreamModel
	if err := s.db.WithContext(ctx).Where("id = ?", streamID).First(&m).Error; err != nil {
		return store.Stream{}, notFound(err)
	}
	return store.Stream{ID: m.ID, Name: m.Name, IsPublic: m.IsPublic, CreatedAt: m.CreatedAt}, nil
}

// ListStreamCommits lists commits of a stream, newest first.
func (s *Store) ListStreamCommits(ctx context.Context, q store.CommitQuery) (store.CommitPage, error) {
	tx := s.db.WithContext(ctx).Where("stream_id = ?", q.StreamID)
	if q.IgnoreGlobalsBranch {
		tx = tx.Where("branch_name <> ?", store.GlobalsBranch)
	}
	return listCommits(tx, q.Limit, q.Cursor)
}

// GetBranchByName loads a branch by its name within a stream.
func (s *Store) GetBranchByName(ctx context.Context, streamID, name string) (store.Branch, error) {
	var m BranchModel
	if err := s.db.WithContext(ctx).Where("stream_id = ? AND name = ?", streamID, name).First(&m).Error; err != nil {
		return store.Branch{}, notFound(err)
	}
	return store.Branch{ID: m.ID, StreamID: m.StreamID, Name: m.Name, CreatedAt: m.CreatedAt}, nil
}

// ListBranchCommits lists commits of a branch, newest first.
func (s *Store) ListBranchCommits(ctx context.Context, branchID string, limit int, cursor string) (store.CommitPage, error) {
	return listCommits(s.db.WithContext(ctx).Where("branch_id = ?", branchID), limit, cursor)
}

// GetCommit loads a commit scoped to its stream.
func (s *Store) GetCommit(ctx context.Context, streamID, commitID string) (store.Commit, error) {
	var m CommitModel
	if err := s.db.WithContext(ctx).Where("id = ? AND stream_id = ?", commitID, streamID).First(&m).Error; err != nil {
		return store.Commit{}, notFound(err)
	}
	return toCommit(m), nil
}

// GetObject loads an object of a stream.
func (s *Store) GetObject(ctx context.Context, streamID, objectID string) (store.Object, error) {
	var m ObjectModel
	if err := s.db.WithContext(ctx).Where("stream_id = ? AND id = ?", streamID, objectID).First(&m).Error; err != nil {
		return store.Object{}, notFound(err)
	}
	return store.Object{ID: m.ID, StreamID: m.StreamID, SpeckleType: m.SpeckleType, CreatedAt: m.CreatedAt}, nil
}

// StreamRole returns the role a user holds on a stream.
func (s *Store) StreamRole(ctx context.Context, streamID, userID string) (string, error) {
	var m StreamACLModel
	if err := s.db.WithContext(ctx).Where("stream_id = ? AND user_id = ?", streamID, userID).First(&m).Error; err != nil {
		return "", notFound(err)
	}
	return m.Role, nil
}

// CreateStream inserts a stream.
func (s *Store) CreateStream(ctx context.Context, st store.Stream) (store.Stream, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	m := StreamModel{ID: st.ID, Name: st.Name, IsPublic: st.IsPublic, CreatedAt: st.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return store.Stream{}, fmt.Errorf("create stream: %w", err)
	}
	return st, nil
}

// CreateBranch inserts a branch.
func (s *Store) CreateBranch(ctx context.Context, b store.Branch) (store.Branch, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m := BranchModel{ID: b.ID, StreamID: b.StreamID, Name: b.Name, CreatedAt: b.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return store.Branch{}, fmt.Errorf("create branch: %w", err)
	}
	return b, nil
}

// CreateCommit inserts a commit. BranchName is resolved from BranchID when empty.
func (s *Store) CreateCommit(ctx context.Context, c store.Commit) (store.Commit, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.BranchName == "" && c.BranchID != "" {
		var b BranchModel
		if err := s.db.WithContext(ctx).Where("id = ?", c.BranchID).First(&b).Error; err != nil {
			return store.Commit{}, fmt.Errorf("create commit: branch %s: %w", c.BranchID, notFound(err))
		}
		c.BranchName = b.Name
	}
	m := CommitModel{
		ID: c.ID, StreamID: c.StreamID, BranchID: c.BranchID, BranchName: c.BranchName,
		ReferencedObject: c.ReferencedObjectID, Message: c.Message, AuthorID: c.AuthorID, CreatedAt: c.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return store.Commit{}, fmt.Errorf("create commit: %w", err)
	}
	return c, nil
}

// CreateObject inserts an object record.
func (s *Store) CreateObject(ctx context.Context, o store.Object) (store.Object, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	m := ObjectModel{ID: o.ID, StreamID: o.StreamID, SpeckleType: o.SpeckleType, CreatedAt: o.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return store.Object{}, fmt.Errorf("create object: %w", err)
	}
	return o, nil
}

// GrantRole sets the role of a user on a stream, replacing any previous role.
func (s *Store) GrantRole(ctx context.Context, streamID, userID, role string) error {
	m := StreamACLModel{StreamID: streamID, UserID: userID, Role: role}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stream_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func listCommits(tx *gorm.DB, limit int, cursor string) (store.CommitPage, error) {
	limit = clampLimit(limit)
	if cursor != "" {
		before, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return store.CommitPage{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		tx = tx.Where("created_at < ?", before)
	}
	var models []CommitModel
	if err := tx.Order("created_at desc, id desc").Limit(limit).Find(&models).Error; err != nil {
		return store.CommitPage{}, err
	}
	page := store.CommitPage{Commits: make([]store.Commit, 0, len(models))}
	for _, m := range models {
		page.Commits = append(page.Commits, toCommit(m))
	}
	if n := len(page.Commits); n == limit {
		page.Cursor = page.Commits[n-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return page, nil
}

func toCommit(m CommitModel) store.Commit {
	return store.Commit{
		ID: m.ID, StreamID: m.StreamID, BranchID: m.BranchID, BranchName: m.BranchName,
		ReferencedObjectID: m.ReferencedObject, Message: m.Message, AuthorID: m.AuthorID, CreatedAt: m.CreatedAt,
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
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
