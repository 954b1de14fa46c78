package entstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/previews/pkg/store"
)

var previewColumns = []string{"stream_id", "object_id", "angle", "status", "attempts", "payload", "failure_reason", "created_at", "completed_at"}

func keyPredicate(k store.PreviewKey) *entsql.Predicate {
	return entsql.And(
		entsql.EQ("stream_id", k.StreamID),
		entsql.EQ("object_id", k.ObjectID),
		entsql.EQ("angle", k.Angle),
	)
}

// Lookup reads the preview record for a key.
func (s *Store) Lookup(ctx context.Context, key store.PreviewKey) (store.PreviewRecord, error) {
	key = key.Normalize()
	query, args := s.builder().Select(previewColumns...).
		From(entsql.Table(ObjectPreviewsTable.Name)).
		Where(keyPredicate(key)).
		Limit(1).
		Query()
	var (
		rec         store.PreviewRecord
		status      string
		reason      sql.NullString
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.Key.StreamID, &rec.Key.ObjectID, &rec.Key.Angle,
		&status, &rec.Attempts, &rec.Payload, &reason, &rec.CreatedAt, &completedAt,
	)
	if err != nil {
		return store.PreviewRecord{}, notFound(err)
	}
	rec.Status = store.PreviewStatus(status)
	rec.FailureReason = reason.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// EnsurePending relies on the primary key of object_previews: the insert is a
// compare-and-insert, and re-arming a failed record is a conditional update.
func (s *Store) EnsurePending(ctx context.Context, key store.PreviewKey, maxAttempts int) (store.PreviewRecord, bool, error) {
	key = key.Normalize()
	now := time.Now().UTC()
	query, args := s.builder().Insert(ObjectPreviewsTable.Name).
		Columns("stream_id", "object_id", "angle", "status", "attempts", "created_at").
		Values(key.StreamID, key.ObjectID, key.Angle, string(store.StatusPending), 1, now).
		OnConflict(
			entsql.ConflictColumns("stream_id", "object_id", "angle"),
			entsql.DoNothing(),
		).
		Query()
	n, err := s.exec(ctx, query, args)
	if err != nil {
		return store.PreviewRecord{}, false, fmt.Errorf("ensure pending %s: %w", key, err)
	}
	created := n == 1
	if !created && maxAttempts > 0 {
		query, args = s.builder().Update(ObjectPreviewsTable.Name).
			Set("status", string(store.StatusPending)).
			Add("attempts", 1).
			SetNull("failure_reason").
			SetNull("completed_at").
			Set("created_at", now).
			Where(entsql.And(
				keyPredicate(key),
				entsql.EQ("status", string(store.StatusFailed)),
				entsql.LT("attempts", maxAttempts),
			)).
			Query()
		n, err = s.exec(ctx, query, args)
		if err != nil {
			return store.PreviewRecord{}, false, fmt.Errorf("re-arm %s: %w", key, err)
		}
		created = n == 1
	}
	rec, err := s.Lookup(ctx, key)
	if err != nil {
		return store.PreviewRecord{}, false, err
	}
	return rec, created, nil
}

// Complete stores the rendered bytes for a key.
func (s *Store) Complete(ctx context.Context, key store.PreviewKey, payload []byte) error {
	key = key.Normalize()
	now := time.Now().UTC()
	query, args := s.builder().Update(ObjectPreviewsTable.Name).
		Set("status", string(store.StatusReady)).
		Set("payload", payload).
		Set("completed_at", now).
		SetNull("failure_reason").
		Where(entsql.And(keyPredicate(key), entsql.EQ("status", string(store.StatusPending)))).
		Query()
	n, err := s.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	if n == 1 {
		return nil
	}
	// Either already terminal or never requested; the insert is a no-op for the former.
	query, args = s.builder().Insert(ObjectPreviewsTable.Name).
		Columns("stream_id", "object_id", "angle", "status", "attempts", "payload", "created_at", "completed_at").
		Values(key.StreamID, key.ObjectID, key.Angle, string(store.StatusReady), 0, payload, now, now).
		OnConflict(
			entsql.ConflictColumns("stream_id", "object_id", "angle"),
			entsql.DoNothing(),
		).
		Query()
	if _, err := s.exec(ctx, query, args); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// Fail records a render failure for a pending key.
func (s *Store) Fail(ctx context.Context, key store.PreviewKey, reason string) error {
	key = key.Normalize()
	query, args := s.builder().Update(ObjectPreviewsTable.Name).
		Set("status", string(store.StatusFailed)).
		Set("failure_reason", reason).
		Set("completed_at", time.Now().UTC()).
		Where(entsql.And(keyPredicate(key), entsql.EQ("status", string(store.StatusPending)))).
		Query()
	n, err := s.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("fail %s: %w", key, err)
	}
	if n == 1 {
		return nil
	}
	_, err = s.Lookup(ctx, key)
	return err
}

// ListPending returns pending keys, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]store.PreviewKey, error) {
	query, args := s.builder().Select("stream_id", "object_id", "angle").
		From(entsql.Table(ObjectPreviewsTable.Name)).
		Where(entsql.EQ("status", string(store.StatusPending))).
		OrderBy("created_at").
		Limit(clampLimit(limit)).
		Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.PreviewKey
	for rows.Next() {
		var k store.PreviewKey
		if err := rows.Scan(&k.StreamID, &k.ObjectID, &k.Angle); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
