package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wilhg/previews/pkg/store"
)

func (s *Store) previewKey(ctx context.Context, k store.PreviewKey) *gorm.DB {
	return s.db.WithContext(ctx).Model(&PreviewModel{}).
		Where("stream_id = ? AND object_id = ? AND angle = ?", k.StreamID, k.ObjectID, k.Angle)
}

// Lookup reads the preview record for a key.
func (s *Store) Lookup(ctx context.Context, key store.PreviewKey) (store.PreviewRecord, error) {
	key = key.Normalize()
	var m PreviewModel
	if err := s.previewKey(ctx, key).First(&m).Error; err != nil {
		return store.PreviewRecord{}, notFound(err)
	}
	rec := store.PreviewRecord{
		Key:         store.PreviewKey{StreamID: m.StreamID, ObjectID: m.ObjectID, Angle: m.Angle},
		Status:      store.PreviewStatus(m.Status),
		Payload:     m.Payload,
		Attempts:    m.Attempts,
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
	}
	if m.FailureReason != nil {
		rec.FailureReason = *m.FailureReason
	}
	return rec, nil
}

// EnsurePending inserts with ON CONFLICT DO NOTHING and re-arms failed records
// with a conditional update; RowsAffected decides which caller created the job.
func (s *Store) EnsurePending(ctx context.Context, key store.PreviewKey, maxAttempts int) (store.PreviewRecord, bool, error) {
	key = key.Normalize()
	now := time.Now().UTC()
	m := PreviewModel{
		StreamID: key.StreamID, ObjectID: key.ObjectID, Angle: key.Angle,
		Status: string(store.StatusPending), Attempts: 1, CreatedAt: now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return store.PreviewRecord{}, false, fmt.Errorf("ensure pending %s: %w", key, res.Error)
	}
	created := res.RowsAffected == 1
	if !created && maxAttempts > 0 {
		res = s.previewKey(ctx, key).
			Where("status = ? AND attempts < ?", string(store.StatusFailed), maxAttempts).
			Updates(map[string]any{
				"status":         string(store.StatusPending),
				"attempts":       gorm.Expr("attempts + ?", 1),
				"failure_reason": nil,
				"completed_at":   nil,
				"created_at":     now,
			})
		if res.Error != nil {
			return store.PreviewRecord{}, false, fmt.Errorf("re-arm %s: %w", key, res.Error)
		}
		created = res.RowsAffected == 1
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
	res := s.previewKey(ctx, key).
		Where("status = ?", string(store.StatusPending)).
		Updates(map[string]any{
			"status":         string(store.StatusReady),
			"payload":        payload,
			"completed_at":   now,
			"failure_reason": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("complete %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	m := PreviewModel{
		StreamID: key.StreamID, ObjectID: key.ObjectID, Angle: key.Angle,
		Status: string(store.StatusReady), Payload: payload, CreatedAt: now, CompletedAt: &now,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// Fail records a render failure for a pending key.
func (s *Store) Fail(ctx context.Context, key store.PreviewKey, reason string) error {
	key = key.Normalize()
	res := s.previewKey(ctx, key).
		Where("status = ?", string(store.StatusPending)).
		Updates(map[string]any{
			"status":         string(store.StatusFailed),
			"failure_reason": reason,
			"completed_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("fail %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	_, err := s.Lookup(ctx, key)
	return err
}

// ListPending returns pending keys, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]store.PreviewKey, error) {
	var models []PreviewModel
	err := s.db.WithContext(ctx).
		Select("stream_id", "object_id", "angle").
		Where("status = ?", string(store.StatusPending)).
		Order("created_at asc").
		Limit(clampLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.PreviewKey, 0, len(models))
	for _, m := range models {
		out = append(out, store.PreviewKey{StreamID: m.StreamID, ObjectID: m.ObjectID, Angle: m.Angle})
	}
	return out, nil
}
