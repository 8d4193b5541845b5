package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cmail-server-go/internal/platform/storage"
)

// sqliteCodeStore keeps codes in the shared ephemeral_codes table. It lets
// several processes on one host share codes without redis.
type sqliteCodeStore[T Expirable] struct {
	db        *gorm.DB
	namespace string
}

// NewSQLiteCodes builds a SQLite-backed code store.
func NewSQLiteCodes[T Expirable](db *gorm.DB, cfg Config) (CodeStore[T], error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	return &sqliteCodeStore[T]{db: db, namespace: cfg.Namespace}, nil
}

func (s *sqliteCodeStore[T]) scoped(tx *gorm.DB, key string) *gorm.DB {
	return tx.Where("namespace = ? AND code_key = ?", s.namespace, key)
}

func (s *sqliteCodeStore[T]) Put(ctx context.Context, key string, rec T) error {
	if key == "" {
		return fmt.Errorf("code key required")
	}
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode code record: %w", err)
	}
	row := &storage.CodeRecord{
		Namespace: s.namespace,
		Key:       key,
		Payload:   payload,
		ExpiresAt: rec.Expiry().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "code_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at", "created_at"}),
	}).Create(row).Error
}

func (s *sqliteCodeStore[T]) fetch(tx *gorm.DB, key string) (T, bool, error) {
	var zero T
	var row storage.CodeRecord
	err := s.scoped(tx, key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var rec T
	if err := sonic.Unmarshal(row.Payload, &rec); err != nil {
		return zero, false, fmt.Errorf("decode code record: %w", err)
	}
	return rec, true, nil
}

func (s *sqliteCodeStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return s.fetch(s.db.WithContext(ctx), key)
}

func (s *sqliteCodeStore[T]) Take(ctx context.Context, key string) (T, bool, error) {
	rec, found, _, err := s.Update(ctx, key, func(rec T) (T, Action) { return rec, ActionDelete })
	return rec, found, err
}

func (s *sqliteCodeStore[T]) Update(ctx context.Context, key string, fn func(T) (T, Action)) (T, bool, Action, error) {
	var (
		next   T
		found  bool
		action Action
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, ok, err := s.fetch(tx, key)
		if err != nil || !ok {
			return err
		}
		found = true
		next, action = fn(rec)

		var res *gorm.DB
		switch action {
		case ActionReplace:
			payload, err := sonic.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode code record: %w", err)
			}
			res = s.scoped(tx.Model(&storage.CodeRecord{}), key).Updates(map[string]any{
				"payload":    payload,
				"expires_at": next.Expiry().UTC(),
			})
		case ActionDelete:
			res = s.scoped(tx, key).Delete(&storage.CodeRecord{})
		default:
			return nil
		}
		if res.Error != nil {
			return res.Error
		}
		// a concurrent writer on another connection got there first
		if res.RowsAffected == 0 {
			found, action = false, ActionKeep
		}
		return nil
	})
	if err != nil {
		var zero T
		return zero, false, ActionKeep, err
	}
	return next, found, action, nil
}

func (s *sqliteCodeStore[T]) Delete(ctx context.Context, key string) error {
	return s.scoped(s.db.WithContext(ctx), key).Delete(&storage.CodeRecord{}).Error
}

func (s *sqliteCodeStore[T]) Sweep(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("namespace = ? AND expires_at < ?", s.namespace, now.UTC()).
		Delete(&storage.CodeRecord{})
	return int(res.RowsAffected), res.Error
}

func (s *sqliteCodeStore[T]) Stats(ctx context.Context) (map[string]any, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&storage.CodeRecord{}).
		Where("namespace = ?", s.namespace).Count(&total).Error; err != nil {
		return nil, err
	}
	return map[string]any{
		"type":      DriverSQLite,
		"namespace": s.namespace,
		"total":     total,
	}, nil
}

func (s *sqliteCodeStore[T]) Close(context.Context) error {
	return nil
}
