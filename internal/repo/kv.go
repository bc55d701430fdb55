// Package repo implements the data persistence layer, backed by GORM over
// SQLite. This file provides the KV store consumed by the replay guard, the
// job ledger, sender bindings, and the platform token cache.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ruminer/go-wechat-backend/internal/domain"
)

// Store is the narrow key-value contract consumed by the application. An
// expired value behaves as absent; Put fully overwrites an existing value.
// A ttl <= 0 stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// KV implements Store on top of a GORM handle. It is safe for concurrent use;
// consistency is read-then-write only (no compare-and-swap), which is all the
// callers assume.
type KV struct {
	DB *gorm.DB

	// Now is a clock seam for tests; nil means time.Now.
	Now func() time.Time
}

// NewKV constructs a KV store over the given database handle.
func NewKV(db *gorm.DB) *KV {
	return &KV{DB: db}
}

func (s *KV) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Get returns the value for key. A row whose expiry has passed is reported
// as absent and opportunistically deleted; the deletion is best-effort and
// a failure there never surfaces to the caller.
func (s *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var row domain.KVEntry
	err := s.DB.WithContext(ctx).Where("k = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if row.ExpiresAt != nil && !row.ExpiresAt.After(s.now()) {
		s.bestEffortDelete(ctx, key)
		return "", false, nil
	}
	return row.Value, true, nil
}

// Put stores value under key, fully replacing any previous row. A positive
// ttl sets the expiry relative to now; otherwise the value does not expire.
func (s *KV) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now()
	var expires *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expires = &t
	}
	row := domain.KVEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: expires,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "k"}},
			DoUpdates: clause.AssignmentColumns([]string{"v", "expires_at", "updated_at"}),
		}).
		Create(&row).Error
}

// bestEffortDelete removes an expired row so the table does not accumulate
// garbage. Failures are logged at debug and ignored: the read path already
// treats the row as absent.
func (s *KV) bestEffortDelete(ctx context.Context, key string) {
	if err := s.DB.WithContext(ctx).Where("k = ?", key).Delete(&domain.KVEntry{}).Error; err != nil {
		log.Debug().Err(err).Str("key", key).Msg("expired kv cleanup failed")
	}
}
