// Package domain defines the core persistence models for the application.
// The durable state of the service is a single key-value table with optional
// expiry; richer records (job ledger rows, sender bindings, cached platform
// tokens) are JSON documents stored as KV values.
package domain

import "time"

// KVEntry is one row of the TTL-capable key-value table. A row whose
// ExpiresAt is non-nil and in the past must behave as absent; writes fully
// overwrite the previous value (no merge).
//
// Fields:
//   - Key: primary key, namespaced by callers ("idem:", "user:", "wxnonce:", ...).
//   - Value: UTF-8 JSON (or a bare presence marker for the nonce seen-set).
//   - ExpiresAt: nil means no expiry.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type KVEntry struct {
	Key       string     `gorm:"column:k;type:varchar(512);primaryKey"`
	Value     string     `gorm:"column:v;type:text;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

// TableName returns the database table name for KVEntry.
func (KVEntry) TableName() string { return "kv_entries" }
