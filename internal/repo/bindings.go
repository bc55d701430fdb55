package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruminer/go-wechat-backend/internal/domain"
)

const bindingKeyPrefix = "user:"

// Bindings persists each sender's publishing target as JSON under a "user:"
// KV key. Bindings carry no TTL: the owner replaces them by re-binding.
type Bindings struct {
	Store Store
	Now   func() time.Time
}

func (b *Bindings) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Get loads the binding for a sender. A corrupt stored value behaves as
// absent so the sender is asked to re-bind instead of getting an error.
func (b *Bindings) Get(ctx context.Context, openid string) (*domain.Binding, error) {
	raw, found, err := b.Store.Get(ctx, bindingKeyPrefix+openid)
	if err != nil {
		return nil, fmt.Errorf("binding get: %w", err)
	}
	if !found {
		return nil, nil
	}
	var bd domain.Binding
	if err := json.Unmarshal([]byte(raw), &bd); err != nil {
		return nil, nil
	}
	return &bd, nil
}

// Save overwrites the sender's binding, preserving the original created_at
// when one exists and stamping updated_at.
func (b *Bindings) Save(ctx context.Context, openid string, bd domain.Binding) error {
	now := b.now()
	bd.CreatedAt = now
	bd.UpdatedAt = now
	if prev, err := b.Get(ctx, openid); err == nil && prev != nil && !prev.CreatedAt.IsZero() {
		bd.CreatedAt = prev.CreatedAt
	}
	raw, err := json.Marshal(bd)
	if err != nil {
		return fmt.Errorf("binding encode: %w", err)
	}
	if err := b.Store.Put(ctx, bindingKeyPrefix+openid, string(raw), 0); err != nil {
		return fmt.Errorf("binding put: %w", err)
	}
	return nil
}
