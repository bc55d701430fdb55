package wechat

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ruminer/go-wechat-backend/internal/repo"
)

// Replay rejection reasons. Each step of the guard fails with a distinct
// error so rejections can be counted per cause; callers must still answer
// the platform with a generic 400.
var (
	ErrReplayMissingParams    = errors.New("wechat: missing timestamp or nonce")
	ErrReplayBadTimestamp     = errors.New("wechat: invalid timestamp")
	ErrReplayOutOfTolerance   = errors.New("wechat: timestamp out of tolerance")
	ErrReplayStoreUnavailable = errors.New("wechat: replay store unavailable")
	ErrReplayDetected         = errors.New("wechat: replay detected")
)

// nonceKeyPrefix namespaces seen-set rows in the shared KV table.
const nonceKeyPrefix = "wxnonce:"

// ReplayGuard rejects callbacks whose (timestamp, nonce) pair was already
// accepted within the tolerance window, using the KV store as a seen-set.
//
// The read and the marker write are not one atomic step: two byte-identical
// replays racing within the same instant can both pass. That residual risk is
// accepted; the ledger downstream still deduplicates the derived job.
type ReplayGuard struct {
	Store     repo.Store
	Tolerance time.Duration // |now - timestamp| beyond this is rejected
	TTLFloor  time.Duration // minimum seen-set retention

	// Now is a clock seam for tests; nil means time.Now.
	Now func() time.Time
}

// Check validates the pair and records it. Any error means "reject"; the
// guard fails closed when the store is unreachable.
func (g *ReplayGuard) Check(ctx context.Context, timestamp, nonce string) error {
	if timestamp == "" || nonce == "" {
		return ErrReplayMissingParams
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrReplayBadTimestamp
	}

	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > g.Tolerance {
		return ErrReplayOutOfTolerance
	}
	if g.Store == nil {
		return ErrReplayStoreUnavailable
	}

	key := nonceKey(timestamp, nonce)
	_, seen, err := g.Store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReplayStoreUnavailable, err)
	}
	if seen {
		return ErrReplayDetected
	}

	ttl := g.Tolerance
	if g.TTLFloor > ttl {
		ttl = g.TTLFloor
	}
	if err := g.Store.Put(ctx, key, "1", ttl); err != nil {
		return fmt.Errorf("%w: %w", ErrReplayStoreUnavailable, err)
	}
	return nil
}

// nonceKey hashes a fixed-prefix concatenation of the pair so arbitrary
// nonce bytes cannot shape the KV key.
func nonceKey(timestamp, nonce string) string {
	sum := sha1.Sum([]byte("wxnonce|" + timestamp + "|" + nonce))
	return nonceKeyPrefix + hex.EncodeToString(sum[:])
}
