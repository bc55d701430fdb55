// Package ledger records one job per accepted message so retries and
// platform-level redeliveries collapse into a single execution. Records are
// JSON values in the shared KV store under an "idem:" prefix; expiry is the
// only cleanup mechanism.
package ledger

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruminer/go-wechat-backend/internal/domain"
	"github.com/ruminer/go-wechat-backend/internal/repo"
)

const keyPrefix = "idem:"

// Decision is the outcome of consulting the ledger before running a job.
type Decision int

const (
	// Run means no usable record exists: claim the key and execute.
	Run Decision = iota
	// ReplayResult means a prior run succeeded: reply with its result,
	// do not execute again.
	ReplayResult
	// StillProcessing means a fresh in-flight claim exists: tell the
	// sender to wait, do not execute.
	StillProcessing
)

// Ledger reads and writes job records. TTLs and the staleness window come
// from configuration; Now is overridable for tests and defaults to time.Now.
type Ledger struct {
	Store repo.Store

	// Staleness bounds how long a processing claim blocks re-execution.
	// A claim older than this is treated as crashed and reclaimed.
	Staleness time.Duration

	ProcessingTTL time.Duration
	SuccessTTL    time.Duration
	FailedTTL     time.Duration

	Now func() time.Time
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// JobKey derives the idempotency key for a message. Platform message IDs are
// the strongest identity; without one the key falls back to a per-day hash of
// sender and URL, so the same link re-sent the next day is a new job.
func JobKey(sender, msgID, sourceURL string, now time.Time) string {
	if msgID != "" {
		return fmt.Sprintf("wxmsg:%s:%s", sender, msgID)
	}
	day := now.UTC().Format("2006-01-02")
	sum := sha1.Sum([]byte(sender + "|" + sourceURL + "|" + day))
	return "wxurl:" + hex.EncodeToString(sum[:])
}

// Get loads the record for a job key. A corrupt value behaves as absent:
// the job reruns rather than failing on a decode error.
func (l *Ledger) Get(ctx context.Context, jobKey string) (*domain.JobRecord, error) {
	raw, found, err := l.Store.Get(ctx, keyPrefix+jobKey)
	if err != nil {
		return nil, fmt.Errorf("ledger get: %w", err)
	}
	if !found {
		return nil, nil
	}
	var rec domain.JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// Decide applies the lookup rules in order: replay a completed result, hold
// off on a fresh claim, run in every other case (absent, failed, stale claim).
func (l *Ledger) Decide(rec *domain.JobRecord) Decision {
	if rec == nil {
		return Run
	}
	if rec.Status == domain.JobSuccess && rec.ResultURL != "" {
		return ReplayResult
	}
	if rec.Status == domain.JobProcessing && l.now().Sub(rec.UpdatedAt) <= l.Staleness {
		return StillProcessing
	}
	return Run
}

// MarkProcessing claims the key before the job body starts.
func (l *Ledger) MarkProcessing(ctx context.Context, jobKey, sourceURL string) error {
	return l.put(ctx, jobKey, domain.JobRecord{
		Status:    domain.JobProcessing,
		SourceURL: sourceURL,
	}, l.ProcessingTTL)
}

// MarkSuccess records the terminal result of a completed job.
func (l *Ledger) MarkSuccess(ctx context.Context, jobKey, sourceURL, resultURL, path string) error {
	return l.put(ctx, jobKey, domain.JobRecord{
		Status:    domain.JobSuccess,
		SourceURL: sourceURL,
		ResultURL: resultURL,
		Path:      path,
	}, l.SuccessTTL)
}

// MarkFailed records a terminal failure with its classification code. The
// short TTL lets the sender retry within a day.
func (l *Ledger) MarkFailed(ctx context.Context, jobKey, sourceURL, errorCode string) error {
	return l.put(ctx, jobKey, domain.JobRecord{
		Status:    domain.JobFailed,
		SourceURL: sourceURL,
		ErrorCode: errorCode,
	}, l.FailedTTL)
}

// put overwrites the record, preserving the original created_at across
// status transitions and stamping updated_at.
func (l *Ledger) put(ctx context.Context, jobKey string, rec domain.JobRecord, ttl time.Duration) error {
	now := l.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if prev, err := l.Get(ctx, jobKey); err == nil && prev != nil && !prev.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger encode: %w", err)
	}
	if err := l.Store.Put(ctx, keyPrefix+jobKey, string(raw), ttl); err != nil {
		return fmt.Errorf("ledger put: %w", err)
	}
	return nil
}
