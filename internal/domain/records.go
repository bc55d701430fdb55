package domain

import "time"

// JobStatus is the lifecycle state of a link-save job. The only transitions
// are processing→success and processing→failed; a stale processing record may
// be re-claimed by a later attempt (at-least-once relaxation).
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobSuccess    JobStatus = "success"
	JobFailed     JobStatus = "failed"
)

// JobRecord is the ledger row persisted per idempotency key. It is stored as
// JSON under an "idem:" KV key. ResultURL is only set for successful jobs;
// ErrorCode is a short machine-readable category, never raw error text shown
// to users.
type JobRecord struct {
	Status    JobStatus `json:"status"`
	SourceURL string    `json:"source_url,omitempty"`
	ResultURL string    `json:"result_url,omitempty"`
	Path      string    `json:"path,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Binding is a sender's persisted publishing target, stored as JSON under a
// "user:" KV key with no TTL. The GitHub token is encrypted at rest by the
// vault; the plaintext token never reaches the KV store.
type Binding struct {
	GitHubTokenEnc string    `json:"github_token_enc"`
	DefaultRepo    string    `json:"default_repo"`
	DefaultPath    string    `json:"default_path"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AccessToken is the cached platform access token used by the notification
// channel. ExpiresAtMs carries a safety margin applied at issue time.
type AccessToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAtMs int64     `json:"expires_at_ms"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Usable reports whether the token is still safe to use at the given time,
// keeping a small skew margin so a token is never presented right at expiry.
func (t AccessToken) Usable(now time.Time, skew time.Duration) bool {
	return t.AccessToken != "" && t.ExpiresAtMs > now.Add(skew).UnixMilli()
}
