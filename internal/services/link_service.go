// Package services – LinkService
//
// The orchestrator for link messages: consult the ledger, claim the job,
// fetch-convert-publish, record exactly one terminal outcome, and deliver the
// result either inline (synchronous mode) or via the notification channel
// (fire-and-forget mode).
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ruminer/go-wechat-backend/internal/articles"
	"github.com/ruminer/go-wechat-backend/internal/domain"
	"github.com/ruminer/go-wechat-backend/internal/github"
	"github.com/ruminer/go-wechat-backend/internal/ledger"
	"github.com/ruminer/go-wechat-backend/internal/repo"
	"github.com/ruminer/go-wechat-backend/internal/vault"
)

// ArticleFetcher retrieves a page as markdown.
type ArticleFetcher interface {
	Fetch(ctx context.Context, rawURL, fallbackTitle string) (*articles.Article, error)
}

// Publisher writes markdown to the sender's repository.
type Publisher interface {
	PutMarkdown(ctx context.Context, token, repoFullName, pathPrefix, title, sourceURL, markdown string) (*github.PutResult, error)
}

// NotifySender pushes a text message to a sender outside the passive reply
// window. A nil NotifySender switches the service to synchronous mode.
type NotifySender interface {
	SendText(ctx context.Context, openid, text string) error
}

// LinkService runs the save-article pipeline.
type LinkService struct {
	Bindings  *repo.Bindings
	Ledger    *ledger.Ledger
	Vault     *vault.Vault
	Fetcher   ArticleFetcher
	Publisher Publisher
	// Notifier nil ⇒ synchronous: the job runs inside the webhook request
	// and the passive reply carries the outcome.
	Notifier NotifySender
	Runner   *Runner

	// JobTimeout bounds a detached job; it runs on a background context
	// because the webhook request is answered before the job finishes.
	JobTimeout time.Duration

	// ObserveJob, when set, receives the duration and outcome code of every
	// finished job ("" for success).
	ObserveJob func(outcome string, d time.Duration)

	Now func() time.Time
}

func (s *LinkService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *LinkService) jobTimeout() time.Duration {
	if s.JobTimeout > 0 {
		return s.JobTimeout
	}
	return 60 * time.Second
}

// HandleLink processes an inbound link message and returns the passive reply
// text. Duplicate deliveries collapse onto the ledger record: a completed job
// replays its result, a fresh in-flight claim answers "still processing", and
// only stale or absent records start an execution.
func (s *LinkService) HandleLink(ctx context.Context, openid, rawURL, title, msgID string) string {
	if rawURL == "" {
		return MsgNoURL
	}
	binding, err := s.Bindings.Get(ctx, openid)
	if err != nil {
		log.Error().Err(err).Msg("binding lookup failed")
		return MsgProcessingFailed
	}
	if binding == nil {
		return MsgBindRequired
	}

	jobKey := ledger.JobKey(openid, msgID, rawURL, s.now())
	rec, err := s.Ledger.Get(ctx, jobKey)
	if err != nil {
		log.Error().Err(err).Msg("ledger lookup failed")
		return MsgProcessingFailed
	}
	switch s.Ledger.Decide(rec) {
	case ledger.ReplayResult:
		return MsgAlreadySaved(rec.ResultURL)
	case ledger.StillProcessing:
		return MsgStillProcessing
	}

	// Claim before any work so a concurrent duplicate sees "processing".
	if err := s.Ledger.MarkProcessing(ctx, jobKey, rawURL); err != nil {
		log.Error().Err(err).Msg("ledger claim failed")
		return MsgProcessingFailed
	}

	if s.Notifier == nil {
		return s.execute(ctx, jobKey, binding, rawURL, title)
	}

	s.Runner.Go(func() {
		jctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout())
		defer cancel()
		outcome := s.execute(jctx, jobKey, binding, rawURL, title)
		if err := s.Notifier.SendText(jctx, openid, outcome); err != nil {
			// Best effort: the ledger already holds the outcome.
			log.Warn().Err(err).Msg("result notification failed")
		}
	})
	return MsgAcceptedAsync
}

// execute runs the job body and records its terminal state. It is the only
// writer of success/failed records, so each claim gets exactly one outcome.
// The terminal write sits in a defer: a panic anywhere in the job body still
// resolves the claim instead of leaving it "processing" until the staleness
// window expires.
func (s *LinkService) execute(ctx context.Context, jobKey string, binding *domain.Binding, rawURL, title string) (reply string) {
	start := time.Now()
	var res *github.PutResult
	var err error

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("link job panic: %v", rec)
		}
		code := ClassifyError(err)
		if s.ObserveJob != nil {
			s.ObserveJob(code, time.Since(start))
		}
		if err != nil {
			log.Error().Err(err).Str("outcome", code).Msg("link job failed")
			if lerr := s.Ledger.MarkFailed(ctx, jobKey, rawURL, code); lerr != nil {
				log.Error().Err(lerr).Msg("ledger terminal write failed")
			}
			reply = MsgProcessingFailed
			return
		}
		if lerr := s.Ledger.MarkSuccess(ctx, jobKey, rawURL, res.HTMLURL, res.Path); lerr != nil {
			log.Error().Err(lerr).Msg("ledger terminal write failed")
		}
		log.Info().Str("path", res.Path).Msg("link job succeeded")
		reply = MsgSaved(res.Title, res.HTMLURL)
	}()

	res, err = s.runJob(ctx, binding, rawURL, title)
	return
}

func (s *LinkService) runJob(ctx context.Context, binding *domain.Binding, rawURL, title string) (*github.PutResult, error) {
	if s.Vault == nil {
		return nil, ErrServerKeyMissing
	}
	token, err := s.Vault.DecryptString(binding.GitHubTokenEnc)
	if err != nil {
		return nil, err
	}
	art, err := s.Fetcher.Fetch(ctx, rawURL, title)
	if err != nil {
		return nil, err
	}
	return s.Publisher.PutMarkdown(ctx, token,
		binding.DefaultRepo, binding.DefaultPath, art.Title, rawURL, art.Markdown)
}
