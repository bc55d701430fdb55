package services

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/ruminer/go-wechat-backend/internal/articles"
	"github.com/ruminer/go-wechat-backend/internal/github"
	"github.com/ruminer/go-wechat-backend/internal/ledger"
	"github.com/ruminer/go-wechat-backend/internal/repo"
	"github.com/ruminer/go-wechat-backend/internal/vault"
)

// fakeStore is an in-memory repo.Store shared by the service tests.
type fakeStore struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
	putErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}}
}

func (s *fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) Put(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.data[key] = value
	return nil
}

func (s *fakeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *fakeStore) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

type fakeVerifier struct {
	err   error
	calls int
	token string
	repo  string
}

func (f *fakeVerifier) GetRepo(_ context.Context, token, repoFullName string) error {
	f.calls++
	f.token = token
	f.repo = repoFullName
	return f.err
}

type fakeFetcher struct {
	mu    sync.Mutex
	art   *articles.Article
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _, _ string) (*articles.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.art, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// panickingFetcher simulates a crash inside the job body.
type panickingFetcher struct{}

func (panickingFetcher) Fetch(context.Context, string, string) (*articles.Article, error) {
	panic("fetcher blew up")
}

type fakePublisher struct {
	mu    sync.Mutex
	res   *github.PutResult
	err   error
	calls int
	token string
	repo  string
}

func (f *fakePublisher) PutMarkdown(_ context.Context, token, repoFullName, _, title, _, _ string) (*github.PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.token = token
	f.repo = repoFullName
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &github.PutResult{Title: title, Path: "articles/x.md", HTMLURL: "https://github.com/o/r/blob/main/articles/x.md"}, nil
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu    sync.Mutex
	err   error
	sent  []string
	done  chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{done: make(chan struct{}, 8)}
}

func (f *fakeNotifier) SendText(_ context.Context, _, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	f.done <- struct{}{}
	return f.err
}

func (f *fakeNotifier) waitForSend(t *testing.T) string {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification within 2s")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func testLedger(store *fakeStore, now func() time.Time) *ledger.Ledger {
	return &ledger.Ledger{
		Store:         store,
		Staleness:     2 * time.Minute,
		ProcessingTTL: 7 * 24 * time.Hour,
		SuccessTTL:    30 * 24 * time.Hour,
		FailedTTL:     24 * time.Hour,
		Now:           now,
	}
}

func testBindings(store *fakeStore, now func() time.Time) *repo.Bindings {
	return &repo.Bindings{Store: store, Now: now}
}
