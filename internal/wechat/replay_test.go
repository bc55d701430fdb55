package wechat

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

// fakeStore is an in-memory repo.Store with injectable failures.
type fakeStore struct {
	data    map[string]string
	getErr  error
	putErr  error
	putTTLs map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}, putTTLs: map[string]time.Duration{}}
}

func (s *fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.data[key] = value
	s.putTTLs[key] = ttl
	return nil
}

func newGuard(store *fakeStore, now time.Time) *ReplayGuard {
	return &ReplayGuard{
		Store:     store,
		Tolerance: 600 * time.Second,
		TTLFloor:  60 * time.Second,
		Now:       func() time.Time { return now },
	}
}

func TestReplayGuard_AcceptThenReject(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := newFakeStore()
	g := newGuard(store, now)
	ts := strconv.FormatInt(now.Unix(), 10)

	if err := g.Check(context.Background(), ts, "nonce1"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := g.Check(context.Background(), ts, "nonce1"); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("replay err = %v; want ErrReplayDetected", err)
	}
	// A different nonce at the same instant is fine.
	if err := g.Check(context.Background(), ts, "nonce2"); err != nil {
		t.Fatalf("fresh nonce: %v", err)
	}
}

func TestReplayGuard_MissingParams(t *testing.T) {
	g := newGuard(newFakeStore(), time.Unix(1700000000, 0))
	if err := g.Check(context.Background(), "", "n"); !errors.Is(err, ErrReplayMissingParams) {
		t.Fatalf("err = %v", err)
	}
	if err := g.Check(context.Background(), "1700000000", ""); !errors.Is(err, ErrReplayMissingParams) {
		t.Fatalf("err = %v", err)
	}
}

func TestReplayGuard_NonNumericTimestamp(t *testing.T) {
	g := newGuard(newFakeStore(), time.Unix(1700000000, 0))
	if err := g.Check(context.Background(), "yesterday", "n"); !errors.Is(err, ErrReplayBadTimestamp) {
		t.Fatalf("err = %v", err)
	}
}

func TestReplayGuard_OutOfTolerance(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := newFakeStore()
	g := newGuard(store, now)

	past := strconv.FormatInt(now.Add(-11*time.Minute).Unix(), 10)
	if err := g.Check(context.Background(), past, "fresh-nonce"); !errors.Is(err, ErrReplayOutOfTolerance) {
		t.Fatalf("err = %v; want ErrReplayOutOfTolerance", err)
	}
	future := strconv.FormatInt(now.Add(11*time.Minute).Unix(), 10)
	if err := g.Check(context.Background(), future, "fresh-nonce"); !errors.Is(err, ErrReplayOutOfTolerance) {
		t.Fatalf("err = %v; want ErrReplayOutOfTolerance", err)
	}
	if len(store.data) != 0 {
		t.Fatalf("rejected timestamps must not write markers")
	}
}

func TestReplayGuard_EdgeOfTolerance(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := newGuard(newFakeStore(), now)
	edge := strconv.FormatInt(now.Add(-600*time.Second).Unix(), 10)
	if err := g.Check(context.Background(), edge, "n"); err != nil {
		t.Fatalf("exactly-at-tolerance must pass: %v", err)
	}
}

func TestReplayGuard_StoreFailuresFailClosed(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	g := newGuard(newFakeStore(), now)
	g.Store = nil
	if err := g.Check(context.Background(), ts, "n"); !errors.Is(err, ErrReplayStoreUnavailable) {
		t.Fatalf("nil store err = %v", err)
	}

	failing := newFakeStore()
	failing.getErr = errors.New("db down")
	g = newGuard(failing, now)
	if err := g.Check(context.Background(), ts, "n"); !errors.Is(err, ErrReplayStoreUnavailable) {
		t.Fatalf("get failure err = %v", err)
	}

	failing = newFakeStore()
	failing.putErr = errors.New("db down")
	g = newGuard(failing, now)
	if err := g.Check(context.Background(), ts, "n"); !errors.Is(err, ErrReplayStoreUnavailable) {
		t.Fatalf("put failure err = %v", err)
	}
}

func TestReplayGuard_MarkerTTLIsMaxOfFloorAndTolerance(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	store := newFakeStore()
	g := newGuard(store, now)
	if err := g.Check(context.Background(), ts, "a"); err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, ttl := range store.putTTLs {
		if ttl != 600*time.Second {
			t.Fatalf("ttl = %v; want tolerance (600s)", ttl)
		}
	}

	// With a tiny tolerance the floor wins.
	store = newFakeStore()
	g = newGuard(store, now)
	g.Tolerance = 10 * time.Second
	if err := g.Check(context.Background(), ts, "b"); err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, ttl := range store.putTTLs {
		if ttl != 60*time.Second {
			t.Fatalf("ttl = %v; want floor (60s)", ttl)
		}
	}
}
