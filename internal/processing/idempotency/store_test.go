package idempotency

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage/memory"
)

type countingRepo struct {
	*memory.RecordRepo
	gets int
}

func (r *countingRepo) Get(ctx context.Context, eventID string) (*domain.ProcessingRecord, error) {
	r.gets++
	return r.RecordRepo.Get(ctx, eventID)
}

func newTestStore(cfg Config) (*Store, *countingRepo, *time.Time) {
	repo := &countingRepo{RecordRepo: memory.NewRecordRepo(memory.NewMemoryStorage())}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(cfg, repo)
	s.SetClock(func() time.Time { return now })
	return s, repo, &now
}

func markProcessed(t *testing.T, s *Store, id string) {
	t.Helper()
	rec := domain.NewProcessingRecord(&domain.Event{ID: id, Type: domain.EventTypePaymentSucceeded}, s.now())
	if err := s.MarkProcessed(context.Background(), rec); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
}

func TestStore_UnknownIsNotProcessed(t *testing.T) {
	s, _, _ := newTestStore(DefaultConfig())
	ok, err := s.IsProcessed(context.Background(), "evt_x")
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestStore_CacheHitSkipsDurableLookup(t *testing.T) {
	s, repo, _ := newTestStore(DefaultConfig())
	markProcessed(t, s, "evt_1")

	ok, err := s.IsProcessed(context.Background(), "evt_1")
	if err != nil || !ok {
		t.Fatalf("expected processed, got (%v, %v)", ok, err)
	}
	if repo.gets != 0 {
		t.Errorf("expected cache hit, durable gets=%d", repo.gets)
	}
}

func TestStore_FIFOEvictionFallsBackToDurable(t *testing.T) {
	s, repo, _ := newTestStore(Config{CacheSize: 3})
	for i := 1; i <= 4; i++ {
		markProcessed(t, s, fmt.Sprintf("evt_%d", i))
	}
	if s.Len() != 3 {
		t.Fatalf("expected cache bounded at 3, got %d", s.Len())
	}

	ok, err := s.IsProcessed(context.Background(), "evt_1")
	if err != nil || !ok {
		t.Fatalf("evicted id must still be processed via durable store, got (%v, %v)", ok, err)
	}
	if repo.gets != 1 {
		t.Errorf("expected one durable lookup, got %d", repo.gets)
	}

	// The durable hit was cached again
	if _, err := s.IsProcessed(context.Background(), "evt_1"); err != nil {
		t.Fatal(err)
	}
	if repo.gets != 1 {
		t.Errorf("expected repopulated cache, got %d durable lookups", repo.gets)
	}
}

func TestStore_NonTerminalRecordIsNotProcessed(t *testing.T) {
	s, _, _ := newTestStore(DefaultConfig())
	rec := domain.NewProcessingRecord(&domain.Event{ID: "evt_2"}, s.now())
	rec.Status = domain.ProcessingStatusRetrying
	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	ok, err := s.IsProcessed(context.Background(), "evt_2")
	if err != nil || ok {
		t.Fatalf("expected not processed, got (%v, %v)", ok, err)
	}
}

func TestStore_SweepDropsExpired(t *testing.T) {
	s, _, now := newTestStore(Config{CacheSize: 10, CacheTTL: time.Hour})
	markProcessed(t, s, "old")
	*now = now.Add(30 * time.Minute)
	markProcessed(t, s, "new")
	*now = now.Add(31 * time.Minute)

	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected 1 entry swept, got %d", n)
	}
	if s.cached("old") || !s.cached("new") {
		t.Error("expected only the old entry swept")
	}
}

func TestStore_RunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestStore(Config{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
