// Package idempotency answers "was this event already processed?" from a bounded
// in-memory cache backed by the durable processing ledger.
package idempotency

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage"
	"github.com/vietddude/payguard/internal/processing/metrics"
)

const DefaultCacheSize = 1000

type Config struct {
	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func DefaultConfig() Config {
	return Config{
		CacheSize:     DefaultCacheSize,
		CacheTTL:      24 * time.Hour,
		SweepInterval: 10 * time.Minute,
	}
}

type cacheEntry struct {
	eventID string
	addedAt time.Time
}

// Store combines the FIFO cache with the durable ledger.
type Store struct {
	cfg     Config
	records storage.ProcessingRecordRepository
	now     func() time.Time

	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

func NewStore(cfg Config, records storage.ProcessingRecordRepository) *Store {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	return &Store{
		cfg:     cfg,
		records: records,
		now:     time.Now,
		order:   list.New(),
		index:   make(map[string]*list.Element),
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// IsProcessed checks the cache, then the durable ledger. A durable hit is cached.
func (s *Store) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if s.cached(eventID) {
		metrics.IdempotencyLookups.WithLabelValues("cache").Inc()
		return true, nil
	}

	rec, err := s.records.Get(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.IdempotencyLookups.WithLabelValues("miss").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up processing record: %w", err)
	}
	if rec.Status != domain.ProcessingStatusProcessed {
		metrics.IdempotencyLookups.WithLabelValues("miss").Inc()
		return false, nil
	}

	metrics.IdempotencyLookups.WithLabelValues("durable").Inc()
	s.remember(eventID)
	return true, nil
}

// Record returns the durable record for eventID, creating a fresh one on first sighting.
func (s *Store) Record(ctx context.Context, event *domain.Event) (*domain.ProcessingRecord, error) {
	rec, err := s.records.Get(ctx, event.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NewProcessingRecord(event, s.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load processing record: %w", err)
	}
	return rec, nil
}

// Save persists a record mutation.
func (s *Store) Save(ctx context.Context, rec *domain.ProcessingRecord) error {
	rec.UpdatedAt = s.now()
	if err := s.records.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to save processing record: %w", err)
	}
	return nil
}

// MarkProcessed makes the record terminal in the durable ledger and the cache.
func (s *Store) MarkProcessed(ctx context.Context, rec *domain.ProcessingRecord) error {
	now := s.now()
	rec.Status = domain.ProcessingStatusProcessed
	rec.ProcessedAt = &now
	if err := s.Save(ctx, rec); err != nil {
		return err
	}
	s.remember(rec.EventID)
	return nil
}

func (s *Store) cached(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[eventID]
	return ok
}

func (s *Store) remember(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[eventID]; ok {
		return
	}
	s.index[eventID] = s.order.PushBack(cacheEntry{eventID: eventID, addedAt: s.now()})
	for s.order.Len() > s.cfg.CacheSize {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(cacheEntry).eventID)
	}
	metrics.IdempotencyCacheSize.Set(float64(s.order.Len()))
}

// Len returns the number of cached ids.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Sweep drops cache entries older than the TTL and returns how many were dropped.
func (s *Store) Sweep() int {
	if s.cfg.CacheTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.cfg.CacheTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for e := s.order.Front(); e != nil; {
		entry := e.Value.(cacheEntry)
		if entry.addedAt.After(cutoff) {
			break
		}
		next := e.Next()
		s.order.Remove(e)
		delete(s.index, entry.eventID)
		dropped++
		e = next
	}
	metrics.IdempotencyCacheSize.Set(float64(s.order.Len()))
	return dropped
}

// Run sweeps the cache on a ticker until ctx is canceled.
func (s *Store) Run(ctx context.Context) error {
	if s.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	slog.Info("Idempotency cache sweeper started", "interval", s.cfg.SweepInterval, "ttl", s.cfg.CacheTTL)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Debug("Swept idempotency cache", "dropped", n, "remaining", s.Len())
			}
		}
	}
}
