package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage"
)

type account struct {
	credits      int64
	subscription domain.SubscriptionStatus
}

type MemoryStorage struct {
	records  map[string]*domain.ProcessingRecord
	reviews  map[string]*domain.ManualReviewItem
	accounts map[string]*account
	payments map[string]*domain.Payment
	emails   map[string]*domain.EmailRetry
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records:  make(map[string]*domain.ProcessingRecord),
		reviews:  make(map[string]*domain.ManualReviewItem),
		accounts: make(map[string]*account),
		payments: make(map[string]*domain.Payment),
		emails:   make(map[string]*domain.EmailRetry),
	}
}

// -----------------------------------------------------------------------------
// Processing Record Repository
// -----------------------------------------------------------------------------

type RecordRepo struct {
	store *MemoryStorage
}

func NewRecordRepo(store *MemoryStorage) *RecordRepo {
	return &RecordRepo{store: store}
}

func (r *RecordRepo) Get(ctx context.Context, eventID string) (*domain.ProcessingRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.records[eventID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *RecordRepo) Upsert(ctx context.Context, record *domain.ProcessingRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *record
	r.store.records[record.EventID] = &cp
	return nil
}

// DeleteTerminalBefore drops processed or failed records last touched before the cutoff.
func (r *RecordRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, rec := range r.store.records {
		if rec.IsTerminal() && rec.UpdatedAt.Before(before) {
			delete(r.store.records, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Review Repository
// -----------------------------------------------------------------------------

type ReviewRepo struct {
	store *MemoryStorage
}

func NewReviewRepo(store *MemoryStorage) *ReviewRepo {
	return &ReviewRepo{store: store}
}

func (r *ReviewRepo) Add(ctx context.Context, item *domain.ManualReviewItem) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.reviews[item.ID]; ok {
		return storage.ErrDuplicate
	}
	cp := *item
	r.store.reviews[item.ID] = &cp
	return nil
}

func (r *ReviewRepo) Get(ctx context.Context, id string) (*domain.ManualReviewItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	item, ok := r.store.reviews[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (r *ReviewRepo) ListPending(ctx context.Context, limit int) ([]*domain.ManualReviewItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var items []*domain.ManualReviewItem
	for _, item := range r.store.reviews {
		if item.Status == domain.ReviewStatusPending {
			cp := *item
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority == domain.ReviewPriorityHigh
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *ReviewRepo) Resolve(ctx context.Context, id string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	item, ok := r.store.reviews[id]
	if !ok {
		return storage.ErrNotFound
	}
	item.Status = domain.ReviewStatusResolved
	item.ResolvedAt = &at
	return nil
}

func (r *ReviewRepo) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, item := range r.store.reviews {
		if item.Status == domain.ReviewStatusResolved && item.ResolvedAt != nil && item.ResolvedAt.Before(before) {
			delete(r.store.reviews, id)
			n++
		}
	}
	return n, nil
}

func (r *ReviewRepo) CountPending(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, item := range r.store.reviews {
		if item.Status == domain.ReviewStatusPending {
			count++
		}
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Business State Store
// -----------------------------------------------------------------------------

type BusinessStore struct {
	store *MemoryStorage
}

func NewBusinessStore(store *MemoryStorage) *BusinessStore {
	return &BusinessStore{store: store}
}

func (s *BusinessStore) accountUnsafe(userID string) *account {
	acc, ok := s.store.accounts[userID]
	if !ok {
		acc = &account{}
		s.store.accounts[userID] = acc
	}
	return acc
}

func (s *BusinessStore) GetUserCredits(ctx context.Context, userID string) (int64, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	if acc, ok := s.store.accounts[userID]; ok {
		return acc.credits, nil
	}
	return 0, nil
}

func (s *BusinessStore) SetUserCredits(ctx context.Context, userID string, credits int64) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.accountUnsafe(userID).credits = credits
	return nil
}

func (s *BusinessStore) SetSubscriptionStatus(
	ctx context.Context,
	userID string,
	status domain.SubscriptionStatus,
) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.accountUnsafe(userID).subscription = status
	return nil
}

func (s *BusinessStore) GetSubscriptionStatus(
	ctx context.Context,
	userID string,
) (domain.SubscriptionStatus, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	if acc, ok := s.store.accounts[userID]; ok {
		return acc.subscription, nil
	}
	return "", nil
}

func (s *BusinessStore) SavePayment(ctx context.Context, payment *domain.Payment) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.payments[payment.ID]; ok {
		return nil
	}
	cp := *payment
	s.store.payments[payment.ID] = &cp
	return nil
}

func (s *BusinessStore) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	p, ok := s.store.payments[paymentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *BusinessStore) setPaymentStatus(paymentID string, status domain.PaymentStatus) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	p, ok := s.store.payments[paymentID]
	if !ok {
		return storage.ErrNotFound
	}
	p.Status = status
	return nil
}

func (s *BusinessStore) MarkPaymentSucceeded(ctx context.Context, paymentID string) error {
	return s.setPaymentStatus(paymentID, domain.PaymentStatusSucceeded)
}

func (s *BusinessStore) MarkPaymentFailed(ctx context.Context, paymentID string) error {
	return s.setPaymentStatus(paymentID, domain.PaymentStatusFailed)
}

func (s *BusinessStore) ApplyPaymentCredits(ctx context.Context, paymentID string) (int64, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	p, ok := s.store.payments[paymentID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if p.CreditsApplied {
		return 0, storage.ErrAlreadyApplied
	}
	p.CreditsApplied = true
	acc := s.accountUnsafe(p.UserID)
	acc.credits += p.Credits
	return acc.credits, nil
}

// -----------------------------------------------------------------------------
// Email Retry Queue
// -----------------------------------------------------------------------------

type EmailQueue struct {
	store *MemoryStorage
}

func NewEmailQueue(store *MemoryStorage) *EmailQueue {
	return &EmailQueue{store: store}
}

func (q *EmailQueue) Enqueue(ctx context.Context, item *domain.EmailRetry) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	cp := *item
	q.store.emails[item.ID] = &cp
	return nil
}

func (q *EmailQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]*domain.EmailRetry, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	var due []*domain.EmailRetry
	for _, item := range q.store.emails {
		if !item.NextAttemptAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, item := range due {
		delete(q.store.emails, item.ID)
	}
	return due, nil
}

func (q *EmailQueue) Len(ctx context.Context) (int, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	return len(q.store.emails), nil
}
