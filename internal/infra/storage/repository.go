package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/vietddude/payguard/internal/core/domain"
)

var (
	// ErrNotFound is returned when a row doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique constraint rejects a write
	ErrDuplicate = errors.New("duplicate key value violates unique constraint")

	// ErrAlreadyApplied is returned when a payment's credits were already granted
	ErrAlreadyApplied = errors.New("payment credits already applied")
)

const uniqueViolation = "23505"

// IsDuplicateKey reports whether err is a unique-constraint violation from any backend.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

// ProcessingRecordRepository is the durable idempotency ledger.
type ProcessingRecordRepository interface {
	// Get retrieves the record for an event id, or ErrNotFound
	Get(ctx context.Context, eventID string) (*domain.ProcessingRecord, error)

	// Upsert creates or replaces the record
	Upsert(ctx context.Context, record *domain.ProcessingRecord) error

	// DeleteTerminalBefore removes processed and failed records last updated before the cutoff
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// ReviewRepository persists manual review items.
type ReviewRepository interface {
	// Add adds a pending item
	Add(ctx context.Context, item *domain.ManualReviewItem) error

	// Get retrieves an item by id, or ErrNotFound
	Get(ctx context.Context, id string) (*domain.ManualReviewItem, error)

	// ListPending returns pending items, high priority first
	ListPending(ctx context.Context, limit int) ([]*domain.ManualReviewItem, error)

	// Resolve marks an item resolved
	Resolve(ctx context.Context, id string, at time.Time) error

	// CountPending returns the number of pending items
	CountPending(ctx context.Context) (int, error)

	// DeleteResolvedBefore removes items resolved before the cutoff
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error)
}

// BusinessStateStore is the narrow accessor surface over subscription and credit state.
// Recovery strategies and handlers never issue raw queries.
type BusinessStateStore interface {
	GetUserCredits(ctx context.Context, userID string) (int64, error)
	SetUserCredits(ctx context.Context, userID string, credits int64) error
	SetSubscriptionStatus(ctx context.Context, userID string, status domain.SubscriptionStatus) error
	GetSubscriptionStatus(ctx context.Context, userID string) (domain.SubscriptionStatus, error)

	// SavePayment records a payment seen for the first time; existing rows are left untouched.
	SavePayment(ctx context.Context, payment *domain.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	MarkPaymentSucceeded(ctx context.Context, paymentID string) error
	MarkPaymentFailed(ctx context.Context, paymentID string) error

	// ApplyPaymentCredits adds the payment's credits to its owner's balance and flags the
	// payment as credited in one atomic step, returning the new balance.
	// Returns ErrAlreadyApplied if the flag was already set.
	ApplyPaymentCredits(ctx context.Context, paymentID string) (int64, error)
}

// EmailRetryQueue holds notifications waiting to be re-sent.
type EmailRetryQueue interface {
	// Enqueue adds or replaces an item, due at item.NextAttemptAt
	Enqueue(ctx context.Context, item *domain.EmailRetry) error

	// PopDue removes and returns up to limit items due at or before now
	PopDue(ctx context.Context, now time.Time, limit int) ([]*domain.EmailRetry, error)

	// Len returns the queue length
	Len(ctx context.Context) (int, error)
}
