package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage"
)

// BusinessStore implements storage.BusinessStateStore using PostgreSQL.
type BusinessStore struct {
	db *DB
}

// NewBusinessStore creates a new PostgreSQL business state store.
func NewBusinessStore(db *DB) *BusinessStore {
	return &BusinessStore{db: db}
}

// GetUserCredits returns the user's credit balance (0 for unknown users).
func (s *BusinessStore) GetUserCredits(ctx context.Context, userID string) (int64, error) {
	var credits int64
	err := s.db.GetContext(ctx, &credits, `SELECT credits FROM accounts WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get user credits: %w", err)
	}
	return credits, nil
}

// SetUserCredits sets the user's credit balance.
func (s *BusinessStore) SetUserCredits(ctx context.Context, userID string, credits int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, credits) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET credits = EXCLUDED.credits
	`, userID, credits)
	if err != nil {
		return fmt.Errorf("failed to set user credits: %w", err)
	}
	return nil
}

// SetSubscriptionStatus sets the user's subscription status.
func (s *BusinessStore) SetSubscriptionStatus(
	ctx context.Context,
	userID string,
	status domain.SubscriptionStatus,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, subscription_status) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET subscription_status = EXCLUDED.subscription_status
	`, userID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set subscription status: %w", err)
	}
	return nil
}

// GetSubscriptionStatus returns the user's subscription status.
func (s *BusinessStore) GetSubscriptionStatus(
	ctx context.Context,
	userID string,
) (domain.SubscriptionStatus, error) {
	var status string
	err := s.db.GetContext(ctx, &status, `SELECT subscription_status FROM accounts WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get subscription status: %w", err)
	}
	return domain.SubscriptionStatus(status), nil
}

// SavePayment records a payment; an existing row is left untouched.
func (s *BusinessStore) SavePayment(ctx context.Context, p *domain.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, user_id, status, credits, credits_applied)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.UserID, string(p.Status), p.Credits)
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by id.
func (s *BusinessStore) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	var p domain.Payment
	err := s.db.GetContext(ctx, &p, `
		SELECT id, user_id, status, credits, credits_applied FROM payments WHERE id = $1
	`, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &p, nil
}

func (s *BusinessStore) setPaymentStatus(ctx context.Context, paymentID string, status domain.PaymentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE payments SET status = $2 WHERE id = $1`, paymentID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkPaymentSucceeded marks a payment succeeded.
func (s *BusinessStore) MarkPaymentSucceeded(ctx context.Context, paymentID string) error {
	return s.setPaymentStatus(ctx, paymentID, domain.PaymentStatusSucceeded)
}

// MarkPaymentFailed marks a payment failed.
func (s *BusinessStore) MarkPaymentFailed(ctx context.Context, paymentID string) error {
	return s.setPaymentStatus(ctx, paymentID, domain.PaymentStatusFailed)
}

// ApplyPaymentCredits claims the payment's credit flag and adds its credits to the balance in one transaction.
func (s *BusinessStore) ApplyPaymentCredits(ctx context.Context, paymentID string) (int64, error) {
	uow, err := s.db.NewUnitOfWork(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = uow.Rollback() }()

	claim, claimed, err := uow.ClaimPaymentCredits(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	if !claimed {
		if _, err := s.GetPayment(ctx, paymentID); err != nil {
			return 0, err
		}
		return 0, storage.ErrAlreadyApplied
	}

	total, err := uow.AddUserCredits(ctx, claim.UserID, claim.Credits)
	if err != nil {
		return 0, err
	}
	if err := uow.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit credit grant: %w", err)
	}
	return total, nil
}
