package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UnitOfWork bundles persistence operations into a single database transaction,
// ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// CreditClaim is the owner and amount of a freshly claimed payment.
type CreditClaim struct {
	UserID  string `db:"user_id"`
	Credits int64  `db:"credits"`
}

// ClaimPaymentCredits flips credits_applied for a payment and returns its owner and amount.
// claimed is false when the flag was already set.
func (u *UnitOfWork) ClaimPaymentCredits(ctx context.Context, paymentID string) (claim CreditClaim, claimed bool, err error) {
	var rows []CreditClaim
	err = u.tx.SelectContext(ctx, &rows, `
		UPDATE payments
		SET credits_applied = TRUE
		WHERE id = $1 AND credits_applied = FALSE
		RETURNING user_id, credits
	`, paymentID)
	if err != nil {
		return CreditClaim{}, false, fmt.Errorf("failed to claim payment credits: %w", err)
	}
	if len(rows) == 0 {
		return CreditClaim{}, false, nil
	}
	return rows[0], true, nil
}

// AddUserCredits increments the user's balance within the transaction and returns the new total.
// The row lock taken by the upsert serializes concurrent grants for the same user.
func (u *UnitOfWork) AddUserCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	var total int64
	err := u.tx.GetContext(ctx, &total, `
		INSERT INTO accounts (user_id, credits) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET credits = accounts.credits + EXCLUDED.credits
		RETURNING credits
	`, userID, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to add user credits: %w", err)
	}
	return total, nil
}
