package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage"
)

// RecordRepo implements storage.ProcessingRecordRepository using PostgreSQL.
type RecordRepo struct {
	db *DB
}

// NewRecordRepo creates a new PostgreSQL processing record repository.
func NewRecordRepo(db *DB) *RecordRepo {
	return &RecordRepo{db: db}
}

// Get retrieves the record for an event id.
func (r *RecordRepo) Get(ctx context.Context, eventID string) (*domain.ProcessingRecord, error) {
	query := `
		SELECT event_id, event_type, status, attempts, last_error_kind, last_error,
		       first_seen_at, processed_at, updated_at
		FROM processing_records
		WHERE event_id = $1
	`

	var rec domain.ProcessingRecord
	err := r.db.GetContext(ctx, &rec, query, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processing record: %w", err)
	}
	return &rec, nil
}

// Upsert creates or replaces the record. Attempts never move backwards.
func (r *RecordRepo) Upsert(ctx context.Context, rec *domain.ProcessingRecord) error {
	query := `
		INSERT INTO processing_records
			(event_id, event_type, status, attempts, last_error_kind, last_error,
			 first_seen_at, processed_at, updated_at)
		VALUES
			(:event_id, :event_type, :status, :attempts, :last_error_kind, :last_error,
			 :first_seen_at, :processed_at, :updated_at)
		ON CONFLICT (event_id) DO UPDATE SET
			status          = EXCLUDED.status,
			attempts        = GREATEST(processing_records.attempts, EXCLUDED.attempts),
			last_error_kind = EXCLUDED.last_error_kind,
			last_error      = EXCLUDED.last_error,
			processed_at    = EXCLUDED.processed_at,
			updated_at      = EXCLUDED.updated_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to upsert processing record: %w", err)
	}
	return nil
}

// DeleteTerminalBefore removes processed and failed records last updated before the cutoff.
func (r *RecordRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM processing_records
		WHERE status IN ('processed', 'failed') AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune processing records: %w", err)
	}
	return res.RowsAffected()
}
