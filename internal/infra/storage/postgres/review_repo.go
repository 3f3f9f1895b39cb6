package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage"
)

// ReviewRepo implements storage.ReviewRepository using PostgreSQL.
type ReviewRepo struct {
	db *DB
}

// NewReviewRepo creates a new PostgreSQL manual review repository.
func NewReviewRepo(db *DB) *ReviewRepo {
	return &ReviewRepo{db: db}
}

type reviewRow struct {
	ID         string       `db:"id"`
	EventID    string       `db:"event_id"`
	ErrorKind  string       `db:"error_kind"`
	Context    []byte       `db:"context"`
	Priority   string       `db:"priority"`
	Status     string       `db:"status"`
	CreatedAt  time.Time    `db:"created_at"`
	ResolvedAt sql.NullTime `db:"resolved_at"`
}

func (row reviewRow) toDomain() *domain.ManualReviewItem {
	item := &domain.ManualReviewItem{
		ID:        row.ID,
		EventID:   row.EventID,
		ErrorKind: domain.ErrorKind(row.ErrorKind),
		Priority:  domain.ReviewPriority(row.Priority),
		Status:    domain.ReviewStatus(row.Status),
		CreatedAt: row.CreatedAt,
	}
	if len(row.Context) > 0 {
		// A corrupt context blob should not hide the item from operators
		_ = json.Unmarshal(row.Context, &item.Context)
	}
	if row.ResolvedAt.Valid {
		t := row.ResolvedAt.Time
		item.ResolvedAt = &t
	}
	return item
}

const reviewColumns = `id, event_id, error_kind, context, priority, status, created_at, resolved_at`

// Add adds a pending review item.
func (r *ReviewRepo) Add(ctx context.Context, item *domain.ManualReviewItem) error {
	ctxJSON, err := json.Marshal(item.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal review context: %w", err)
	}

	query := `
		INSERT INTO manual_review_items (id, event_id, error_kind, context, priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(
		ctx,
		query,
		item.ID,
		item.EventID,
		string(item.ErrorKind),
		ctxJSON,
		string(item.Priority),
		string(item.Status),
		item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add review item: %w", err)
	}
	return nil
}

// Get retrieves a review item by id.
func (r *ReviewRepo) Get(ctx context.Context, id string) (*domain.ManualReviewItem, error) {
	var row reviewRow
	err := r.db.GetContext(ctx, &row, `SELECT `+reviewColumns+` FROM manual_review_items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review item: %w", err)
	}
	return row.toDomain(), nil
}

// ListPending returns pending items, high priority first, oldest first.
func (r *ReviewRepo) ListPending(ctx context.Context, limit int) ([]*domain.ManualReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + reviewColumns + `
		FROM manual_review_items
		WHERE status = 'pending'
		ORDER BY CASE priority WHEN 'high' THEN 0 ELSE 1 END, created_at ASC
		LIMIT $1
	`

	var rows []reviewRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list review items: %w", err)
	}

	items := make([]*domain.ManualReviewItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

// Resolve marks a review item resolved.
func (r *ReviewRepo) Resolve(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE manual_review_items SET status = 'resolved', resolved_at = $2 WHERE id = $1`,
		id,
		at,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve review item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CountPending returns the number of pending review items.
func (r *ReviewRepo) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM manual_review_items WHERE status = 'pending'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count review items: %w", err)
	}
	return count, nil
}

// DeleteResolvedBefore removes items resolved before the cutoff.
func (r *ReviewRepo) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM manual_review_items
		WHERE status = 'resolved' AND resolved_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune review items: %w", err)
	}
	return res.RowsAffected()
}
