// Package escalation hands failures that automation could not resolve to a human.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage"
	"github.com/vietddude/payguard/internal/processing/metrics"
)

// LevelCritical sits above slog.LevelError for operator alerts.
const LevelCritical = slog.Level(12)

// AlertSink notifies operators of a new review item.
type AlertSink interface {
	Alert(ctx context.Context, item *domain.ManualReviewItem) error
}

// Request carries what an operator needs to act on a failure.
type Request struct {
	EventID   string
	EventType domain.EventType
	Attempts  int
	Err       error
	Reason    string
	Details   map[string]any
}

func (r Request) context() map[string]any {
	c := make(map[string]any, len(r.Details)+5)
	for k, v := range r.Details {
		c[k] = v
	}
	if r.EventID != "" {
		c["event_id"] = r.EventID
	}
	if r.EventType != "" {
		c["event_type"] = string(r.EventType)
	}
	if r.Attempts > 0 {
		c["attempts"] = r.Attempts
	}
	if r.Err != nil {
		c["error"] = r.Err.Error()
	}
	if r.Reason != "" {
		c["reason"] = r.Reason
	}
	return c
}

type Escalator struct {
	repo storage.ReviewRepository
	sink AlertSink
	now  func() time.Time
}

func NewEscalator(repo storage.ReviewRepository, sink AlertSink) *Escalator {
	if sink == nil {
		sink = LogSink{}
	}
	return &Escalator{repo: repo, sink: sink, now: time.Now}
}

// PriorityFor returns high for kinds that touch money or entitlements.
func PriorityFor(kind domain.ErrorKind) domain.ReviewPriority {
	if kind.IsCritical() {
		return domain.ReviewPriorityHigh
	}
	return domain.ReviewPriorityMedium
}

// Escalate persists a pending review item and alerts operators.
// Alert failures are logged and never returned.
func (e *Escalator) Escalate(ctx context.Context, kind domain.ErrorKind, req Request) (*domain.ManualReviewItem, error) {
	item := &domain.ManualReviewItem{
		ID:        uuid.New().String(),
		EventID:   req.EventID,
		ErrorKind: kind,
		Context:   req.context(),
		Priority:  PriorityFor(kind),
		Status:    domain.ReviewStatusPending,
		CreatedAt: e.now(),
	}

	if err := e.repo.Add(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to persist review item: %w", err)
	}
	metrics.Escalations.WithLabelValues(string(kind), string(item.Priority)).Inc()

	if err := e.sink.Alert(ctx, item); err != nil {
		slog.Error("Failed to alert operators", "review_id", item.ID, "error", err)
	}
	return item, nil
}

// ListPending returns pending items, high priority first.
func (e *Escalator) ListPending(ctx context.Context, limit int) ([]*domain.ManualReviewItem, error) {
	return e.repo.ListPending(ctx, limit)
}

// Resolve marks an item resolved. Resolving twice is a no-op.
func (e *Escalator) Resolve(ctx context.Context, id string) (*domain.ManualReviewItem, error) {
	item, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status == domain.ReviewStatusResolved {
		return item, nil
	}
	at := e.now()
	if err := e.repo.Resolve(ctx, id, at); err != nil {
		return nil, fmt.Errorf("failed to resolve review item: %w", err)
	}
	item.Status = domain.ReviewStatusResolved
	item.ResolvedAt = &at
	slog.Info("Review item resolved", "review_id", id, "event_id", item.EventID)
	return item, nil
}

// LogSink writes alerts to the default logger at LevelCritical.
type LogSink struct{}

func (LogSink) Alert(ctx context.Context, item *domain.ManualReviewItem) error {
	slog.Log(ctx, LevelCritical, "Manual review required",
		"review_id", item.ID,
		"event_id", item.EventID,
		"kind", item.ErrorKind,
		"priority", item.Priority,
		"context", item.Context,
	)
	return nil
}

// MultiSink fans an alert out to every sink and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Alert(ctx context.Context, item *domain.ManualReviewItem) error {
	var errs []error
	for _, s := range m {
		if err := s.Alert(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
