package escalation

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage"
	"github.com/vietddude/payguard/internal/infra/storage/memory"
)

type recordingSink struct {
	items []*domain.ManualReviewItem
	err   error
}

func (s *recordingSink) Alert(ctx context.Context, item *domain.ManualReviewItem) error {
	s.items = append(s.items, item)
	return s.err
}

func TestEscalate_Priority(t *testing.T) {
	tests := []struct {
		kind domain.ErrorKind
		want domain.ReviewPriority
	}{
		{domain.ErrorKindPaymentIntentFailed, domain.ReviewPriorityHigh},
		{domain.ErrorKindSubscriptionCreationFailed, domain.ReviewPriorityHigh},
		{domain.ErrorKindCreditUpdateFailed, domain.ReviewPriorityHigh},
		{domain.ErrorKindWebhookProcessingFailed, domain.ReviewPriorityMedium},
		{domain.ErrorKindExternalAPIError, domain.ReviewPriorityMedium},
		{domain.ErrorKindUnknown, domain.ReviewPriorityMedium},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			sink := &recordingSink{}
			e := NewEscalator(memory.NewReviewRepo(memory.NewMemoryStorage()), sink)
			item, err := e.Escalate(context.Background(), tt.kind, Request{EventID: "evt_1", Err: errors.New("boom")})
			if err != nil {
				t.Fatalf("Escalate failed: %v", err)
			}
			if item.Priority != tt.want {
				t.Errorf("expected %s, got %s", tt.want, item.Priority)
			}
			if item.Status != domain.ReviewStatusPending {
				t.Errorf("expected pending, got %s", item.Status)
			}
			if item.Context["error"] != "boom" || item.Context["event_id"] != "evt_1" {
				t.Errorf("unexpected context %+v", item.Context)
			}
			if len(sink.items) != 1 {
				t.Errorf("expected one alert, got %d", len(sink.items))
			}
		})
	}
}

func TestEscalate_AlertFailureNotPropagated(t *testing.T) {
	repo := memory.NewReviewRepo(memory.NewMemoryStorage())
	e := NewEscalator(repo, &recordingSink{err: errors.New("redis down")})

	item, err := e.Escalate(context.Background(), domain.ErrorKindUnknown, Request{})
	if err != nil {
		t.Fatalf("alert failure must not propagate: %v", err)
	}
	if _, err := repo.Get(context.Background(), item.ID); err != nil {
		t.Errorf("item should be persisted: %v", err)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	e := NewEscalator(memory.NewReviewRepo(memory.NewMemoryStorage()), &recordingSink{})

	low, _ := e.Escalate(ctx, domain.ErrorKindUnknown, Request{EventID: "evt_1"})
	high, _ := e.Escalate(ctx, domain.ErrorKindCreditUpdateFailed, Request{EventID: "evt_2"})

	pending, err := e.ListPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != high.ID {
		t.Fatalf("expected high priority first, got %+v", pending)
	}

	resolved, err := e.Resolve(ctx, low.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != domain.ReviewStatusResolved || resolved.ResolvedAt == nil {
		t.Errorf("unexpected item %+v", resolved)
	}

	pending, _ = e.ListPending(ctx, 10)
	if len(pending) != 1 {
		t.Errorf("expected 1 pending, got %d", len(pending))
	}

	if _, err := e.Resolve(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{err: errors.New("down")}
	err := MultiSink{a, b}.Alert(context.Background(), &domain.ManualReviewItem{ID: "r1"})
	if err == nil {
		t.Error("expected joined error")
	}
	if len(a.items) != 1 || len(b.items) != 1 {
		t.Error("every sink should be called")
	}
}
