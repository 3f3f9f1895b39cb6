package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage/memory"
	"github.com/vietddude/payguard/internal/processing/dispatch"
)

type sentNote struct {
	userID   string
	template string
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []sentNote
}

func (m *mockNotifier) Notify(ctx context.Context, userID, templateID string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentNote{userID: userID, template: templateID})
}

func setup() (*dispatch.Dispatcher, *memory.BusinessStore, *mockNotifier) {
	store := memory.NewBusinessStore(memory.NewMemoryStorage())
	notifier := &mockNotifier{}
	d := dispatch.NewDispatcher()
	New(store, notifier).Register(d)
	return d, store, notifier
}

func event(id string, t domain.EventType, obj map[string]any) *domain.Event {
	payload, _ := json.Marshal(obj)
	return &domain.Event{ID: id, Type: t, Payload: payload}
}

func TestCheckoutCompleted_AppliesCreditsOnce(t *testing.T) {
	d, store, notifier := setup()
	ctx := context.Background()
	e := event("evt_1", domain.EventTypeCheckoutCompleted, map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"payment_intent":      "pi_1",
		"client_reference_id": "u1",
		"metadata":            map[string]string{"credits": "50"},
	})

	for i := 0; i < 2; i++ {
		out, err := d.Dispatch(ctx, e)
		if err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
		if out.Action != "checkout_completed" || out.UserID != "u1" {
			t.Errorf("unexpected outcome %+v", out)
		}
	}

	credits, _ := store.GetUserCredits(ctx, "u1")
	if credits != 50 {
		t.Errorf("expected 50 credits after redelivery, got %d", credits)
	}
	p, err := store.GetPayment(ctx, "pi_1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.PaymentStatusSucceeded || !p.CreditsApplied {
		t.Errorf("unexpected payment %+v", p)
	}
	if len(notifier.sent) != 2 || notifier.sent[0].template != TemplatePurchaseConfirmed {
		t.Errorf("unexpected notifications %+v", notifier.sent)
	}
}

// gatedStore holds every credit grant until n callers have arrived, so grants overlap.
type gatedStore struct {
	*memory.BusinessStore
	arrived sync.WaitGroup
}

func (g *gatedStore) ApplyPaymentCredits(ctx context.Context, paymentID string) (int64, error) {
	g.arrived.Done()
	g.arrived.Wait()
	return g.BusinessStore.ApplyPaymentCredits(ctx, paymentID)
}

func TestCheckoutCompleted_ConcurrentPaymentsSameUser(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{BusinessStore: memory.NewBusinessStore(memory.NewMemoryStorage())}
	store.arrived.Add(2)
	d := dispatch.NewDispatcher()
	New(store, &mockNotifier{}).Register(d)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, pi := range []string{"pi_a", "pi_b"} {
		e := event("evt_"+pi, domain.EventTypeCheckoutCompleted, map[string]any{
			"id":                  "cs_" + pi,
			"payment_intent":      pi,
			"client_reference_id": "u1",
			"metadata":            map[string]string{"credits": "100"},
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Dispatch(ctx, e); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("dispatch: %v", err)
	}

	if credits, _ := store.GetUserCredits(ctx, "u1"); credits != 200 {
		t.Fatalf("expected 200 credits after two 100-credit payments, got %d", credits)
	}
}

func TestSubscriptionCreated_Activates(t *testing.T) {
	d, store, notifier := setup()
	ctx := context.Background()
	e := event("evt_2", domain.EventTypeSubscriptionCreated, map[string]any{
		"id":       "sub_1",
		"metadata": map[string]string{"user_id": "u2"},
	})

	if _, err := d.Dispatch(ctx, e); err != nil {
		t.Fatal(err)
	}
	status, _ := store.GetSubscriptionStatus(ctx, "u2")
	if status != domain.SubscriptionStatusActive {
		t.Errorf("expected active, got %s", status)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].template != TemplateSubscriptionWelcome {
		t.Errorf("unexpected notifications %+v", notifier.sent)
	}
}

func TestPaymentFailed_MarksFailed(t *testing.T) {
	d, store, notifier := setup()
	ctx := context.Background()
	e := event("evt_3", domain.EventTypePaymentFailed, map[string]any{
		"id":       "pi_9",
		"object":   "payment_intent",
		"metadata": map[string]string{"user_id": "u3"},
	})

	if _, err := d.Dispatch(ctx, e); err != nil {
		t.Fatal(err)
	}
	p, err := store.GetPayment(ctx, "pi_9")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.PaymentStatusFailed {
		t.Errorf("expected failed, got %s", p.Status)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].template != TemplatePaymentFailed {
		t.Errorf("unexpected notifications %+v", notifier.sent)
	}
}

func TestMissingUserIsWebhookError(t *testing.T) {
	d, _, _ := setup()
	_, err := d.Dispatch(context.Background(), event("evt_4", domain.EventTypeInvoicePaymentSucceeded, map[string]any{"id": "in_1"}))
	if err == nil || !strings.Contains(err.Error(), "webhook") {
		t.Fatalf("expected webhook error, got %v", err)
	}
}

func TestSubscriptionStatusMapping(t *testing.T) {
	tests := map[string]domain.SubscriptionStatus{
		"active":   domain.SubscriptionStatusActive,
		"trialing": domain.SubscriptionStatusActive,
		"past_due": domain.SubscriptionStatusPastDue,
		"canceled": domain.SubscriptionStatusCanceled,
		"weird":    domain.SubscriptionStatusFailed,
	}
	for in, want := range tests {
		if got := subscriptionStatus(in); got != want {
			t.Errorf("subscriptionStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
