// Package handlers holds the per-type event handlers. They touch business state only
// through storage.BusinessStateStore and are safe to run more than once per event.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage"
	"github.com/vietddude/payguard/internal/processing/dispatch"
)

// Notifier sends user notifications without blocking or failing the caller.
type Notifier interface {
	Notify(ctx context.Context, userID, templateID string, data map[string]any)
}

// Notification templates.
const (
	TemplatePurchaseConfirmed   = "purchase_confirmed"
	TemplatePaymentFailed       = "payment_failed"
	TemplateSubscriptionWelcome = "subscription_welcome"
	TemplateSubscriptionFailed  = "subscription_failed"
	TemplateSubscriptionPastDue = "subscription_past_due"
)

type Handlers struct {
	store    storage.BusinessStateStore
	notifier Notifier
}

func New(store storage.BusinessStateStore, notifier Notifier) *Handlers {
	return &Handlers{store: store, notifier: notifier}
}

// Register binds every supported event type on d.
func (h *Handlers) Register(d *dispatch.Dispatcher) {
	d.Register(domain.EventTypeCheckoutCompleted, dispatch.HandlerFunc(h.checkoutCompleted))
	d.Register(domain.EventTypePaymentSucceeded, dispatch.HandlerFunc(h.paymentSucceeded))
	d.Register(domain.EventTypePaymentFailed, dispatch.HandlerFunc(h.paymentFailed))
	d.Register(domain.EventTypeSubscriptionCreated, dispatch.HandlerFunc(h.subscriptionCreated))
	d.Register(domain.EventTypeSubscriptionUpdated, dispatch.HandlerFunc(h.subscriptionUpdated))
	d.Register(domain.EventTypeSubscriptionDeleted, dispatch.HandlerFunc(h.subscriptionDeleted))
	d.Register(domain.EventTypeInvoicePaymentSucceeded, dispatch.HandlerFunc(h.invoicePaid))
	d.Register(domain.EventTypeInvoicePaymentFailed, dispatch.HandlerFunc(h.invoiceFailed))
}

func objectWithUser(event *domain.Event) (*domain.EventObject, string, error) {
	obj, err := event.Object()
	if err != nil {
		return nil, "", fmt.Errorf("webhook payload: %w", err)
	}
	userID := obj.UserID()
	if userID == "" {
		return nil, "", fmt.Errorf("webhook event %s has no user reference", event.ID)
	}
	return obj, userID, nil
}

func (h *Handlers) checkoutCompleted(ctx context.Context, event *domain.Event) (dispatch.Outcome, error) {
	obj, userID, err := objectWithUser(event)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	paymentID := obj.PaymentID()
	if paymentID == "" {
		return dispatch.Outcome{}, fmt.Errorf("webhook event %s has no payment_intent", event.ID)
	}

	if err := h.recordSucceededPayment(ctx, paymentID, userID, obj.Credits()); err != nil {
		return dispatch.Outcome{}, err
	}
	total, err := h.applyCredits(ctx, paymentID, userID, obj.Credits())
	if err != nil {
		return dispatch.Outcome{}, err
	}

	h.notifier.Notify(ctx, userID, TemplatePurchaseConfirmed, map[string]any{
		"payment_id": paymentID,
		"credits":    obj.Credits(),
		"total":      total,
	})
	return dispatch.Outcome{Action: "checkout_completed", UserID: userID}, nil
}

func (h *Handlers) paymentSucceeded(ctx context.Context, event *domain.Event) (dispatch.Outcome, error) {
	obj, userID, err := objectWithUser(event)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := h.recordSucceededPayment(ctx, obj.PaymentID(), userID, obj.Credits()); err != nil {
		return dispatch.Outcome{}, err
	}
	if _, err := h.applyCredits(ctx, obj.PaymentID(), userID, obj.Credits()); err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{Action: "payment_recorded", UserID: userID}, nil
}

func (h *Handlers) paymentFailed(ctx context.Context, event *domain.Event) (dispatch.Outcome, error) {
	obj, userID, err := objectWithUser(event)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	paymentID := obj.PaymentID()
	payment := &domain.Payment{ID: paymentID, UserID: userID, Status: domain.PaymentStatusPending, Credits: obj.Credits()}
	if err := h.store.SavePayment(ctx, payment); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("payment_intent %s: save: %w", paymentID, err)
	}
	if err := h.store.MarkPaymentFailed(ctx, paymentID); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("payment_intent %s: mark failed: %w", paymentID, err)
	}
	h.notifier.Notify(ctx, userID, TemplatePaymentFailed, map[string]any{"payment_id": paymentID})
	return dispatch.Outcome{Action: "payment_failed_recorded", UserID: userID}, nil
}

func (h *Handlers) subscriptionCreated(ctx context.Context, event *domain.Event) (dispatch.Outcome, error) {
	_, userID, err := objectWithUser(event)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := h.store.SetSubscriptionStatus(ctx, userID, domain.SubscriptionStatusActive); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("subscription create for user %s: %w", userID, err)
	}
	h.notifier.Notify(ctx, userID, TemplateSubscriptionWelcome, nil)
	return dispatch.Outcome{Action: "subscription_activated", UserID: userID}, nil
}

func (h *Handlers) subscriptionUpdated(ctx context.Context, event *domain.Event) (dispatch.Outcome, error) {
	obj, userID, err := objectWithUser(event)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	status := subscriptionStatus(obj.Status)
	if err := h.store.SetSubscriptionStatus(ctx, userID, status); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("subscription update for user %s: %w", userID, err)
	}
	return dispatch.Outcome{Action: "subscription_updated", UserID: userID}, nil
}

func (h *Handlers) subscriptionDeleted(ctx context.Context, event *domain.Event) (dispatch.Outcome, error) {
	_, userID, err := objectWithUser(event)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := h.store.SetSubscriptionStatus(ctx, userID, domain.SubscriptionStatusCanceled); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("subscription cancel for user %s: %w", userID, err)
	}
	return dispatch.Outcome{Action: "subscription_canceled", UserID: userID}, nil
}

func (h *Handlers) invoicePaid(ctx context.Context, event *domain.Event) (dispatch.Outcome, error) {
	_, userID, err := objectWithUser(event)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := h.store.SetSubscriptionStatus(ctx, userID, domain.SubscriptionStatusActive); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("subscription renewal for user %s: %w", userID, err)
	}
	return dispatch.Outcome{Action: "subscription_renewed", UserID: userID}, nil
}

func (h *Handlers) invoiceFailed(ctx context.Context, event *domain.Event) (dispatch.Outcome, error) {
	_, userID, err := objectWithUser(event)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := h.store.SetSubscriptionStatus(ctx, userID, domain.SubscriptionStatusPastDue); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("subscription past_due for user %s: %w", userID, err)
	}
	h.notifier.Notify(ctx, userID, TemplateSubscriptionPastDue, nil)
	return dispatch.Outcome{Action: "subscription_past_due", UserID: userID}, nil
}

func (h *Handlers) recordSucceededPayment(ctx context.Context, paymentID, userID string, credits int64) error {
	if paymentID == "" {
		return errors.New("webhook payment event has no payment_intent id")
	}
	payment := &domain.Payment{ID: paymentID, UserID: userID, Status: domain.PaymentStatusPending, Credits: credits}
	if err := h.store.SavePayment(ctx, payment); err != nil {
		return fmt.Errorf("payment_intent %s: save: %w", paymentID, err)
	}
	if err := h.store.MarkPaymentSucceeded(ctx, paymentID); err != nil {
		return fmt.Errorf("payment_intent %s: mark succeeded: %w", paymentID, err)
	}
	return nil
}

// applyCredits grants a payment's credits once. A repeat returns the current balance.
func (h *Handlers) applyCredits(ctx context.Context, paymentID, userID string, credits int64) (int64, error) {
	if credits > 0 {
		total, err := h.store.ApplyPaymentCredits(ctx, paymentID)
		if err == nil {
			return total, nil
		}
		if !errors.Is(err, storage.ErrAlreadyApplied) {
			return 0, fmt.Errorf("credit update for payment %s: %w", paymentID, err)
		}
	}
	current, err := h.store.GetUserCredits(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("credit update: read balance for %s: %w", userID, err)
	}
	return current, nil
}

func subscriptionStatus(s string) domain.SubscriptionStatus {
	switch s {
	case "active", "trialing":
		return domain.SubscriptionStatusActive
	case "past_due", "unpaid":
		return domain.SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return domain.SubscriptionStatusCanceled
	default:
		return domain.SubscriptionStatusFailed
	}
}
