// Package recovery classifies processing failures and runs the matching recovery strategy.
//
// Strategies report what they did through Result instead of returning errors, so the
// retry coordinator drives control flow from explicit values. Every strategy is safe
// to run more than once for the same failure.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/guard"
	"github.com/vietddude/payguard/internal/infra/payments"
	"github.com/vietddude/payguard/internal/infra/storage"
	"github.com/vietddude/payguard/internal/notify"
	"github.com/vietddude/payguard/internal/processing/escalation"
	"github.com/vietddude/payguard/internal/processing/metrics"
)

// Recovery actions.
const (
	ActionResumeProcessing    = "resume_processing"
	ActionPaymentMarkedFailed = "payment_marked_failed"
	ActionPaymentPending      = "payment_pending"
	ActionSubscriptionReset   = "subscription_reset"
	ActionCreditsApplied      = "credits_applied"
	ActionCreditsAlready      = "credits_already_applied"
	ActionPaymentUnconfirmed  = "payment_unconfirmed"
	ActionMarkedRetrying      = "marked_retrying"
	ActionDuplicateIgnored    = "duplicate_operation_ignored"
	ActionEmailQueued         = "email_queued"
	ActionRateLimitWaited     = "rate_limit_waited"
	ActionPermanentFailure    = "permanent_failure"
	ActionQuotaEscalated      = "quota_exceeded_escalated"
)

// Failure is everything a strategy may need about one failed attempt.
type Failure struct {
	Event   *domain.Event
	Record  *domain.ProcessingRecord
	Err     error
	Attempt int

	// Escalated is set once a review item exists for this event's attempt chain.
	Escalated bool
}

// Result is a strategy's verdict.
type Result struct {
	Recovered bool           `json:"recovered"`
	Action    string         `json:"action,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`

	// Permanent stops retrying: the failure cannot succeed on another attempt.
	Permanent bool `json:"permanent,omitempty"`

	// Escalated means the strategy already created a review item for this failure.
	Escalated bool `json:"escalated,omitempty"`

	// Retry asks for another attempt right away; the strategy already waited.
	Retry bool `json:"retry,omitempty"`
}

// Strategy recovers from one kind of failure.
type Strategy func(ctx context.Context, f *Failure) Result

// Notifier is the fire-and-forget user notification surface.
type Notifier interface {
	Notify(ctx context.Context, userID, templateID string, data map[string]any)
}

// Escalator creates manual review items.
type Escalator interface {
	Escalate(ctx context.Context, kind domain.ErrorKind, req escalation.Request) (*domain.ManualReviewItem, error)
}

// RecordSaver persists processing record mutations.
type RecordSaver interface {
	Save(ctx context.Context, rec *domain.ProcessingRecord) error
}

type Config struct {
	RateLimitDelay  time.Duration `yaml:"rate_limit_delay"`
	EmailRetryDelay time.Duration `yaml:"email_retry_delay"`
}

func DefaultConfig() Config {
	return Config{
		RateLimitDelay:  2 * time.Second,
		EmailRetryDelay: time.Minute,
	}
}

// Deps are the collaborators strategies act through.
type Deps struct {
	Store     storage.BusinessStateStore
	Provider  payments.Provider
	Notifier  Notifier
	Emails    storage.EmailRetryQueue
	Escalator Escalator
	Records   RecordSaver
}

// Registry maps each ErrorKind to its strategy.
type Registry struct {
	cfg        Config
	deps       Deps
	strategies map[domain.ErrorKind]Strategy
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

func NewRegistry(cfg Config, deps Deps) *Registry {
	r := &Registry{
		cfg:   cfg,
		deps:  deps,
		sleep: sleepContext,
		now:   time.Now,
	}
	r.strategies = map[domain.ErrorKind]Strategy{
		domain.ErrorKindPaymentIntentFailed:        r.recoverPaymentIntent,
		domain.ErrorKindSubscriptionCreationFailed: r.recoverSubscription,
		domain.ErrorKindCreditUpdateFailed:         r.recoverCredits,
		domain.ErrorKindWebhookProcessingFailed:    r.recoverWebhook,
		domain.ErrorKindDatabaseTransactionFailed:  r.recoverDatabase,
		domain.ErrorKindEmailDeliveryFailed:        r.recoverEmail,
		domain.ErrorKindExternalAPIError:           r.recoverExternalAPI,
		domain.ErrorKindUnknown:                    r.recoverUnknown,
	}
	return r
}

// SetSleeper replaces the context-aware sleep. Tests use it to avoid real waits.
func (r *Registry) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	r.sleep = sleep
}

// Register overrides the strategy for kind.
func (r *Registry) Register(kind domain.ErrorKind, s Strategy) {
	r.strategies[kind] = s
}

// Recover runs the strategy for kind. Kinds without a strategy fall back to Unknown.
func (r *Registry) Recover(ctx context.Context, kind domain.ErrorKind, f *Failure) Result {
	s, ok := r.strategies[kind]
	if !ok {
		s = r.strategies[domain.ErrorKindUnknown]
	}
	res := s(ctx, f)

	metrics.Recoveries.WithLabelValues(string(kind), res.Action, strconv.FormatBool(res.Recovered)).Inc()
	slog.Info("Recovery finished",
		"event_id", f.eventID(),
		"kind", kind,
		"recovered", res.Recovered,
		"action", res.Action,
		"permanent", res.Permanent,
	)
	return res
}

// HandleDeliveryFailure routes a failed notification through EmailDeliveryFailed recovery.
func (r *Registry) HandleDeliveryFailure(ctx context.Context, err *notify.DeliveryError) {
	r.Recover(ctx, domain.ErrorKindEmailDeliveryFailed, &Failure{Err: err})
}

func (f *Failure) eventID() string {
	if f.Event == nil {
		return ""
	}
	return f.Event.ID
}

func (f *Failure) object() (*domain.EventObject, bool) {
	if f.Event == nil {
		return nil, false
	}
	obj, err := f.Event.Object()
	if err != nil {
		return nil, false
	}
	return obj, true
}

func failed(action string, err error) Result {
	res := Result{Recovered: false, Action: action}
	if err != nil {
		res.Detail = map[string]any{"error": err.Error()}
	}
	return res
}

func (r *Registry) recoverPaymentIntent(ctx context.Context, f *Failure) Result {
	obj, ok := f.object()
	if !ok || obj.PaymentID() == "" {
		return failed("", errors.New("no payment reference"))
	}
	paymentID, userID := obj.PaymentID(), obj.UserID()
	if r.deps.Provider == nil {
		return failed("", errors.New("payment provider not configured"))
	}

	status, err := r.deps.Provider.PaymentIntentStatus(ctx, paymentID)
	if err != nil {
		slog.Warn("Upstream payment lookup failed", "payment_id", paymentID, "error", err)
		return failed("", err)
	}

	// Make sure a local row exists before changing its status.
	if err := r.deps.Store.SavePayment(ctx, &domain.Payment{
		ID: paymentID, UserID: userID, Status: domain.PaymentStatusPending, Credits: obj.Credits(),
	}); err != nil {
		return failed("", err)
	}

	switch status {
	case domain.PaymentStatusSucceeded:
		if err := r.deps.Store.MarkPaymentSucceeded(ctx, paymentID); err != nil {
			return failed("", err)
		}
		return Result{Recovered: true, Action: ActionResumeProcessing, Detail: map[string]any{"payment_id": paymentID}}

	case domain.PaymentStatusFailed:
		if err := r.deps.Store.MarkPaymentFailed(ctx, paymentID); err != nil {
			return failed("", err)
		}
		if userID != "" {
			r.deps.Notifier.Notify(ctx, userID, "payment_failed", map[string]any{"payment_id": paymentID})
		}
		return Result{Recovered: true, Action: ActionPaymentMarkedFailed, Detail: map[string]any{"payment_id": paymentID}}

	default:
		return Result{Recovered: false, Action: ActionPaymentPending, Detail: map[string]any{"payment_id": paymentID}}
	}
}

func (r *Registry) recoverSubscription(ctx context.Context, f *Failure) Result {
	obj, ok := f.object()
	if !ok || obj.UserID() == "" {
		return failed("", errors.New("no user reference"))
	}
	userID := obj.UserID()

	if err := r.deps.Store.SetSubscriptionStatus(ctx, userID, domain.SubscriptionStatusFailed); err != nil {
		return failed("", err)
	}
	r.deps.Notifier.Notify(ctx, userID, "subscription_failed", nil)
	return Result{Recovered: true, Action: ActionSubscriptionReset, Detail: map[string]any{"user_id": userID}}
}

// recoverCredits grants a confirmed payment's credits exactly once.
func (r *Registry) recoverCredits(ctx context.Context, f *Failure) Result {
	obj, ok := f.object()
	if !ok || obj.PaymentID() == "" {
		return failed(ActionPaymentUnconfirmed, errors.New("no payment reference"))
	}

	payment, err := r.deps.Store.GetPayment(ctx, obj.PaymentID())
	if errors.Is(err, storage.ErrNotFound) {
		return failed(ActionPaymentUnconfirmed, err)
	}
	if err != nil {
		return failed("", err)
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		return failed(ActionPaymentUnconfirmed, fmt.Errorf("payment %s is %s", payment.ID, payment.Status))
	}

	if !payment.CreditsApplied {
		total, err := r.deps.Store.ApplyPaymentCredits(ctx, payment.ID)
		if err == nil {
			return Result{Recovered: true, Action: ActionCreditsApplied, Detail: map[string]any{
				"user_id":   payment.UserID,
				"credits":   payment.Credits,
				"new_total": total,
			}}
		}
		if !errors.Is(err, storage.ErrAlreadyApplied) {
			return failed("", err)
		}
	}

	current, err := r.deps.Store.GetUserCredits(ctx, payment.UserID)
	if err != nil {
		return failed("", err)
	}
	return Result{Recovered: true, Action: ActionCreditsAlready, Detail: map[string]any{"new_total": current}}
}

func (r *Registry) recoverWebhook(ctx context.Context, f *Failure) Result {
	res := Result{Recovered: false, Action: ActionMarkedRetrying}

	if f.Record != nil && r.deps.Records != nil {
		f.Record.Status = domain.ProcessingStatusRetrying
		if err := r.deps.Records.Save(ctx, f.Record); err != nil {
			slog.Error("Failed to mark event retrying", "event_id", f.Record.EventID, "error", err)
		}
	}

	if f.Event == nil || !f.Event.Type.IsCritical() || r.deps.Escalator == nil {
		return res
	}
	if f.Escalated {
		res.Escalated = true
		return res
	}
	_, err := r.deps.Escalator.Escalate(ctx, domain.ErrorKindWebhookProcessingFailed, escalation.Request{
		EventID:   f.Event.ID,
		EventType: f.Event.Type,
		Attempts:  f.Attempt,
		Err:       f.Err,
		Reason:    "critical event type failed",
	})
	if err != nil {
		slog.Error("Failed to escalate critical webhook", "event_id", f.Event.ID, "error", err)
		return res
	}
	res.Escalated = true
	return res
}

func (r *Registry) recoverDatabase(ctx context.Context, f *Failure) Result {
	if storage.IsDuplicateKey(f.Err) {
		return Result{Recovered: true, Action: ActionDuplicateIgnored}
	}
	return failed("", f.Err)
}

// recoverEmail always reports recovered: email never blocks the primary outcome.
func (r *Registry) recoverEmail(ctx context.Context, f *Failure) Result {
	var derr *notify.DeliveryError
	if !errors.As(f.Err, &derr) || r.deps.Emails == nil {
		slog.Warn("Email failure has nothing to queue", "event_id", f.eventID(), "error", f.Err)
		return Result{Recovered: true, Action: ActionEmailQueued, Detail: map[string]any{"queued": false}}
	}

	item := &domain.EmailRetry{
		ID:            uuid.New().String(),
		UserID:        derr.UserID,
		TemplateID:    derr.TemplateID,
		Data:          derr.Data,
		Attempts:      1,
		NextAttemptAt: r.now().Add(r.cfg.EmailRetryDelay),
		LastError:     derr.Err.Error(),
	}
	if err := r.deps.Emails.Enqueue(ctx, item); err != nil {
		slog.Error("Failed to queue email retry", "user_id", derr.UserID, "template", derr.TemplateID, "error", err)
		return Result{Recovered: true, Action: ActionEmailQueued, Detail: map[string]any{"queued": false}}
	}
	return Result{Recovered: true, Action: ActionEmailQueued, Detail: map[string]any{"queued": true, "retry_id": item.ID}}
}

func (r *Registry) recoverExternalAPI(ctx context.Context, f *Failure) Result {
	// Quota does not come back within a retry window.
	if guard.IsQuotaExceeded(f.Err) {
		return r.escalateQuota(ctx, f)
	}

	var blocked *guard.BlockedError
	if errors.As(f.Err, &blocked) {
		if blocked.Decision.Reason == guard.ReasonCircuitOpen {
			return Result{Recovered: false, Detail: map[string]any{
				"reason":              string(blocked.Decision.Reason),
				"retry_after_minutes": blocked.Decision.RetryAfterMinutes(),
			}}
		}
		return r.waitOutRateLimit(ctx)
	}

	var apiErr *domain.APIError
	if !errors.As(f.Err, &apiErr) {
		return failed("", f.Err)
	}
	switch {
	case apiErr.RateLimited():
		return r.waitOutRateLimit(ctx)
	case apiErr.Permanent():
		return Result{Recovered: false, Permanent: true, Action: ActionPermanentFailure, Detail: map[string]any{
			"provider": apiErr.Provider,
			"type":     apiErr.Type,
			"code":     apiErr.Code,
		}}
	default:
		return failed("", f.Err)
	}
}

func (r *Registry) escalateQuota(ctx context.Context, f *Failure) Result {
	res := Result{Recovered: false, Permanent: true, Action: ActionQuotaEscalated}
	if r.deps.Escalator == nil {
		return res
	}

	req := escalation.Request{Attempts: f.Attempt, Err: f.Err, Reason: "quota exceeded"}
	if f.Event != nil {
		req.EventID = f.Event.ID
		req.EventType = f.Event.Type
	}
	if _, err := r.deps.Escalator.Escalate(ctx, domain.ErrorKindExternalAPIError, req); err != nil {
		slog.Error("Failed to escalate quota exhaustion", "event_id", f.eventID(), "error", err)
		return res
	}
	res.Escalated = true
	return res
}

func (r *Registry) waitOutRateLimit(ctx context.Context) Result {
	if err := r.sleep(ctx, r.cfg.RateLimitDelay); err != nil {
		return failed("", err)
	}
	return Result{Recovered: true, Retry: true, Action: ActionRateLimitWaited}
}

func (r *Registry) recoverUnknown(ctx context.Context, f *Failure) Result {
	attrs := []any{"error", f.Err, "attempt", f.Attempt}
	if f.Event != nil {
		attrs = append(attrs, "event_id", f.Event.ID, "event_type", f.Event.Type, "payload", string(f.Event.Payload))
	}
	slog.Error("Unclassified processing failure", attrs...)
	return failed("", f.Err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
