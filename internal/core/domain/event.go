package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event is a verified payment-provider event. It is immutable once produced by the ingest gate.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"-"`
}

type EventType string

const (
	EventTypeCheckoutCompleted       EventType = "checkout.session.completed"
	EventTypePaymentSucceeded        EventType = "payment_intent.succeeded"
	EventTypePaymentFailed           EventType = "payment_intent.payment_failed"
	EventTypeSubscriptionCreated     EventType = "customer.subscription.created"
	EventTypeSubscriptionUpdated     EventType = "customer.subscription.updated"
	EventTypeSubscriptionDeleted     EventType = "customer.subscription.deleted"
	EventTypeInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventTypeInvoicePaymentFailed    EventType = "invoice.payment_failed"
)

// criticalEventTypes lose money or access when they are dropped.
var criticalEventTypes = map[EventType]bool{
	EventTypeCheckoutCompleted:       true,
	EventTypePaymentSucceeded:        true,
	EventTypeSubscriptionCreated:     true,
	EventTypeInvoicePaymentSucceeded: true,
}

// IsCritical reports whether a failure on this event type warrants immediate manual review.
func (t EventType) IsCritical() bool {
	return criticalEventTypes[t]
}

// EventObject is the subset of the provider's data.object that handlers and recovery need.
type EventObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Status            string            `json:"status"`
	Customer          string            `json:"customer"`
	PaymentIntent     string            `json:"payment_intent"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Object decodes the event payload.
func (e *Event) Object() (*EventObject, error) {
	var obj EventObject
	if len(e.Payload) == 0 {
		return &obj, nil
	}
	if err := json.Unmarshal(e.Payload, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode event %s payload: %w", e.ID, err)
	}
	return &obj, nil
}

// UserID resolves the platform user the object belongs to.
func (o *EventObject) UserID() string {
	if id := o.Metadata["user_id"]; id != "" {
		return id
	}
	return o.ClientReferenceID
}

// PaymentID returns the payment intent the object refers to.
func (o *EventObject) PaymentID() string {
	if o.Object == "payment_intent" {
		return o.ID
	}
	return o.PaymentIntent
}

// Credits returns the credit amount attached in metadata, or 0.
func (o *EventObject) Credits() int64 {
	n, err := strconv.ParseInt(o.Metadata["credits"], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
