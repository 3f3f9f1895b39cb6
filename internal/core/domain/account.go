package domain

// Payment is the local view of a provider payment.
type Payment struct {
	ID             string        `json:"id"              db:"id"`
	UserID         string        `json:"user_id"         db:"user_id"`
	Status         PaymentStatus `json:"status"          db:"status"`
	Credits        int64         `json:"credits"         db:"credits"`
	CreditsApplied bool          `json:"credits_applied" db:"credits_applied"`
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusFailed   SubscriptionStatus = "failed"
)
