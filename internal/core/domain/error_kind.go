package domain

// ErrorKind routes a classified failure to its recovery strategy.
type ErrorKind string

const (
	ErrorKindPaymentIntentFailed        ErrorKind = "payment_intent_failed"
	ErrorKindSubscriptionCreationFailed ErrorKind = "subscription_creation_failed"
	ErrorKindCreditUpdateFailed         ErrorKind = "credit_update_failed"
	ErrorKindWebhookProcessingFailed    ErrorKind = "webhook_processing_failed"
	ErrorKindDatabaseTransactionFailed  ErrorKind = "database_transaction_failed"
	ErrorKindEmailDeliveryFailed        ErrorKind = "email_delivery_failed"
	ErrorKindExternalAPIError           ErrorKind = "external_api_error"
	ErrorKindUnknown                    ErrorKind = "unknown"
)

// AllErrorKinds lists every kind in classification order.
var AllErrorKinds = []ErrorKind{
	ErrorKindExternalAPIError,
	ErrorKindDatabaseTransactionFailed,
	ErrorKindPaymentIntentFailed,
	ErrorKindSubscriptionCreationFailed,
	ErrorKindCreditUpdateFailed,
	ErrorKindWebhookProcessingFailed,
	ErrorKindEmailDeliveryFailed,
	ErrorKindUnknown,
}

// IsCritical reports whether failures of this kind touch money or entitlements.
func (k ErrorKind) IsCritical() bool {
	switch k {
	case ErrorKindPaymentIntentFailed, ErrorKindSubscriptionCreationFailed, ErrorKindCreditUpdateFailed:
		return true
	}
	return false
}
