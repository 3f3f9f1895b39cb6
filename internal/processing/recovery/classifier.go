package recovery

import (
	"errors"
	"strings"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/guard"
	"github.com/vietddude/payguard/internal/infra/storage"
)

type rule struct {
	kind  domain.ErrorKind
	match func(err error, msg string) bool
}

func containsAll(msg string, words ...string) bool {
	for _, w := range words {
		if !strings.Contains(msg, w) {
			return false
		}
	}
	return true
}

// rules are evaluated in order, first match wins.
var rules = []rule{
	{domain.ErrorKindExternalAPIError, func(err error, _ string) bool {
		var apiErr *domain.APIError
		var blocked *guard.BlockedError
		return errors.As(err, &apiErr) || errors.As(err, &blocked)
	}},
	{domain.ErrorKindDatabaseTransactionFailed, func(err error, _ string) bool {
		return storage.IsDuplicateKey(err)
	}},
	{domain.ErrorKindPaymentIntentFailed, func(_ error, msg string) bool {
		return strings.Contains(msg, "payment_intent")
	}},
	{domain.ErrorKindSubscriptionCreationFailed, func(_ error, msg string) bool {
		return containsAll(msg, "subscription", "create")
	}},
	{domain.ErrorKindCreditUpdateFailed, func(_ error, msg string) bool {
		return containsAll(msg, "credit", "update")
	}},
	{domain.ErrorKindWebhookProcessingFailed, func(_ error, msg string) bool {
		return strings.Contains(msg, "webhook")
	}},
	{domain.ErrorKindEmailDeliveryFailed, func(_ error, msg string) bool {
		return strings.Contains(msg, "email") || strings.Contains(msg, "smtp")
	}},
}

// Classify maps an error to the kind that selects its recovery strategy.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorKindUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if r.match(err, msg) {
			return r.kind
		}
	}
	return domain.ErrorKindUnknown
}
