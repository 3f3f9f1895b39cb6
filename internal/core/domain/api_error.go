package domain

import (
	"fmt"
	"strings"
)

// APIError is raised by outbound API clients (payment provider, AI service).
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error (status %d, %s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

var quotaPatterns = []string{
	"insufficient_quota",
	"quota exceeded",
	"exceeded your current quota",
	"monthly quota exceeded",
	"daily request count exceeded",
}

// QuotaExceeded reports whether the provider says the shared quota is exhausted.
func (e *APIError) QuotaExceeded() bool {
	lower := strings.ToLower(e.Code + " " + e.Message)
	for _, p := range quotaPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// RateLimited reports a transient throttle that is not a quota exhaustion.
func (e *APIError) RateLimited() bool {
	if e.QuotaExceeded() {
		return false
	}
	return e.StatusCode == 429 || e.Code == "rate_limit" || e.Type == "rate_limit_error"
}

// Permanent reports a validation failure that retrying cannot fix.
func (e *APIError) Permanent() bool {
	switch e.Type {
	case "card_error", "invalid_request_error":
		return true
	}
	switch e.Code {
	case "card_declined", "invalid_card", "expired_card", "incorrect_cvc":
		return true
	}
	return e.StatusCode == 400 || e.StatusCode == 402
}
