package domain

import "time"

// EmailRetry is a notification waiting to be re-sent.
type EmailRetry struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	TemplateID    string         `json:"template_id"`
	Data          map[string]any `json:"data"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LastError     string         `json:"last_error"`
}
