package domain

import "time"

// ProcessingRecord is the durable ledger entry for one event id.
type ProcessingRecord struct {
	EventID       string           `json:"event_id"       db:"event_id"`
	EventType     EventType        `json:"event_type"     db:"event_type"`
	Status        ProcessingStatus `json:"status"         db:"status"`
	Attempts      int              `json:"attempts"       db:"attempts"`
	LastErrorKind ErrorKind        `json:"last_error_kind" db:"last_error_kind"`
	LastError     string           `json:"last_error"     db:"last_error"`
	FirstSeenAt   time.Time        `json:"first_seen_at"  db:"first_seen_at"`
	ProcessedAt   *time.Time       `json:"processed_at"   db:"processed_at"`
	UpdatedAt     time.Time        `json:"updated_at"     db:"updated_at"`
}

type ProcessingStatus string

const (
	ProcessingStatusReceived   ProcessingStatus = "received"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusRetrying   ProcessingStatus = "retrying"
	ProcessingStatusProcessed  ProcessingStatus = "processed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

// NewProcessingRecord creates the record for the first sighting of an event.
func NewProcessingRecord(event *Event, now time.Time) *ProcessingRecord {
	return &ProcessingRecord{
		EventID:     event.ID,
		EventType:   event.Type,
		Status:      ProcessingStatusReceived,
		FirstSeenAt: now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the record reached processed or failed.
func (r *ProcessingRecord) IsTerminal() bool {
	return r.Status == ProcessingStatusProcessed || r.Status == ProcessingStatusFailed
}
