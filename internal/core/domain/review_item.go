package domain

import "time"

// ManualReviewItem is a failure that exhausted automated recovery.
type ManualReviewItem struct {
	ID         string         `json:"id"`
	EventID    string         `json:"event_id,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind"`
	Context    map[string]any `json:"context"`
	Priority   ReviewPriority `json:"priority"`
	Status     ReviewStatus   `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

type ReviewPriority string

const (
	ReviewPriorityHigh   ReviewPriority = "high"
	ReviewPriorityMedium ReviewPriority = "medium"
)

type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusResolved ReviewStatus = "resolved"
)
