package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/payguard/internal/core/domain"
)

// AlertPublisher publishes manual review alerts on a pub/sub channel for on-call tooling.
type AlertPublisher struct {
	client  *Client
	channel string
}

// NewAlertPublisher creates a publisher on <prefix>:alerts.
func NewAlertPublisher(client *Client) *AlertPublisher {
	return &AlertPublisher{client: client, channel: client.key("alerts")}
}

// Alert publishes the item as JSON.
func (p *AlertPublisher) Alert(ctx context.Context, item *domain.ManualReviewItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := p.client.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}
