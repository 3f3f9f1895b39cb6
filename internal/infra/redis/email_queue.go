package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/payguard/internal/core/domain"
)

// itemTTL bounds how long an undelivered notification is kept around.
const itemTTL = 72 * time.Hour

// EmailQueue implements storage.EmailRetryQueue using a sorted set scored by due time.
type EmailQueue struct {
	client *Client
}

// NewEmailQueue creates a new Redis-backed email retry queue.
func NewEmailQueue(client *Client) *EmailQueue {
	return &EmailQueue{client: client}
}

func (q *EmailQueue) queueKey() string {
	return q.client.key("email_retry", "queue")
}

func (q *EmailQueue) itemKey(id string) string {
	return q.client.key("email_retry", "item", id)
}

// Enqueue stores the item and schedules it at NextAttemptAt.
func (q *EmailQueue) Enqueue(ctx context.Context, item *domain.EmailRetry) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal email retry: %w", err)
	}

	rdb := q.client.rdb
	if err := rdb.Set(ctx, q.itemKey(item.ID), data, itemTTL).Err(); err != nil {
		return fmt.Errorf("failed to set email retry: %w", err)
	}

	if err := rdb.ZAdd(ctx, q.queueKey(), redis.Z{
		Score:  float64(item.NextAttemptAt.UnixMilli()),
		Member: item.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to queue: %w", err)
	}

	return nil
}

// PopDue claims up to limit items whose due time has passed.
func (q *EmailQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]*domain.EmailRetry, error) {
	rdb := q.client.rdb
	ids, err := rdb.ZRangeByScore(ctx, q.queueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	items := make([]*domain.EmailRetry, 0, len(ids))
	for _, id := range ids {
		// ZREM decides ownership when several workers race for the same id
		removed, err := rdb.ZRem(ctx, q.queueKey(), id).Result()
		if err != nil {
			return items, fmt.Errorf("zrem failed: %w", err)
		}
		if removed == 0 {
			continue
		}

		data, err := rdb.GetDel(ctx, q.itemKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return items, fmt.Errorf("failed to get email retry: %w", err)
		}

		var item domain.EmailRetry
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		items = append(items, &item)
	}

	return items, nil
}

// Len returns the number of queued items.
func (q *EmailQueue) Len(ctx context.Context) (int, error) {
	count, err := q.client.rdb.ZCard(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
