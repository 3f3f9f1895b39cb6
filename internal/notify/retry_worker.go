package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/storage"
	"github.com/vietddude/payguard/internal/processing/metrics"
)

type RetryConfig struct {
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BatchSize    int           `yaml:"batch_size"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Interval:     30 * time.Second,
		InitialDelay: time.Minute,
		MaxDelay:     time.Hour,
		MaxAttempts:  5,
		BatchSize:    50,
	}
}

// Delay returns the wait before attempt n+1 after n failed attempts: InitialDelay * 2^(n-1).
func (c RetryConfig) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(2, float64(attempts-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// RetryWorker drains the email retry queue.
type RetryWorker struct {
	cfg    RetryConfig
	queue  storage.EmailRetryQueue
	sender Sender
	now    func() time.Time
}

func NewRetryWorker(cfg RetryConfig, queue storage.EmailRetryQueue, sender Sender) *RetryWorker {
	defaults := DefaultRetryConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	return &RetryWorker{cfg: cfg, queue: queue, sender: sender, now: time.Now}
}

// ProcessDue retries every due item once. Failed items are re-queued with backoff
// until MaxAttempts, then dropped with an error log.
func (w *RetryWorker) ProcessDue(ctx context.Context) error {
	items, err := w.queue.PopDue(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to pop due emails: %w", err)
	}

	for _, item := range items {
		w.retry(ctx, item)
	}

	if n, err := w.queue.Len(ctx); err == nil {
		metrics.EmailRetryQueueLength.Set(float64(n))
	}
	return nil
}

func (w *RetryWorker) retry(ctx context.Context, item *domain.EmailRetry) {
	err := w.sender.Send(ctx, item.UserID, item.TemplateID, item.Data)
	if err == nil {
		metrics.EmailRetries.WithLabelValues("sent").Inc()
		slog.Info("Queued email delivered", "id", item.ID, "user_id", item.UserID, "attempts", item.Attempts+1)
		return
	}

	item.Attempts++
	item.LastError = err.Error()
	if w.cfg.MaxAttempts > 0 && item.Attempts >= w.cfg.MaxAttempts {
		metrics.EmailRetries.WithLabelValues("dropped").Inc()
		slog.Error("Email retry attempts exhausted",
			"id", item.ID,
			"user_id", item.UserID,
			"template", item.TemplateID,
			"attempts", item.Attempts,
			"error", err,
		)
		return
	}

	item.NextAttemptAt = w.now().Add(w.cfg.Delay(item.Attempts))
	if qerr := w.queue.Enqueue(ctx, item); qerr != nil {
		slog.Error("Failed to requeue email", "id", item.ID, "error", qerr)
		return
	}
	metrics.EmailRetries.WithLabelValues("requeued").Inc()
}

// Run processes the queue on a ticker until ctx is canceled.
func (w *RetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	slog.Info("Email retry worker started", "interval", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.ProcessDue(ctx); err != nil {
				slog.Error("Email retry pass failed", "error", err)
			}
		}
	}
}
