package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/payguard/internal/processing/metrics"
)

// RecordPruner deletes terminal processing records.
type RecordPruner interface {
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// ReviewPruner deletes resolved review items and counts the pending ones.
type ReviewPruner interface {
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error)
	CountPending(ctx context.Context) (int, error)
}

// RetentionConfig controls how long finished rows are kept.
type RetentionConfig struct {
	// Period is how long terminal records and resolved reviews are kept; 0 disables pruning.
	Period time.Duration `yaml:"period"`
}

// Pruner deletes old data based on retention policy.
type Pruner struct {
	cfg     RetentionConfig
	records RecordPruner
	reviews ReviewPruner
	now     func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(cfg RetentionConfig, records RecordPruner, reviews ReviewPruner) *Pruner {
	return &Pruner{
		cfg:     cfg,
		records: records,
		reviews: reviews,
		now:     time.Now,
	}
}

// Interval is 10% of the retention period, clamped to [1m, 1h].
func (p *Pruner) Interval() time.Duration {
	interval := min(p.cfg.Period/10, time.Hour)
	return max(interval, time.Minute)
}

// Run refreshes the pending gauge and prunes on a ticker until ctx is canceled.
func (p *Pruner) Run(ctx context.Context) error {
	interval := p.Interval()
	if p.cfg.Period <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one pass. Disabled retention only refreshes the pending gauge.
func (p *Pruner) Prune(ctx context.Context) {
	if n, err := p.reviews.CountPending(ctx); err != nil {
		slog.Warn("Failed to count pending reviews", "error", err)
	} else {
		metrics.ReviewsPending.Set(float64(n))
	}

	if p.cfg.Period <= 0 {
		return
	}
	cutoff := p.now().Add(-p.cfg.Period)

	if n, err := p.records.DeleteTerminalBefore(ctx, cutoff); err != nil {
		slog.Error("Failed to prune processing records", "error", err)
	} else if n > 0 {
		metrics.RowsPruned.WithLabelValues("processing_records").Add(float64(n))
		slog.Info("Pruned processing records", "count", n, "before", cutoff)
	}

	if n, err := p.reviews.DeleteResolvedBefore(ctx, cutoff); err != nil {
		slog.Error("Failed to prune review items", "error", err)
	} else if n > 0 {
		metrics.RowsPruned.WithLabelValues("manual_review_items").Add(float64(n))
		slog.Info("Pruned resolved reviews", "count", n, "before", cutoff)
	}
}
