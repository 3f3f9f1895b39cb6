// Package retry drives a single event through dispatch, recovery, backoff and escalation.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/processing/dispatch"
	"github.com/vietddude/payguard/internal/processing/escalation"
	"github.com/vietddude/payguard/internal/processing/metrics"
	"github.com/vietddude/payguard/internal/processing/recovery"
)

// Config bounds the attempt loop.
type Config struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"retry_base_delay"`
}

// DefaultConfig returns three attempts starting at a one second backoff.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Second}
}

// Result is the caller-facing outcome of ProcessEvent.
type Result struct {
	Success   bool   `json:"success"`
	Skipped   bool   `json:"skipped,omitempty"`
	Handled   bool   `json:"handled,omitempty"`
	Recovered bool   `json:"recovered,omitempty"`
	Action    string `json:"action,omitempty"`
	Escalated bool   `json:"escalated,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

// Ledger is the idempotency store surface the coordinator needs.
type Ledger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, event *domain.Event) (*domain.ProcessingRecord, error)
	Save(ctx context.Context, rec *domain.ProcessingRecord) error
	MarkProcessed(ctx context.Context, rec *domain.ProcessingRecord) error
}

// Dispatcher routes an event to its handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *domain.Event) (dispatch.Outcome, error)
}

// Recoverer runs the recovery strategy for a classified failure.
type Recoverer interface {
	Recover(ctx context.Context, kind domain.ErrorKind, f *recovery.Failure) recovery.Result
}

// Coordinator processes events with retries, recovery and escalation.
type Coordinator struct {
	cfg        Config
	ledger     Ledger
	dispatcher Dispatcher
	recoverer  Recoverer
	escalator  recovery.Escalator
	backoff    Backoff
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// NewCoordinator creates a coordinator. MaxRetries below one is raised to one.
func NewCoordinator(
	cfg Config,
	ledger Ledger,
	dispatcher Dispatcher,
	recoverer Recoverer,
	escalator recovery.Escalator,
) *Coordinator {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Coordinator{
		cfg:        cfg,
		ledger:     ledger,
		dispatcher: dispatcher,
		recoverer:  recoverer,
		escalator:  escalator,
		backoff:    ExponentialBackoff{BaseDelay: cfg.BaseDelay},
		sleep:      sleepContext,
		now:        time.Now,
	}
}

// SetSleeper replaces the backoff wait. Tests use it to record delays.
func (c *Coordinator) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	c.sleep = sleep
}

// ProcessEvent runs the attempt loop for one event. It never returns an error:
// unresolved failures end up in manual review and are reported as escalated.
//
// Concurrent deliveries of the same id may both pass the processed check and both
// run the handler. Handlers are idempotent, so this is accepted.
func (c *Coordinator) ProcessEvent(ctx context.Context, event *domain.Event) Result {
	start := c.now()
	defer func() {
		metrics.EventLatency.WithLabelValues(string(event.Type)).Observe(time.Since(start).Seconds())
	}()

	processed, err := c.ledger.IsProcessed(ctx, event.ID)
	if err != nil {
		slog.Warn("Idempotency lookup failed, processing anyway", "event_id", event.ID, "error", err)
	}
	if processed {
		metrics.EventsProcessed.WithLabelValues(string(event.Type), "skipped").Inc()
		slog.Debug("Event already processed", "event_id", event.ID)
		return Result{Success: true, Skipped: true}
	}

	rec, err := c.ledger.Record(ctx, event)
	if err != nil {
		slog.Warn("Failed to load processing record", "event_id", event.ID, "error", err)
		rec = domain.NewProcessingRecord(event, c.now())
	}

	var (
		lastErr       error
		lastKind      domain.ErrorKind
		alreadyRaised bool
	)

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > rec.Attempts {
			rec.Attempts = attempt
		}
		rec.Status = domain.ProcessingStatusProcessing
		c.save(ctx, rec)
		metrics.EventAttempts.WithLabelValues(string(event.Type)).Inc()

		out, err := c.dispatcher.Dispatch(ctx, event)
		if err == nil {
			c.markProcessed(ctx, rec)
			metrics.EventsProcessed.WithLabelValues(string(event.Type), "processed").Inc()
			return Result{
				Success:  true,
				Handled:  out.Handled,
				Action:   out.Action,
				UserID:   out.UserID,
				Attempts: attempt,
			}
		}

		lastErr = err
		lastKind = recovery.Classify(err)
		rec.LastErrorKind = lastKind
		rec.LastError = err.Error()

		slog.Warn("Event attempt failed",
			"event_id", event.ID,
			"type", event.Type,
			"attempt", attempt,
			"kind", lastKind,
			"error", err,
		)

		res := c.recoverer.Recover(ctx, lastKind, &recovery.Failure{
			Event:     event,
			Record:    rec,
			Err:       err,
			Attempt:   attempt,
			Escalated: alreadyRaised,
		})
		if res.Escalated {
			alreadyRaised = true
		}

		if res.Recovered && !res.Retry {
			c.markProcessed(ctx, rec)
			metrics.EventsProcessed.WithLabelValues(string(event.Type), "recovered").Inc()
			return Result{Success: true, Recovered: true, Action: res.Action, Attempts: attempt}
		}
		if res.Permanent {
			return c.fail(ctx, event, rec, lastKind, lastErr, alreadyRaised, "permanent failure")
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		// A strategy that asked for a retry has already waited.
		if !res.Retry {
			if err := c.sleep(ctx, c.backoff.Delay(attempt)); err != nil {
				return c.interrupt(ctx, event, rec, err)
			}
		} else if ctx.Err() != nil {
			return c.interrupt(ctx, event, rec, ctx.Err())
		}
	}

	return c.fail(ctx, event, rec, lastKind, lastErr, alreadyRaised, "retries exhausted")
}

func (c *Coordinator) fail(
	ctx context.Context,
	event *domain.Event,
	rec *domain.ProcessingRecord,
	kind domain.ErrorKind,
	cause error,
	alreadyRaised bool,
	reason string,
) Result {
	rec.Status = domain.ProcessingStatusFailed
	c.save(ctx, rec)
	metrics.EventsProcessed.WithLabelValues(string(event.Type), "failed").Inc()

	escalated := alreadyRaised
	if !alreadyRaised {
		_, err := c.escalator.Escalate(ctx, kind, escalation.Request{
			EventID:   event.ID,
			EventType: event.Type,
			Attempts:  rec.Attempts,
			Err:       cause,
			Reason:    reason,
		})
		if err != nil {
			slog.Error("Failed to escalate event", "event_id", event.ID, "kind", kind, "error", err)
		} else {
			escalated = true
		}
	}

	slog.Error("Event processing failed",
		"event_id", event.ID,
		"type", event.Type,
		"attempts", rec.Attempts,
		"kind", kind,
		"reason", reason,
		"escalated", escalated,
	)
	return Result{Success: false, Escalated: escalated, Attempts: rec.Attempts}
}

// interrupt leaves the record non-terminal so a redelivery can finish the work.
func (c *Coordinator) interrupt(ctx context.Context, event *domain.Event, rec *domain.ProcessingRecord, cause error) Result {
	rec.Status = domain.ProcessingStatusRetrying
	c.save(context.WithoutCancel(ctx), rec)
	metrics.EventsProcessed.WithLabelValues(string(event.Type), "interrupted").Inc()
	slog.Warn("Event processing interrupted", "event_id", event.ID, "attempts", rec.Attempts, "error", cause)
	return Result{Success: false, Action: "interrupted", Attempts: rec.Attempts}
}

func (c *Coordinator) save(ctx context.Context, rec *domain.ProcessingRecord) {
	if err := c.ledger.Save(ctx, rec); err != nil {
		slog.Error("Failed to persist processing record", "event_id", rec.EventID, "status", rec.Status, "error", err)
	}
}

func (c *Coordinator) markProcessed(ctx context.Context, rec *domain.ProcessingRecord) {
	if err := c.ledger.MarkProcessed(ctx, rec); err != nil {
		slog.Error("Failed to mark event processed", "event_id", rec.EventID, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
