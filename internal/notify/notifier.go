// Package notify delivers user notifications off the request path and retries failed sends.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sender delivers one templated notification.
type Sender interface {
	Send(ctx context.Context, userID, templateID string, data map[string]any) error
}

// DeliveryError carries the failed message so it can be queued for retry.
type DeliveryError struct {
	UserID     string
	TemplateID string
	Data       map[string]any
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("email delivery to %s (%s) failed: %v", e.UserID, e.TemplateID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// FailureHandler receives every failed send.
type FailureHandler func(ctx context.Context, err *DeliveryError)

// Notifier sends in the background. Failures go to the FailureHandler, never to the caller.
type Notifier struct {
	sender    Sender
	timeout   time.Duration
	onFailure FailureHandler
	wg        sync.WaitGroup
}

func NewNotifier(sender Sender, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{sender: sender, timeout: timeout}
}

// OnFailure sets the failure handler. Call before the first Notify.
func (n *Notifier) OnFailure(h FailureHandler) {
	n.onFailure = h
}

// Notify schedules a send and returns immediately.
func (n *Notifier) Notify(ctx context.Context, userID, templateID string, data map[string]any) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(ctx, userID, templateID, data)
	}()
}

func (n *Notifier) send(ctx context.Context, userID, templateID string, data map[string]any) {
	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	err := n.sender.Send(sendCtx, userID, templateID, data)
	if err == nil {
		return
	}

	derr := &DeliveryError{UserID: userID, TemplateID: templateID, Data: data, Err: err}
	slog.Warn("Notification failed", "user_id", userID, "template", templateID, "error", err)
	if n.onFailure != nil {
		n.onFailure(ctx, derr)
	}
}

// Wait blocks until in-flight sends finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// LogSender logs notifications instead of sending them.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, userID, templateID string, data map[string]any) error {
	slog.Info("Notification sent", "user_id", userID, "template", templateID, "data", data)
	return nil
}
