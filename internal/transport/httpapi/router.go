// Package httpapi exposes the webhook, assist and admin endpoints over gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/guard"
	"github.com/vietddude/payguard/internal/processing/retry"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Payment-Signature"

// maxWebhookBody caps webhook payloads.
const maxWebhookBody = 1 << 20

type Verifier interface {
	Verify(raw []byte, header string) (*domain.Event, error)
}

type Processor interface {
	ProcessEvent(ctx context.Context, event *domain.Event) retry.Result
}

type Assistant interface {
	Complete(ctx context.Context, key, prompt string) (string, error)
}

type Reviews interface {
	ListPending(ctx context.Context, limit int) ([]*domain.ManualReviewItem, error)
	Resolve(ctx context.Context, id string) (*domain.ManualReviewItem, error)
}

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

// Deps holds everything the router serves.
type Deps struct {
	Verifier  Verifier
	Processor Processor
	Assistant Assistant
	Reviews   Reviews
	Guards    []*guard.Guard
	Checks    map[string]Check

	// Lifecycle, when set, cancels in-flight webhook processing on shutdown.
	Lifecycle context.Context
}

// NewRouter wires all endpoints.
// Public: /webhooks/payments, /api/assist, /health, /ready, /metrics
// Admin (unauthenticated): /admin/reviews, /admin/guard
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", readyHandler(d.Checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{deps: d}
	r.POST("/webhooks/payments", h.webhook)
	if d.Assistant != nil {
		r.POST("/api/assist", h.assist)
	}

	admin := r.Group("/admin")
	admin.GET("/reviews", h.listReviews)
	admin.POST("/reviews/:id/resolve", h.resolveReview)
	admin.GET("/guard", h.guardState)
	admin.POST("/guard/reset", h.guardReset)

	return r
}

// readyHandler reports 503 when any dependency check fails.
func readyHandler(checks map[string]Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		failures := gin.H{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "errors": failures})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
