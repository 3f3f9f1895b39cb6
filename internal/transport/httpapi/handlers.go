package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/guard"
	"github.com/vietddude/payguard/internal/infra/storage"
	"github.com/vietddude/payguard/internal/ingest"
	"github.com/vietddude/payguard/internal/processing/metrics"
)

type handlers struct {
	deps Deps
}

// webhook verifies and processes one delivery. Once verified, the delivery is always
// acknowledged with 200; unresolved failures are recorded durably instead.
func (h *handlers) webhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	raw, err := c.GetRawData()
	if err != nil {
		metrics.EventsRejected.WithLabelValues("unreadable").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := h.deps.Verifier.Verify(raw, c.GetHeader(SignatureHeader))
	if err != nil {
		reason := "signature_invalid"
		if errors.Is(err, ingest.ErrMalformedEvent) {
			reason = "malformed"
		}
		metrics.EventsRejected.WithLabelValues(reason).Inc()
		slog.Warn("Rejected webhook delivery", "reason", reason, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	metrics.EventsReceived.WithLabelValues(string(event.Type)).Inc()

	ctx, cancel := h.processingContext(c.Request.Context())
	defer cancel()
	res := h.deps.Processor.ProcessEvent(ctx, event)
	c.JSON(http.StatusOK, res)
}

// processingContext outlives the request, since the provider may hang up during
// backoff, but ends with the app lifecycle.
func (h *handlers) processingContext(req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(req))
	if h.deps.Lifecycle == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(h.deps.Lifecycle, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

type assistRequest struct {
	Key    string `json:"key"`
	Prompt string `json:"prompt"`
}

func (h *handlers) assist(c *gin.Context) {
	var req assistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	if req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt required"})
		return
	}
	key := req.Key
	if key == "" {
		sum := sha256.Sum256([]byte(req.Prompt))
		key = hex.EncodeToString(sum[:8])
	}

	out, err := h.deps.Assistant.Complete(c.Request.Context(), key, req.Prompt)
	if err != nil {
		writeAssistError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"completion": out})
}

func writeAssistError(c *gin.Context, err error) {
	var blocked *guard.BlockedError
	if errors.As(err, &blocked) {
		d := blocked.Decision
		c.Header("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.999)))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":               blocked.Error(),
			"reason":              d.Reason,
			"retry_after_minutes": d.RetryAfterMinutes(),
		})
		return
	}

	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		c.JSON(http.StatusBadGateway, gin.H{"error": apiErr.Message, "code": apiErr.Code})
		return
	}

	if errors.Is(err, context.Canceled) {
		c.Status(499)
		return
	}
	slog.Error("Assist call failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "assist failed"})
}

func (h *handlers) listReviews(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	items, err := h.deps.Reviews.ListPending(c.Request.Context(), limit)
	if err != nil {
		slog.Error("Failed to list reviews", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	if items == nil {
		items = []*domain.ManualReviewItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (h *handlers) resolveReview(c *gin.Context) {
	item, err := h.deps.Reviews.Resolve(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "review item not found"})
		return
	}
	if err != nil {
		slog.Error("Failed to resolve review", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve failed"})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *handlers) guardState(c *gin.Context) {
	states := make([]guard.State, 0, len(h.deps.Guards))
	for _, g := range h.deps.Guards {
		states = append(states, g.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"guards": states})
}

// guardReset resets the named guard, or every guard when no name is given.
func (h *handlers) guardReset(c *gin.Context) {
	name := c.Query("name")
	var reset []string
	for _, g := range h.deps.Guards {
		st := g.Snapshot()
		if name != "" && st.Name != name {
			continue
		}
		g.Reset()
		reset = append(reset, st.Name)
	}
	if name != "" && len(reset) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "guard not found"})
		return
	}
	slog.Warn("Guard state reset by operator", "guards", reset)
	c.JSON(http.StatusOK, gin.H{"reset": reset})
}
