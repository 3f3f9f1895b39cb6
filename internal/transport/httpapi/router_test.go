package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/ai"
	"github.com/vietddude/payguard/internal/infra/guard"
	"github.com/vietddude/payguard/internal/infra/storage/memory"
	"github.com/vietddude/payguard/internal/ingest"
	"github.com/vietddude/payguard/internal/processing/escalation"
	"github.com/vietddude/payguard/internal/processing/retry"
)

const secret = "whsec_test"

type stubProcessor struct {
	events []*domain.Event
	result retry.Result
}

func (s *stubProcessor) ProcessEvent(ctx context.Context, event *domain.Event) retry.Result {
	s.events = append(s.events, event)
	return s.result
}

type stubBackend struct {
	err error
}

func (s *stubBackend) Complete(ctx context.Context, prompt string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "echo: " + prompt, nil
}

type testServer struct {
	handler   http.Handler
	processor *stubProcessor
	backend   *stubBackend
	guard     *guard.Guard
	escalator *escalation.Escalator
}

func newTestServer(checks map[string]Check) *testServer {
	ts := &testServer{
		processor: &stubProcessor{result: retry.Result{Success: true, Handled: true, Action: "payment_recorded"}},
		backend:   &stubBackend{},
		guard:     guard.New(guard.Config{Name: "ai", FailureThreshold: 3, Cooldown: 5 * time.Minute, MaxPerWindow: 4, Window: time.Minute}),
		escalator: escalation.NewEscalator(memory.NewReviewRepo(memory.NewMemoryStorage()), escalation.LogSink{}),
	}
	ts.handler = NewRouter(Deps{
		Verifier:  ingest.NewVerifier(secret),
		Processor: ts.processor,
		Assistant: ai.NewClient(ts.backend, ts.guard),
		Reviews:   ts.escalator,
		Guards:    []*guard.Guard{ts.guard},
		Checks:    checks,
	})
	return ts
}

func (ts *testServer) do(method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func TestWebhook_Valid(t *testing.T) {
	ts := newTestServer(nil)
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","created":1,"data":{"object":{"id":"pi_1"}}}`)

	w := ts.do(http.MethodPost, "/webhooks/payments", body, map[string]string{
		SignatureHeader: ingest.Sign(body, secret, time.Now()),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res retry.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Action != "payment_recorded" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(ts.processor.events) != 1 || ts.processor.events[0].ID != "evt_1" {
		t.Errorf("expected event processed, got %v", ts.processor.events)
	}
}

func TestWebhook_FailedProcessingStillAcknowledged(t *testing.T) {
	ts := newTestServer(nil)
	ts.processor.result = retry.Result{Success: false, Escalated: true}
	body := []byte(`{"id":"evt_2","type":"checkout.session.completed","data":{"object":{}}}`)

	w := ts.do(http.MethodPost, "/webhooks/payments", body, map[string]string{
		SignatureHeader: ingest.Sign(body, secret, time.Now()),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"escalated":true`)) {
		t.Errorf("expected escalated in body, got %s", w.Body.String())
	}
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	ts := newTestServer(nil)
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	for name, header := range map[string]string{
		"missing": "",
		"wrong":   ingest.Sign(body, "nope", time.Now()),
	} {
		t.Run(name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/webhooks/payments", body, map[string]string{SignatureHeader: header})
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
	if len(ts.processor.events) != 0 {
		t.Error("rejected deliveries must not enter the pipeline")
	}
}

type processorFunc func(ctx context.Context, event *domain.Event) retry.Result

func (fn processorFunc) ProcessEvent(ctx context.Context, event *domain.Event) retry.Result {
	return fn(ctx, event)
}

func TestWebhook_ProcessingContext(t *testing.T) {
	lifecycle, stop := context.WithCancel(context.Background())
	defer stop()

	started := make(chan struct{}, 1)
	processor := processorFunc(func(ctx context.Context, event *domain.Event) retry.Result {
		if event.ID == "evt_wait" {
			started <- struct{}{}
			<-ctx.Done()
			return retry.Result{Action: "interrupted"}
		}
		if ctx.Err() != nil {
			return retry.Result{Action: "canceled"}
		}
		return retry.Result{Success: true}
	})
	handler := NewRouter(Deps{
		Verifier:  ingest.NewVerifier(secret),
		Processor: processor,
		Lifecycle: lifecycle,
	})

	send := func(ctx context.Context, id string) *httptest.ResponseRecorder {
		body := []byte(`{"id":"` + id + `","type":"payment_intent.succeeded","data":{"object":{}}}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body)).WithContext(ctx)
		req.Header.Set(SignatureHeader, ingest.Sign(body, secret, time.Now()))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	// The provider hanging up does not stop processing
	gone, hangUp := context.WithCancel(context.Background())
	hangUp()
	if w := send(gone, "evt_1"); !bytes.Contains(w.Body.Bytes(), []byte(`"success":true`)) {
		t.Fatalf("expected processing to ignore request cancellation, got %s", w.Body.String())
	}

	// Shutdown does
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- send(context.Background(), "evt_wait") }()
	<-started
	stop()

	select {
	case w := <-done:
		if !bytes.Contains(w.Body.Bytes(), []byte(`"action":"interrupted"`)) {
			t.Errorf("expected interrupted result, got %s", w.Body.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle cancellation did not reach processing")
	}
}

func TestAssist_BlockedReturns429(t *testing.T) {
	ts := newTestServer(nil)
	ts.backend.err = &domain.APIError{Provider: "ai", StatusCode: 429, Code: "insufficient_quota"}

	w := ts.do(http.MethodPost, "/api/assist", []byte(`{"prompt":"hi"}`), nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for the upstream quota error, got %d", w.Code)
	}

	ts.backend.err = nil
	w = ts.do(http.MethodPost, "/api/assist", []byte(`{"prompt":"hi"}`), nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the circuit is open, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "300" {
		t.Errorf("expected Retry-After 300, got %q", w.Header().Get("Retry-After"))
	}

	var body struct {
		Reason            string `json:"reason"`
		RetryAfterMinutes int    `json:"retry_after_minutes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Reason != "circuit_open" || body.RetryAfterMinutes != 5 {
		t.Errorf("unexpected body %+v", body)
	}

	w = ts.do(http.MethodPost, "/admin/guard/reset?name=ai", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset failed: %d", w.Code)
	}
	w = ts.do(http.MethodPost, "/api/assist", []byte(`{"prompt":"hi"}`), nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 after reset, got %d", w.Code)
	}
}

func TestAssist_RequiresPrompt(t *testing.T) {
	ts := newTestServer(nil)
	w := ts.do(http.MethodPost, "/api/assist", []byte(`{}`), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestReviews_ListAndResolve(t *testing.T) {
	ts := newTestServer(nil)
	item, err := ts.escalator.Escalate(context.Background(), domain.ErrorKindCreditUpdateFailed, escalation.Request{EventID: "evt_1"})
	if err != nil {
		t.Fatal(err)
	}

	w := ts.do(http.MethodGet, "/admin/reviews", nil, nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(item.ID)) {
		t.Fatalf("expected item listed, got %d %s", w.Code, w.Body.String())
	}

	w = ts.do(http.MethodPost, "/admin/reviews/"+item.ID+"/resolve", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = ts.do(http.MethodPost, "/admin/reviews/missing/resolve", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	w = ts.do(http.MethodGet, "/admin/reviews?limit=x", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestGuardState(t *testing.T) {
	ts := newTestServer(nil)
	w := ts.do(http.MethodGet, "/admin/guard", nil, nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"name":"ai"`)) {
		t.Errorf("unexpected response %d %s", w.Code, w.Body.String())
	}
	w = ts.do(http.MethodPost, "/admin/guard/reset?name=nope", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown guard, got %d", w.Code)
	}
}

func TestReady(t *testing.T) {
	ts := newTestServer(map[string]Check{
		"database": func(ctx context.Context) error { return nil },
	})
	if w := ts.do(http.MethodGet, "/ready", nil, nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	ts = newTestServer(map[string]Check{
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	if w := ts.do(http.MethodGet, "/ready", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
