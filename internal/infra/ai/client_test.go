package ai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/guard"
)

type stubBackend struct {
	calls int
	err   error
	out   string
}

func (s *stubBackend) Complete(ctx context.Context, prompt string) (string, error) {
	s.calls++
	return s.out, s.err
}

func TestHTTPBackend_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(Config{APIKey: "sk-test", BaseURL: srv.URL})
	out, err := b.Complete(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if out != "hello" {
		t.Errorf("expected hello, got %q", out)
	}
}

func TestHTTPBackend_QuotaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(Config{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := b.Complete(context.Background(), "hi")

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.QuotaExceeded() {
		t.Error("expected quota exceeded")
	}
	if apiErr.RateLimited() {
		t.Error("quota exhaustion is not a transient rate limit")
	}
}

func TestClient_QuotaOpensCircuit(t *testing.T) {
	g := guard.New(guard.Config{Name: "ai-test", Cooldown: time.Minute})
	backend := &stubBackend{err: &domain.APIError{Provider: "ai", StatusCode: 429, Code: "insufficient_quota"}}
	client := NewClient(backend, g)

	if _, err := client.Complete(context.Background(), "k", "hi"); err == nil {
		t.Fatal("expected error")
	}

	backend.err = nil
	backend.out = "ok"
	_, err := client.Complete(context.Background(), "k", "hi")

	var blocked *guard.BlockedError
	if !errors.As(err, &blocked) || blocked.Decision.Reason != guard.ReasonCircuitOpen {
		t.Fatalf("expected circuit_open block, got %v", err)
	}
	if backend.calls != 1 {
		t.Errorf("backend should not be called while open, calls=%d", backend.calls)
	}
}
