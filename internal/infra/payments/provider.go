package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/guard"
)

const defaultBaseURL = "https://api.stripe.com/v1"

// Provider looks up payment state at the upstream payment provider.
type Provider interface {
	PaymentIntentStatus(ctx context.Context, paymentID string) (domain.PaymentStatus, error)
}

type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPProvider queries a Stripe-compatible REST API.
type HTTPProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(cfg Config) *HTTPProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type intentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// PaymentIntentStatus maps the provider's intent status onto PaymentStatus.
func (p *HTTPProvider) PaymentIntentStatus(ctx context.Context, paymentID string) (domain.PaymentStatus, error) {
	endpoint := p.baseURL + "/payment_intents/" + url.PathEscape(paymentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("payment_intent lookup failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &domain.APIError{Provider: "payments", StatusCode: resp.StatusCode, Message: string(body)}
		var parsed errorResponse
		if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
			apiErr.Type = parsed.Error.Type
			apiErr.Code = parsed.Error.Code
			apiErr.Message = parsed.Error.Message
		}
		return "", apiErr
	}

	var intent intentResponse
	if err := json.Unmarshal(body, &intent); err != nil {
		return "", fmt.Errorf("failed to decode payment_intent: %w", err)
	}

	switch intent.Status {
	case "succeeded":
		return domain.PaymentStatusSucceeded, nil
	case "canceled", "requires_payment_method":
		return domain.PaymentStatusFailed, nil
	default:
		return domain.PaymentStatusPending, nil
	}
}

// GuardedProvider runs every lookup under a guard so a failing provider trips its circuit.
type GuardedProvider struct {
	next  Provider
	guard *guard.Guard
}

func NewGuardedProvider(next Provider, g *guard.Guard) *GuardedProvider {
	return &GuardedProvider{next: next, guard: g}
}

func (p *GuardedProvider) PaymentIntentStatus(ctx context.Context, paymentID string) (domain.PaymentStatus, error) {
	var status domain.PaymentStatus
	err := p.guard.Do(ctx, "payment_intent:"+paymentID, func(ctx context.Context) error {
		var err error
		status, err = p.next.PaymentIntentStatus(ctx, paymentID)
		return err
	})
	return status, err
}
