// Package ai calls the quota-limited AI completion service. Every call goes through a guard.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
	"github.com/vietddude/payguard/internal/infra/guard"
)

const defaultBaseURL = "https://api.openai.com/v1/chat/completions"

// Backend performs a single completion call. Failures are *domain.APIError when the API answered.
type Backend interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config holds AI client settings.
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPBackend talks to an OpenAI-compatible chat completions endpoint.
type HTTPBackend struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewHTTPBackend creates a new completion backend.
func NewHTTPBackend(cfg Config) *HTTPBackend {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// Complete sends one chat completion request. No retries here: the guard owns backoff.
func (b *HTTPBackend) Complete(ctx context.Context, prompt string) (string, error) {
	if b.apiKey == "" {
		return "", fmt.Errorf("ai api key not set")
	}

	body, err := json.Marshal(chatRequest{
		Model:    b.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &domain.APIError{Provider: "ai", StatusCode: resp.StatusCode, Message: string(respBody)}
		var parsed apiErrorBody
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error.Message != "" {
			apiErr.Message = parsed.Error.Message
			apiErr.Type = parsed.Error.Type
			apiErr.Code = parsed.Error.Code
		}
		return "", apiErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Client is the guarded entry point for AI calls.
type Client struct {
	backend Backend
	guard   *guard.Guard
}

// NewClient wraps backend with g.
func NewClient(backend Backend, g *guard.Guard) *Client {
	return &Client{backend: backend, guard: g}
}

// Complete runs the completion under the guard. key dedups identical in-flight requests;
// a refused call returns *guard.BlockedError without reaching the backend.
func (c *Client) Complete(ctx context.Context, key, prompt string) (string, error) {
	var out string
	err := c.guard.Do(ctx, key, func(ctx context.Context) error {
		var err error
		out, err = c.backend.Complete(ctx, prompt)
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// Guard exposes the guard for admin snapshots.
func (c *Client) Guard() *guard.Guard {
	return c.guard
}
