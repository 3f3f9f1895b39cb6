package config

import (
	"time"

	"github.com/vietddude/payguard/internal/core/worker"
	"github.com/vietddude/payguard/internal/infra/ai"
	"github.com/vietddude/payguard/internal/infra/guard"
	"github.com/vietddude/payguard/internal/infra/payments"
	redisclient "github.com/vietddude/payguard/internal/infra/redis"
	"github.com/vietddude/payguard/internal/infra/storage/postgres"
	"github.com/vietddude/payguard/internal/notify"
	"github.com/vietddude/payguard/internal/processing/idempotency"
	"github.com/vietddude/payguard/internal/processing/recovery"
	"github.com/vietddude/payguard/internal/processing/retry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig           `yaml:"server"`
	Logging     LoggingConfig          `yaml:"logging"`
	Database    postgres.Config        `yaml:"database"`
	Redis       redisclient.Config     `yaml:"redis"`
	Webhook     WebhookConfig          `yaml:"webhook"`
	Resilience  ResilienceConfig       `yaml:"resilience"`
	Idempotency idempotency.Config     `yaml:"idempotency"`
	Recovery    recovery.Config        `yaml:"recovery"`
	EmailRetry  notify.RetryConfig     `yaml:"email_retry"`
	AI          ai.Config              `yaml:"ai"`
	Payments    payments.Config        `yaml:"payments"`
	Retention   worker.RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// WebhookConfig holds signature verification settings.
type WebhookConfig struct {
	Secret string `yaml:"secret"`

	// Tolerance is the allowed timestamp skew; nil means the default, 0 disables the check.
	Tolerance *time.Duration `yaml:"tolerance"`
}

// ResilienceConfig holds the retry and guard knobs. Every field is required.
type ResilienceConfig struct {
	MaxRetries            int           `yaml:"max_retries"`
	RetryBaseDelay        time.Duration `yaml:"retry_base_delay"`
	CircuitThreshold      int           `yaml:"circuit_threshold"`
	CircuitCooldown       time.Duration `yaml:"circuit_cooldown"`
	RateLimitMaxPerWindow int           `yaml:"rate_limit_max_per_window"`
	RateLimitWindow       time.Duration `yaml:"rate_limit_window"`
}

// Retry returns the retry coordinator settings.
func (r ResilienceConfig) Retry() retry.Config {
	return retry.Config{MaxRetries: r.MaxRetries, BaseDelay: r.RetryBaseDelay}
}

// Guard returns settings for a named guard.
func (r ResilienceConfig) Guard(name string) guard.Config {
	return guard.Config{
		Name:             name,
		FailureThreshold: r.CircuitThreshold,
		Cooldown:         r.CircuitCooldown,
		MaxPerWindow:     r.RateLimitMaxPerWindow,
		Window:           r.RateLimitWindow,
	}
}
