package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/payguard/internal/notify"
	"github.com/vietddude/payguard/internal/processing/idempotency"
	"github.com/vietddude/payguard/internal/processing/recovery"
)

// ErrMissingResilience is returned when a required resilience setting is absent.
var ErrMissingResilience = errors.New("missing required resilience settings")

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding environment variables, applies defaults and validates.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Resilience.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Validate rejects missing or non-positive resilience values. There are no production defaults.
func (r ResilienceConfig) Validate() error {
	var missing []string
	if r.MaxRetries <= 0 {
		missing = append(missing, "max_retries")
	}
	if r.RetryBaseDelay <= 0 {
		missing = append(missing, "retry_base_delay")
	}
	if r.CircuitThreshold <= 0 {
		missing = append(missing, "circuit_threshold")
	}
	if r.CircuitCooldown <= 0 {
		missing = append(missing, "circuit_cooldown")
	}
	if r.RateLimitMaxPerWindow <= 0 {
		missing = append(missing, "rate_limit_max_per_window")
	}
	if r.RateLimitWindow <= 0 {
		missing = append(missing, "rate_limit_window")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingResilience, strings.Join(missing, ", "))
	}
	return nil
}

func (cfg *AppConfig) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	idem := idempotency.DefaultConfig()
	if cfg.Idempotency.CacheSize == 0 {
		cfg.Idempotency.CacheSize = idem.CacheSize
	}
	if cfg.Idempotency.CacheTTL == 0 {
		cfg.Idempotency.CacheTTL = idem.CacheTTL
	}
	if cfg.Idempotency.SweepInterval == 0 {
		cfg.Idempotency.SweepInterval = idem.SweepInterval
	}

	rec := recovery.DefaultConfig()
	if cfg.Recovery.RateLimitDelay == 0 {
		cfg.Recovery.RateLimitDelay = rec.RateLimitDelay
	}
	if cfg.Recovery.EmailRetryDelay == 0 {
		cfg.Recovery.EmailRetryDelay = rec.EmailRetryDelay
	}

	email := notify.DefaultRetryConfig()
	if cfg.EmailRetry.Interval == 0 {
		cfg.EmailRetry.Interval = email.Interval
	}
	if cfg.EmailRetry.InitialDelay == 0 {
		cfg.EmailRetry.InitialDelay = email.InitialDelay
	}
	if cfg.EmailRetry.MaxDelay == 0 {
		cfg.EmailRetry.MaxDelay = email.MaxDelay
	}
	if cfg.EmailRetry.MaxAttempts == 0 {
		cfg.EmailRetry.MaxAttempts = email.MaxAttempts
	}
	if cfg.EmailRetry.BatchSize == 0 {
		cfg.EmailRetry.BatchSize = email.BatchSize
	}
}
