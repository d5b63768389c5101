package accounting

import (
	"fmt"
	"time"
)

// Config defines how the accounting system is reached
type Config struct {
	BaseURL    string        `toml:"base_url" validate:"required,url"`
	Timeout    time.Duration `toml:"timeout" validate:"gt=0"`
	HealthPath string        `toml:"health_path"`

	// Cached connectivity result lifetime; Ready is evaluated per item
	ReadyTTL time.Duration `toml:"ready_ttl" validate:"gte=0"`

	// Proactive throttle (requests per second, burst)
	RateLimit float64 `toml:"rate_limit" validate:"gt=0"`
	Burst     int     `toml:"burst" validate:"gt=0"`

	// Retries of transient failures (network errors, 429, 5xx)
	MaxRetries int           `toml:"max_retries" validate:"gte=0"`
	BaseDelay  time.Duration `toml:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `toml:"max_delay" validate:"gtefield=BaseDelay"`

	OAuth OAuthConfig `toml:"oauth"`
}

// OAuthConfig enables the client-credentials grant when ClientID is set
type OAuthConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	TokenURL     string   `toml:"token_url" validate:"omitempty,url"`
	Scopes       []string `toml:"scopes"`
}

// Enabled reports whether requests are authenticated
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != ""
}

// DefaultConfig returns client defaults
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		HealthPath: "/health",
		ReadyTTL:   30 * time.Second,
		RateLimit:  5,
		Burst:      1,
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
	}
}

func validateConfig(cfg Config) error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("BaseURL is required")
	}
	if cfg.RateLimit <= 0 {
		return fmt.Errorf("RateLimit must be positive, got %v", cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		return fmt.Errorf("Burst must be positive, got %d", cfg.Burst)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.BaseDelay <= 0 || cfg.MaxDelay < cfg.BaseDelay {
		return fmt.Errorf("invalid backoff %v..%v", cfg.BaseDelay, cfg.MaxDelay)
	}
	if cfg.OAuth.Enabled() && cfg.OAuth.TokenURL == "" {
		return fmt.Errorf("oauth token_url is required with client_id")
	}
	return nil
}
