package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/livinlefevreloca/ledgersync/internal/accounting"
	"github.com/livinlefevreloca/ledgersync/internal/batchsync"
	"github.com/livinlefevreloca/ledgersync/internal/cron"
	"github.com/livinlefevreloca/ledgersync/internal/db"
	"github.com/livinlefevreloca/ledgersync/internal/domains"
	"github.com/livinlefevreloca/ledgersync/internal/logging"
	"github.com/livinlefevreloca/ledgersync/internal/scheduler"
)

// Config represents the application configuration
type Config struct {
	Database     db.Config            `toml:"database"`
	Source       SourceConfig         `toml:"source"`
	Accounting   accounting.Config    `toml:"accounting"`
	Orchestrator batchsync.Config     `toml:"orchestrator"`
	Scheduler    SchedulerConfig      `toml:"scheduler"`
	Domains      []domains.Definition `toml:"domains" validate:"dive"`
	HTTP         ServerConfig         `toml:"http"`
	Metrics      ServerConfig         `toml:"metrics"`
	Logging      logging.Config       `toml:"logging"`
}

// SourceConfig holds the connection to the records database
type SourceConfig struct {
	DSN      string `toml:"dsn" validate:"required"`
	MaxConns int32  `toml:"max_conns" validate:"gte=0"`
}

// SchedulerConfig enables the periodic trigger loop
type SchedulerConfig struct {
	Enabled bool `toml:"enabled"`
	scheduler.Config
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address" validate:"required_if=Enabled true"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:         "sqlite3",
			DSN:            "ledgersync.db",
			MaxIdleConns:   1,
			SkipMigrations: false,
		},
		Source: SourceConfig{
			MaxConns: 8,
		},
		Accounting:   accounting.DefaultConfig(),
		Orchestrator: batchsync.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Enabled: true,
			Config:  scheduler.DefaultConfig(),
		},
		HTTP: ServerConfig{
			Enabled: true,
			Address: ":8080",
		},
		Metrics: ServerConfig{
			Enabled: true,
			Address: ":9091",
		},
		Logging: logging.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the cross-field rules tags cannot
// express
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid configuration: %s failed on %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Orchestrator.PageSize > 0 && c.Orchestrator.PageSize < c.Orchestrator.BatchSize {
		return fmt.Errorf("orchestrator page_size (%d) must not be smaller than batch_size (%d)",
			c.Orchestrator.PageSize, c.Orchestrator.BatchSize)
	}

	seen := make(map[string]bool)
	for _, d := range c.Domains {
		if seen[d.Name] {
			return fmt.Errorf("domain %q configured twice", d.Name)
		}
		seen[d.Name] = true
	}

	for _, d := range c.EffectiveDomains() {
		if d.Schedule == "" {
			continue
		}
		if _, err := cron.Parse(d.Schedule); err != nil {
			return fmt.Errorf("domain %s: invalid schedule: %w", d.Name, err)
		}
	}

	return nil
}

// EffectiveDomains returns the stock domains overlaid with the configured ones
func (c *Config) EffectiveDomains() []domains.Definition {
	return domains.Merge(domains.Stock(), c.Domains)
}

// Schedules returns the schedule of every enabled, scheduled domain
func (c *Config) Schedules() map[string]string {
	out := make(map[string]string)
	for _, d := range c.EffectiveDomains() {
		if d.Enabled && d.Schedule != "" {
			out[d.Name] = d.Schedule
		}
	}
	return out
}

// Environment variables that override secrets kept out of the config file
const (
	EnvSourceDSN        = "LEDGERSYNC_SOURCE_DSN"
	EnvAccountingSecret = "LEDGERSYNC_ACCOUNTING_CLIENT_SECRET"
)

// ApplyEnv overlays the secret-bearing settings from the environment
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvSourceDSN); ok && v != "" {
		c.Source.DSN = v
	}
	if v, ok := os.LookupEnv(EnvAccountingSecret); ok && v != "" {
		c.Accounting.OAuth.ClientSecret = v
	}
}
