package batchsync

import (
	"fmt"
	"time"
)

// Config defines the orchestrator's batching, concurrency and retention settings
type Config struct {
	// Items per batch (per worker)
	BatchSize int `toml:"batch_size" validate:"gt=0"`

	// Items fetched from the source per scan-mode run
	PageSize int `toml:"page_size" validate:"gte=0"`

	// Upper bound on batches in flight for one run (0 = unbounded)
	MaxConcurrentBatches int `toml:"max_concurrent_batches" validate:"gte=0"`

	// Item errors kept per batch result
	MaxErrorsPerBatch int `toml:"max_errors_per_batch" validate:"gt=0"`

	// How long a ledger entry stays inspectable
	JobRetention time.Duration `toml:"job_retention" validate:"gt=0"`

	// Lifetime of the per-domain scan lease; bounds how long a crashed run blocks the domain
	LeaseTTL time.Duration `toml:"lease_ttl" validate:"gt=0"`
}

// DefaultConfig returns orchestrator defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:            50,
		PageSize:             0, // same as BatchSize
		MaxConcurrentBatches: 4,
		MaxErrorsPerBatch:    50,
		JobRetention:         24 * time.Hour,
		LeaseTTL:             1 * time.Hour,
	}
}

// pageSize returns the effective scan page size
func (c Config) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return c.BatchSize
}

// runErrorCap bounds the merged error list stored on the ledger entry
func (c Config) runErrorCap() int {
	return c.MaxErrorsPerBatch * 4
}

// validateConfig validates orchestrator configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", config.BatchSize)
	}

	if config.PageSize < 0 {
		return fmt.Errorf("PageSize must not be negative, got %d", config.PageSize)
	}

	if config.MaxConcurrentBatches < 0 {
		return fmt.Errorf("MaxConcurrentBatches must not be negative, got %d", config.MaxConcurrentBatches)
	}

	if config.MaxErrorsPerBatch <= 0 {
		return fmt.Errorf("MaxErrorsPerBatch must be positive, got %d", config.MaxErrorsPerBatch)
	}

	if config.JobRetention <= 0 {
		return fmt.Errorf("JobRetention must be positive, got %v", config.JobRetention)
	}

	if config.LeaseTTL <= 0 {
		return fmt.Errorf("LeaseTTL must be positive, got %v", config.LeaseTTL)
	}

	return nil
}

// DomainOptions overrides orchestrator settings for one domain
type DomainOptions struct {
	BatchSize int
	PageSize  int
}
