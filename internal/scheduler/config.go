package scheduler

import (
	"fmt"
	"time"
)

// Config defines the scheduler's main loop and housekeeping settings
type Config struct {
	// Main loop iteration interval; the trigger resolution
	LoopInterval time.Duration `toml:"loop_interval" validate:"gt=0"`

	// Inbox buffer size
	InboxBufferSize int `toml:"inbox_buffer_size" validate:"gt=0"`

	// Timeout for sending to inbox
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout" validate:"gt=0"`

	// Upper bound on resolving and dispatching one scheduled run
	TriggerTimeout time.Duration `toml:"trigger_timeout" validate:"gt=0"`

	// How often expired ledger entries are purged (0 disables purging)
	PurgeInterval time.Duration `toml:"purge_interval" validate:"gte=0"`
}

// DefaultConfig returns scheduler defaults
func DefaultConfig() Config {
	return Config{
		LoopInterval:     1 * time.Second,
		InboxBufferSize:  1000,
		InboxSendTimeout: 5 * time.Second,
		TriggerTimeout:   2 * time.Minute,
		PurgeInterval:    1 * time.Hour,
	}
}

// validateConfig validates scheduler configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.LoopInterval <= 0 {
		return fmt.Errorf("LoopInterval must be positive, got %v", config.LoopInterval)
	}

	if config.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", config.InboxBufferSize)
	}

	if config.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", config.InboxSendTimeout)
	}

	if config.TriggerTimeout <= 0 {
		return fmt.Errorf("TriggerTimeout must be positive, got %v", config.TriggerTimeout)
	}

	if config.PurgeInterval < 0 {
		return fmt.Errorf("PurgeInterval must not be negative, got %v", config.PurgeInterval)
	}

	return nil
}
