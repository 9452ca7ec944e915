package config

import "time"

// SyncerConfig contains configuration for the Syncer worker service.
type SyncerConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`

	// Interval between two propagation cycles.
	Interval time.Duration `envconfig:"INTERVAL" default:"15s" validate:"gt=0"`

	// CycleTimeout bounds a whole cycle, including every scope.
	CycleTimeout time.Duration `envconfig:"CYCLE_TIMEOUT" default:"30s" validate:"gt=0"`

	// Concurrency is the number of scopes propagated in parallel.
	Concurrency int `envconfig:"CONCURRENCY" default:"4" validate:"min=1"`

	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3" validate:"min=0"`
	BaseRetryDelay time.Duration `envconfig:"BASE_RETRY_DELAY" default:"500ms"`
}
