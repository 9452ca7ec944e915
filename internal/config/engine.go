package config

import (
	"fmt"
	"time"
)

// EngineConfig tunes rule loading and traversal sessions.
type EngineConfig struct {
	// L1Capacity is the number of rule sets kept in process memory.
	L1Capacity int `envconfig:"L1_CAPACITY" default:"1000" validate:"min=1"`

	// L1TTL bounds how stale an in-process rule set may get when an
	// invalidation message is lost.
	L1TTL time.Duration `envconfig:"L1_TTL" default:"60s" validate:"min=1s"`

	// RuleSetTTL is the Redis expiry of a rule set written on a read-through miss.
	// Rule sets written by the syncer never expire.
	RuleSetTTL time.Duration `envconfig:"RULE_SET_TTL" default:"10m" validate:"min=1s"`

	// SessionTTL is the idle expiry of a traversal in Redis.
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"24h" validate:"min=1m"`

	// InvalidationChannel is the pub/sub channel the syncer publishes rule changes on.
	InvalidationChannel string `envconfig:"INVALIDATION_CHANNEL" default:"wayfinder:invalidations"`
}

// Validate checks the EngineConfig fields that struct tags cannot express.
func (c *EngineConfig) Validate() error {
	if err := validateNoWhitespace(c.InvalidationChannel, "invalidation channel"); err != nil {
		return err
	}
	if c.L1TTL > c.RuleSetTTL {
		return fmt.Errorf("rules L1 TTL (%s) cannot exceed rule set TTL (%s)", c.L1TTL, c.RuleSetTTL)
	}
	return nil
}
