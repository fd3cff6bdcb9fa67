package config

import (
	"fmt"
	"time"
)

// SchedulerConfig enforces campaign-wide resource constraints.
type SchedulerConfig struct {
	MaxParallelEngines int    `yaml:"max_parallel_engines"` // Max concurrent engine invocations
	EngineTimeout      string `yaml:"engine_timeout"`       // Per-invocation wall-clock bound
	CampaignTimeout    string `yaml:"campaign_timeout"`     // Whole-run bound, empty = none
	VerifyFailureFatal bool   `yaml:"verify_failure_fatal"` // Abort the campaign on any verify failure
}

// DefaultSchedulerConfig returns the default limits.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxParallelEngines: 2,
		EngineTimeout:      "10m",
	}
}

// ValidateSchedulerLimits checks that scheduler limits are within acceptable ranges.
func (c *Config) ValidateSchedulerLimits() error {
	if c.Scheduler.MaxParallelEngines < 1 {
		return fmt.Errorf("max_parallel_engines must be >= 1")
	}
	if c.Scheduler.EngineTimeout != "" {
		if _, err := time.ParseDuration(c.Scheduler.EngineTimeout); err != nil {
			return fmt.Errorf("invalid engine_timeout %q: %w", c.Scheduler.EngineTimeout, err)
		}
	}
	if c.Scheduler.CampaignTimeout != "" {
		if _, err := time.ParseDuration(c.Scheduler.CampaignTimeout); err != nil {
			return fmt.Errorf("invalid campaign_timeout %q: %w", c.Scheduler.CampaignTimeout, err)
		}
	}
	return nil
}

// GetEngineTimeout returns the engine timeout as a duration.
func (c *Config) GetEngineTimeout() time.Duration {
	return parseDuration(c.Scheduler.EngineTimeout, 10*time.Minute)
}

// GetCampaignTimeout returns the campaign timeout, zero meaning unbounded.
func (c *Config) GetCampaignTimeout() time.Duration {
	return parseDuration(c.Scheduler.CampaignTimeout, 0)
}
