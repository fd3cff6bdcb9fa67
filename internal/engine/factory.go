package engine

import (
	"fmt"

	"stagecheck/internal/config"
)

// FromConfig builds the configured backend, wrapped in Retrying when more
// than one attempt is allowed.
func FromConfig(cfg *config.Config) (Adapter, error) {
	var a Adapter
	switch cfg.Engine.Backend {
	case "bmc", "":
		a = NewBMC()
	case "exec":
		if cfg.Engine.Command == "" {
			return nil, fmt.Errorf("exec backend needs engine.command")
		}
		a = &Exec{Command: cfg.Engine.Command, Args: cfg.Engine.Args}
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
	}

	if cfg.Retry.MaxAttempts > 1 {
		a = &Retrying{
			Inner: a,
			Policy: RetryPolicy{
				MaxAttempts:       cfg.Retry.MaxAttempts,
				DepthStep:         cfg.Retry.DepthStep,
				TimeoutMultiplier: cfg.Retry.TimeoutMultiplier,
				Backoff:           cfg.GetRetryBackoff(),
			},
		}
	}
	return a, nil
}
