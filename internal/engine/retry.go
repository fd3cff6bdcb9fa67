package engine

import (
	"context"
	"time"

	"stagecheck/internal/logging"
)

// RetryPolicy bounds re-runs of a failed invocation. The zero value means a
// single attempt.
type RetryPolicy struct {
	MaxAttempts       int
	DepthStep         int
	TimeoutMultiplier float64
	Backoff           time.Duration
}

// Retrying re-runs EngineTimeout and EngineError outcomes according to
// Policy. Other outcomes, including CoverExhausted, are final.
type Retrying struct {
	Inner  Adapter
	Policy RetryPolicy
	// OnRetry, if set, is called before each re-run.
	OnRetry func(req Request, attempt int, prev Outcome)
}

func (r *Retrying) Run(ctx context.Context, req Request) Outcome {
	attempts := r.Policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var total time.Duration
	for attempt := 1; ; attempt++ {
		out := r.Inner.Run(ctx, req)
		total += out.Duration
		out.Attempts = attempt
		out.Duration = total
		if !out.Kind.Retryable() || attempt >= attempts || ctx.Err() != nil {
			return out
		}

		req.Depth += r.Policy.DepthStep
		if r.Policy.TimeoutMultiplier > 1 && req.Timeout > 0 {
			req.Timeout = time.Duration(float64(req.Timeout) * r.Policy.TimeoutMultiplier)
		}
		logging.EngineWarn("stage %s attempt %d/%d: %s; retrying with depth=%d timeout=%v",
			req.Stage, attempt, attempts, out, req.Depth, req.Timeout)
		if r.OnRetry != nil {
			r.OnRetry(req, attempt+1, out)
		}

		if r.Policy.Backoff > 0 {
			backoff := r.Policy.Backoff * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return out
			case <-time.After(backoff):
			}
		}
	}
}
