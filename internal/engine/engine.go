// Package engine adapts verification backends to a single contract: run a
// snapshot against an active property set in a mode, up to a depth bound,
// and report one outcome.
//
// Backends are treated as slow and unreliable. Failures come back as
// EngineTimeout or EngineError outcomes, never as Go errors, and nothing
// here retries unless wrapped in Retrying.
package engine

import (
	"context"
	"fmt"
	"time"

	"stagecheck/internal/property"
	"stagecheck/internal/snapshot"
)

// Mode selects what a verify stage asks of the engine.
type Mode string

const (
	ModePrep  Mode = "prep"
	ModeCover Mode = "cover"
	ModeProve Mode = "prove"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePrep, ModeCover, ModeProve:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want prep, cover or prove)", s)
}

// Kind classifies an outcome.
type Kind string

const (
	Prepped        Kind = "prepped"
	CoverHit       Kind = "cover_hit"
	CoverExhausted Kind = "cover_exhausted"
	Proved         Kind = "proved"
	Disproved      Kind = "disproved"
	EngineTimeout  Kind = "engine_timeout"
	EngineError    Kind = "engine_error"
)

// Succeeded reports whether the stage that got this outcome succeeds.
// A counterexample is a successful run that produced a trace.
func (k Kind) Succeeded() bool {
	switch k {
	case Prepped, CoverHit, Proved, Disproved:
		return true
	}
	return false
}

// HasTrace reports whether the outcome carries a witness.
func (k Kind) HasTrace() bool { return k == CoverHit || k == Disproved }

// Retryable reports whether a retry policy may re-run the request.
func (k Kind) Retryable() bool { return k == EngineTimeout || k == EngineError }

// Request is one engine invocation.
type Request struct {
	Stage    string
	Snapshot *snapshot.Snapshot
	// Active is the reduced property set: pruned properties are absent and
	// must not be referenced by the backend.
	Active  []property.Property
	Mode    Mode
	Depth   int
	Timeout time.Duration
	// Options are passed to the backend untouched.
	Options map[string]string
}

// Outcome is the result of a run.
type Outcome struct {
	Kind     Kind
	Snapshot *snapshot.Snapshot // Prepped
	Trace    []byte             // CoverHit, Disproved
	Step     int                // step of the hit or violation
	Property string             // failing assertion for Disproved
	Detail   string             // diagnostic, verbatim from the backend
	Attempts int
	Duration time.Duration
}

func (o Outcome) String() string {
	switch o.Kind {
	case CoverHit:
		return fmt.Sprintf("cover hit at step %d", o.Step)
	case Disproved:
		return fmt.Sprintf("assertion %s fails at step %d", o.Property, o.Step)
	case EngineTimeout, EngineError, CoverExhausted:
		if o.Detail != "" {
			return fmt.Sprintf("%s: %s", o.Kind, o.Detail)
		}
	}
	return string(o.Kind)
}

// Adapter runs requests against one backend.
type Adapter interface {
	Run(ctx context.Context, req Request) Outcome
}

// AdapterFunc lets a function serve as an Adapter.
type AdapterFunc func(ctx context.Context, req Request) Outcome

func (f AdapterFunc) Run(ctx context.Context, req Request) Outcome { return f(ctx, req) }

func prepped(req Request) Outcome {
	return Outcome{Kind: Prepped, Snapshot: req.Snapshot}
}

func failed(format string, args ...interface{}) Outcome {
	return Outcome{Kind: EngineError, Detail: fmt.Sprintf(format, args...)}
}

func timedOut(ctx context.Context, where string) Outcome {
	detail := "wall-clock bound exceeded " + where
	if ctx.Err() == context.Canceled {
		detail = "cancelled " + where
	}
	return Outcome{Kind: EngineTimeout, Detail: detail}
}

// withTimeout applies the request's wall-clock bound.
func withTimeout(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if req.Timeout > 0 {
		return context.WithTimeout(ctx, req.Timeout)
	}
	return context.WithCancel(ctx)
}
