package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stagecheck/internal/design"
	"stagecheck/internal/logging"
	"stagecheck/internal/property"
	"stagecheck/internal/snapshot"
)

// Exec runs an external backend process per request. The request is written
// to the process's stdin as JSON and the outcome read from its stdout.
type Exec struct {
	Command string
	Args    []string
	// Env is appended to the current environment.
	Env []string
	// MaxDiagnostic caps how much stderr is kept in EngineError details.
	MaxDiagnostic int
}

// ExecRequest is the JSON document sent to the backend.
type ExecRequest struct {
	Stage          string              `json:"stage"`
	Mode           Mode                `json:"mode"`
	Depth          int                 `json:"depth"`
	TimeoutMs      int64               `json:"timeout_ms,omitempty"`
	Top            string              `json:"top"`
	StructuralHash string              `json:"structural_hash"`
	StateHash      string              `json:"state_hash"`
	Model          json.RawMessage     `json:"model"`
	State          snapshot.State      `json:"state"`
	Active         []property.Property `json:"active"`
	Options        map[string]string   `json:"options,omitempty"`
}

// ExecResponse is the JSON document the backend prints.
type ExecResponse struct {
	Outcome  Kind            `json:"outcome"`
	Trace    json.RawMessage `json:"trace,omitempty"`
	Step     int             `json:"step"`
	Property string          `json:"property,omitempty"`
	Detail   string          `json:"detail,omitempty"`
}

func (e *Exec) Run(ctx context.Context, req Request) Outcome {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine.Exec.Run",
		trace.WithAttributes(
			attribute.String("stage", req.Stage),
			attribute.String("mode", string(req.Mode)),
			attribute.String("command", e.Command),
		))
	defer span.End()

	out := e.run(ctx, req)
	out.Duration = time.Since(start)
	span.SetAttributes(attribute.String("outcome", string(out.Kind)))
	logging.Engine("exec %s %s stage=%s -> %s (%v)", e.Command, req.Mode, req.Stage, out, out.Duration)
	return out
}

func (e *Exec) run(ctx context.Context, req Request) Outcome {
	if req.Mode == ModePrep {
		return prepped(req)
	}
	if req.Snapshot == nil {
		return failed("no snapshot")
	}

	// Pruned properties are removed from the model, not just left out of
	// the active list.
	m, err := design.DecodeModel(req.Snapshot.Model)
	if err != nil {
		return failed("%v", err)
	}
	m, err = m.Reduce(property.Names(req.Active))
	if err != nil {
		return failed("%v", err)
	}
	model, err := m.Encode()
	if err != nil {
		return failed("encode model: %v", err)
	}

	body, err := json.Marshal(ExecRequest{
		Stage:          req.Stage,
		Mode:           req.Mode,
		Depth:          req.Depth,
		TimeoutMs:      req.Timeout.Milliseconds(),
		Top:            req.Snapshot.Top,
		StructuralHash: req.Snapshot.StructuralHash,
		StateHash:      req.Snapshot.StateHash,
		Model:          model,
		State:          req.Snapshot.State,
		Active:         req.Active,
		Options:        req.Options,
	})
	if err != nil {
		return failed("encode request: %v", err)
	}

	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.EngineDebug("exec %s %v (%d byte request)", e.Command, e.Args, len(body))
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return timedOut(ctx, "running "+e.Command)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return failed("%s exited with status %d: %s", e.Command, exitErr.ExitCode(), e.diagnostic(stderr.String()))
		}
		return failed("%s: %v", e.Command, runErr)
	}

	var resp ExecResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return failed("malformed backend response: %v: %s", err, e.diagnostic(stdout.String()))
	}
	return e.outcome(req, resp)
}

// outcome checks that the backend's answer fits the requested mode.
func (e *Exec) outcome(req Request, resp ExecResponse) Outcome {
	out := Outcome{
		Kind:     resp.Outcome,
		Step:     resp.Step,
		Property: resp.Property,
		Detail:   resp.Detail,
	}
	switch resp.Outcome {
	case CoverHit, CoverExhausted:
		if req.Mode != ModeCover {
			return failed("backend answered %s to a %s request", resp.Outcome, req.Mode)
		}
	case Proved, Disproved:
		if req.Mode != ModeProve {
			return failed("backend answered %s to a %s request", resp.Outcome, req.Mode)
		}
	case EngineTimeout, EngineError:
	default:
		return failed("backend answered unknown outcome %q", resp.Outcome)
	}
	if resp.Outcome.HasTrace() {
		if len(resp.Trace) == 0 || string(resp.Trace) == "null" {
			return failed("backend answered %s without a trace", resp.Outcome)
		}
		out.Trace = []byte(resp.Trace)
	}
	return out
}

func (e *Exec) diagnostic(s string) string {
	s = strings.TrimSpace(s)
	limit := e.MaxDiagnostic
	if limit <= 0 {
		limit = 4096
	}
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
