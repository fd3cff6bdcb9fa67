package snapshot

import (
	"fmt"
	"strings"

	"stagecheck/internal/artifact"
)

// ElaborationError wraps a collaborator diagnostic for malformed source.
// Diagnostic is the collaborator's message, unmodified.
type ElaborationError struct {
	Top        string
	Files      []string
	Diagnostic string
	Err        error
}

func (e *ElaborationError) Error() string {
	return fmt.Sprintf("elaboration of %q from [%s] failed: %s", e.Top, strings.Join(e.Files, ", "), e.Diagnostic)
}

func (e *ElaborationError) Unwrap() error { return e.Err }

// StructuralMismatchError reports a trace replayed against a snapshot with a
// different structure. It is fatal for the whole campaign.
type StructuralMismatchError struct {
	SnapshotID string
	TraceID    string
	Expected   string // structural hash recorded by the trace
	Actual     string // structural hash of the snapshot
}

func (e *StructuralMismatchError) Error() string {
	return fmt.Sprintf("structural mismatch: trace %s was produced against structure %s but snapshot %s has structure %s",
		artifact.Short(e.TraceID), e.Expected, artifact.Short(e.SnapshotID), e.Actual)
}

// IncompleteReplayError reports a trace that does not determine some state
// element the simulation needs. The value is never defaulted.
type IncompleteReplayError struct {
	TraceID string
	Step    int
	Signal  string
	Detail  string
}

func (e *IncompleteReplayError) Error() string {
	msg := fmt.Sprintf("incomplete replay of trace %s: signal %q undetermined at step %d",
		artifact.Short(e.TraceID), e.Signal, e.Step)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// DriftError reports a derived snapshot whose structural hash differs from
// its parent's, meaning the design changed mid-campaign. It is fatal for the
// whole campaign.
type DriftError struct {
	ParentID   string
	ParentHash string
	ChildHash  string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("structural drift: snapshot derived from %s has structure %s, parent has %s",
		artifact.Short(e.ParentID), e.ChildHash, e.ParentHash)
}
