// Package snapshot derives and validates immutable design snapshots.
//
// A snapshot pairs an elaborated structural model with a concrete state
// assignment. The Manager creates the base snapshot from source, derives
// successors by replaying witness traces, and refuses any successor whose
// structural hash differs from its parent's.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"stagecheck/internal/artifact"
	"stagecheck/internal/property"
)

// State maps state elements to their value literal. Backends choose the
// literal alphabet; the reference backend uses "0", "1" and "x".
type State map[string]string

// Hash returns the state hash over the sorted assignment.
func (s State) Hash() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, s[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns an independent copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Snapshot is an elaborated design plus a concrete state. Snapshots are
// immutable once stored; ID is the artifact content hash.
type Snapshot struct {
	ID             string
	ParentID       string
	TraceID        string
	Top            string
	StructuralHash string
	StateHash      string
	Model          json.RawMessage
	State          State
	Properties     []property.Property
}

// Base reports whether the snapshot came straight from elaboration.
func (s *Snapshot) Base() bool { return s.ParentID == "" }

// Trace is a stored witness. StructuralHash names the snapshot structure the
// trace was produced against. Payload is backend-defined.
type Trace struct {
	ID             string
	StructuralHash string
	Payload        []byte
}

// Source identifies the design to elaborate.
type Source struct {
	Files []string
	Top   string
}

// Elaboration is what an Elaborator returns for a source design.
type Elaboration struct {
	Model          json.RawMessage
	StructuralHash string
	InitialState   State
	Properties     []property.Property
}

// Elaborator compiles source files into a structural model.
type Elaborator interface {
	Elaborate(ctx context.Context, files []string, top string) (*Elaboration, error)
}

// SimResult is the outcome of a replay simulation. StructuralHash is the
// hash of the model the simulator actually drove.
type SimResult struct {
	State          State
	StructuralHash string
}

// Simulator drives a trace through a model from an initial state. It must
// fail rather than approximate when the trace under-determines the state.
type Simulator interface {
	Simulate(ctx context.Context, model json.RawMessage, initial State, trace []byte, scope string) (*SimResult, error)
}

// Underdetermined is implemented by simulator errors that name the first
// signal the trace left undetermined.
type Underdetermined interface {
	Underdetermined() (step int, signal string)
}

type snapshotPayload struct {
	Top        string              `json:"top"`
	Parent     string              `json:"parent,omitempty"`
	Trace      string              `json:"trace,omitempty"`
	Model      json.RawMessage     `json:"model"`
	State      State               `json:"state"`
	Properties []property.Property `json:"properties"`
}

func (s *Snapshot) artifact() (*artifact.Artifact, error) {
	data, err := json.Marshal(snapshotPayload{
		Top:        s.Top,
		Parent:     s.ParentID,
		Trace:      s.TraceID,
		Model:      s.Model,
		State:      s.State,
		Properties: s.Properties,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return &artifact.Artifact{
		Kind:           artifact.KindSnapshot,
		StructuralHash: s.StructuralHash,
		StateHash:      s.StateHash,
		Payload:        data,
	}, nil
}

func decodeSnapshot(a *artifact.Artifact) (*Snapshot, error) {
	var p snapshotPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", artifact.Short(a.ID), err)
	}
	if p.State == nil {
		p.State = State{}
	}
	if got := p.State.Hash(); got != a.StateHash {
		return nil, fmt.Errorf("snapshot %s state hash %s does not match recorded %s",
			artifact.Short(a.ID), artifact.Short(got), artifact.Short(a.StateHash))
	}
	return &Snapshot{
		ID:             a.ID,
		ParentID:       p.Parent,
		TraceID:        p.Trace,
		Top:            p.Top,
		StructuralHash: a.StructuralHash,
		StateHash:      a.StateHash,
		Model:          p.Model,
		State:          p.State,
		Properties:     p.Properties,
	}, nil
}
