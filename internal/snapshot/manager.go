package snapshot

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stagecheck/internal/artifact"
	"stagecheck/internal/logging"
)

var tracer = otel.Tracer("stagecheck.snapshot")

// Manager creates and derives snapshots and is the only writer of snapshot
// artifacts.
type Manager struct {
	store artifact.Store
	elab  Elaborator
	sim   Simulator
}

// NewManager wires the store and collaborators.
func NewManager(store artifact.Store, elab Elaborator, sim Simulator) *Manager {
	return &Manager{store: store, elab: elab, sim: sim}
}

// Store returns the backing artifact store.
func (m *Manager) Store() artifact.Store { return m.store }

// Elaborate produces the base snapshot for src with the design's declared
// initial state.
func (m *Manager) Elaborate(ctx context.Context, src Source) (*Snapshot, error) {
	return m.ElaborateChecked(ctx, src, nil)
}

// ElaborateChecked is Elaborate with a gate: check sees the unsaved
// snapshot and an error from it is returned as is, leaving the store
// untouched.
func (m *Manager) ElaborateChecked(ctx context.Context, src Source, check func(*Snapshot) error) (*Snapshot, error) {
	timer := logging.StartTimer(logging.CategorySnapshot, "Elaborate")
	defer timer.Stop()

	ctx, span := tracer.Start(ctx, "snapshot.Elaborate",
		trace.WithAttributes(attribute.String("top", src.Top)))
	defer span.End()

	elab, err := m.elab.Elaborate(ctx, src.Files, src.Top)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "elaboration failed")
		logging.SnapshotError("Elaboration of %s failed: %v", src.Top, err)
		return nil, &ElaborationError{Top: src.Top, Files: src.Files, Diagnostic: err.Error(), Err: err}
	}
	if elab.StructuralHash == "" {
		return nil, &ElaborationError{Top: src.Top, Files: src.Files, Diagnostic: "elaborator returned no structural hash"}
	}

	state := elab.InitialState
	if state == nil {
		state = State{}
	}
	snap := &Snapshot{
		Top:            src.Top,
		StructuralHash: elab.StructuralHash,
		StateHash:      state.Hash(),
		Model:          elab.Model,
		State:          state.Clone(),
		Properties:     elab.Properties,
	}
	if check != nil {
		if err := check(snap); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
	if err := m.persist(ctx, snap); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("snapshot", snap.ID),
		attribute.String("structural_hash", snap.StructuralHash),
	)
	logging.Snapshot("Elaborated %s: snapshot %s structure %s", src.Top, artifact.Short(snap.ID), artifact.Short(snap.StructuralHash))
	return snap, nil
}

// Replay derives the successor of parent by driving tr through it. A given
// (parent, trace) pair is derived once; later calls return the stored child.
func (m *Manager) Replay(ctx context.Context, parent *Snapshot, tr *Trace) (*Snapshot, error) {
	timer := logging.StartTimer(logging.CategorySnapshot, "Replay")
	defer timer.Stop()

	ctx, span := tracer.Start(ctx, "snapshot.Replay",
		trace.WithAttributes(
			attribute.String("parent", parent.ID),
			attribute.String("trace", tr.ID),
		))
	defer span.End()

	if tr.StructuralHash != parent.StructuralHash {
		err := &StructuralMismatchError{
			SnapshotID: parent.ID,
			TraceID:    tr.ID,
			Expected:   tr.StructuralHash,
			Actual:     parent.StructuralHash,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "structural mismatch")
		logging.SnapshotError("%v", err)
		return nil, err
	}

	if childID, ok, err := m.store.Derivation(ctx, parent.ID, tr.ID); err != nil {
		return nil, err
	} else if ok {
		child, err := m.Load(ctx, childID)
		if err != nil {
			return nil, fmt.Errorf("failed to load recorded derivation: %w", err)
		}
		logging.SnapshotDebug("Reusing derivation %s + %s -> %s", artifact.Short(parent.ID), artifact.Short(tr.ID), artifact.Short(childID))
		span.SetAttributes(attribute.Bool("reused", true))
		return child, nil
	}

	res, err := m.sim.Simulate(ctx, parent.Model, parent.State.Clone(), tr.Payload, parent.Top)
	if err != nil {
		span.RecordError(err)
		// The simulator may find a structure recorded inside the payload
		// that the artifact metadata did not show.
		var mismatch *StructuralMismatchError
		if errors.As(err, &mismatch) {
			out := *mismatch
			out.SnapshotID, out.TraceID = parent.ID, tr.ID
			span.SetStatus(codes.Error, "structural mismatch")
			logging.SnapshotError("%v", &out)
			return nil, &out
		}
		var ud Underdetermined
		if errors.As(err, &ud) {
			step, signal := ud.Underdetermined()
			span.SetStatus(codes.Error, "incomplete replay")
			logging.SnapshotError("Trace %s leaves %s undetermined at step %d", artifact.Short(tr.ID), signal, step)
			return nil, &IncompleteReplayError{TraceID: tr.ID, Step: step, Signal: signal, Detail: err.Error()}
		}
		span.SetStatus(codes.Error, "replay failed")
		return nil, fmt.Errorf("replay of trace %s failed: %w", artifact.Short(tr.ID), err)
	}

	state := res.State
	if state == nil {
		state = State{}
	}
	child := &Snapshot{
		ParentID:       parent.ID,
		TraceID:        tr.ID,
		Top:            parent.Top,
		StructuralHash: res.StructuralHash,
		StateHash:      state.Hash(),
		Model:          parent.Model,
		State:          state,
		Properties:     parent.Properties,
	}
	if err := m.accept(ctx, parent, child); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accept failed")
		return nil, err
	}

	recorded, err := m.store.RecordDerivation(ctx, parent.ID, tr.ID, child.ID)
	if err != nil {
		return nil, err
	}
	if recorded != child.ID {
		logging.SnapshotDebug("Derivation raced; keeping recorded child %s", artifact.Short(recorded))
		return m.Load(ctx, recorded)
	}

	span.SetAttributes(attribute.String("snapshot", child.ID))
	logging.Snapshot("Replayed %s onto %s -> %s (state %s)",
		artifact.Short(tr.ID), artifact.Short(parent.ID), artifact.Short(child.ID), artifact.Short(child.StateHash))
	return child, nil
}

// accept enforces that a derived snapshot keeps its parent's structure
// before it is written to the store.
func (m *Manager) accept(ctx context.Context, parent, child *Snapshot) error {
	if child.StructuralHash != parent.StructuralHash {
		err := &DriftError{ParentID: parent.ID, ParentHash: parent.StructuralHash, ChildHash: child.StructuralHash}
		logging.SnapshotError("%v", err)
		return err
	}
	return m.persist(ctx, child)
}

func (m *Manager) persist(ctx context.Context, snap *Snapshot) error {
	a, err := snap.artifact()
	if err != nil {
		return err
	}
	id, _, err := m.store.Put(ctx, a)
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	snap.ID = id
	return nil
}

// Load reads a stored snapshot.
func (m *Manager) Load(ctx context.Context, id string) (*Snapshot, error) {
	a, err := artifact.GetKind(ctx, m.store, id, artifact.KindSnapshot)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(a)
}

// PutTrace stores a witness produced against structuralHash.
func (m *Manager) PutTrace(ctx context.Context, structuralHash string, payload []byte) (*Trace, error) {
	id, _, err := m.store.Put(ctx, &artifact.Artifact{
		Kind:           artifact.KindTrace,
		StructuralHash: structuralHash,
		Payload:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store trace: %w", err)
	}
	return &Trace{ID: id, StructuralHash: structuralHash, Payload: payload}, nil
}

// LoadTrace reads a stored trace.
func (m *Manager) LoadTrace(ctx context.Context, id string) (*Trace, error) {
	a, err := artifact.GetKind(ctx, m.store, id, artifact.KindTrace)
	if err != nil {
		return nil, err
	}
	return &Trace{ID: a.ID, StructuralHash: a.StructuralHash, Payload: a.Payload}, nil
}

// IsFatal reports whether err must abort the whole campaign rather than
// fail a single stage.
func IsFatal(err error) bool {
	var mismatch *StructuralMismatchError
	var drift *DriftError
	return errors.As(err, &mismatch) || errors.As(err, &drift)
}
