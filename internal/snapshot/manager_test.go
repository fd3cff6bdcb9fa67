package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagecheck/internal/artifact"
	"stagecheck/internal/property"
)

type fakeElaborator struct {
	hash  string
	state State
	err   error
}

func (f *fakeElaborator) Elaborate(ctx context.Context, files []string, top string) (*Elaboration, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Elaboration{
		Model:          json.RawMessage(`{"top":"` + top + `"}`),
		StructuralHash: f.hash,
		InitialState:   f.state,
		Properties:     []property.Property{{Name: "p", Kind: property.Assert}},
	}, nil
}

type fakeSimulator struct {
	result *SimResult
	err    error
	calls  atomic.Int32
}

func (f *fakeSimulator) Simulate(ctx context.Context, model json.RawMessage, initial State, trace []byte, scope string) (*SimResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type gapError struct{ step int }

func (e gapError) Error() string                  { return fmt.Sprintf("input req missing at step %d", e.step) }
func (e gapError) Underdetermined() (int, string) { return e.step, "req" }

func newManager(elab *fakeElaborator, sim *fakeSimulator) (*Manager, *artifact.MemoryStore) {
	store := artifact.NewMemoryStore()
	return NewManager(store, elab, sim), store
}

func TestElaborate_StoresBaseSnapshot(t *testing.T) {
	m, store := newManager(&fakeElaborator{hash: "S", state: State{"r": "0"}}, &fakeSimulator{})
	ctx := context.Background()

	snap, err := m.Elaborate(ctx, Source{Files: []string{"d.yaml"}, Top: "top"})
	require.NoError(t, err)
	assert.True(t, snap.Base())
	assert.Equal(t, "S", snap.StructuralHash)
	assert.Equal(t, State{"r": "0"}.Hash(), snap.StateHash)

	loaded, err := m.Load(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.StateHash, loaded.StateHash)
	assert.Equal(t, snap.Properties, loaded.Properties)

	again, err := m.Elaborate(ctx, Source{Files: []string{"d.yaml"}, Top: "top"})
	require.NoError(t, err)
	assert.Equal(t, snap.ID, again.ID)
	st, _ := store.Stats(ctx)
	assert.Equal(t, 1, st.Snapshots)
}

func TestElaborateChecked_RejectedSnapshotIsNotStored(t *testing.T) {
	m, store := newManager(&fakeElaborator{hash: "S", state: State{"r": "0"}}, &fakeSimulator{})
	ctx := context.Background()
	reject := errors.New("tags inconsistent")

	var seen *Snapshot
	_, err := m.ElaborateChecked(ctx, Source{Top: "top"}, func(snap *Snapshot) error {
		seen = snap
		return reject
	})
	assert.Equal(t, reject, err)
	require.NotNil(t, seen)
	assert.Empty(t, seen.ID, "checked before it is stored")
	assert.Equal(t, []string{"p"}, property.Names(seen.Properties))

	st, _ := store.Stats(ctx)
	assert.Zero(t, st.Snapshots)

	snap, err := m.ElaborateChecked(ctx, Source{Top: "top"}, func(*Snapshot) error { return nil })
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
}

func TestElaborate_SurfacesDiagnosticVerbatim(t *testing.T) {
	cause := errors.New("design.yaml:3: unknown signal \"gnt\"")
	m, _ := newManager(&fakeElaborator{err: cause}, &fakeSimulator{})

	_, err := m.Elaborate(context.Background(), Source{Files: []string{"design.yaml"}, Top: "top"})
	var elabErr *ElaborationError
	require.True(t, errors.As(err, &elabErr))
	assert.Equal(t, cause.Error(), elabErr.Diagnostic)
	assert.ErrorIs(t, err, cause)
}

func TestReplay_KeepsStructureChangesState(t *testing.T) {
	sim := &fakeSimulator{result: &SimResult{State: State{"r": "1"}, StructuralHash: "S"}}
	m, store := newManager(&fakeElaborator{hash: "S", state: State{"r": "0"}}, sim)
	ctx := context.Background()

	base, err := m.Elaborate(ctx, Source{Top: "top"})
	require.NoError(t, err)
	tr, err := m.PutTrace(ctx, "S", []byte(`{"steps":[{}]}`))
	require.NoError(t, err)

	child, err := m.Replay(ctx, base, tr)
	require.NoError(t, err)
	assert.Equal(t, base.StructuralHash, child.StructuralHash)
	assert.NotEqual(t, base.StateHash, child.StateHash)
	assert.Equal(t, base.ID, child.ParentID)
	assert.Equal(t, tr.ID, child.TraceID)

	recorded, ok, err := store.Derivation(ctx, base.ID, tr.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, child.ID, recorded)
}

func TestReplay_DerivesOncePerPair(t *testing.T) {
	sim := &fakeSimulator{result: &SimResult{State: State{"r": "1"}, StructuralHash: "S"}}
	m, _ := newManager(&fakeElaborator{hash: "S", state: State{"r": "0"}}, sim)
	ctx := context.Background()

	base, err := m.Elaborate(ctx, Source{Top: "top"})
	require.NoError(t, err)
	tr, err := m.PutTrace(ctx, "S", []byte("t"))
	require.NoError(t, err)

	first, err := m.Replay(ctx, base, tr)
	require.NoError(t, err)
	second, err := m.Replay(ctx, base, tr)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), sim.calls.Load())
}

func TestReplay_StructuralMismatch(t *testing.T) {
	sim := &fakeSimulator{result: &SimResult{State: State{}, StructuralHash: "S"}}
	m, _ := newManager(&fakeElaborator{hash: "S"}, sim)
	ctx := context.Background()

	base, err := m.Elaborate(ctx, Source{Top: "top"})
	require.NoError(t, err)
	tr, err := m.PutTrace(ctx, "OTHER", []byte("t"))
	require.NoError(t, err)

	_, err = m.Replay(ctx, base, tr)
	var mismatch *StructuralMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "OTHER", mismatch.Expected)
	assert.Equal(t, "S", mismatch.Actual)
	assert.True(t, IsFatal(err))
	assert.Zero(t, sim.calls.Load(), "simulator must not run on mismatch")
}

func TestReplay_DriftIsRejected(t *testing.T) {
	sim := &fakeSimulator{result: &SimResult{State: State{"r": "1"}, StructuralHash: "S-prime"}}
	m, store := newManager(&fakeElaborator{hash: "S"}, sim)
	ctx := context.Background()

	base, err := m.Elaborate(ctx, Source{Top: "top"})
	require.NoError(t, err)
	tr, err := m.PutTrace(ctx, "S", []byte("t"))
	require.NoError(t, err)

	_, err = m.Replay(ctx, base, tr)
	var drift *DriftError
	require.True(t, errors.As(err, &drift))
	assert.True(t, IsFatal(err))

	st, _ := store.Stats(ctx)
	assert.Equal(t, 1, st.Snapshots, "drifted child must not be stored")
	assert.Zero(t, st.Derivations)
}

func TestReplay_IncompleteTrace(t *testing.T) {
	sim := &fakeSimulator{err: gapError{step: 2}}
	m, store := newManager(&fakeElaborator{hash: "S"}, sim)
	ctx := context.Background()

	base, err := m.Elaborate(ctx, Source{Top: "top"})
	require.NoError(t, err)
	tr, err := m.PutTrace(ctx, "S", []byte("t"))
	require.NoError(t, err)

	child, err := m.Replay(ctx, base, tr)
	assert.Nil(t, child)
	var incomplete *IncompleteReplayError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, 2, incomplete.Step)
	assert.Equal(t, "req", incomplete.Signal)
	assert.False(t, IsFatal(err))

	st, _ := store.Stats(ctx)
	assert.Equal(t, 1, st.Snapshots)
}

func TestLoad_KindChecked(t *testing.T) {
	m, _ := newManager(&fakeElaborator{hash: "S"}, &fakeSimulator{})
	ctx := context.Background()
	tr, err := m.PutTrace(ctx, "S", []byte("t"))
	require.NoError(t, err)

	_, err = m.Load(ctx, tr.ID)
	assert.ErrorIs(t, err, artifact.ErrKindMismatch)

	got, err := m.LoadTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "S", got.StructuralHash)
}

func TestStateHash_OrderIndependent(t *testing.T) {
	a := State{"a": "1", "b": "0", "c": "x"}
	b := State{"c": "x", "a": "1", "b": "0"}
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), State{"a": "1", "b": "1", "c": "x"}.Hash())
}
