package campaign

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stagecheck/internal/artifact"
	"stagecheck/internal/design"
	"stagecheck/internal/engine"
	"stagecheck/internal/property"
	"stagecheck/internal/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockAdapter records every invocation and answers from a per-stage script.
// Unscripted stages get a plausible default for their mode.
type mockAdapter struct {
	mu        sync.Mutex
	calls     []string
	script    map[string]func(ctx context.Context, req engine.Request) engine.Outcome
	delay     time.Duration
	active    int32
	maxActive int32
}

func (m *mockAdapter) Run(ctx context.Context, req engine.Request) engine.Outcome {
	n := atomic.AddInt32(&m.active, 1)
	defer atomic.AddInt32(&m.active, -1)
	for {
		cur := atomic.LoadInt32(&m.maxActive)
		if n <= cur || atomic.CompareAndSwapInt32(&m.maxActive, cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, req.Stage)
	fn := m.script[req.Stage]
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return engine.Outcome{Kind: engine.EngineTimeout, Detail: "cancelled"}
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	switch req.Mode {
	case engine.ModePrep:
		return engine.Outcome{Kind: engine.Prepped, Snapshot: req.Snapshot}
	case engine.ModeCover:
		return engine.Outcome{Kind: engine.CoverHit, Step: 3, Trace: countTrace(req.Snapshot.StructuralHash, 4)}
	}
	return engine.Outcome{Kind: engine.Proved}
}

func (m *mockAdapter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// countTrace holds en high and rst low for n steps.
func countTrace(hash string, n int) []byte {
	tr := design.Trace{StructuralHash: hash}
	for i := 0; i < n; i++ {
		tr.Steps = append(tr.Steps, design.Step{Inputs: map[string]int{"en": 1, "rst": 0}})
	}
	data, _ := tr.Encode()
	return data
}

func newTestOrchestrator(adapter engine.Adapter, cfg Config) (*Orchestrator, *snapshot.Manager, *artifact.MemoryStore) {
	store := artifact.NewMemoryStore()
	mgr := snapshot.NewManager(store, &design.Elaborator{}, design.Simulator{})
	return New(mgr, adapter, cfg), mgr, store
}

func parseDef(t *testing.T, src string) *Definition {
	t.Helper()
	def, err := ParseDefinition([]byte(src))
	require.NoError(t, err)
	dir, err := filepath.Abs("testdata")
	require.NoError(t, err)
	def.SetBaseDir(dir)
	return def
}

func statuses(rep *Report) map[string]Status {
	out := make(map[string]Status)
	for _, s := range rep.Stages {
		out[s.ID] = s.Status
	}
	return out
}

func TestRun_TwoStageReplay(t *testing.T) {
	def, err := LoadDefinition(filepath.Join("testdata", "campaign.yaml"))
	require.NoError(t, err)

	o, mgr, _ := newTestOrchestrator(engine.NewBMC(), Config{MaxParallel: 2, DefaultDepth: 5})
	rep, err := o.Run(context.Background(), def)
	require.NoError(t, err)
	require.Equal(t, VerdictSucceeded, rep.Verdict, rep.FatalCause)

	base, reach, seeded, check := rep.Stage("base"), rep.Stage("reach"), rep.Stage("seeded"), rep.Stage("check")
	assert.Equal(t, engine.CoverHit, reach.Outcome)
	assert.Equal(t, 3, reach.Step)
	assert.NotEmpty(t, reach.Trace)

	// S1 keeps S0's structure with a new state.
	assert.Equal(t, base.StructuralHash, seeded.StructuralHash)
	assert.NotEqual(t, base.StateHash, seeded.StateHash)

	s1, err := mgr.Load(context.Background(), seeded.Snapshot)
	require.NoError(t, err)
	want := snapshot.State{"c0": "1", "c1": "1", "ctl.seen": "0", "ctl.done": "0"}
	if diff := cmp.Diff(want, s1.State); diff != "" {
		t.Errorf("seeded state mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, base.Snapshot, s1.ParentID)
	assert.Equal(t, reach.Trace, s1.TraceID)

	assert.Equal(t, engine.Proved, check.Outcome)
	assert.Equal(t, []string{"no_reset", "seen_twin"}, check.Active)
	assert.Equal(t, []string{"hold_en", "reach_full"}, check.Pruned)
	for _, p := range s1.Properties {
		if p.HasTag("1") {
			assert.NotContains(t, check.Active, p.Name)
		}
	}
}

func TestRun_FailingRootSkipsDiamond(t *testing.T) {
	def := parseDef(t, `
name: diamond
design: {files: [missing.yaml], top: counter}
stages:
  - {id: root, role: init}
  - {id: left, role: verify, parent: root, mode: prep, keep: "1"}
  - {id: right, role: verify, parent: root, mode: prep, keep: "2"}
  - {id: sink, role: verify, parent: left, after: [right], mode: cover, keep: "1"}
`)
	mock := &mockAdapter{}
	o, _, _ := newTestOrchestrator(mock, Config{MaxParallel: 4})

	rep, err := o.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, map[string]Status{
		"root":  StatusFailed,
		"left":  StatusSkipped,
		"right": StatusSkipped,
		"sink":  StatusSkipped,
	}, statuses(rep))
	assert.Empty(t, mock.Calls())
	assert.Equal(t, VerdictAborted, rep.Verdict)
	assert.Contains(t, rep.FatalCause, "stage root")
	assert.Contains(t, rep.Stage("root").Diagnostic, "missing.yaml")
}

func TestRun_DiamondWaitsForBothBranches(t *testing.T) {
	def := parseDef(t, `
name: diamond
design: {files: [counter.yaml], top: counter}
stages:
  - {id: root, role: init}
  - {id: left, role: verify, parent: root, mode: prep, keep: "1"}
  - {id: right, role: verify, parent: root, mode: prep, keep: "2"}
  - {id: sink, role: verify, parent: left, after: [right], mode: cover, keep: "1"}
`)
	mock := &mockAdapter{delay: 10 * time.Millisecond}
	o, _, _ := newTestOrchestrator(mock, Config{MaxParallel: 4})

	rep, err := o.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, VerdictSucceeded, rep.Verdict)

	calls := mock.Calls()
	require.Len(t, calls, 3)
	assert.ElementsMatch(t, []string{"left", "right"}, calls[:2])
	assert.Equal(t, "sink", calls[2])
	assert.Equal(t, rep.Stage("root").Snapshot, rep.Stage("left").Snapshot)
}

const branchy = `
name: branches
design: {files: [counter.yaml], top: counter}
stages:
  - {id: root, role: init}
  - {id: reach, role: verify, parent: root, mode: cover, keep: "1"}
  - {id: seeded, role: init, parent: root, trace: reach}
  - {id: deep, role: verify, parent: seeded, mode: prove, keep: "2"}
  - {id: side, role: verify, parent: root, mode: prove, keep: "2"}
`

func TestRun_FailureOnlySkipsDependents(t *testing.T) {
	mock := &mockAdapter{script: map[string]func(context.Context, engine.Request) engine.Outcome{
		"reach": func(context.Context, engine.Request) engine.Outcome {
			return engine.Outcome{Kind: engine.CoverExhausted, Detail: "no cover hit within depth 3"}
		},
	}}
	o, _, _ := newTestOrchestrator(mock, Config{MaxParallel: 2, DefaultDepth: 3})

	rep, err := o.Run(context.Background(), parseDef(t, branchy))
	require.NoError(t, err)

	assert.Equal(t, map[string]Status{
		"root":   StatusSucceeded,
		"reach":  StatusFailed,
		"seeded": StatusSkipped,
		"deep":   StatusSkipped,
		"side":   StatusSucceeded,
	}, statuses(rep))
	assert.ElementsMatch(t, []string{"reach", "side"}, mock.Calls())
	assert.Equal(t, VerdictPartial, rep.Verdict)
	assert.Empty(t, rep.FatalCause)
	assert.Contains(t, rep.Stage("reach").Diagnostic, "no cover hit within depth 3")
	assert.Contains(t, rep.Stage("deep").Diagnostic, "upstream stage")
}

func TestRun_VerifyFailureFatal(t *testing.T) {
	mock := &mockAdapter{script: map[string]func(context.Context, engine.Request) engine.Outcome{
		"side": func(context.Context, engine.Request) engine.Outcome {
			return engine.Outcome{Kind: engine.EngineError, Detail: "backend crashed"}
		},
	}}
	o, _, _ := newTestOrchestrator(mock, Config{MaxParallel: 2, VerifyFailureFatal: true})

	rep, err := o.Run(context.Background(), parseDef(t, branchy))
	require.NoError(t, err)

	assert.Equal(t, VerdictFailed, rep.Verdict)
	assert.Contains(t, rep.FatalCause, "stage side")
	assert.Contains(t, rep.FatalCause, "backend crashed")
	// Independent branches still ran to completion.
	assert.Equal(t, StatusSucceeded, rep.Stage("deep").Status)
}

func TestRun_IncompleteReplayFailsInitStage(t *testing.T) {
	mock := &mockAdapter{script: map[string]func(context.Context, engine.Request) engine.Outcome{
		"reach": func(_ context.Context, req engine.Request) engine.Outcome {
			tr := design.Trace{
				StructuralHash: req.Snapshot.StructuralHash,
				Steps: []design.Step{
					{Inputs: map[string]int{"rst": 0}},
					{Inputs: map[string]int{"rst": 0, "en": 1}},
				},
			}
			data, _ := tr.Encode()
			return engine.Outcome{Kind: engine.CoverHit, Step: 1, Trace: data}
		},
	}}
	o, _, store := newTestOrchestrator(mock, Config{MaxParallel: 1})

	rep, err := o.Run(context.Background(), parseDef(t, branchy))
	require.NoError(t, err)

	seeded := rep.Stage("seeded")
	assert.Equal(t, StatusFailed, seeded.Status)
	assert.Empty(t, seeded.Snapshot)
	assert.Equal(t, StatusSkipped, rep.Stage("deep").Status)
	assert.NotContains(t, mock.Calls(), "deep")
	assert.Equal(t, VerdictFailed, rep.Verdict)
	assert.Contains(t, rep.FatalCause, "incomplete replay")
	assert.Contains(t, rep.FatalCause, "en")

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Snapshots, "no fabricated successor may be stored")
}

func TestRun_StructuralDriftAborts(t *testing.T) {
	def := parseDef(t, `
name: drift
design: {files: [counter.yaml], top: counter}
stages:
  - {id: root, role: init}
  - {id: prep, role: verify, parent: root, mode: prep, keep: "1"}
  - {id: slow, role: verify, parent: root, mode: prove, keep: "2"}
  - {id: after_prep, role: verify, parent: prep, mode: cover, keep: "1"}
`)
	mock := &mockAdapter{script: map[string]func(context.Context, engine.Request) engine.Outcome{
		"prep": func(_ context.Context, req engine.Request) engine.Outcome {
			altered := *req.Snapshot
			altered.StructuralHash = "0000000000000000"
			return engine.Outcome{Kind: engine.Prepped, Snapshot: &altered}
		},
		"slow": func(ctx context.Context, _ engine.Request) engine.Outcome {
			<-ctx.Done()
			return engine.Outcome{Kind: engine.EngineTimeout, Detail: "cancelled"}
		},
	}}
	o, _, _ := newTestOrchestrator(mock, Config{MaxParallel: 2})

	rep, err := o.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, VerdictAborted, rep.Verdict)
	assert.Equal(t, map[string]Status{
		"root":       StatusSucceeded,
		"prep":       StatusFailed,
		"slow":       StatusSkipped,
		"after_prep": StatusSkipped,
	}, statuses(rep))
	assert.Contains(t, rep.FatalCause, "design drift")
	assert.Contains(t, rep.FatalCause, "0000000000000000")
	assert.NotContains(t, mock.Calls(), "after_prep")
}

func TestRun_StructuralMismatchAborts(t *testing.T) {
	def, err := LoadDefinition(filepath.Join("testdata", "campaign.yaml"))
	require.NoError(t, err)
	// The backend answers with a witness recorded against some other design.
	mock := &mockAdapter{script: map[string]func(context.Context, engine.Request) engine.Outcome{
		"reach": func(context.Context, engine.Request) engine.Outcome {
			return engine.Outcome{Kind: engine.CoverHit, Step: 3, Trace: countTrace("feedfacefeedface", 4)}
		},
	}}
	o, _, store := newTestOrchestrator(mock, Config{MaxParallel: 2})

	rep, err := o.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, VerdictAborted, rep.Verdict)
	assert.Equal(t, map[string]Status{
		"base":   StatusSucceeded,
		"reach":  StatusSucceeded,
		"seeded": StatusFailed,
		"check":  StatusSkipped,
	}, statuses(rep))
	assert.Contains(t, rep.FatalCause, "stage seeded")
	assert.Contains(t, rep.FatalCause, "structural mismatch")
	assert.Contains(t, rep.FatalCause, "feedfacefeedface")
	assert.NotContains(t, mock.Calls(), "check")

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Snapshots)
	assert.Zero(t, stats.Derivations)
}

func TestRun_ConfigErrorsStopBeforeAnyStage(t *testing.T) {
	mock := &mockAdapter{}
	o, _, store := newTestOrchestrator(mock, Config{})

	_, err := o.Run(context.Background(), parseDef(t, `
name: two-roots
design: {files: [counter.yaml], top: counter}
stages:
  - {id: a, role: init}
  - {id: b, role: init}
`))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Contains(t, cfgErr.Error(), "multiple root init stages")

	// Tag "2" is used by the design but no stage keeps it.
	_, err = o.Run(context.Background(), parseDef(t, `
name: half
design: {files: [counter.yaml], top: counter}
stages:
  - {id: root, role: init}
  - {id: reach, role: verify, parent: root, mode: cover, keep: "1"}
`))
	var tagErr *property.ConfigError
	require.True(t, errors.As(err, &tagErr), "got %v", err)

	assert.Empty(t, mock.Calls())
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Traces)
	assert.Zero(t, stats.Snapshots, "rejected campaigns store nothing")
}

func TestRun_WarnsOnEmptyKeepTag(t *testing.T) {
	events := make(chan Event, 64)
	o, _, _ := newTestOrchestrator(&mockAdapter{}, Config{MaxParallel: 2, EventChan: events})

	rep, err := o.Run(context.Background(), parseDef(t, `
name: warn
design: {files: [counter.yaml], top: counter}
stages:
  - {id: root, role: init}
  - {id: one, role: verify, parent: root, mode: cover, keep: "1"}
  - {id: two, role: verify, parent: root, mode: prove, keep: "2"}
  - {id: nine, role: verify, parent: root, mode: prove, keep: "9"}
`))
	require.NoError(t, err)
	assert.Equal(t, VerdictSucceeded, rep.Verdict)
	require.Len(t, rep.Warnings, 1)
	assert.Contains(t, rep.Warnings[0], `"9"`)
	assert.Equal(t, []string{"no_reset"}, rep.Stage("nine").Active)

	close(events)
	var types []string
	for ev := range events {
		assert.Equal(t, rep.RunID, ev.RunID)
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventWarning)
	assert.Contains(t, types, EventStageStarted)
	assert.Contains(t, types, EventStageSucceeded)
}

func TestRun_RespectsParallelLimit(t *testing.T) {
	def := parseDef(t, `
name: wide
design: {files: [counter.yaml], top: counter}
stages:
  - {id: root, role: init}
  - {id: a, role: verify, parent: root, mode: prep, keep: "1"}
  - {id: b, role: verify, parent: root, mode: prep, keep: "2"}
  - {id: c, role: verify, parent: root, mode: prep, keep: "1"}
  - {id: d, role: verify, parent: root, mode: prep, keep: "2"}
`)
	mock := &mockAdapter{delay: 30 * time.Millisecond}
	o, _, _ := newTestOrchestrator(mock, Config{MaxParallel: 2})

	rep, err := o.Run(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, VerdictSucceeded, rep.Verdict)
	assert.Len(t, mock.Calls(), 4)
	assert.LessOrEqual(t, atomic.LoadInt32(&mock.maxActive), int32(2))
}

func TestRun_RerunReusesArtifacts(t *testing.T) {
	def, err := LoadDefinition(filepath.Join("testdata", "campaign.yaml"))
	require.NoError(t, err)
	o, _, store := newTestOrchestrator(&mockAdapter{}, Config{MaxParallel: 2})
	ctx := context.Background()

	first, err := o.Run(ctx, def)
	require.NoError(t, err)
	require.Equal(t, VerdictSucceeded, first.Verdict, first.FatalCause)
	before, err := store.Stats(ctx)
	require.NoError(t, err)

	second, err := o.Run(ctx, def)
	require.NoError(t, err)
	after, err := store.Stats(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, before, after)
	assert.Equal(t, first.Stage("seeded").Snapshot, second.Stage("seeded").Snapshot)
	assert.Equal(t, 2, after.Snapshots)
	assert.Equal(t, 1, after.Traces)
	assert.Equal(t, 1, after.Derivations)
}

func TestRun_CampaignTimeout(t *testing.T) {
	mock := &mockAdapter{script: map[string]func(context.Context, engine.Request) engine.Outcome{
		"reach": func(ctx context.Context, _ engine.Request) engine.Outcome {
			<-ctx.Done()
			return engine.Outcome{Kind: engine.EngineTimeout, Detail: "wall-clock bound exceeded"}
		},
	}}
	o, _, _ := newTestOrchestrator(mock, Config{MaxParallel: 2, CampaignTimeout: 50 * time.Millisecond})

	rep, err := o.Run(context.Background(), parseDef(t, branchy))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rep.Stage("reach").Status)
	assert.Equal(t, engine.EngineTimeout, rep.Stage("reach").Outcome)
	assert.Equal(t, StatusSkipped, rep.Stage("deep").Status)
	assert.NotEqual(t, VerdictSucceeded, rep.Verdict)
}

func TestPlan_SelectionsWithoutRunning(t *testing.T) {
	def, err := LoadDefinition(filepath.Join("testdata", "campaign.yaml"))
	require.NoError(t, err)
	mock := &mockAdapter{}
	o, _, _ := newTestOrchestrator(mock, Config{})

	plan, err := o.Plan(context.Background(), def)
	require.NoError(t, err)
	assert.Empty(t, mock.Calls())
	assert.Equal(t, [][]string{{"base"}, {"reach"}, {"seeded"}, {"check"}}, plan.Graph.Levels())

	sel := plan.Selection("reach")
	assert.Equal(t, []string{"hold_en", "no_reset", "reach_full"}, property.Names(sel.Active))
	assert.Equal(t, []string{"seen_twin"}, property.Names(sel.Pruned))
	assert.Empty(t, plan.Warnings)
}
