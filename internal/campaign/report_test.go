package campaign

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagecheck/internal/engine"
)

func TestReport_SaveLoad(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rep := &Report{
		RunID:      "run-1",
		Campaign:   "two-phase",
		Top:        "counter",
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		Verdict:    VerdictPartial,
		Stages: []StageReport{
			{ID: "base", Role: RoleInit, Fatal: true, Status: StatusSucceeded, Snapshot: "abc"},
			{ID: "reach", Role: RoleVerify, Mode: engine.ModeCover, Keep: "1", Status: StatusFailed,
				Outcome: engine.CoverExhausted, Attempts: 2, Active: []string{"a"}, Pruned: []string{"b"},
				Diagnostic: "no cover hit within depth 4"},
		},
		Warnings: []string{"keep tag \"9\" matches no properties"},
	}

	dir := RunsDir(t.TempDir())
	path, err := rep.Save(dir)
	require.NoError(t, err)
	assert.Contains(t, path, "run-1.json")

	got, err := LoadReport(path)
	require.NoError(t, err)
	if diff := cmp.Diff(rep, got); diff != "" {
		t.Errorf("report round trip (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3*time.Second, got.Duration())
}

func TestReport_Verdict(t *testing.T) {
	mk := func(stages ...StageReport) *Report { return &Report{Stages: stages} }
	ok := StageReport{Status: StatusSucceeded}

	assert.Equal(t, VerdictSucceeded, mk(ok, ok).verdict(false))
	assert.Equal(t, VerdictPartial, mk(ok, StageReport{Status: StatusFailed}).verdict(false))
	assert.Equal(t, VerdictPartial, mk(ok, StageReport{Status: StatusSkipped}).verdict(false))
	assert.Equal(t, VerdictFailed, mk(ok, StageReport{Status: StatusFailed, Fatal: true}).verdict(false))
	assert.Equal(t, VerdictAborted, mk(ok).verdict(true))

	counts := mk(ok, ok, StageReport{Status: StatusSkipped}).Counts()
	assert.Equal(t, 2, counts[StatusSucceeded])
	assert.Equal(t, 1, counts[StatusSkipped])
}
