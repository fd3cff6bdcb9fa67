package campaign

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stagecheck/internal/engine"
)

// Report is the result of one campaign run.
type Report struct {
	RunID      string        `json:"run_id"`
	Campaign   string        `json:"campaign"`
	Top        string        `json:"top"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Verdict    Verdict       `json:"verdict"`
	Stages     []StageReport `json:"stages"`
	Warnings   []string      `json:"warnings,omitempty"`
	// FatalCause is the first fatal error of the run, with the hashes or
	// signal involved.
	FatalCause string `json:"fatal_cause,omitempty"`
}

// StageReport is one stage's terminal state.
type StageReport struct {
	ID       string        `json:"id"`
	Role     Role          `json:"role"`
	Mode     engine.Mode   `json:"mode,omitempty"`
	Keep     string        `json:"keep,omitempty"`
	Fatal    bool          `json:"fatal"`
	Status   Status        `json:"status"`
	Outcome  engine.Kind   `json:"outcome,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Depth    int           `json:"depth,omitempty"`
	Step     int           `json:"step,omitempty"`

	Snapshot       string `json:"snapshot,omitempty"`
	StructuralHash string `json:"structural_hash,omitempty"`
	StateHash      string `json:"state_hash,omitempty"`
	Trace          string `json:"trace,omitempty"`

	Active []string `json:"active,omitempty"`
	Pruned []string `json:"pruned,omitempty"`

	// Property names the failing assertion of a Disproved outcome.
	Property   string `json:"property,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Stage returns the report entry for id.
func (r *Report) Stage(id string) *StageReport {
	for i := range r.Stages {
		if r.Stages[i].ID == id {
			return &r.Stages[i]
		}
	}
	return nil
}

// Counts tallies stages by status.
func (r *Report) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, s := range r.Stages {
		out[s.Status]++
	}
	return out
}

// Duration is the run's wall-clock time.
func (r *Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// verdict derives the campaign verdict from terminal stage states.
func (r *Report) verdict(aborted bool) Verdict {
	if aborted {
		return VerdictAborted
	}
	v := VerdictSucceeded
	for _, s := range r.Stages {
		switch s.Status {
		case StatusFailed:
			if s.Fatal {
				return VerdictFailed
			}
			v = VerdictPartial
		case StatusSkipped:
			v = VerdictPartial
		}
	}
	return v
}

// RunsDir is where reports are kept inside a workspace.
func RunsDir(workspace string) string {
	return filepath.Join(workspace, ".stagecheck", "runs")
}

// Save writes the report to dir/<run-id>.json and returns the path.
func (r *Report) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create runs dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, r.RunID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// LoadReport reads a saved report.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("malformed report %s: %w", path, err)
	}
	return &r, nil
}
