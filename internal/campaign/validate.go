package campaign

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"stagecheck/internal/engine"
)

// ConfigError reports a malformed campaign definition. A campaign with a
// configuration error never starts.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "campaign configuration error: " + e.Problems[0]
	}
	return fmt.Sprintf("campaign configuration errors:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

// Validate checks the definition without touching the design. It returns a
// *ConfigError listing every problem found.
func Validate(def *Definition) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if def.Design.Top == "" {
		add("design.top is required")
	}
	if len(def.Design.Files) == 0 {
		add("design.files is empty")
	}
	if def.Defaults.Depth < 0 {
		add("defaults.depth must be non-negative")
	}
	if def.Defaults.Timeout != "" {
		if _, err := parseTimeout(def.Defaults.Timeout); err != nil {
			add("defaults.timeout: %v", err)
		}
	}
	if len(def.Stages) == 0 {
		add("campaign has no stages")
	}

	byID := make(map[string]StageDef, len(def.Stages))
	for i, s := range def.Stages {
		if s.ID == "" {
			add("stage %d has no id", i)
			continue
		}
		if _, dup := byID[s.ID]; dup {
			add("duplicate stage id %q", s.ID)
			continue
		}
		byID[s.ID] = s
	}

	var roots []string
	for _, s := range def.Stages {
		if s.ID == "" {
			continue
		}
		for _, dep := range s.Deps() {
			if dep == s.ID {
				add("stage %s depends on itself", s.ID)
			} else if _, ok := byID[dep]; !ok {
				add("stage %s references unknown stage %q", s.ID, dep)
			}
		}
		if s.Depth < 0 {
			add("stage %s: depth must be non-negative", s.ID)
		}
		if s.Timeout != "" {
			if _, err := parseTimeout(s.Timeout); err != nil {
				add("stage %s: timeout: %v", s.ID, err)
			}
		}

		switch s.Role {
		case RoleInit:
			if s.Mode != "" || s.Keep != "" {
				add("init stage %s must not set mode or keep", s.ID)
			}
			if s.Parent == "" {
				if s.Trace != "" {
					add("root init stage %s must not set trace", s.ID)
				}
				roots = append(roots, s.ID)
				continue
			}
			validateReplay(s, byID, add)
		case RoleVerify:
			if _, err := engine.ParseMode(string(s.Mode)); err != nil {
				add("verify stage %s: %v", s.ID, err)
			}
			if s.Trace != "" {
				add("verify stage %s must not set trace", s.ID)
			}
			if s.Parent == "" {
				add("verify stage %s has no parent", s.ID)
			} else if p, ok := byID[s.Parent]; ok && !p.ProducesSnapshot() {
				add("verify stage %s: parent %s does not produce a snapshot", s.ID, s.Parent)
			}
		default:
			add("stage %s has unknown role %q (want init or verify)", s.ID, s.Role)
		}
	}

	switch len(roots) {
	case 0:
		if len(def.Stages) > 0 {
			add("no root init stage")
		}
	case 1:
	default:
		sort.Strings(roots)
		add("multiple root init stages: %s", strings.Join(roots, ", "))
	}

	if err := validateAcyclic(byID); err != nil {
		add("%v", err)
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// validateReplay checks the lineage of a non-root init stage: the witness
// it replays must come from a verify stage run against the same parent.
func validateReplay(s StageDef, byID map[string]StageDef, add func(string, ...interface{})) {
	if s.Trace == "" {
		add("init stage %s has a parent but no trace to replay", s.ID)
		return
	}
	parent, okP := byID[s.Parent]
	tr, okT := byID[s.Trace]
	if !okP || !okT {
		return
	}
	if !parent.ProducesSnapshot() {
		add("init stage %s: parent %s does not produce a snapshot", s.ID, s.Parent)
	}
	if !tr.ProducesTrace() {
		add("init stage %s: trace stage %s is not a cover or prove verify stage", s.ID, s.Trace)
		return
	}
	if tr.Parent != s.Parent {
		add("init stage %s replays %s onto %s, but %s ran against %s", s.ID, s.Trace, s.Parent, s.Trace, tr.Parent)
	}
}

func validateAcyclic(stages map[string]StageDef) error {
	visiting := map[string]bool{}
	visited := map[string]bool{}
	var dfs func(string) error
	dfs = func(id string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return fmt.Errorf("cycle detected at stage %s", id)
		}
		visiting[id] = true
		for _, dep := range stages[id].Deps() {
			if _, ok := stages[dep]; !ok || dep == id {
				continue
			}
			if err := dfs(dep); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true
		return nil
	}
	ids := make([]string, 0, len(stages))
	for id := range stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := dfs(id); err != nil {
			return err
		}
	}
	return nil
}

func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %s", s)
	}
	return d, nil
}
