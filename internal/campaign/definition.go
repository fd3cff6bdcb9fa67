// Package campaign runs staged verification campaigns.
//
// A campaign is a DAG of stages. Init stages produce snapshots, either by
// elaborating the design (the root) or by replaying a witness onto a parent
// snapshot. Verify stages run the engine against a parent snapshot with the
// property set reduced to the stage's keep tag. The Orchestrator validates
// the definition, dispatches ready stages to a bounded worker pool, and
// propagates failures to transitive dependents only.
package campaign

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stagecheck/internal/engine"
	"stagecheck/internal/snapshot"
)

// Role is what a stage does.
type Role string

const (
	RoleInit   Role = "init"
	RoleVerify Role = "verify"
)

// Definition is a declarative campaign, usually read from campaign.yaml.
type Definition struct {
	Name     string     `yaml:"name" json:"name"`
	Design   DesignRef  `yaml:"design" json:"design"`
	Defaults Defaults   `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Stages   []StageDef `yaml:"stages" json:"stages"`

	// baseDir resolves relative design files; set by LoadDefinition.
	baseDir string
}

// DesignRef names the source design shared by every stage.
type DesignRef struct {
	Files []string `yaml:"files" json:"files"`
	Top   string   `yaml:"top" json:"top"`
}

// Defaults apply to stages that leave the field unset.
type Defaults struct {
	Depth   int    `yaml:"depth,omitempty" json:"depth,omitempty"`
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// StageDef is one node of the campaign graph.
type StageDef struct {
	ID   string `yaml:"id" json:"id"`
	Role Role   `yaml:"role" json:"role"`
	// Parent is the stage whose snapshot this stage starts from.
	Parent string `yaml:"parent,omitempty" json:"parent,omitempty"`
	// Trace is the verify stage whose witness an init stage replays.
	Trace string `yaml:"trace,omitempty" json:"trace,omitempty"`
	// After adds ordering-only dependencies.
	After   []string          `yaml:"after,omitempty" json:"after,omitempty"`
	Mode    engine.Mode       `yaml:"mode,omitempty" json:"mode,omitempty"`
	Keep    string            `yaml:"keep,omitempty" json:"keep,omitempty"`
	Depth   int               `yaml:"depth,omitempty" json:"depth,omitempty"`
	Timeout string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Fatal   *bool             `yaml:"fatal,omitempty" json:"fatal,omitempty"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Root reports whether the stage elaborates the design.
func (s StageDef) Root() bool { return s.Role == RoleInit && s.Parent == "" }

// Deps returns every stage this one waits for, parent first.
func (s StageDef) Deps() []string {
	var deps []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}
	add(s.Parent)
	add(s.Trace)
	for _, id := range s.After {
		add(id)
	}
	return deps
}

// ProducesSnapshot reports whether dependents may use this stage as parent.
func (s StageDef) ProducesSnapshot() bool {
	return s.Role == RoleInit || (s.Role == RoleVerify && s.Mode == engine.ModePrep)
}

// ProducesTrace reports whether the stage can yield a witness.
func (s StageDef) ProducesTrace() bool {
	return s.Role == RoleVerify && (s.Mode == engine.ModeCover || s.Mode == engine.ModeProve)
}

// ParseDefinition decodes a campaign from YAML. Unknown fields are rejected.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, &ConfigError{Problems: []string{fmt.Sprintf("malformed campaign definition: %v", err)}}
	}
	return &def, nil
}

// LoadDefinition reads a campaign file. Design files resolve relative to the
// campaign file's directory.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	def.baseDir = abs
	return def, nil
}

// BaseDir is the directory relative design files resolve against.
func (d *Definition) BaseDir() string { return d.baseDir }

// SetBaseDir overrides where relative design files resolve.
func (d *Definition) SetBaseDir(dir string) { d.baseDir = dir }

// Source returns the design source with resolved file paths.
func (d *Definition) Source() snapshot.Source {
	files := make([]string, len(d.Design.Files))
	for i, f := range d.Design.Files {
		if !filepath.IsAbs(f) && d.baseDir != "" {
			f = filepath.Join(d.baseDir, f)
		}
		files[i] = f
	}
	return snapshot.Source{Files: files, Top: d.Design.Top}
}

// Files returns the campaign's input files for watching.
func (d *Definition) Files() []string { return d.Source().Files }

// KeepTags lists the keep tags of verify stages, in stage order.
func (d *Definition) KeepTags() []string {
	var tags []string
	for _, s := range d.Stages {
		if s.Role == RoleVerify && s.Keep != "" {
			tags = append(tags, s.Keep)
		}
	}
	return tags
}

// Stage looks up a stage by id.
func (d *Definition) Stage(id string) (StageDef, bool) {
	for _, s := range d.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageDef{}, false
}
