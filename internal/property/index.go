package property

import (
	"fmt"
	"sort"
	"strings"

	"stagecheck/internal/logging"
)

// ConfigError reports a property set that cannot be reconciled with the
// campaign's declared stages. It is raised before any stage runs.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "property configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("property configuration: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Options tunes index validation.
type Options struct {
	// StrictSingleTag rejects properties with more than one tag.
	StrictSingleTag bool
}

// Index is an immutable tag -> properties mapping built once per design.
type Index struct {
	all    []Property
	global []Property
	byTag  map[string][]Property
	stage  map[string]bool
}

// Selection is the partition of the property set for one keep tag.
type Selection struct {
	Keep   string
	Active []Property
	Pruned []Property
}

// Build groups props by tag and checks them against the keep tags declared
// by the campaign's verify stages. Every tag a property carries must be some
// stage's keep tag, otherwise that property could never be checked.
func Build(props []Property, stageTags []string, opts Options) (*Index, error) {
	ix := &Index{
		byTag: make(map[string][]Property),
		stage: make(map[string]bool),
	}
	for _, t := range stageTags {
		if t != "" {
			ix.stage[t] = true
		}
	}

	var problems []string
	seen := make(map[string]bool)
	for _, p := range props {
		if p.Name == "" {
			problems = append(problems, "property with empty name")
			continue
		}
		if seen[p.Name] {
			problems = append(problems, fmt.Sprintf("duplicate property %q", p.Name))
			continue
		}
		seen[p.Name] = true

		if opts.StrictSingleTag && len(p.Tags) > 1 {
			problems = append(problems, fmt.Sprintf("property %q carries %d tags %v, at most one allowed", p.Name, len(p.Tags), p.Tags))
		}
		tagSeen := make(map[string]bool)
		for _, t := range p.Tags {
			switch {
			case t == "":
				problems = append(problems, fmt.Sprintf("property %q has an empty tag", p.Name))
			case tagSeen[t]:
				problems = append(problems, fmt.Sprintf("property %q repeats tag %q", p.Name, t))
			case !ix.stage[t]:
				problems = append(problems, fmt.Sprintf("property %q is tagged %q but no stage keeps that tag", p.Name, t))
			}
			tagSeen[t] = true
		}

		cp := p
		cp.Tags = append([]string(nil), p.Tags...)
		ix.all = append(ix.all, cp)
		if cp.Global() {
			ix.global = append(ix.global, cp)
		}
		for _, t := range cp.Tags {
			ix.byTag[t] = append(ix.byTag[t], cp)
		}
	}
	if len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}

	sortByName(ix.all)
	sortByName(ix.global)
	for t := range ix.byTag {
		sortByName(ix.byTag[t])
	}
	logging.TagsDebug("built index: %d properties, %d global, %d tags", len(ix.all), len(ix.global), len(ix.byTag))
	return ix, nil
}

// All returns every indexed property sorted by name.
func (ix *Index) All() []Property { return append([]Property(nil), ix.all...) }

// Global returns the untagged properties.
func (ix *Index) Global() []Property { return append([]Property(nil), ix.global...) }

// Tagged returns the properties carrying tag.
func (ix *Index) Tagged(tag string) []Property { return append([]Property(nil), ix.byTag[tag]...) }

// Tags returns every tag in use, sorted.
func (ix *Index) Tags() []string {
	out := make([]string, 0, len(ix.byTag))
	for t := range ix.byTag {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SelectionFor returns the prune set for a stage keeping tag keep: every
// property whose tag set is non-empty and does not contain keep.
func (ix *Index) SelectionFor(keep string) []Property {
	var pruned []Property
	for _, p := range ix.all {
		if !p.Global() && (keep == "" || !p.HasTag(keep)) {
			pruned = append(pruned, p)
		}
	}
	return pruned
}

// Select partitions the property set for keep. Active and Pruned are
// disjoint and together cover every property.
func (ix *Index) Select(keep string) Selection {
	sel := Selection{Keep: keep}
	for _, p := range ix.all {
		if p.Global() || (keep != "" && p.HasTag(keep)) {
			sel.Active = append(sel.Active, p)
		} else {
			sel.Pruned = append(sel.Pruned, p)
		}
	}
	return sel
}

// Warnings reports keep tags that select no tagged property. Such a stage
// only checks global properties, which usually means a mislabeled phase.
func (ix *Index) Warnings(keepTags []string) []string {
	var out []string
	reported := make(map[string]bool)
	for _, t := range keepTags {
		if t == "" || reported[t] {
			continue
		}
		reported[t] = true
		if len(ix.byTag[t]) == 0 {
			msg := fmt.Sprintf("keep tag %q matches no properties; stage checks global properties only", t)
			logging.TagsWarn("%s", msg)
			out = append(out, msg)
		}
	}
	return out
}
