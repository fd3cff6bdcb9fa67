// Package property holds the property declarations of a design and the tag
// index that partitions them into per-stage active sets.
package property

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the role a property plays in a check.
type Kind string

const (
	Assume Kind = "assume"
	Assert Kind = "assert"
	Cover  Kind = "cover"
)

// ParseKind validates a property kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case Assume, Assert, Cover:
		return k, nil
	}
	return "", fmt.Errorf("unknown property kind %q (want assume, assert or cover)", s)
}

// Property is one declared assumption, assertion or cover point.
// Properties are immutable once parsed from a design.
type Property struct {
	Name  string   `json:"name"`
	Scope string   `json:"scope"`
	Kind  Kind     `json:"kind"`
	Tags  []string `json:"tags,omitempty"`
}

// Global reports whether the property is untagged and therefore active in
// every stage.
func (p Property) Global() bool { return len(p.Tags) == 0 }

// HasTag reports whether the property carries tag.
func (p Property) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (p Property) String() string {
	if p.Global() {
		return fmt.Sprintf("%s %s", p.Kind, p.Name)
	}
	return fmt.Sprintf("%s %s [%s]", p.Kind, p.Name, strings.Join(p.Tags, ","))
}

// Names returns the property names in order.
func Names(props []Property) []string {
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = p.Name
	}
	return out
}

// ByKind filters props to one kind.
func ByKind(props []Property, kind Kind) []Property {
	var out []Property
	for _, p := range props {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func sortByName(props []Property) {
	sort.Slice(props, func(i, j int) bool { return props[i].Name < props[j].Name })
}
