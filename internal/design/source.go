package design

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"stagecheck/internal/logging"
	"stagecheck/internal/property"
	"stagecheck/internal/snapshot"
)

// File is one design source document.
type File struct {
	Top        string        `yaml:"top"`
	Scopes     []string      `yaml:"scopes"`
	Inputs     []string      `yaml:"inputs"`
	Registers  []RegisterSrc `yaml:"registers"`
	Wires      []WireDecl    `yaml:"wires"`
	Properties []PropertySrc `yaml:"properties"`

	path string
}

// RegisterSrc declares a register. Init is optional; a register without one
// starts unknown.
type RegisterSrc struct {
	Name string `yaml:"name"`
	Init *int   `yaml:"init"`
	Next string `yaml:"next"`
}

// PropertySrc declares a property.
type PropertySrc struct {
	Name  string   `yaml:"name"`
	Kind  string   `yaml:"kind"`
	Expr  string   `yaml:"expr"`
	Scope string   `yaml:"scope"`
	Tags  []string `yaml:"tags"`
}

// ParseFile decodes a design document; name is used in diagnostics.
func ParseFile(name string, data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	f.path = name
	return &f, nil
}

// LoadFile reads and decodes a design document.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(path, data)
}

// Build merges source files into a canonical model plus the declared
// initial state. Expressions are stored in canonical form so formatting
// changes do not alter the structural hash.
func Build(top string, files ...*File) (*Model, snapshot.State, error) {
	if top == "" {
		return nil, nil, fmt.Errorf("no top module given")
	}
	m := &Model{Top: top}
	state := snapshot.State{}
	names := make(map[string]string)
	claim := func(f *File, what, name string) error {
		if prev, ok := names[name]; ok {
			return fmt.Errorf("%s: %s %q already declared in %s", f.path, what, name, prev)
		}
		names[name] = f.path
		return nil
	}
	foundTop := false
	scopes := make(map[string]bool)

	for _, f := range files {
		if f.Top != "" {
			if f.Top != top {
				continue
			}
			foundTop = true
		}
		for _, s := range f.Scopes {
			if s == "" || s == top {
				continue
			}
			if !scopes[s] {
				scopes[s] = true
				m.Scopes = append(m.Scopes, s)
			}
		}
		for _, in := range f.Inputs {
			if err := claim(f, "input", in); err != nil {
				return nil, nil, err
			}
			m.Inputs = append(m.Inputs, in)
		}
		for _, r := range f.Registers {
			if err := claim(f, "register", r.Name); err != nil {
				return nil, nil, err
			}
			e, err := ParseExpr(r.Next)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: register %q: %w", f.path, r.Name, err)
			}
			m.Registers = append(m.Registers, RegisterDecl{Name: r.Name, Next: e.String()})
			switch {
			case r.Init == nil:
				state[r.Name] = X.String()
			case *r.Init == 0 || *r.Init == 1:
				state[r.Name] = Bit(*r.Init).String()
			default:
				return nil, nil, fmt.Errorf("%s: register %q: init must be 0 or 1, got %d", f.path, r.Name, *r.Init)
			}
		}
		for _, w := range f.Wires {
			if err := claim(f, "wire", w.Name); err != nil {
				return nil, nil, err
			}
			e, err := ParseExpr(w.Expr)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: wire %q: %w", f.path, w.Name, err)
			}
			m.Wires = append(m.Wires, WireDecl{Name: w.Name, Expr: e.String()})
		}
		for _, p := range f.Properties {
			if err := claim(f, "property", p.Name); err != nil {
				return nil, nil, err
			}
			kind, err := property.ParseKind(p.Kind)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: property %q: %w", f.path, p.Name, err)
			}
			e, err := ParseExpr(p.Expr)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: property %q: %w", f.path, p.Name, err)
			}
			scope := p.Scope
			if scope == "" {
				scope = top
			}
			tags := append([]string(nil), p.Tags...)
			sort.Strings(tags)
			m.Properties = append(m.Properties, PropertyDecl{
				Name: p.Name, Kind: kind, Scope: scope, Expr: e.String(), Tags: tags,
			})
		}
	}
	if !foundTop {
		return nil, nil, fmt.Errorf("top module %q not declared by any source file", top)
	}

	sort.Strings(m.Scopes)
	sort.Strings(m.Inputs)
	sort.Slice(m.Registers, func(i, j int) bool { return m.Registers[i].Name < m.Registers[j].Name })
	sort.Slice(m.Wires, func(i, j int) bool { return m.Wires[i].Name < m.Wires[j].Name })
	sort.Slice(m.Properties, func(i, j int) bool { return m.Properties[i].Name < m.Properties[j].Name })

	if _, err := Compile(m); err != nil {
		return nil, nil, err
	}
	return m, state, nil
}

// Elaborator loads YAML design files from disk. Relative paths resolve
// against BaseDir.
type Elaborator struct {
	BaseDir string
}

// Elaborate implements snapshot.Elaborator.
func (e *Elaborator) Elaborate(ctx context.Context, files []string, top string) (*snapshot.Elaboration, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no design files")
	}
	var srcs []*File
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := name
		if !filepath.IsAbs(path) && e.BaseDir != "" {
			path = filepath.Join(e.BaseDir, path)
		}
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, f)
	}
	return Elaborate(top, srcs...)
}

// Elaborate builds the model and packages it for the snapshot manager.
func Elaborate(top string, files ...*File) (*snapshot.Elaboration, error) {
	m, state, err := Build(top, files...)
	if err != nil {
		return nil, err
	}
	data, err := m.Encode()
	if err != nil {
		return nil, err
	}
	hash := m.StructuralHash()
	logging.SnapshotDebug("elaborated %s: %d inputs, %d registers, %d wires, %d properties, structure %s",
		top, len(m.Inputs), len(m.Registers), len(m.Wires), len(m.Properties), hash[:12])
	return &snapshot.Elaboration{
		Model:          data,
		StructuralHash: hash,
		InitialState:   state,
		Properties:     m.PropertyList(),
	}, nil
}
