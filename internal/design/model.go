// Package design is the reference elaboration and simulation backend: a
// small synchronous netlist dialect written in YAML.
//
// A design declares inputs, registers with next-state expressions,
// combinational wires and properties. Elaboration checks references, orders
// wires, rejects combinational loops and computes the structural hash. The
// simulator replays witness traces with three-valued logic so that anything
// a trace leaves undetermined is reported instead of guessed.
package design

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"stagecheck/internal/property"
)

// Model is the canonical structural model, serialized as the snapshot's
// opaque model payload. Initial values are state, not structure, and are
// not part of the model.
type Model struct {
	Top        string         `json:"top"`
	Scopes     []string       `json:"scopes"`
	Inputs     []string       `json:"inputs"`
	Registers  []RegisterDecl `json:"registers"`
	Wires      []WireDecl     `json:"wires"`
	Properties []PropertyDecl `json:"properties"`
}

// RegisterDecl is a state element and its next-state function.
type RegisterDecl struct {
	Name string `json:"name"`
	Next string `json:"next"`
}

// WireDecl is a named combinational signal.
type WireDecl struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// PropertyDecl is a property with its expression.
type PropertyDecl struct {
	Name  string        `json:"name"`
	Kind  property.Kind `json:"kind"`
	Scope string        `json:"scope"`
	Expr  string        `json:"expr"`
	Tags  []string      `json:"tags,omitempty"`
}

// StructuralHash covers top, scopes, inputs, registers and wires. Properties
// are excluded so that pruning never changes a snapshot's identity.
func (m *Model) StructuralHash() string {
	shape := struct {
		Top       string         `json:"top"`
		Scopes    []string       `json:"scopes"`
		Inputs    []string       `json:"inputs"`
		Registers []RegisterDecl `json:"registers"`
		Wires     []WireDecl     `json:"wires"`
	}{m.Top, m.Scopes, m.Inputs, m.Registers, m.Wires}
	data, err := json.Marshal(shape)
	if err != nil {
		panic(fmt.Sprintf("design: marshal structural shape: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PropertyList returns the declared properties as core property values.
func (m *Model) PropertyList() []property.Property {
	out := make([]property.Property, len(m.Properties))
	for i, p := range m.Properties {
		out[i] = property.Property{
			Name:  p.Name,
			Scope: p.Scope,
			Kind:  p.Kind,
			Tags:  append([]string(nil), p.Tags...),
		}
	}
	return out
}

// DecodeModel parses a model payload.
func DecodeModel(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return &m, nil
}

// Encode serializes the model canonically.
func (m *Model) Encode() (json.RawMessage, error) {
	return json.Marshal(m)
}

// Reduce returns a copy of the model that declares only the named
// properties, in declaration order. Naming an undeclared property is an
// error. Structure is shared with m and must not be modified.
func (m *Model) Reduce(active []string) (*Model, error) {
	keep := make(map[string]bool, len(active))
	for _, name := range active {
		keep[name] = true
	}
	out := *m
	out.Properties = make([]PropertyDecl, 0, len(active))
	for _, p := range m.Properties {
		if keep[p.Name] {
			out.Properties = append(out.Properties, p)
			delete(keep, p.Name)
		}
	}
	if len(keep) > 0 {
		missing := make([]string, 0, len(keep))
		for name := range keep {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("active properties not declared by the model: %s", strings.Join(missing, ", "))
	}
	return &out, nil
}

// Netlist is a compiled model ready for evaluation.
type Netlist struct {
	Model     *Model
	Inputs    []string
	Registers []Register
	Wires     []Wire // topological order
	Props     map[string]*Prop
	kinds     map[string]signalKind
}

// Register is a compiled register.
type Register struct {
	Name string
	Next *Expr
}

// Wire is a compiled wire.
type Wire struct {
	Name string
	Expr *Expr
}

// Prop is a compiled property.
type Prop struct {
	PropertyDecl
	Cond *Expr
}

type signalKind uint8

const (
	kindInput signalKind = iota + 1
	kindRegister
	kindWire
)

// Compile parses every expression, resolves references and orders wires.
func Compile(m *Model) (*Netlist, error) {
	n := &Netlist{
		Model: m,
		Props: make(map[string]*Prop),
		kinds: make(map[string]signalKind),
	}
	declare := func(name string, k signalKind) error {
		if name == "" {
			return fmt.Errorf("empty signal name")
		}
		if _, dup := n.kinds[name]; dup {
			return fmt.Errorf("signal %q declared more than once", name)
		}
		n.kinds[name] = k
		return nil
	}

	for _, in := range m.Inputs {
		if err := declare(in, kindInput); err != nil {
			return nil, err
		}
		n.Inputs = append(n.Inputs, in)
	}
	for _, r := range m.Registers {
		if err := declare(r.Name, kindRegister); err != nil {
			return nil, err
		}
	}
	for _, w := range m.Wires {
		if err := declare(w.Name, kindWire); err != nil {
			return nil, err
		}
	}

	check := func(owner string, e *Expr) error {
		for _, ref := range e.Refs(nil) {
			if _, ok := n.kinds[ref]; !ok {
				return fmt.Errorf("%s references unknown signal %q", owner, ref)
			}
		}
		return nil
	}

	for _, r := range m.Registers {
		e, err := ParseExpr(r.Next)
		if err != nil {
			return nil, fmt.Errorf("register %q: %w", r.Name, err)
		}
		if err := check("register "+r.Name, e); err != nil {
			return nil, err
		}
		n.Registers = append(n.Registers, Register{Name: r.Name, Next: e})
	}

	wires := make(map[string]*Expr, len(m.Wires))
	for _, w := range m.Wires {
		e, err := ParseExpr(w.Expr)
		if err != nil {
			return nil, fmt.Errorf("wire %q: %w", w.Name, err)
		}
		if err := check("wire "+w.Name, e); err != nil {
			return nil, err
		}
		wires[w.Name] = e
	}
	order, err := orderWires(wires, n.kinds)
	if err != nil {
		return nil, err
	}
	for _, name := range order {
		n.Wires = append(n.Wires, Wire{Name: name, Expr: wires[name]})
	}

	scopes := make(map[string]bool, len(m.Scopes)+1)
	scopes[m.Top] = true
	for _, s := range m.Scopes {
		scopes[s] = true
	}
	for _, p := range m.Properties {
		if _, dup := n.Props[p.Name]; dup {
			return nil, fmt.Errorf("property %q declared more than once", p.Name)
		}
		if _, clash := n.kinds[p.Name]; clash {
			return nil, fmt.Errorf("property %q shadows a signal", p.Name)
		}
		if !scopes[p.Scope] {
			return nil, fmt.Errorf("property %q in undeclared scope %q", p.Name, p.Scope)
		}
		if _, err := property.ParseKind(string(p.Kind)); err != nil {
			return nil, fmt.Errorf("property %q: %w", p.Name, err)
		}
		e, err := ParseExpr(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", p.Name, err)
		}
		if err := check("property "+p.Name, e); err != nil {
			return nil, err
		}
		n.Props[p.Name] = &Prop{PropertyDecl: p, Cond: e}
	}
	return n, nil
}

// orderWires sorts wires so that each follows the wires it reads, failing
// on a combinational loop.
func orderWires(wires map[string]*Expr, kinds map[string]signalKind) ([]string, error) {
	names := make([]string, 0, len(wires))
	for name := range wires {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(wires))
	var order []string
	var path []string

	var visit func(string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("combinational loop: %s -> %s", strings.Join(path, " -> "), name)
		case done:
			return nil
		}
		state[name] = visiting
		path = append(path, name)
		refs := wires[name].Refs(nil)
		sort.Strings(refs)
		for _, ref := range refs {
			if kinds[ref] == kindWire {
				if err := visit(ref); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// IsRegister reports whether name is a register.
func (n *Netlist) IsRegister(name string) bool { return n.kinds[name] == kindRegister }

// IsInput reports whether name is an input.
func (n *Netlist) IsInput(name string) bool { return n.kinds[name] == kindInput }

// InScope reports whether a register belongs to scope. The top scope owns
// every register; other scopes own registers named with their prefix.
func (n *Netlist) InScope(reg, scope string) bool {
	if scope == "" || scope == n.Model.Top {
		return true
	}
	return reg == scope || strings.HasPrefix(reg, scope+".")
}
