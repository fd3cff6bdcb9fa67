package design

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"stagecheck/internal/snapshot"
)

// Trace is the witness payload: per-step input assignments plus values for
// registers the snapshot left unknown at step 0.
type Trace struct {
	StructuralHash string         `json:"structural_hash"`
	Init           map[string]int `json:"init,omitempty"`
	Steps          []Step         `json:"steps"`
}

// Step assigns inputs for one clock cycle.
type Step struct {
	Inputs map[string]int `json:"inputs"`
}

// DecodeTrace parses a trace payload.
func DecodeTrace(data []byte) (*Trace, error) {
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	return &t, nil
}

// Encode serializes the trace; map keys are emitted sorted.
func (t *Trace) Encode() ([]byte, error) { return json.Marshal(t) }

// UnderdeterminedError reports a register whose final value depends on a
// signal the trace does not assign.
type UnderdeterminedError struct {
	Register string
	Step     int
	Signal   string
}

func (e *UnderdeterminedError) Error() string {
	if e.Register == e.Signal {
		return fmt.Sprintf("register %q has no value at step %d", e.Register, e.Step)
	}
	return fmt.Sprintf("register %q depends on %q, which is unassigned at step %d", e.Register, e.Signal, e.Step)
}

// Underdetermined implements snapshot.Underdetermined.
func (e *UnderdeterminedError) Underdetermined() (int, string) { return e.Step, e.Signal }

// Simulator replays traces against compiled models.
type Simulator struct{}

// Simulate implements snapshot.Simulator.
func (Simulator) Simulate(ctx context.Context, model json.RawMessage, initial snapshot.State, trace []byte, scope string) (*snapshot.SimResult, error) {
	m, err := DecodeModel(model)
	if err != nil {
		return nil, err
	}
	n, err := Compile(m)
	if err != nil {
		return nil, err
	}
	tr, err := DecodeTrace(trace)
	if err != nil {
		return nil, err
	}
	hash := m.StructuralHash()
	if tr.StructuralHash != "" && tr.StructuralHash != hash {
		return nil, &snapshot.StructuralMismatchError{Expected: tr.StructuralHash, Actual: hash}
	}

	init := make(map[string]Bit, len(initial))
	for name, lit := range initial {
		b, err := ParseBit(lit)
		if err != nil {
			return nil, fmt.Errorf("initial state %q: %w", name, err)
		}
		init[name] = b
	}
	final, err := n.Simulate(ctx, init, tr, scope)
	if err != nil {
		return nil, err
	}
	out := make(snapshot.State, len(final))
	for name, b := range final {
		out[name] = b.String()
	}
	return &snapshot.SimResult{State: out, StructuralHash: hash}, nil
}

// Simulate runs tr from initial and returns the register values at the last
// trace step for registers in scope. Any in-scope register that depends on
// an unassigned input or unknown initial value yields an
// UnderdeterminedError naming the first such signal.
func (n *Netlist) Simulate(ctx context.Context, initial map[string]Bit, tr *Trace, scope string) (map[string]Bit, error) {
	if len(tr.Steps) == 0 {
		return nil, fmt.Errorf("trace has no steps")
	}
	for name := range tr.Init {
		if !n.IsRegister(name) {
			return nil, fmt.Errorf("trace init assigns unknown register %q", name)
		}
	}
	for t, st := range tr.Steps {
		for name := range st.Inputs {
			if !n.IsInput(name) {
				return nil, fmt.Errorf("trace step %d assigns unknown input %q", t, name)
			}
		}
	}

	state := make(map[string]value, len(n.Registers))
	for _, r := range n.Registers {
		b, ok := initial[r.Name]
		if !ok {
			b = X
		}
		if v, assigned := tr.Init[r.Name]; assigned {
			tb, err := bitFromInt(v)
			if err != nil {
				return nil, fmt.Errorf("trace init %q: %w", r.Name, err)
			}
			if b != X && b != tb {
				return nil, fmt.Errorf("trace init sets %q to %s but snapshot holds %s", r.Name, tb, b)
			}
			b = tb
		}
		if b == X {
			state[r.Name] = value{bit: X, cause: &Missing{Step: 0, Signal: r.Name}}
		} else {
			state[r.Name] = known(b)
		}
	}

	for t := 0; t < len(tr.Steps)-1; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		env, err := n.stepEnv(state, tr.Steps[t].Inputs, t)
		if err != nil {
			return nil, err
		}
		next := make(map[string]value, len(n.Registers))
		for _, r := range n.Registers {
			next[r.Name] = r.Next.eval(env)
		}
		state = next
	}

	out := make(map[string]Bit)
	regs := make([]string, 0, len(state))
	for name := range state {
		regs = append(regs, name)
	}
	sort.Strings(regs)
	for _, name := range regs {
		if !n.InScope(name, scope) {
			continue
		}
		v := state[name]
		if v.bit == X {
			ud := &UnderdeterminedError{Register: name, Step: 0, Signal: name}
			if v.cause != nil {
				ud.Step, ud.Signal = v.cause.Step, v.cause.Signal
			}
			return nil, ud
		}
		out[name] = v.bit
	}
	return out, nil
}

// stepEnv evaluates wires for step t and returns a lookup over registers,
// inputs and wires.
func (n *Netlist) stepEnv(state map[string]value, inputs map[string]int, t int) (func(string) value, error) {
	vals := make(map[string]value, len(state)+len(n.Inputs)+len(n.Wires))
	for _, r := range n.Registers {
		v, ok := state[r.Name]
		if !ok {
			v = value{bit: X, cause: &Missing{Step: t, Signal: r.Name}}
		}
		vals[r.Name] = v
	}
	for _, in := range n.Inputs {
		raw, ok := inputs[in]
		if !ok {
			vals[in] = value{bit: X, cause: &Missing{Step: t, Signal: in}}
			continue
		}
		b, err := bitFromInt(raw)
		if err != nil {
			return nil, fmt.Errorf("trace step %d input %q: %w", t, in, err)
		}
		vals[in] = known(b)
	}
	env := func(name string) value { return vals[name] }
	for _, w := range n.Wires {
		vals[w.Name] = w.Expr.eval(env)
	}
	return env, nil
}

// Eval evaluates a property or expression at step t of a trace, for
// diagnostics and tests. Unknowns evaluate to X.
func (n *Netlist) Eval(e *Expr, state map[string]Bit, inputs map[string]int) (Bit, error) {
	st := make(map[string]value, len(state))
	for k, b := range state {
		st[k] = known(b)
		if b == X {
			st[k] = value{bit: X, cause: &Missing{Signal: k}}
		}
	}
	env, err := n.stepEnv(st, inputs, 0)
	if err != nil {
		return X, err
	}
	return e.eval(env).bit, nil
}

func bitFromInt(v int) (Bit, error) {
	switch v {
	case 0:
		return Zero, nil
	case 1:
		return One, nil
	}
	return X, fmt.Errorf("value must be 0 or 1, got %d", v)
}
