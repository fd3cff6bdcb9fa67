package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-air/gini"
	"github.com/go-air/gini/logic"
	"github.com/go-air/gini/z"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stagecheck/internal/design"
	"stagecheck/internal/logging"
	"stagecheck/internal/property"
	"stagecheck/internal/snapshot"
)

var tracer = otel.Tracer("stagecheck.engine")

// BMC is an in-process bounded model checker for the reference design
// dialect, built on the gini SAT solver.
//
// Cover mode searches for the shortest k <= depth at which every active
// cover holds at once, with active assumptions holding at steps 0..k.
// Prove mode runs a base-case search for a violated assertion up to depth,
// then a k-induction step at depth from an unconstrained state.
type BMC struct {
	// PollInterval is how often a running solve checks for cancellation.
	PollInterval time.Duration
}

// NewBMC returns a BMC with default polling.
func NewBMC() *BMC {
	return &BMC{PollInterval: 10 * time.Millisecond}
}

func (b *BMC) Run(ctx context.Context, req Request) Outcome {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine.BMC.Run",
		trace.WithAttributes(
			attribute.String("stage", req.Stage),
			attribute.String("mode", string(req.Mode)),
			attribute.Int("depth", req.Depth),
		))
	defer span.End()

	out := b.run(ctx, req)
	out.Duration = time.Since(start)
	span.SetAttributes(attribute.String("outcome", string(out.Kind)))
	logging.Engine("bmc %s stage=%s depth=%d -> %s (%v)", req.Mode, req.Stage, req.Depth, out, out.Duration)
	return out
}

func (b *BMC) run(ctx context.Context, req Request) Outcome {
	if req.Mode == ModePrep {
		return prepped(req)
	}
	if req.Snapshot == nil {
		return failed("no snapshot")
	}
	if req.Depth < 0 {
		return failed("negative depth %d", req.Depth)
	}

	m, err := design.DecodeModel(req.Snapshot.Model)
	if err != nil {
		return failed("%v", err)
	}
	m, err = m.Reduce(property.Names(req.Active))
	if err != nil {
		return failed("%v", err)
	}
	n, err := design.Compile(m)
	if err != nil {
		return failed("%v", err)
	}
	props, err := reduce(n, req.Active)
	if err != nil {
		return failed("%v", err)
	}

	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	switch req.Mode {
	case ModeCover:
		return b.cover(ctx, n, req, props)
	case ModeProve:
		return b.prove(ctx, n, req, props)
	}
	return failed("unsupported mode %q", req.Mode)
}

// activeProps holds the compiled active properties by kind. Pruned
// properties never reach the solver.
type activeProps struct {
	assumes []*design.Prop
	asserts []*design.Prop
	covers  []*design.Prop
}

func reduce(n *design.Netlist, active []property.Property) (*activeProps, error) {
	out := &activeProps{}
	for _, p := range active {
		cp, ok := n.Props[p.Name]
		if !ok {
			return nil, fmt.Errorf("active property %q not declared by the model", p.Name)
		}
		switch cp.Kind {
		case property.Assume:
			out.assumes = append(out.assumes, cp)
		case property.Assert:
			out.asserts = append(out.asserts, cp)
		case property.Cover:
			out.covers = append(out.covers, cp)
		}
	}
	return out, nil
}

func (b *BMC) cover(ctx context.Context, n *design.Netlist, req Request, props *activeProps) Outcome {
	if len(props.covers) == 0 {
		return failed("cover mode with no active cover properties")
	}
	u := newUnroller(n, req.Snapshot.State)
	s := newSession(u, b.PollInterval)

	for k := 0; k <= req.Depth; k++ {
		sig := u.at(k)
		for _, a := range props.assumes {
			s.unit(u.lit(a.Cond, sig))
		}
		goals := make([]z.Lit, len(props.covers))
		for i, c := range props.covers {
			goals[i] = u.lit(c.Cond, sig)
		}
		res, err := s.solve(ctx, u.c.Ands(goals...))
		if err != nil {
			return timedOut(ctx, fmt.Sprintf("searching step %d", k))
		}
		switch res {
		case 1:
			payload, err := s.witness(k, req.Snapshot.StructuralHash)
			if err != nil {
				return failed("%v", err)
			}
			return Outcome{Kind: CoverHit, Trace: payload, Step: k}
		case 0:
			return failed("solver returned unknown at step %d", k)
		}
		logging.EngineDebug("cover: no hit at step %d", k)
	}
	return Outcome{Kind: CoverExhausted, Detail: fmt.Sprintf("no cover hit within depth %d", req.Depth)}
}

func (b *BMC) prove(ctx context.Context, n *design.Netlist, req Request, props *activeProps) Outcome {
	if len(props.asserts) == 0 {
		return Outcome{Kind: Proved, Detail: "no active assertions"}
	}

	// Base case: no reachable violation within depth.
	u := newUnroller(n, req.Snapshot.State)
	s := newSession(u, b.PollInterval)
	for k := 0; k <= req.Depth; k++ {
		sig := u.at(k)
		for _, a := range props.assumes {
			s.unit(u.lit(a.Cond, sig))
		}
		holds := make([]z.Lit, len(props.asserts))
		for i, a := range props.asserts {
			holds[i] = u.lit(a.Cond, sig)
		}
		res, err := s.solve(ctx, u.c.Ands(holds...).Not())
		if err != nil {
			return timedOut(ctx, fmt.Sprintf("in base case at step %d", k))
		}
		switch res {
		case 1:
			failing := ""
			for i, h := range holds {
				if !s.sat.Value(h) {
					failing = props.asserts[i].Name
					break
				}
			}
			payload, err := s.witness(k, req.Snapshot.StructuralHash)
			if err != nil {
				return failed("%v", err)
			}
			return Outcome{
				Kind:     Disproved,
				Trace:    payload,
				Step:     k,
				Property: failing,
				Detail:   fmt.Sprintf("assertion %s fails at step %d", failing, k),
			}
		case 0:
			return failed("solver returned unknown in base case at step %d", k)
		}
		for _, h := range holds {
			s.unit(h)
		}
	}

	// Inductive step: depth consecutive good steps from any state imply a
	// good next step.
	iu := newUnroller(n, nil)
	is := newSession(iu, b.PollInterval)
	var bad z.Lit
	for t := 0; t <= req.Depth; t++ {
		sig := iu.at(t)
		for _, a := range props.assumes {
			is.unit(iu.lit(a.Cond, sig))
		}
		holds := make([]z.Lit, len(props.asserts))
		for i, a := range props.asserts {
			holds[i] = iu.lit(a.Cond, sig)
		}
		if t < req.Depth {
			for _, h := range holds {
				is.unit(h)
			}
			continue
		}
		bad = iu.c.Ands(holds...).Not()
	}
	res, err := is.solve(ctx, bad)
	if err != nil {
		return timedOut(ctx, "in induction step")
	}
	switch res {
	case -1:
		return Outcome{Kind: Proved, Detail: fmt.Sprintf("proved by %d-induction", req.Depth)}
	case 1:
		return failed("inconclusive: no counterexample within depth %d but assertions are not %d-inductive", req.Depth, req.Depth)
	}
	return failed("solver returned unknown in induction step")
}

// unroller expands the netlist into a combinational circuit, one frame per
// step. Registers with a known value start as constants, the rest as free
// variables that end up in the witness's init block.
type unroller struct {
	n      *design.Netlist
	c      *logic.C
	state  snapshot.State
	free   map[string]z.Lit
	inputs []map[string]z.Lit
	frames []map[string]z.Lit
}

// newUnroller starts from state; a nil state leaves every register free.
func newUnroller(n *design.Netlist, state snapshot.State) *unroller {
	return &unroller{
		n:     n,
		c:     logic.NewC(),
		state: state,
		free:  make(map[string]z.Lit),
	}
}

// at returns the signal literals of step t, building frames as needed.
func (u *unroller) at(t int) map[string]z.Lit {
	for len(u.frames) <= t {
		step := len(u.frames)
		sig := make(map[string]z.Lit)
		for _, r := range u.n.Registers {
			if step == 0 {
				sig[r.Name] = u.initial(r.Name)
				continue
			}
			sig[r.Name] = u.lit(r.Next, u.frames[step-1])
		}
		in := make(map[string]z.Lit, len(u.n.Inputs))
		for _, name := range u.n.Inputs {
			m := u.c.Lit()
			in[name] = m
			sig[name] = m
		}
		for _, w := range u.n.Wires {
			sig[w.Name] = u.lit(w.Expr, sig)
		}
		u.inputs = append(u.inputs, in)
		u.frames = append(u.frames, sig)
	}
	return u.frames[t]
}

func (u *unroller) initial(reg string) z.Lit {
	if u.state != nil {
		switch u.state[reg] {
		case "0":
			return u.c.F
		case "1":
			return u.c.T
		}
	}
	m := u.c.Lit()
	u.free[reg] = m
	return m
}

func (u *unroller) lit(e *design.Expr, sig map[string]z.Lit) z.Lit {
	switch e.Op {
	case design.OpConst:
		if e.Value {
			return u.c.T
		}
		return u.c.F
	case design.OpRef:
		return sig[e.Name]
	case design.OpNot:
		return u.lit(e.Args[0], sig).Not()
	}
	a := u.lit(e.Args[0], sig)
	b := u.lit(e.Args[1], sig)
	switch e.Op {
	case design.OpAnd:
		return u.c.And(a, b)
	case design.OpOr:
		return u.c.Or(a, b)
	case design.OpXor:
		return u.c.Xor(a, b)
	case design.OpImplies:
		return u.c.Implies(a, b)
	case design.OpEq:
		return u.c.Xor(a, b).Not()
	}
	panic(fmt.Sprintf("engine: unknown op %d", e.Op))
}

// session feeds an unroller's circuit into one incremental solver.
type session struct {
	u    *unroller
	sat  *gini.Gini
	mark []int8
	poll time.Duration
}

func newSession(u *unroller, poll time.Duration) *session {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	s := &session{u: u, sat: gini.New(), poll: poll}
	s.sat.Add(u.c.T)
	s.sat.Add(z.LitNull)
	return s
}

func (s *session) encode(roots ...z.Lit) {
	s.mark, _ = s.u.c.CnfSince(s.sat, s.mark, roots...)
}

// unit asserts m for the rest of the session.
func (s *session) unit(m z.Lit) {
	s.encode(m)
	s.sat.Add(m)
	s.sat.Add(z.LitNull)
}

// solve checks satisfiability under the assumption m. It returns ctx's
// error if the bound expires first.
func (s *session) solve(ctx context.Context, m z.Lit) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.encode(m)
	s.sat.Assume(m)
	h := s.sat.GoSolve()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		if res, done := h.Test(); done {
			return res, nil
		}
		select {
		case <-ctx.Done():
			h.Stop()
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// witness extracts a trace of steps 0..k from the current model.
func (s *session) witness(k int, structuralHash string) ([]byte, error) {
	tr := design.Trace{StructuralHash: structuralHash}
	if len(s.u.free) > 0 {
		tr.Init = make(map[string]int, len(s.u.free))
		for name, m := range s.u.free {
			tr.Init[name] = s.bit(m)
		}
	}
	for t := 0; t <= k; t++ {
		step := design.Step{Inputs: make(map[string]int, len(s.u.inputs[t]))}
		for name, m := range s.u.inputs[t] {
			step.Inputs[name] = s.bit(m)
		}
		tr.Steps = append(tr.Steps, step)
	}
	return tr.Encode()
}

// bit reads a literal from the model. Variables the solver never saw do not
// affect any checked property and read as 0.
func (s *session) bit(m z.Lit) int {
	if m.Var() > s.sat.MaxVar() {
		return 0
	}
	if s.sat.Value(m) {
		return 1
	}
	return 0
}
