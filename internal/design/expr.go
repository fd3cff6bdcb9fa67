package design

import (
	"fmt"
	"strings"
	"unicode"
)

// Op identifies an expression node.
type Op uint8

const (
	OpConst Op = iota
	OpRef
	OpNot
	OpAnd
	OpOr
	OpXor
	OpImplies
	OpEq
)

var opSymbols = map[Op]string{
	OpAnd:     "&",
	OpOr:      "|",
	OpXor:     "^",
	OpImplies: "->",
	OpEq:      "==",
}

// Expr is a parsed boolean expression over design signals.
type Expr struct {
	Op    Op
	Name  string // OpRef
	Value bool   // OpConst
	Args  []*Expr
}

// String renders the expression in canonical, fully parenthesized form.
// Two expressions with the same String are structurally identical.
func (e *Expr) String() string {
	switch e.Op {
	case OpConst:
		if e.Value {
			return "1"
		}
		return "0"
	case OpRef:
		return e.Name
	case OpNot:
		return "!" + e.Args[0].String()
	default:
		return "(" + e.Args[0].String() + " " + opSymbols[e.Op] + " " + e.Args[1].String() + ")"
	}
}

// Refs appends every signal name referenced by the expression.
func (e *Expr) Refs(dst []string) []string {
	if e.Op == OpRef {
		return append(dst, e.Name)
	}
	for _, a := range e.Args {
		dst = a.Refs(dst)
	}
	return dst
}

// ParseExpr parses an expression. Grammar, loosest binding first:
//
//	impl := or ("->" impl)?
//	or   := xor ("|" xor)*
//	xor  := and ("^" and)*
//	and  := eq ("&" eq)*
//	eq   := un ("==" un)*
//	un   := "!" un | "(" impl ")" | ident | 0 | 1 | true | false
func ParseExpr(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, src: src}
	e, err := p.implies()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q in %q", p.toks[p.pos], src)
	}
	return e, nil
}

func lex(src string) ([]string, error) {
	var toks []string
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(rs) && rs[i+1] == '>':
			toks = append(toks, "->")
			i += 2
		case r == '=' && i+1 < len(rs) && rs[i+1] == '=':
			toks = append(toks, "==")
			i += 2
		case strings.ContainsRune("!&|^()", r):
			toks = append(toks, string(r))
			i++
		case isIdentRune(r, true):
			j := i
			for j < len(rs) && isIdentRune(rs[j], false) {
				j++
			}
			toks = append(toks, string(rs[i:j]))
			i = j
		default:
			return nil, fmt.Errorf("invalid character %q in %q", r, src)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return toks, nil
}

func isIdentRune(r rune, first bool) bool {
	if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	return !first && (r == '.' || r == '$')
}

type parser struct {
	toks []string
	pos  int
	src  string
}

func (p *parser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *parser) implies() (*Expr, error) {
	lhs, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if p.peek() == "->" {
		p.pos++
		rhs, err := p.implies()
		if err != nil {
			return nil, err
		}
		return &Expr{Op: OpImplies, Args: []*Expr{lhs, rhs}}, nil
	}
	return lhs, nil
}

// binary levels, loosest first.
var binaryLevels = []struct {
	tok string
	op  Op
}{
	{"|", OpOr},
	{"^", OpXor},
	{"&", OpAnd},
	{"==", OpEq},
}

func (p *parser) binary(level int) (*Expr, error) {
	if level == len(binaryLevels) {
		return p.unary()
	}
	lhs, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for p.peek() == binaryLevels[level].tok {
		p.pos++
		rhs, err := p.binary(level + 1)
		if err != nil {
			return nil, err
		}
		lhs = &Expr{Op: binaryLevels[level].op, Args: []*Expr{lhs, rhs}}
	}
	return lhs, nil
}

func (p *parser) unary() (*Expr, error) {
	tok := p.peek()
	switch tok {
	case "":
		return nil, fmt.Errorf("unexpected end of %q", p.src)
	case "!":
		p.pos++
		a, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Expr{Op: OpNot, Args: []*Expr{a}}, nil
	case "(":
		p.pos++
		e, err := p.implies()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing ')' in %q", p.src)
		}
		p.pos++
		return e, nil
	case "0", "false":
		p.pos++
		return &Expr{Op: OpConst}, nil
	case "1", "true":
		p.pos++
		return &Expr{Op: OpConst, Value: true}, nil
	}
	if !isIdentRune([]rune(tok)[0], true) || unicode.IsDigit([]rune(tok)[0]) {
		return nil, fmt.Errorf("unexpected %q in %q", tok, p.src)
	}
	p.pos++
	return &Expr{Op: OpRef, Name: tok}, nil
}

// Bit is a three-valued signal level.
type Bit uint8

const (
	Zero Bit = iota
	One
	X
)

func (b Bit) String() string {
	switch b {
	case Zero:
		return "0"
	case One:
		return "1"
	}
	return "x"
}

// ParseBit parses "0", "1" or "x".
func ParseBit(s string) (Bit, error) {
	switch s {
	case "0":
		return Zero, nil
	case "1":
		return One, nil
	case "x", "X":
		return X, nil
	}
	return X, fmt.Errorf("invalid bit %q", s)
}

func bitOf(v bool) Bit {
	if v {
		return One
	}
	return Zero
}

// Missing records the first undetermined leaf an X value depends on.
type Missing struct {
	Step   int
	Signal string
}

// value is a three-valued level plus the origin of an X.
type value struct {
	bit   Bit
	cause *Missing
}

func known(b Bit) value { return value{bit: b} }

// eval evaluates e with three-valued semantics. A controlling operand
// (0 for &, 1 for |) masks an X on the other side.
func (e *Expr) eval(env func(string) value) value {
	switch e.Op {
	case OpConst:
		return known(bitOf(e.Value))
	case OpRef:
		return env(e.Name)
	case OpNot:
		a := e.Args[0].eval(env)
		switch a.bit {
		case Zero:
			return known(One)
		case One:
			return known(Zero)
		}
		return a
	}

	a := e.Args[0].eval(env)
	b := e.Args[1].eval(env)
	switch e.Op {
	case OpAnd:
		return and3(a, b)
	case OpOr:
		return or3(a, b)
	case OpImplies:
		na := a
		if a.bit != X {
			na = known(bitOf(a.bit == Zero))
		}
		return or3(na, b)
	case OpXor, OpEq:
		if a.bit == X {
			return a
		}
		if b.bit == X {
			return b
		}
		eq := a.bit == b.bit
		if e.Op == OpXor {
			return known(bitOf(!eq))
		}
		return known(bitOf(eq))
	}
	panic(fmt.Sprintf("design: unknown op %d", e.Op))
}

func and3(a, b value) value {
	switch {
	case a.bit == Zero || b.bit == Zero:
		return known(Zero)
	case a.bit == X:
		return a
	case b.bit == X:
		return b
	}
	return known(One)
}

func or3(a, b value) value {
	switch {
	case a.bit == One || b.bit == One:
		return known(One)
	case a.bit == X:
		return a
	case b.bit == X:
		return b
	}
	return known(Zero)
}
