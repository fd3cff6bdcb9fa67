package design

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpr_CanonicalForm(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"a", "a"},
		{"true", "1"},
		{"!a & b", "(!a & b)"},
		{"a | b & c", "(a | (b & c))"},
		{"a ^ b | c", "((a ^ b) | c)"},
		{"a -> b -> c", "(a -> (b -> c))"},
		{"a == b & c", "((a == b) & c)"},
		{"!(a|b)", "!(a | b)"},
		{"ctl.seen == ctl.done", "(ctl.seen == ctl.done)"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := ParseExpr(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.String())

			again, err := ParseExpr(e.String())
			require.NoError(t, err)
			assert.Equal(t, tt.want, again.String(), "canonical form must be a fixed point")
		})
	}
}

func TestParseExpr_Errors(t *testing.T) {
	for _, src := range []string{"", "a &", "(a", "a b", "a # b", "01", ")"} {
		t.Run(src, func(t *testing.T) {
			_, err := ParseExpr(src)
			assert.Error(t, err)
		})
	}
}

func TestExprRefs(t *testing.T) {
	e, err := ParseExpr("a & (b | !a) -> c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a", "c"}, e.Refs(nil))
}

func TestEval_ThreeValued(t *testing.T) {
	env := func(vals map[string]Bit) func(string) value {
		return func(name string) value {
			b := vals[name]
			if b == X {
				return value{bit: X, cause: &Missing{Step: 4, Signal: name}}
			}
			return known(b)
		}
	}
	tests := []struct {
		src  string
		vals map[string]Bit
		want Bit
	}{
		{"a & b", map[string]Bit{"a": Zero, "b": X}, Zero},
		{"a & b", map[string]Bit{"a": One, "b": X}, X},
		{"a | b", map[string]Bit{"a": One, "b": X}, One},
		{"a ^ b", map[string]Bit{"a": One, "b": X}, X},
		{"a -> b", map[string]Bit{"a": Zero, "b": X}, One},
		{"a -> b", map[string]Bit{"a": One, "b": Zero}, Zero},
		{"a == b", map[string]Bit{"a": One, "b": One}, One},
		{"!b", map[string]Bit{"b": X}, X},
	}
	for _, tt := range tests {
		e, err := ParseExpr(tt.src)
		require.NoError(t, err)
		got := e.eval(env(tt.vals))
		assert.Equal(t, tt.want, got.bit, "%s with %v", tt.src, tt.vals)
		if got.bit == X {
			require.NotNil(t, got.cause)
			assert.Equal(t, "b", got.cause.Signal, "%s", tt.src)
		}
	}
}

func TestParseBit(t *testing.T) {
	for s, want := range map[string]Bit{"0": Zero, "1": One, "x": X, "X": X} {
		b, err := ParseBit(s)
		require.NoError(t, err)
		assert.Equal(t, want, b)
	}
	_, err := ParseBit("2")
	assert.Error(t, err)
}
