package design

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagecheck/internal/property"
	"stagecheck/internal/snapshot"
)

func loadCounter(t *testing.T) *File {
	t.Helper()
	f, err := LoadFile(filepath.Join("testdata", "counter.yaml"))
	require.NoError(t, err)
	return f
}

func TestBuild_Counter(t *testing.T) {
	m, state, err := Build("counter", loadCounter(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"en", "rst"}, m.Inputs)
	assert.Equal(t, []string{"ctl"}, m.Scopes)
	require.Len(t, m.Registers, 4)
	assert.Equal(t, "c0", m.Registers[0].Name)
	assert.Equal(t, "(!rst & (c0 ^ en))", m.Registers[0].Next)
	assert.Equal(t, snapshot.State{"c0": "0", "c1": "0", "ctl.done": "0", "ctl.seen": "0"}, state)

	props := m.PropertyList()
	require.Len(t, props, 4)
	assert.Equal(t, property.Property{Name: "hold_en", Scope: "counter", Kind: property.Assume, Tags: []string{"1"}}, props[0])
	assert.Equal(t, "ctl", props[3].Scope)
}

func TestStructuralHash_IgnoresFormattingInitAndProperties(t *testing.T) {
	base, _, err := Build("counter", loadCounter(t))
	require.NoError(t, err)

	f := loadCounter(t)
	f.Registers[0].Next = "!rst&(c0^en)"
	one := 1
	f.Registers[1].Init = &one
	f.Properties = f.Properties[:1]
	variant, state, err := Build("counter", f)
	require.NoError(t, err)

	assert.Equal(t, base.StructuralHash(), variant.StructuralHash())
	assert.Equal(t, "1", state["c1"])
}

func TestStructuralHash_ChangesWithPorts(t *testing.T) {
	base, _, err := Build("counter", loadCounter(t))
	require.NoError(t, err)

	f := loadCounter(t)
	f.Inputs = []string{"enable", "rst"}
	for i := range f.Registers {
		f.Registers[i].Next = strings.ReplaceAll(f.Registers[i].Next, "en)", "enable)")
	}
	f.Properties[1].Expr = "enable"
	renamed, _, err := Build("counter", f)
	require.NoError(t, err)

	assert.NotEqual(t, base.StructuralHash(), renamed.StructuralHash())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown ref", `
top: t
inputs: [a]
registers: [{name: r, next: "a & b"}]`, `unknown signal "b"`},
		{"loop", `
top: t
wires: [{name: w1, expr: "w2"}, {name: w2, expr: "!w1"}]`, "combinational loop"},
		{"duplicate", `
top: t
inputs: [a]
wires: [{name: a, expr: "1"}]`, `"a" already declared`},
		{"bad init", `
top: t
registers: [{name: r, init: 2, next: "r"}]`, "init must be 0 or 1"},
		{"bad kind", `
top: t
properties: [{name: p, kind: restrict, expr: "1"}]`, "unknown property kind"},
		{"bad scope", `
top: t
properties: [{name: p, kind: assert, expr: "1", scope: nowhere}]`, "undeclared scope"},
		{"syntax", `
top: t
inputs: [a]
properties: [{name: p, kind: cover, expr: "a &"}]`, "unexpected end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFile("bad.yaml", []byte(tt.src))
			require.NoError(t, err)
			_, _, err = Build("t", f)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuild_MissingTop(t *testing.T) {
	_, _, err := Build("other", loadCounter(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `top module "other"`)
}

func TestBuild_MergesFiles(t *testing.T) {
	core, err := ParseFile("core.yaml", []byte(`
top: t
inputs: [a]
registers: [{name: r, init: 0, next: "r | a"}]`))
	require.NoError(t, err)
	props, err := ParseFile("props.yaml", []byte(`
properties:
  - {name: p, kind: cover, expr: "r", tags: ["1"]}`))
	require.NoError(t, err)

	m, _, err := Build("t", core, props)
	require.NoError(t, err)
	assert.Len(t, m.Properties, 1)

	_, _, err = Build("t", core, core)
	assert.Error(t, err, "duplicate declarations across files")
}

func TestElaborator_ResolvesRelativePaths(t *testing.T) {
	e := &Elaborator{BaseDir: "testdata"}
	out, err := e.Elaborate(context.Background(), []string{"counter.yaml"}, "counter")
	require.NoError(t, err)
	assert.Len(t, out.StructuralHash, 64)
	assert.Len(t, out.Properties, 4)

	m, err := DecodeModel(out.Model)
	require.NoError(t, err)
	assert.Equal(t, out.StructuralHash, m.StructuralHash())

	_, err = e.Elaborate(context.Background(), []string{"missing.yaml"}, "counter")
	assert.Error(t, err)
}

func TestModelReduce(t *testing.T) {
	m, _, err := Build("counter", loadCounter(t))
	require.NoError(t, err)

	reduced, err := m.Reduce([]string{"seen_twin", "no_reset"})
	require.NoError(t, err)
	names := make([]string, len(reduced.Properties))
	for i, p := range reduced.Properties {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"no_reset", "seen_twin"}, names, "declaration order is kept")
	assert.Len(t, m.Properties, 4, "original untouched")
	assert.Equal(t, m.StructuralHash(), reduced.StructuralHash())

	n, err := Compile(reduced)
	require.NoError(t, err)
	assert.NotContains(t, n.Props, "hold_en")

	empty, err := m.Reduce(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Properties)

	_, err = m.Reduce([]string{"no_reset", "ghost", "phantom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost, phantom")
}
