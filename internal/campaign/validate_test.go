package campaign

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name: "valid two phase",
			src: `
design: {files: [d.yaml], top: t}
stages:
  - {id: base, role: init}
  - {id: reach, role: verify, parent: base, mode: cover, keep: "1"}
  - {id: seeded, role: init, parent: base, trace: reach}
  - {id: check, role: verify, parent: seeded, mode: prove, keep: "2"}`,
		},
		{
			name: "verify on prep stage",
			src: `
design: {files: [d.yaml], top: t}
stages:
  - {id: base, role: init}
  - {id: warm, role: verify, parent: base, mode: prep}
  - {id: reach, role: verify, parent: warm, mode: cover, keep: "1"}`,
		},
		{
			name:    "no top",
			src:     "design: {files: [d.yaml]}\nstages: [{id: a, role: init}]",
			wantErr: "design.top is required",
		},
		{
			name:    "no stages",
			src:     "design: {files: [d.yaml], top: t}",
			wantErr: "campaign has no stages",
		},
		{
			name: "duplicate id",
			src: `
design: {files: [d.yaml], top: t}
stages: [{id: a, role: init}, {id: a, role: verify, parent: a, mode: prove}]`,
			wantErr: `duplicate stage id "a"`,
		},
		{
			name: "unknown role",
			src: `
design: {files: [d.yaml], top: t}
stages: [{id: a, role: init}, {id: b, role: sweep, parent: a}]`,
			wantErr: `unknown role "sweep"`,
		},
		{
			name: "unknown mode",
			src: `
design: {files: [d.yaml], top: t}
stages: [{id: a, role: init}, {id: b, role: verify, parent: a, mode: fuzz}]`,
			wantErr: `unknown mode "fuzz"`,
		},
		{
			name: "no root",
			src: `
design: {files: [d.yaml], top: t}
stages: [{id: b, role: verify, parent: b, mode: prove}]`,
			wantErr: "no root init stage",
		},
		{
			name: "two roots",
			src: `
design: {files: [d.yaml], top: t}
stages: [{id: a, role: init}, {id: b, role: init}]`,
			wantErr: "multiple root init stages: a, b",
		},
		{
			name: "unknown parent",
			src: `
design: {files: [d.yaml], top: t}
stages: [{id: a, role: init}, {id: b, role: verify, parent: ghost, mode: prove}]`,
			wantErr: `unknown stage "ghost"`,
		},
		{
			name: "verify parent makes no snapshot",
			src: `
design: {files: [d.yaml], top: t}
stages:
  - {id: a, role: init}
  - {id: b, role: verify, parent: a, mode: cover}
  - {id: c, role: verify, parent: b, mode: prove}`,
			wantErr: "parent b does not produce a snapshot",
		},
		{
			name: "replay without trace",
			src: `
design: {files: [d.yaml], top: t}
stages: [{id: a, role: init}, {id: b, role: init, parent: a}]`,
			wantErr: "no trace to replay",
		},
		{
			name: "trace from prep stage",
			src: `
design: {files: [d.yaml], top: t}
stages:
  - {id: a, role: init}
  - {id: p, role: verify, parent: a, mode: prep}
  - {id: b, role: init, parent: a, trace: p}`,
			wantErr: "not a cover or prove verify stage",
		},
		{
			name: "trace from a different snapshot",
			src: `
design: {files: [d.yaml], top: t}
stages:
  - {id: a, role: init}
  - {id: r1, role: verify, parent: a, mode: cover}
  - {id: s1, role: init, parent: a, trace: r1}
  - {id: r2, role: verify, parent: s1, mode: cover}
  - {id: s2, role: init, parent: a, trace: r2}`,
			wantErr: "replays r2 onto a, but r2 ran against s1",
		},
		{
			name: "cycle through after",
			src: `
design: {files: [d.yaml], top: t}
stages:
  - {id: a, role: init}
  - {id: b, role: verify, parent: a, mode: prep, after: [c]}
  - {id: c, role: verify, parent: b, mode: prove}`,
			wantErr: "cycle detected",
		},
		{
			name: "bad timeout",
			src: `
design: {files: [d.yaml], top: t}
stages: [{id: a, role: init}, {id: b, role: verify, parent: a, mode: prove, timeout: soon}]`,
			wantErr: "stage b: timeout",
		},
		{
			name: "init with keep",
			src: `
design: {files: [d.yaml], top: t}
stages: [{id: a, role: init, keep: "1"}]`,
			wantErr: "must not set mode or keep",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParseDefinition([]byte(tt.src))
			require.NoError(t, err)
			err = Validate(def)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	def, err := ParseDefinition([]byte(`
design: {files: [], top: ""}
stages: [{id: a, role: init}, {id: b, role: verify, mode: prove}]`))
	require.NoError(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(Validate(def), &cfgErr))
	assert.Len(t, cfgErr.Problems, 3)
}

func TestParseDefinition_RejectsUnknownFields(t *testing.T) {
	_, err := ParseDefinition([]byte("design: {top: t}\nstagez: []"))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "malformed campaign definition")
}

func TestLoadDefinition_ResolvesDesignFiles(t *testing.T) {
	def, err := LoadDefinition(filepath.Join("testdata", "campaign.yaml"))
	require.NoError(t, err)

	abs, err := filepath.Abs("testdata")
	require.NoError(t, err)
	src := def.Source()
	assert.Equal(t, "counter", src.Top)
	assert.Equal(t, []string{filepath.Join(abs, "counter.yaml")}, src.Files)
	assert.Equal(t, []string{"1", "2"}, def.KeepTags())

	s, ok := def.Stage("seeded")
	require.True(t, ok)
	assert.Equal(t, []string{"base", "reach"}, s.Deps())
	assert.False(t, s.Root())
}
