package topology

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Directory(t *testing.T) {
	spec, err := Load(filepath.Join("testdata", "scenario_a"))
	require.NoError(t, err)

	assert.Equal(t, "scenario-a", spec.Name)
	require.Len(t, spec.Stages, 2)
	assert.Equal(t, "range", spec.Stages[0].Kind)
	require.NotNil(t, spec.Stages[0].To)
	assert.Equal(t, 10, *spec.Stages[0].To)
	require.Len(t, spec.Subscriptions, 1)
	assert.Equal(t, SubscriptionSpec{Consumer: "sink", Producer: "numbers", MinDemand: 2, MaxDemand: 4}, spec.Subscriptions[0])
}

func TestLoad_MultiFilePackage(t *testing.T) {
	spec, err := Load(filepath.Join("testdata", "partition"))
	require.NoError(t, err)

	assert.Equal(t, "parity-split", spec.Name)
	numbers, ok := spec.Stage("numbers")
	require.True(t, ok)
	require.NotNil(t, numbers.Dispatcher)
	assert.Equal(t, "partition", numbers.Dispatcher.Kind)
	assert.Equal(t, []string{"even", "odd"}, numbers.Dispatcher.Partitions)
	assert.Equal(t, 64, numbers.Dispatcher.HoldLimit)
	assert.Empty(t, Validate(spec))
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		code string
	}{
		{"missing directory", filepath.Join("testdata", "nope"), ErrCodeNotFound},
		{"not a directory", filepath.Join("testdata", "empty", "README"), ErrCodeNotFound},
		{"no cue files", filepath.Join("testdata", "empty"), ErrCodeNoFiles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.dir)
			var le *LoadError
			require.True(t, errors.As(err, &le), "got %v", err)
			assert.Equal(t, tt.code, le.Code)
		})
	}
}

func TestCompile_DefaultsDispatcherKind(t *testing.T) {
	spec, err := Compile(`
topology: {
	name: "t"
	stages: [
		{name: "src", kind: "counter", dispatcher: {}},
		{name: "sink", kind: "log"},
	]
	subscriptions: [{consumer: "sink", producer: "src"}]
}`)
	require.NoError(t, err)
	assert.Equal(t, "demand", spec.Stages[0].Dispatcher.Kind)
}

func TestCompile_ListItemsKeepIntegers(t *testing.T) {
	spec, err := Compile(`
topology: {
	name: "t"
	stages: [{name: "src", kind: "list", items: [1, 2.5, "x", {k: 3}]}]
	subscriptions: []
}`)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), 2.5, "x", map[string]any{"k": int64(3)}}, spec.Stages[0].Items)
}

func TestCompile_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{
			name: "no topology field",
			src:  `pipeline: {}`,
			code: ErrCodeNoTopology,
		},
		{
			name: "unknown kind",
			src:  `topology: {name: "t", stages: [{name: "a", kind: "teleport"}], subscriptions: []}`,
			code: ErrCodeSchema,
		},
		{
			name: "unknown field",
			src:  `topology: {name: "t", stages: [{name: "a", kind: "counter", speed: 3}], subscriptions: []}`,
			code: ErrCodeSchema,
		},
		{
			name: "bad cancel mode",
			src:  `topology: {name: "t", stages: [], subscriptions: [{consumer: "a", producer: "b", cancel: "sometimes"}]}`,
			code: ErrCodeSchema,
		},
		{
			name: "bad duration",
			src:  `topology: {name: "t", stages: [{name: "a", kind: "ratelimit", events_per_interval: 1, interval: "soon"}], subscriptions: []}`,
			code: ErrCodeSchema,
		},
		{
			name: "syntax error",
			src:  `topology: {`,
			code: ErrCodeBuildFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.src)
			var le *LoadError
			require.True(t, errors.As(err, &le), "got %v", err)
			assert.Equal(t, tt.code, le.Code, le.Error())
		})
	}
}

func TestLoad_Examples(t *testing.T) {
	dirs, err := filepath.Glob(filepath.Join("..", "..", "examples", "*"))
	require.NoError(t, err)
	require.NotEmpty(t, dirs)

	for _, dir := range dirs {
		t.Run(filepath.Base(dir), func(t *testing.T) {
			spec, err := Load(dir)
			require.NoError(t, err)
			assert.Empty(t, Validate(spec))

			built, err := Build(spec)
			require.NoError(t, err)
			assert.Len(t, built.Pipeline.Stages(), len(spec.Stages))
		})
	}
}
