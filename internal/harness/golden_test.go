package harness

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/demandflow/internal/engine"
	"github.com/roach88/demandflow/internal/trace"
)

func TestRunWithGolden_Scenarios(t *testing.T) {
	scenarios, err := LoadScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			require.NoError(t, RunWithGolden(t, s))
		})
	}
}

func TestSnapshot_Shape(t *testing.T) {
	scenario := &Scenario{Name: "shape"}
	result := NewResult()
	result.RunID = "run-1"
	result.Received["sink"] = []engine.Event{1, 2}
	result.Stages["src"] = StageOutcome{Alive: false, Code: "normal", Reason: "normal"}
	result.Stages["sink"] = StageOutcome{Alive: true}
	result.Trace = []trace.Record{{Seq: 1, Kind: trace.KindAsk, Stage: "sink", Peer: "src", Count: 2}}

	data, err := Snapshot(scenario, result)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "}\n"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "shape", got["scenario"])
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, map[string]any{"sink": []any{float64(1), float64(2)}}, got["received"])
	assert.Equal(t, map[string]any{
		"src":  map[string]any{"alive": false, "code": "normal"},
		"sink": map[string]any{"alive": true},
	}, got["stages"])
	assert.NotContains(t, got, "trace", "trace is only included with trace_golden")
}

func TestSnapshot_TraceGolden(t *testing.T) {
	scenario := &Scenario{Name: "traced", TraceGolden: true}
	result := NewResult()
	result.RunID = "run-1"
	result.Trace = []trace.Record{
		{Seq: 1, Kind: trace.KindAsk, Stage: "sink", Peer: "src", SubscriptionID: 1, Count: 3},
		{Seq: 2, Kind: trace.KindEvents, Stage: "src", Peer: "sink", SubscriptionID: 1, Count: 3, Events: []any{1, 2, 3}},
		{Seq: 3, Kind: trace.KindTerminate, Stage: "src", Reason: "normal"},
	}

	data, err := Snapshot(scenario, result)
	require.NoError(t, err)

	var got struct {
		Trace map[string][]map[string]any `json:"trace"`
	}
	require.NoError(t, json.Unmarshal(data, &got))

	require.Len(t, got.Trace["sink"], 1)
	require.Len(t, got.Trace["src"], 2)
	assert.Equal(t, "events", got.Trace["src"][0]["kind"])
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, got.Trace["src"][0]["events"])
	assert.Equal(t, "normal", got.Trace["src"][1]["reason"])
	assert.NotContains(t, got.Trace["src"][0], "seq")
	assert.NotContains(t, string(data), "subscription_id")
}

func TestSnapshot_Stable(t *testing.T) {
	scenario := &Scenario{Name: "stable"}
	build := func() *Result {
		r := NewResult()
		r.RunID = "run-1"
		r.Received["b"] = []engine.Event{"x"}
		r.Received["a"] = []engine.Event{int64(1), 2.5}
		r.Stages["a"] = StageOutcome{Alive: true}
		r.Stages["b"] = StageOutcome{Alive: true}
		return r
	}

	first, err := Snapshot(scenario, build())
	require.NoError(t, err)
	second, err := Snapshot(scenario, build())
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
	assert.Less(t, strings.Index(string(first), `"a"`), strings.Index(string(first), `"b"`))
}
