package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/demandflow/internal/canonical"
	"github.com/roach88/demandflow/internal/trace"
)

// Snapshot renders the deterministic part of a result: what each collect
// stage received and how each stage ended. With Scenario.TraceGolden it
// also holds every stage's own records, without seq.
//
// Output is canonical JSON, indented for review, with a trailing newline.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	received := make(map[string]any, len(result.Received))
	for name, events := range result.Received {
		received[name] = events
	}

	stages := make(map[string]any, len(result.Stages))
	for name, out := range result.Stages {
		m := map[string]any{"alive": out.Alive}
		if out.Code != "" {
			m["code"] = out.Code
		}
		stages[name] = m
	}

	snapshot := map[string]any{
		"scenario": scenario.Name,
		"run_id":   result.RunID,
		"received": received,
		"stages":   stages,
	}
	if scenario.TraceGolden {
		snapshot["trace"] = stageTraces(result.Trace)
	}

	data, err := canonical.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to indent snapshot: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// stageTraces groups records by the stage that wrote them. A stage's own
// records follow the order of its mailbox, which is fixed when every stage
// has a single sender at each point of the run.
func stageTraces(records []trace.Record) map[string]any {
	byStage := make(map[string][]any)
	for _, r := range records {
		m := map[string]any{
			"kind":  string(r.Kind),
			"count": r.Count,
		}
		if r.Peer != "" {
			m["peer"] = r.Peer
		}
		if len(r.Events) > 0 {
			m["events"] = slices.Clone(r.Events)
		}
		if r.Reason != "" {
			m["reason"] = r.Reason
		}
		byStage[r.Stage] = append(byStage[r.Stage], m)
	}
	out := make(map[string]any, len(byStage))
	for k, v := range byStage {
		out[k] = v
	}
	return out
}

// RunWithGolden executes a scenario, fails the test on assertion errors,
// and compares its snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, e := range result.Errors {
		t.Error(e)
	}
	return AssertGolden(t, scenario, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
