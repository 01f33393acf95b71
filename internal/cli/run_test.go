package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/demandflow/internal/store"
	"github.com/roach88/demandflow/internal/testutil"
	"github.com/roach88/demandflow/internal/trace"
)

// runForTest runs a topology dir with opts and returns stdout.
func runForTest(t *testing.T, opts *RunOptions, dir string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd.SetContext(ctx)

	err := runPipeline(opts, dir, cmd)
	return out.String(), err
}

func TestRun_FiniteTopologyToCompletion(t *testing.T) {
	dir := writeTopology(t, finiteTopology)
	dbPath := filepath.Join(t.TempDir(), "runs.db")

	out, err := runForTest(t, &RunOptions{
		RootOptions:    &RootOptions{Format: "text"},
		Database:       dbPath,
		RunIDGenerator: testutil.NewFixedRunID("run-finite"),
	}, dir)
	require.NoError(t, err)

	assert.Contains(t, out, "Pipeline finite started (run run-finite).")
	assert.Contains(t, out, "Pipeline finite stopped: ok")
	assert.Contains(t, out, "terminated: normal")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	run, err := st.ReadRun(ctx, "run-finite")
	require.NoError(t, err)
	assert.Equal(t, store.RunOK, run.Status)
	assert.Equal(t, "finite", run.Topology)
	assert.Equal(t, 2, run.Stages)
	assert.NotEmpty(t, run.TopologyHash)

	counts, err := st.CountRecords(ctx, "run-finite")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[trace.KindTerminate])
	assert.Equal(t, 1, counts[trace.KindExhausted])

	events, err := st.ReadRecords(ctx, "run-finite", store.RecordFilter{Kind: trace.KindEvents})
	require.NoError(t, err)
	delivered := 0
	for _, r := range events {
		assert.LessOrEqual(t, r.Count, 2, "batch larger than max_demand")
		delivered += r.Count
	}
	assert.Equal(t, 5, delivered)
}

func TestRun_JSONSummary(t *testing.T) {
	dir := writeTopology(t, finiteTopology)

	out, err := runForTest(t, &RunOptions{
		RootOptions:    &RootOptions{Format: "json"},
		RunIDGenerator: testutil.NewFixedRunID("run-json"),
	}, dir)
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "stdout must be a single JSON document: %s", out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-json", resp.Data.RunID)
	assert.Equal(t, "finite", resp.Data.Topology)
	assert.Equal(t, "ok", resp.Data.Status)
	require.Len(t, resp.Data.Stages, 2)
	assert.Equal(t, "src", resp.Data.Stages[0].Name)
	assert.False(t, resp.Data.Stages[0].Alive)
	assert.Equal(t, "normal", resp.Data.Stages[0].Reason)
}

func TestRun_DurationStopsEndlessPipeline(t *testing.T) {
	dir := writeTopology(t, throttledTopology)

	start := time.Now()
	out, err := runForTest(t, &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		Duration:    100 * time.Millisecond,
		MetricsAddr: "127.0.0.1:0",
		TickSource:  testutil.NewManualTicks(),
	}, dir)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Contains(t, out, "Pipeline throttled stopped: ok")
	assert.NotContains(t, out, "alive", "every stage is shut down")
}

func TestRun_AbnormalStageFailsRun(t *testing.T) {
	dir := writeTopology(t, `
topology: {
	name: "failing"
	stages: [
		{name: "src", kind: "range", from: 1, to: 10},
		{name: "sink", kind: "collect", fail_after: 2},
	]
	subscriptions: [
		{consumer: "sink", producer: "src", min_demand: 0, max_demand: 1},
	]
}
`)
	dbPath := filepath.Join(t.TempDir(), "runs.db")

	// The failed consumer leaves src alive with no demand; the duration
	// ends the run.
	_, err := runForTest(t, &RunOptions{
		RootOptions:    &RootOptions{Format: "text"},
		Database:       dbPath,
		Duration:       200 * time.Millisecond,
		RunIDGenerator: testutil.NewFixedRunID("run-failing"),
	}, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "COLLABORATOR_FAILURE")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	run, err := st.ReadRun(context.Background(), "run-failing")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Contains(t, run.Error, "sink")
}

func TestRun_InvalidTopology(t *testing.T) {
	dir := writeTopology(t, danglingTopology)

	_, err := runForTest(t, &RunOptions{RootOptions: &RootOptions{Format: "text"}}, dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid topology")
}

func TestRun_MissingDirectory(t *testing.T) {
	_, err := runForTest(t, &RunOptions{RootOptions: &RootOptions{Format: "text"}}, filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load topology")
}

func TestRun_CommandRequiresDir(t *testing.T) {
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}
