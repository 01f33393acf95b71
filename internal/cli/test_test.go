package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: window
description: "the sink receives the requested window"
topology:
  name: window
  stages:
    - {name: src, kind: counter}
    - {name: sink, kind: collect}
  subscriptions:
    - {consumer: sink, producer: src, manual: true, max_demand: 5}
steps:
  - settle: true
  - ask: {consumer: sink, producer: src, count: 3}
assertions:
  - type: received
    stage: sink
    events: [0, 1, 2]
  - {type: alive, stage: src}
`

const failingScenario = `
name: wrong_count
description: "asserts more events than were asked for"
topology:
  name: window
  stages:
    - {name: src, kind: counter}
    - {name: sink, kind: collect}
  subscriptions:
    - {consumer: sink, producer: src, manual: true, max_demand: 5}
steps:
  - settle: true
  - ask: {consumer: sink, producer: src, count: 2}
assertions:
  - {type: count, stage: sink, count: 99}
`

func writeScenarioFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyDir(t *testing.T) {
	dir := t.TempDir()

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	out, err = executeTest(t, "json", dir)
	require.NoError(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestTestCommandPassingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "window", passingScenario)

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ window")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "window", passingScenario)
	writeScenarioFile(t, dir, "wrong_count", failingScenario)

	out, err := executeTest(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)

	var failed ScenarioResult
	for _, s := range resp.Data.Scenarios {
		if !s.Pass {
			failed = s
		}
	}
	assert.Equal(t, "wrong_count", failed.Name)
	require.NotEmpty(t, failed.Errors)
	assert.Contains(t, failed.Errors[0], "sink")
}

func TestTestCommandUnloadableScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "broken", "name: [unclosed")

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommandUpdateGolden(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "window", passingScenario)
	goldenPath := filepath.Join(dir, "golden", "window.golden")

	out, err := executeTest(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ window (golden updated)")

	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario": "window"`)
	assert.Contains(t, string(golden), `"run_id": "test-run"`)

	// A second run without --update matches the fresh golden file.
	_, err = executeTest(t, "text", dir)
	require.NoError(t, err)
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "window", passingScenario)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "window.golden"), []byte("{}\n"), 0o644))

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "snapshot does not match golden file")
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "window", passingScenario)
	writeScenarioFile(t, dir, "wrong_count", failingScenario)

	out, err := executeTest(t, "text", dir, "--filter", "win*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 total")
	assert.NotContains(t, out, "wrong_count")
}

func TestFindScenarioFilesSkipsGolden(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "a", passingScenario)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	writeScenarioFile(t, filepath.Join(dir, "golden"), "stray", passingScenario)

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml")}, files)

	_, err = findScenarioFiles(dir, "[")
	require.Error(t, err)
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("s", "golden", "x.golden"), goldenFilePath(filepath.Join("s", "x.yaml")))
}
