package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// finiteTopology drains a range of five into a collect stage.
const finiteTopology = `
topology: {
	name: "finite"
	stages: [
		{name: "src", kind: "range", from: 1, to: 5},
		{name: "sink", kind: "collect"},
	]
	subscriptions: [
		{consumer: "sink", producer: "src", min_demand: 1, max_demand: 2},
	]
}
`

// throttledTopology never finishes on its own: the limiter's buffer is
// bounded and nothing ticks unless the test does.
const throttledTopology = `
topology: {
	name: "throttled"
	stages: [
		{name: "src", kind: "counter"},
		{name: "limiter", kind: "ratelimit", events_per_interval: 5, max_buffer: 20},
		{name: "sink", kind: "collect"},
	]
	subscriptions: [
		{consumer: "limiter", producer: "src"},
		{consumer: "sink", producer: "limiter"},
	]
}
`

// danglingTopology passes the schema but subscribes to a missing stage.
const danglingTopology = `
topology: {
	name: "dangling"
	stages: [
		{name: "sink", kind: "collect"},
	]
	subscriptions: [
		{consumer: "sink", producer: "ghost"},
	]
}
`

// writeTopology writes a one-file CUE topology package and returns its dir.
func writeTopology(t *testing.T, src string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "topology")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "topology.cue"), []byte("package topology\n"+src), 0o644))
	return dir
}
