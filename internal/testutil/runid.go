package testutil

// FixedRunID always returns the same run ID, so repeated runs of a scenario
// produce identical trace logs.
//
// Unlike engine.FixedGenerator, which hands out a sequence and panics when
// it runs dry, FixedRunID never runs out.
type FixedRunID struct {
	id string
}

// NewFixedRunID creates the generator. An empty id becomes "test-run".
//
// The harness passes the scenario's run_id:
//
//	run_id: "scenario-a"
func NewFixedRunID(id string) *FixedRunID {
	if id == "" {
		id = "test-run"
	}
	return &FixedRunID{id: id}
}

// Generate returns the fixed ID. Implements engine.RunIDGenerator.
func (g *FixedRunID) Generate() string {
	return g.id
}
