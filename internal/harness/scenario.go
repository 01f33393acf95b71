package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/demandflow/internal/topology"
	"github.com/roach88/demandflow/internal/trace"
)

// DefaultTimeout bounds every blocking step of a scenario.
const DefaultTimeout = 10 * time.Second

// DefaultRunID is the run ID used when a scenario does not set one.
const DefaultRunID = "test-run"

// Scenario defines a conformance scenario: a topology, the steps that drive
// it, and assertions on what the consumers received and what the trace shows.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Topology is the pipeline under test, inline.
	Topology *topology.Spec `yaml:"topology,omitempty"`

	// TopologyDir is a CUE topology package, relative to the scenario file.
	// Exactly one of Topology and TopologyDir is set.
	TopologyDir string `yaml:"topology_dir,omitempty"`

	// Steps drive the pipeline after it starts.
	Steps []Step `yaml:"steps"`

	// Assertions are checked once every step has run and the pipeline
	// has settled.
	Assertions []Assertion `yaml:"assertions"`

	// RunID is stamped on every trace record. Default: "test-run".
	RunID string `yaml:"run_id,omitempty"`

	// Timeout bounds each blocking step. Default: 10s.
	Timeout string `yaml:"timeout,omitempty"`

	// TraceGolden adds each stage's own trace records to the golden
	// snapshot. Only meaningful for topologies where every stage sees its
	// messages in a fixed order.
	TraceGolden bool `yaml:"trace_golden,omitempty"`
}

// Step is one action against the running pipeline. At most one action
// field is set; Expect is checked after the action.
type Step struct {
	// Settle waits until no message is in flight.
	Settle bool `yaml:"settle,omitempty"`

	// Tick fires the tick source this many times, settling after each.
	Tick int `yaml:"tick,omitempty"`

	// Await waits until a collect stage holds at least Count events.
	Await *AwaitStep `yaml:"await,omitempty"`

	// AwaitTerminated waits until the named stage has terminated.
	AwaitTerminated string `yaml:"await_terminated,omitempty"`

	// Stop terminates a stage.
	Stop *StopStep `yaml:"stop,omitempty"`

	// Ask grants demand on a manual subscription.
	Ask *AskStep `yaml:"ask,omitempty"`

	// Cancel cancels a subscription.
	Cancel *CancelStep `yaml:"cancel,omitempty"`

	// Expect is checked after the action.
	Expect []Assertion `yaml:"expect,omitempty"`
}

// AwaitStep waits for a collect stage to fill.
type AwaitStep struct {
	Stage string `yaml:"stage"`
	Count int    `yaml:"count"`
}

// StopStep stops a stage. Reason is "normal", "shutdown", or free text for
// an abnormal stop.
type StopStep struct {
	Stage  string `yaml:"stage"`
	Reason string `yaml:"reason,omitempty"`
}

// AskStep identifies a subscription by its endpoints.
type AskStep struct {
	Consumer string `yaml:"consumer"`
	Producer string `yaml:"producer"`
	Count    int    `yaml:"count"`
}

// CancelStep cancels a subscription. Reason as in StopStep.
type CancelStep struct {
	Consumer string `yaml:"consumer"`
	Producer string `yaml:"producer"`
	Reason   string `yaml:"reason,omitempty"`
}

// action names the step's action, or "" for an expect-only step.
func (s Step) action() (string, int) {
	name, n := "", 0
	set := func(ok bool, label string) {
		if ok {
			name = label
			n++
		}
	}
	set(s.Settle, "settle")
	set(s.Tick > 0, "tick")
	set(s.Await != nil, "await")
	set(s.AwaitTerminated != "", "await_terminated")
	set(s.Stop != nil, "stop")
	set(s.Ask != nil, "ask")
	set(s.Cancel != nil, "cancel")
	return name, n
}

// Assertion validates consumer state or the trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "received": collect stage received exactly Events, in order
	// - "count": collect stage received exactly Count events
	// - "batches": collect stage received exactly Batches
	// - "max_batch": no batch delivered to Stage exceeded Count
	// - "max_ask": no ask by Stage exceeded Count
	// - "alive": Stage has not terminated
	// - "terminated": Stage has terminated, with Code if set
	// - "trace_count": Count records of Kind (by Stage and Peer if set)
	Type string `yaml:"type"`

	Stage   string  `yaml:"stage,omitempty"`
	Peer    string  `yaml:"peer,omitempty"`
	Kind    string  `yaml:"kind,omitempty"`
	Code    string  `yaml:"code,omitempty"`
	Count   int     `yaml:"count,omitempty"`
	Events  []any   `yaml:"events,omitempty"`
	Batches [][]any `yaml:"batches,omitempty"`
}

// Assertion type constants.
const (
	AssertReceived   = "received"
	AssertCount      = "count"
	AssertBatches    = "batches"
	AssertMaxBatch   = "max_batch"
	AssertMaxAsk     = "max_ask"
	AssertAlive      = "alive"
	AssertTerminated = "terminated"
	AssertTraceCount = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// TopologyDir is resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.TopologyDir != "" && !filepath.IsAbs(scenario.TopologyDir) {
		scenario.TopologyDir = filepath.Join(filepath.Dir(path), scenario.TopologyDir)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml scenario in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Topology == nil && s.TopologyDir == "":
		return fmt.Errorf("topology or topology_dir is required")
	case s.Topology != nil && s.TopologyDir != "":
		return fmt.Errorf("topology and topology_dir are mutually exclusive")
	case s.TopologyDir != "":
		if _, err := os.Stat(s.TopologyDir); os.IsNotExist(err) {
			return fmt.Errorf("topology directory not found: %s", s.TopologyDir)
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Timeout != "" {
		if d, err := time.ParseDuration(s.Timeout); err != nil || d <= 0 {
			return fmt.Errorf("timeout must be a positive duration, got %q", s.Timeout)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(fmt.Sprintf("assertions[%d]", i), &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	name, n := step.action()
	if n > 1 {
		return fmt.Errorf("steps[%d]: at most one action per step", i)
	}
	if n == 0 && len(step.Expect) == 0 {
		return fmt.Errorf("steps[%d]: step has no action and no expect", i)
	}
	switch name {
	case "await":
		if step.Await.Stage == "" || step.Await.Count <= 0 {
			return fmt.Errorf("steps[%d].await: stage and count > 0 are required", i)
		}
	case "stop":
		if step.Stop.Stage == "" {
			return fmt.Errorf("steps[%d].stop: stage is required", i)
		}
	case "ask":
		if step.Ask.Consumer == "" || step.Ask.Producer == "" || step.Ask.Count <= 0 {
			return fmt.Errorf("steps[%d].ask: consumer, producer and count > 0 are required", i)
		}
	case "cancel":
		if step.Cancel.Consumer == "" || step.Cancel.Producer == "" {
			return fmt.Errorf("steps[%d].cancel: consumer and producer are required", i)
		}
	}
	for j, a := range step.Expect {
		if err := validateAssertion(fmt.Sprintf("steps[%d].expect[%d]", i, j), &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(field string, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("%s: type is required", field)
	}

	switch a.Type {
	case AssertReceived, AssertBatches, AssertAlive, AssertTerminated:
		if a.Stage == "" {
			return fmt.Errorf("%s: stage is required for %s", field, a.Type)
		}
	case AssertCount, AssertMaxBatch, AssertMaxAsk:
		if a.Stage == "" {
			return fmt.Errorf("%s: stage is required for %s", field, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("%s: count must be non-negative for %s", field, a.Type)
		}
	case AssertTraceCount:
		if !trace.Kind(a.Kind).Valid() {
			return fmt.Errorf("%s: trace_count needs a valid kind, got %q", field, a.Kind)
		}
		if a.Count < 0 {
			return fmt.Errorf("%s: count must be non-negative for trace_count", field)
		}
	default:
		return fmt.Errorf("%s: unknown assertion type %q", field, a.Type)
	}
	return nil
}
