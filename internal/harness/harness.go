package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/demandflow/internal/engine"
	"github.com/roach88/demandflow/internal/testutil"
	"github.com/roach88/demandflow/internal/topology"
	"github.com/roach88/demandflow/internal/trace"
)

// pollInterval is how often await steps check a collector.
const pollInterval = 2 * time.Millisecond

// Harness drives one scenario against a real pipeline.
// Ticks are manual and the run ID is fixed, so a scenario that settles
// between steps observes the same state on every run.
type Harness struct {
	scenario *Scenario
	built    *topology.Built
	mem      *trace.Memory
	ticks    *testutil.ManualTicks
	timeout  time.Duration
}

// Option configures Run.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the pipeline logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Load and build the topology with a memory tracer and manual ticks
// 2. Start the pipeline and execute each step, checking its expect list
// 3. Settle, snapshot consumers, stages and trace
// 4. Evaluate assertions, then shut the pipeline down
//
// A returned error means the scenario could not run. Failed steps and
// assertions are reported in Result.Errors.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := config{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}

	spec := scenario.Topology
	if spec == nil {
		loaded, err := topology.Load(scenario.TopologyDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load topology: %w", err)
		}
		spec = loaded
	}

	runID := scenario.RunID
	if runID == "" {
		runID = DefaultRunID
	}
	timeout := DefaultTimeout
	if scenario.Timeout != "" {
		d, err := time.ParseDuration(scenario.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = d
	}

	h := &Harness{
		scenario: scenario,
		mem:      trace.NewMemory(),
		ticks:    testutil.NewManualTicks(),
		timeout:  timeout,
	}
	built, err := topology.Build(spec,
		topology.WithLogger(cfg.logger),
		topology.WithEngineOptions(
			engine.WithTracer(h.mem),
			engine.WithTickSource(h.ticks),
			engine.WithRunIDGenerator(testutil.NewFixedRunID(runID)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build topology: %w", err)
	}
	h.built = built

	p := built.Pipeline
	if err := p.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer func() {
		p.Shutdown()
		p.Wait()
	}()

	result := NewResult()
	result.RunID = runID

	for i, step := range scenario.Steps {
		name, _ := step.action()
		if err := h.execute(step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d] (%s): %v", i, name, err))
			h.snapshot(result)
			return result, nil
		}
		if len(step.Expect) > 0 {
			if err := h.settle(); err != nil {
				result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
				h.snapshot(result)
				return result, nil
			}
			h.snapshot(result)
			for _, msg := range EvaluateAssertions(result, step.Expect) {
				result.AddError(fmt.Sprintf("steps[%d]: %s", i, msg))
			}
		}
	}

	if err := h.settle(); err != nil {
		result.AddError(err.Error())
	}
	h.snapshot(result)
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// execute performs a step's action. Every action leaves the pipeline
// settled.
func (h *Harness) execute(step Step) error {
	p := h.built.Pipeline
	name, _ := step.action()

	switch name {
	case "", "settle":
		return h.settle()

	case "tick":
		for range step.Tick {
			h.ticks.Tick()
			if err := h.settle(); err != nil {
				return err
			}
		}
		return nil

	case "await":
		c, ok := h.built.Collector(step.Await.Stage)
		if !ok {
			return fmt.Errorf("%q is not a collect stage", step.Await.Stage)
		}
		deadline := time.Now().Add(h.timeout)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for c.Count() < step.Await.Count {
			if time.Now().After(deadline) {
				return fmt.Errorf("%s received %d events, want %d within %s",
					step.Await.Stage, c.Count(), step.Await.Count, h.timeout)
			}
			<-ticker.C
		}
		return h.settle()

	case "await_terminated":
		if err := h.awaitDone(step.AwaitTerminated); err != nil {
			return err
		}
		return h.settle()

	case "stop":
		if err := p.Stop(step.Stop.Stage, parseReason(step.Stop.Reason)); err != nil {
			return err
		}
		if err := h.awaitDone(step.Stop.Stage); err != nil {
			return err
		}
		return h.settle()

	case "ask":
		sub, ok := h.built.Subscription(step.Ask.Consumer, step.Ask.Producer)
		if !ok {
			return fmt.Errorf("no subscription of %q to %q", step.Ask.Consumer, step.Ask.Producer)
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := p.Ask(ctx, sub.ID, step.Ask.Count); err != nil {
			return err
		}
		return h.settle()

	case "cancel":
		sub, ok := h.built.Subscription(step.Cancel.Consumer, step.Cancel.Producer)
		if !ok {
			return fmt.Errorf("no subscription of %q to %q", step.Cancel.Consumer, step.Cancel.Producer)
		}
		if err := p.Cancel(sub.ID, parseReason(step.Cancel.Reason)); err != nil {
			return err
		}
		return h.settle()

	default:
		return fmt.Errorf("unknown step action %q", name)
	}
}

func (h *Harness) settle() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.built.Pipeline.Settle(ctx); err != nil {
		return fmt.Errorf("pipeline did not settle within %s: %w", h.timeout, err)
	}
	return nil
}

func (h *Harness) awaitDone(stage string) error {
	done := h.built.Pipeline.Done(stage)
	if done == nil {
		return fmt.Errorf("unknown stage %q", stage)
	}
	select {
	case <-done:
		return nil
	case <-time.After(h.timeout):
		return fmt.Errorf("stage %q did not terminate within %s", stage, h.timeout)
	}
}

// snapshot copies the current consumer, stage and trace state into result.
func (h *Harness) snapshot(result *Result) {
	for name, c := range h.built.Collectors {
		result.Received[name] = c.Received()
		result.Batches[name] = c.Batches()
	}
	p := h.built.Pipeline
	for _, name := range p.Stages() {
		reason := p.Reason(name)
		out := StageOutcome{Alive: p.Alive(name)}
		if reason != nil {
			out.Code = outcomeCode(reason)
			out.Reason = reason.Error()
		}
		result.Stages[name] = out
	}
	result.Trace = h.mem.Records()
}

// parseReason maps a scenario reason to a termination reason.
func parseReason(s string) error {
	switch s {
	case "", "normal":
		return engine.ErrNormal
	case "shutdown":
		return engine.ErrShutdown
	default:
		return errors.New(s)
	}
}
