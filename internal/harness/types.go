package harness

import (
	"errors"

	"github.com/roach88/demandflow/internal/engine"
	"github.com/roach88/demandflow/internal/trace"
)

// StageOutcome is a stage's state when the scenario finished.
type StageOutcome struct {
	Alive  bool   `json:"alive"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Errors contains failed assertion messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	RunID string `json:"run_id"`

	// Received and Batches hold what each collect stage was handed.
	Received map[string][]engine.Event   `json:"received"`
	Batches  map[string][][]engine.Event `json:"batches"`

	// Stages holds every stage's outcome, taken before the harness shuts
	// the pipeline down.
	Stages map[string]StageOutcome `json:"stages"`

	// Trace is every record up to the final settle, in seq order.
	Trace []trace.Record `json:"trace"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Errors:   []string{},
		Received: make(map[string][]engine.Event),
		Batches:  make(map[string][][]engine.Event),
		Stages:   make(map[string]StageOutcome),
		Trace:    []trace.Record{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// outcomeCode classifies a termination reason: the runtime error code,
// or "normal" / "shutdown" for a clean stop.
func outcomeCode(reason error) string {
	if code := engine.CodeOf(reason); code != "" {
		return string(code)
	}
	switch {
	case reason == nil:
		return ""
	case errors.Is(reason, engine.ErrShutdown):
		return "shutdown"
	case errors.Is(reason, engine.ErrNormal):
		return "normal"
	default:
		return "abnormal"
	}
}
