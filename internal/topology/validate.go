package topology

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/demandflow/internal/dispatch"
	"github.com/roach88/demandflow/internal/engine"
)

// Validation error codes (E200-E299)
const (
	// Stage errors (E201-E209)
	ErrStageNameEmpty     = "E201" // stage name is required
	ErrDuplicateStage     = "E202" // two stages share a name
	ErrUnknownKind        = "E203" // kind is not a built-in
	ErrMissingParam       = "E204" // kind requires a parameter
	ErrInvalidDispatcher  = "E205" // dispatcher is unknown or misconfigured
	ErrInvalidDuration    = "E206" // interval or delay does not parse
	ErrInvalidStageOption = "E207" // buffer_size or on_exhausted invalid

	// Subscription errors (E210-E219)
	ErrUnknownStage      = "E210" // subscription names a missing stage
	ErrRoleMismatch      = "E211" // consumer cannot consume or producer cannot produce
	ErrSelfSubscription  = "E212" // consumer and producer are the same stage
	ErrDuplicatePair     = "E213" // the same pair subscribed twice
	ErrInvalidDemand     = "E214" // demand window is invalid
	ErrInvalidCancel     = "E215" // cancel mode unknown
	ErrInvalidPartitions = "E216" // partitions do not fit the dispatcher
	ErrTopologyNameEmpty = "E217" // topology name is required
	ErrNoStages          = "E218" // topology declares no stages
)

// ValidationError represents a semantic error in a topology.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors is every problem found in one topology.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// kindRoles maps built-in stage kinds to the role they play.
var kindRoles = map[string]engine.Role{
	"counter":     engine.RoleProducer,
	"range":       engine.RoleProducer,
	"list":        engine.RoleProducer,
	"ratelimit":   engine.RoleProducerConsumer,
	"passthrough": engine.RoleProducerConsumer,
	"collect":     engine.RoleConsumer,
	"log":         engine.RoleConsumer,
}

// Kinds lists the built-in stage kinds.
func Kinds() []string {
	return []string{"counter", "range", "list", "ratelimit", "passthrough", "collect", "log"}
}

// Validate checks a topology's semantics.
// Returns all errors found (does not fail-fast).
func Validate(spec *Spec) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(spec.Name) == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "topology name is required", Code: ErrTopologyNameEmpty})
	}
	if len(spec.Stages) == 0 {
		errs = append(errs, ValidationError{Field: "stages", Message: "at least one stage is required", Code: ErrNoStages})
	}

	stages := make(map[string]StageSpec)
	for i, st := range spec.Stages {
		errs = append(errs, validateStage(fmt.Sprintf("stages[%d]", i), st)...)
		if _, dup := stages[st.Name]; dup && st.Name != "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("stages[%d].name", i),
				Message: fmt.Sprintf("duplicate stage name: %q", st.Name),
				Code:    ErrDuplicateStage,
			})
			continue
		}
		stages[st.Name] = st
	}

	pairs := make(map[[2]string]bool)
	for i, sub := range spec.Subscriptions {
		field := fmt.Sprintf("subscriptions[%d]", i)
		errs = append(errs, validateSubscription(field, sub, stages)...)

		pair := [2]string{sub.Consumer, sub.Producer}
		if pairs[pair] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("%q is already subscribed to %q", sub.Consumer, sub.Producer),
				Code:    ErrDuplicatePair,
			})
		}
		pairs[pair] = true
	}

	return errs
}

func validateStage(field string, st StageSpec) []ValidationError {
	var errs []ValidationError
	add := func(sub, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field + sub, Message: fmt.Sprintf(format, args...), Code: code})
	}

	if strings.TrimSpace(st.Name) == "" {
		add(".name", ErrStageNameEmpty, "stage name is required")
	}
	role, ok := kindRoles[st.Kind]
	if !ok {
		add(".kind", ErrUnknownKind, "unknown stage kind %q (want one of %s)", st.Kind, strings.Join(Kinds(), ", "))
		return errs
	}

	switch st.Kind {
	case "range":
		if st.To == nil {
			add(".to", ErrMissingParam, "range requires to")
		}
	case "ratelimit":
		if st.EventsPerInterval <= 0 && st.EventsPerSecond <= 0 {
			add(".events_per_interval", ErrMissingParam, "ratelimit requires events_per_interval > 0")
		}
		if st.MaxBuffer < 0 {
			add(".max_buffer", ErrMissingParam, "max_buffer must be >= 0")
		}
	case "collect":
		if st.FailAfter < 0 {
			add(".fail_after", ErrMissingParam, "fail_after must be >= 0")
		}
	}

	if st.Interval != "" {
		if d, err := time.ParseDuration(st.Interval); err != nil || d <= 0 {
			add(".interval", ErrInvalidDuration, "interval must be a positive duration, got %q", st.Interval)
		}
	}
	if st.Delay != "" {
		if d, err := time.ParseDuration(st.Delay); err != nil || d < 0 {
			add(".delay", ErrInvalidDuration, "delay must be a non-negative duration, got %q", st.Delay)
		}
	}
	if st.BufferSize < 0 {
		add(".buffer_size", ErrInvalidStageOption, "buffer_size must be >= 0")
	}
	if _, err := engine.ParseExhaustPolicy(st.OnExhausted); err != nil {
		add(".on_exhausted", ErrInvalidStageOption, "%v", err)
	}

	if st.Dispatcher != nil {
		if role == engine.RoleConsumer {
			add(".dispatcher", ErrInvalidDispatcher, "%s stages take no dispatcher", st.Kind)
		} else {
			errs = append(errs, validateDispatcher(field+".dispatcher", st.Dispatcher)...)
		}
	}
	return errs
}

func validateDispatcher(field string, d *DispatcherSpec) []ValidationError {
	var errs []ValidationError
	add := func(sub, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field + sub, Message: fmt.Sprintf(format, args...), Code: ErrInvalidDispatcher})
	}

	kind, err := dispatch.ParseKind(d.Kind)
	if err != nil {
		add(".kind", "%v", err)
		return errs
	}
	if kind != dispatch.KindPartition {
		if d.Hash != "" || len(d.Partitions) > 0 || d.Unroutable != "" || d.Modulo != 0 || d.HoldLimit != 0 {
			add("", "hash, modulo, partitions, unroutable and hold_limit apply only to partition dispatchers")
		}
		return errs
	}

	switch d.Hash {
	case "":
		add(".hash", "partition dispatcher requires hash")
	case "modulo":
		if d.Modulo <= 0 {
			add(".modulo", "modulo hash requires modulo > 0")
		}
	default:
		if _, ok := hashes[d.Hash]; !ok {
			add(".hash", "unknown hash %q (want parity, modulo or identity)", d.Hash)
		}
	}
	seen := make(map[string]bool)
	for i, k := range d.Partitions {
		if seen[k] {
			add(fmt.Sprintf(".partitions[%d]", i), "duplicate partition %q", k)
		}
		seen[k] = true
	}
	if _, err := dispatch.ParseUnroutable(d.Unroutable); err != nil {
		add(".unroutable", "%v", err)
	}
	if d.HoldLimit < 0 {
		add(".hold_limit", "hold_limit must be > 0")
	}
	return errs
}

func validateSubscription(field string, sub SubscriptionSpec, stages map[string]StageSpec) []ValidationError {
	var errs []ValidationError
	add := func(sub, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field + sub, Message: fmt.Sprintf(format, args...), Code: code})
	}

	cons, consOK := stages[sub.Consumer]
	prod, prodOK := stages[sub.Producer]
	if !consOK {
		add(".consumer", ErrUnknownStage, "unknown stage %q", sub.Consumer)
	}
	if !prodOK {
		add(".producer", ErrUnknownStage, "unknown stage %q", sub.Producer)
	}
	if sub.Consumer == sub.Producer && sub.Consumer != "" {
		add("", ErrSelfSubscription, "stage %q cannot subscribe to itself", sub.Consumer)
	}
	if consOK {
		if r, ok := kindRoles[cons.Kind]; ok && r == engine.RoleProducer {
			add(".consumer", ErrRoleMismatch, "stage %q is a %s and cannot consume", cons.Name, r)
		}
	}
	if prodOK {
		if r, ok := kindRoles[prod.Kind]; ok && r == engine.RoleConsumer {
			add(".producer", ErrRoleMismatch, "stage %q is a %s and cannot produce", prod.Name, r)
		}
	}

	if sub.MinDemand < 0 || sub.MaxDemand < 0 {
		add("", ErrInvalidDemand, "demand must be >= 0")
	} else if sub.MaxDemand > 0 && sub.MinDemand >= sub.MaxDemand {
		add(".min_demand", ErrInvalidDemand, "min_demand (%d) must be < max_demand (%d)", sub.MinDemand, sub.MaxDemand)
	} else if sub.MaxDemand == 0 && sub.MinDemand >= engine.DefaultMaxDemand {
		add(".min_demand", ErrInvalidDemand, "min_demand (%d) must be < default max_demand (%d)", sub.MinDemand, engine.DefaultMaxDemand)
	}
	if _, err := engine.ParseCancelMode(sub.Cancel); err != nil {
		add(".cancel", ErrInvalidCancel, "%v", err)
	}

	if len(sub.Partitions) > 0 && prodOK {
		d := prod.Dispatcher
		if d == nil || d.Kind != "partition" {
			add(".partitions", ErrInvalidPartitions, "producer %q does not use a partition dispatcher", prod.Name)
		} else if len(d.Partitions) > 0 {
			for _, k := range sub.Partitions {
				if !slices.Contains(d.Partitions, k) {
					add(".partitions", ErrInvalidPartitions, "partition %q is not declared by %q", k, prod.Name)
				}
			}
		}
	}
	return errs
}

