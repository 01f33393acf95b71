package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/demandflow/internal/canonical"
	"github.com/roach88/demandflow/internal/engine"
	"github.com/roach88/demandflow/internal/trace"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string         // Assertion type for categorization
	Expected string         // Human-readable expected outcome
	Actual   string         // Human-readable actual outcome
	Trace    []trace.Record // Records of the stage under test, for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTrace:\n")
		for _, r := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", r.Seq, r.Kind, r.Stage)
			if r.Peer != "" {
				fmt.Fprintf(&buf, " -> %s", r.Peer)
			}
			fmt.Fprintf(&buf, " count=%d", r.Count)
			if r.Reason != "" {
				fmt.Fprintf(&buf, " reason=%q", r.Reason)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// involving returns the records a stage wrote or was the peer of.
func involving(records []trace.Record, stage string) []trace.Record {
	var out []trace.Record
	for _, r := range records {
		if r.Stage == stage || r.Peer == stage {
			out = append(out, r)
		}
	}
	return out
}

// eventsEqual compares event lists by canonical encoding, so YAML ints,
// CUE int64s and runtime ints compare equal.
func eventsEqual(a, b []engine.Event) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !canonical.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func formatEvents(events []engine.Event) string {
	return string(canonical.MarshalLenient(events))
}

func assertReceived(result *Result, a Assertion) error {
	got, ok := result.Received[a.Stage]
	if !ok {
		return fmt.Errorf("%q is not a collect stage", a.Stage)
	}
	if eventsEqual(got, a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertReceived,
		Expected: fmt.Sprintf("%s received %s", a.Stage, formatEvents(a.Events)),
		Actual:   formatEvents(got),
		Trace:    involving(result.Trace, a.Stage),
	}
}

func assertCount(result *Result, a Assertion) error {
	got, ok := result.Received[a.Stage]
	if !ok {
		return fmt.Errorf("%q is not a collect stage", a.Stage)
	}
	if len(got) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertCount,
		Expected: fmt.Sprintf("%s received %d events", a.Stage, a.Count),
		Actual:   fmt.Sprintf("%d events", len(got)),
	}
}

func assertBatches(result *Result, a Assertion) error {
	got, ok := result.Batches[a.Stage]
	if !ok {
		return fmt.Errorf("%q is not a collect stage", a.Stage)
	}
	equal := len(got) == len(a.Batches)
	for i := 0; equal && i < len(got); i++ {
		equal = eventsEqual(got[i], a.Batches[i])
	}
	if equal {
		return nil
	}
	return &AssertionError{
		Type:     AssertBatches,
		Expected: fmt.Sprintf("%s batches %s", a.Stage, canonical.MarshalLenient(a.Batches)),
		Actual:   string(canonical.MarshalLenient(got)),
		Trace:    involving(result.Trace, a.Stage),
	}
}

// assertMaxBatch checks every events record delivered to the stage.
func assertMaxBatch(result *Result, a Assertion) error {
	for _, r := range result.Trace {
		if r.Kind == trace.KindEvents && r.Peer == a.Stage && r.Count > a.Count {
			return &AssertionError{
				Type:     AssertMaxBatch,
				Expected: fmt.Sprintf("batches to %s of at most %d", a.Stage, a.Count),
				Actual:   fmt.Sprintf("batch of %d at seq %d", r.Count, r.Seq),
				Trace:    involving(result.Trace, a.Stage),
			}
		}
	}
	return nil
}

func assertMaxAsk(result *Result, a Assertion) error {
	for _, r := range result.Trace {
		if r.Kind == trace.KindAsk && r.Stage == a.Stage && r.Count > a.Count {
			return &AssertionError{
				Type:     AssertMaxAsk,
				Expected: fmt.Sprintf("asks by %s of at most %d", a.Stage, a.Count),
				Actual:   fmt.Sprintf("ask of %d at seq %d", r.Count, r.Seq),
				Trace:    involving(result.Trace, a.Stage),
			}
		}
	}
	return nil
}

func assertAlive(result *Result, a Assertion) error {
	out, ok := result.Stages[a.Stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", a.Stage)
	}
	if out.Alive {
		return nil
	}
	return &AssertionError{
		Type:     AssertAlive,
		Expected: fmt.Sprintf("%s alive", a.Stage),
		Actual:   fmt.Sprintf("terminated: %s", out.Reason),
		Trace:    involving(result.Trace, a.Stage),
	}
}

func assertTerminated(result *Result, a Assertion) error {
	out, ok := result.Stages[a.Stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", a.Stage)
	}
	switch {
	case out.Alive:
		return &AssertionError{
			Type:     AssertTerminated,
			Expected: fmt.Sprintf("%s terminated", a.Stage),
			Actual:   "alive",
			Trace:    involving(result.Trace, a.Stage),
		}
	case a.Code != "" && out.Code != a.Code:
		return &AssertionError{
			Type:     AssertTerminated,
			Expected: fmt.Sprintf("%s terminated with %s", a.Stage, a.Code),
			Actual:   fmt.Sprintf("%s (%s)", out.Code, out.Reason),
			Trace:    involving(result.Trace, a.Stage),
		}
	}
	return nil
}

// assertTraceCount checks if exactly Count records match.
func assertTraceCount(result *Result, a Assertion) error {
	count := 0
	for _, r := range result.Trace {
		if string(r.Kind) != a.Kind {
			continue
		}
		if a.Stage != "" && r.Stage != a.Stage {
			continue
		}
		if a.Peer != "" && r.Peer != a.Peer {
			continue
		}
		count++
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d %s records (stage=%q peer=%q)", a.Count, a.Kind, a.Stage, a.Peer),
		Actual:   fmt.Sprintf("%d records", count),
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertReceived:
			err = assertReceived(result, a)
		case AssertCount:
			err = assertCount(result, a)
		case AssertBatches:
			err = assertBatches(result, a)
		case AssertMaxBatch:
			err = assertMaxBatch(result, a)
		case AssertMaxAsk:
			err = assertMaxAsk(result, a)
		case AssertAlive:
			err = assertAlive(result, a)
		case AssertTerminated:
			err = assertTerminated(result, a)
		case AssertTraceCount:
			err = assertTraceCount(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}
