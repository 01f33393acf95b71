package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/demandflow/internal/canonical"
)

// marshalEvents converts an event batch to canonical JSON TEXT.
// Events the canonical encoder cannot represent are stored as their
// fmt.Sprint string: a trace write must never fail on an opaque payload.
func marshalEvents(events []any) string {
	if len(events) == 0 {
		return "[]"
	}
	parts := make([]string, len(events))
	for i, e := range events {
		parts[i] = string(canonical.MarshalLenient(e))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// unmarshalEvents parses stored events. Numbers decode through json.Number
// so integers above 2^53 survive: integral values become int64, the rest
// float64.
func unmarshalEvents(data string) ([]any, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	for i, v := range raw {
		raw[i] = canonical.NormalizeNumbers(v)
	}
	return raw, nil
}

// recordID is the content address of a trace record: its run, seq and kind.
func recordID(runID string, seq int64, kind string) (string, error) {
	return canonical.ID(canonical.DomainTraceRecord, map[string]any{
		"kind":   kind,
		"run_id": runID,
		"seq":    seq,
	})
}
