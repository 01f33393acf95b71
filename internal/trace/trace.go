// Package trace is the pipeline's instrumentation hook.
//
// The engine calls Sink.Record on every protocol transition: subscribe, ask,
// events, cancel, terminate, drop, tick and exhausted. Sinks are injected;
// nothing is traced implicitly.
//
// Records are stamped with a sequence number from the pipeline's logical
// clock before they reach the sink. Stages run concurrently, so a sink may
// observe records out of seq order; sort by Seq for a total order.
package trace

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Kind identifies a protocol transition.
type Kind string

const (
	KindSubscribe Kind = "subscribe"
	KindAsk       Kind = "ask"
	KindEvents    Kind = "events"
	KindCancel    Kind = "cancel"
	KindTerminate Kind = "terminate"
	KindDrop      Kind = "drop"
	KindTick      Kind = "tick"
	KindExhausted Kind = "exhausted"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindSubscribe, KindAsk, KindEvents, KindCancel,
	KindTerminate, KindDrop, KindTick, KindExhausted,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// Record is one protocol transition.
//
// Stage is the stage that performed the transition. Peer is the other end of
// the subscription, when there is one: for events it is the receiving
// consumer, for ask it is the producer being asked.
type Record struct {
	Seq            int64  `json:"seq"`
	RunID          string `json:"run_id"`
	Kind           Kind   `json:"kind"`
	Stage          string `json:"stage"`
	Peer           string `json:"peer,omitempty"`
	SubscriptionID int64  `json:"subscription_id,omitempty"`
	Count          int    `json:"count,omitempty"`
	Events         []any  `json:"events,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Sink receives trace records. Implementations must be safe for concurrent
// use; every stage goroutine records directly.
type Sink interface {
	Record(r Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record)

// Record calls f(r).
func (f SinkFunc) Record(r Record) { f(r) }

// Nop discards records.
type Nop struct{}

// Record does nothing.
func (Nop) Record(Record) {}

// Multi fans records out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	flat := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			flat = append(flat, s)
		}
	}
	switch len(flat) {
	case 0:
		return Nop{}
	case 1:
		return flat[0]
	}
	return multi(flat)
}

type multi []Sink

func (m multi) Record(r Record) {
	for _, s := range m {
		s.Record(r)
	}
}

// LogSink forwards records to slog at Debug level. Drops are logged at Warn.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record logs r.
func (s *LogSink) Record(r Record) {
	level := slog.LevelDebug
	if r.Kind == KindDrop {
		level = slog.LevelWarn
	}
	attrs := []any{
		"seq", r.Seq,
		"kind", string(r.Kind),
		"stage", r.Stage,
	}
	if r.Peer != "" {
		attrs = append(attrs, "peer", r.Peer)
	}
	if r.SubscriptionID != 0 {
		attrs = append(attrs, "subscription", r.SubscriptionID)
	}
	if r.Count != 0 {
		attrs = append(attrs, "count", r.Count)
	}
	if r.Reason != "" {
		attrs = append(attrs, "reason", r.Reason)
	}
	s.logger.Log(context.Background(), level, "trace", attrs...)
}

// Memory keeps every record in memory. Used by tests and the scenario harness.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory creates an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Record stores r.
func (m *Memory) Record(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

// Records returns a copy of all records sorted by Seq.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	out := slices.Clone(m.records)
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

// Filter returns records of kind k, optionally restricted to one stage.
// An empty stage matches every stage.
func (m *Memory) Filter(k Kind, stage string) []Record {
	var out []Record
	for _, r := range m.Records() {
		if r.Kind == k && (stage == "" || r.Stage == stage) {
			out = append(out, r)
		}
	}
	return out
}

// Count returns len(Filter(k, stage)).
func (m *Memory) Count(k Kind, stage string) int {
	return len(m.Filter(k, stage))
}

// Len returns the number of records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Reset discards all records.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}
