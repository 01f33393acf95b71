// Package harness runs conformance scenarios against real pipelines.
//
// A scenario builds a topology, drives it step by step, and asserts on
// what the consumers received, how stages ended, and what the trace
// recorded.
//
// # Scenario Format
//
//	name: scenario_b
//	description: "rate limiter releases 3 per tick"
//	topology:
//	  name: limited
//	  stages:
//	    - {name: src, kind: list, items: [1, 2, 3, 4, 5, 6, 7, 8, 9, 10]}
//	    - {name: limiter, kind: ratelimit, events_per_second: 3}
//	    - {name: sink, kind: collect}
//	  subscriptions:
//	    - {consumer: limiter, producer: src, cancel: transient}
//	    - {consumer: sink, producer: limiter}
//	steps:
//	  - settle: true
//	    expect: [{type: count, stage: sink, count: 3}]
//	  - tick: 1
//	    expect: [{type: count, stage: sink, count: 6}]
//	assertions:
//	  - type: alive
//	    stage: limiter
//
// topology_dir may name a CUE topology package instead of an inline
// topology.
//
// # Steps
//
//   - settle: wait until no message is in flight
//   - tick: fire N ticks, settling after each
//   - await: wait for a collect stage to hold N events
//   - await_terminated: wait for a stage to terminate
//   - stop: stop a stage with normal, shutdown, or an abnormal reason
//   - ask: grant demand on a manual subscription
//   - cancel: cancel a subscription
//
// # Assertion Types
//
//   - received, count, batches: what a collect stage was handed
//   - max_batch, max_ask: demand window bounds, checked on the trace
//   - alive, terminated: a stage's state, terminated optionally by code
//   - trace_count: number of records of a kind
//
// # Deterministic Testing
//
// Ticks come from testutil.ManualTicks and the run ID is fixed, so a
// scenario that settles between steps observes the same state every run.
// Snapshot renders that state for golden comparison.
package harness
