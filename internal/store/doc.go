// Package store provides SQLite-backed storage for pipeline trace logs.
//
// The store is an append-only log with:
//   - Runs: one row per pipeline run (topology name, topology hash, outcome)
//   - Trace records: every protocol transition recorded during a run
//
// Event payloads appear only inside events and drop records, as canonical
// JSON, for inspection. The store is not an event queue and nothing is ever
// re-delivered from it.
//
// # Critical Patterns
//
// Idempotent writes:
//   - Record IDs are content hashes (canonical.ID with DomainTraceRecord)
//   - UNIQUE(run_id, seq) plus ON CONFLICT DO NOTHING make rewrites no-ops
//
// Logical ordering:
//   - Reads order by seq ASC, id ASC COLLATE BINARY, never by wall time
//
// # Database Configuration
//
//   - WAL mode: concurrent reads (demandflow trace) during a run
//   - synchronous=NORMAL: balance durability and throughput
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: records must belong to a known run
package store
