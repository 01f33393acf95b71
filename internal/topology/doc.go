// Package topology declares pipelines as data.
//
// A topology names its stages, each with a built-in kind, and the
// subscriptions between them. Topologies are written in CUE (a package
// with a top-level `topology` field) and checked against the embedded
// #Topology schema, or embedded in YAML scenarios.
//
// Built-in stage kinds:
//
//	counter      producer   infinite integers starting at from
//	range        producer   integers from..to inclusive, then exhausted
//	list         producer   the given items, then exhausted
//	ratelimit    producer_consumer   at most events_per_interval per interval
//	passthrough  producer_consumer   forwards every batch unchanged
//	collect      consumer   records what it receives (optional delay, fail_after)
//	log          consumer   logs every batch
//
// Built-in partition hashes for partition dispatchers:
//
//	parity    "even" / "odd" for integer events
//	modulo    event mod N as a decimal string
//	identity  the event itself as a string
//
// Load and Compile parse, Validate checks semantics, and Build turns a Spec
// into an engine.Pipeline that is ready to Start.
package topology
