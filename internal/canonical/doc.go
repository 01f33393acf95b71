// Package canonical provides deterministic JSON encoding and content hashes.
//
// Trace records and topology specs are identified by hashing their canonical
// encoding, so the same run replayed against the same topology produces the
// same record IDs. Event payloads are opaque to the engine; this package is
// where they become bytes.
package canonical
