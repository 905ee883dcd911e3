// Package eventlog records node execution traces in SQLite.
//
// A Log holds any number of runs. Each run gets a UUIDv7 id from
// StartRun; a Writer attached to the nodes as an engine.Observer appends
// one row per execution record (dispatch, rule, send, drop) in batches.
// Query reads rows back through a Filter, which is compiled to
// parameterized SQL with a fixed ORDER BY so results come back in the
// order they were observed.
//
// Tuples are stored as canonical JSON (ir.MarshalCanonical) and decoded
// on read, so a trace round-trips exactly.
package eventlog
