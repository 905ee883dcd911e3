// Package relation implements the per-node tuple store.
//
// A Store holds one table per registered relation schema. Each table is a
// keyed mapping from the canonical encoding of a tuple's key projection to
// the full tuple, kept in a B-tree so scans are deterministic. Relations
// with a retention window also keep a second B-tree ordered by deadline.
//
// The store is not safe for concurrent use. A node serializes all access
// through its dispatcher, so no locking is done here.
//
// Every insert or delete that changes the store, including eviction by
// Sweep, is reported to the Sink exactly once.
package relation
