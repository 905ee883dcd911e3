// Package engine implements the per-node rule runtime.
//
// A protocol is described once as a RuleTable: relation schemas, event
// schemas, periodic triggers and rules, assembled with a Builder and
// checked by Builder.Build. Many Nodes then run the same table, each with
// its own address, relation store, inbox and timers.
//
// ARCHITECTURE:
//
// Single-Writer Dispatch:
// Each node processes its inbox one item at a time. Processing an item
// runs to completion before the next item is looked at, so the relation
// store needs no locking and rule order is reproducible.
//
// Event Processing Flow:
//  1. Messages, injected tuples and timer firings enter the inbox (FIFO,
//     safe for any goroutine)
//  2. The node dequeues one item and sweeps expired relation tuples
//  3. The item's event goes to the worklist
//  4. The worklist is drained breadth-first: every rule registered for the
//     event's (kind, tag) runs in declaration order; inserts, deletes and
//     SendLocal calls made by those rules append new events to the back
//  5. Send hands tuples to the transport; they re-enter some node's inbox
//     later, never the current pass
//
// Cascades are bounded by a per-item step quota (WithMaxSteps).
//
// Simulated runs call Drain after each scheduler event; live runs call
// Run in one goroutine per node.
//
// CRITICAL PATTERNS:
//
// Deterministic Scheduling:
// Rules for one trigger run in declaration order. Relation scans are in
// key order. Time and randomness come only from the injected scheduler
// and Rand.
//
// Log and Continue:
// A failing rule, a failed signature check or a malformed message is
// logged and dropped. One bad tuple never stops a node.
package engine
