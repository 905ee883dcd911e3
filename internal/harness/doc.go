// Package harness runs declarative-networking scenarios on the simulator
// and checks what they leave behind. Plan.Run is deterministic for a given
// seed; Plan.RunRealtime runs the same plan on a live cluster.
//
// # Scenario Format
//
// Scenarios are YAML (decoded strictly) or CUE (unified with an embedded
// schema):
//
//	name: line_delivery
//	protocol: epidemic
//	duration: 10s
//	latency: 10ms
//	nodes: [10.0.0.1, 10.0.0.2, 10.0.0.3]
//	links:
//	  - [10.0.0.1, 10.0.0.2]
//	  - [10.0.0.2, 10.0.0.3]
//	steps:
//	  - at: 2s
//	    inject:
//	      node: 10.0.0.1
//	      tag: eMessageInjectOriginal
//	      attrs: {loc: 10.0.0.1, dst: 10.0.0.3}
//	  - at: 5s
//	    unlink: [10.0.0.1, 10.0.0.2]
//	expect:
//	  - type: received
//	    node: 10.0.0.3
//	    event: eMessageEnd
//	    count: 1
//
// Attribute values are typed by the tag's schema; addresses are written
// dotted and lists as sequences.
//
// # Expectations
//
//   - contains: some tuple of a relation matches where
//   - absent: no tuple matches
//   - count: exactly count tuples match
//   - received: an event was received (count times, when given)
//
// Node narrows a check to one node; otherwise matches are summed over
// all nodes.
package harness
