// Package protocols groups the rule tables that run on the engine.
//
// Each subpackage exposes Register, which declares its relations, events,
// periodic triggers and rules on an engine.Builder, and Table, which
// builds a stand-alone RuleTable:
//
//   - discovery: beacon-based neighbour discovery
//   - epidemic: gossip delivery with summary-vector anti-entropy
//   - pathvector: signed path-vector routing with policy relations
package protocols
