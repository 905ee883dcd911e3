// Package algebra provides the relational operators that rule bodies are
// built from: Select, Project, Assign and Join.
//
// A rule body is a Pipeline: an ordered list of steps applied to the
// triggering tuple. The working set starts as that one tuple; Join may
// expand it into many, Select may drop them, Assign appends a computed
// attribute to each and Project reshapes each into an output tuple.
//
// Pipelines are checked once, before any node runs them. Check walks the
// steps with the attribute types of the trigger and reports unknown
// relations, unknown attributes, mismatched list lengths and type errors
// as a *ValidationError. At run time the only failures left are the
// data-dependent ones (a function given a value it cannot handle).
//
// This package does not know about nodes, timers or the network. Relation
// access and function application are reached through the Relations and
// Functions interfaces.
package algebra
