// Package sim provides deterministic virtual time and an in-memory network
// for running many nodes in one goroutine.
//
// Scheduler is a discrete-event scheduler: callbacks are kept in a B-tree
// ordered by (time, insertion sequence) and run one at a time, advancing
// the virtual clock to each callback's instant. Network models dynamic
// undirected links with fixed latency and seeded random loss; after every
// scheduler step it drains every attached endpoint, so a node processes
// what it received before virtual time moves on.
//
// Nothing here reads the wall clock or global randomness: the same
// scenario always produces the same execution.
package sim
