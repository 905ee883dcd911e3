// Package live runs nodes concurrently against a clock.
//
// Each node gets its own goroutine running engine.Node.Run; timers and
// link latency are driven by a benbjohnson/clock Clock, the real one in
// production and clock.Mock in tests. Unlike package sim, execution order
// across nodes is not deterministic.
package live
