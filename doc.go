// Package tendril is a fine-grained reactive engine: writeable signals that
// record who reads them, computeds that lazily (or eagerly) recompute, and
// effects that re-run whenever a signal they read during their last run
// changes.
//
// The model is single-threaded and cooperative. All propagation happens
// synchronously inside SetValue unless a batch or a flush Strategy defers it.
// Deferred executors (debounce timers, scheduler strategies, tasks launched
// with Go) deliver back through a per-context entry lock, so they interleave
// with user calls instead of racing them.
//
// Every piece of tracking state lives in a Context. Contexts are fully
// isolated from each other: a signal can be shared between two contexts and
// each context still tracks and notifies its own subscribers independently.
// Bare reads and writes use the lazily created default context.
//
// Dependency tracking only covers synchronous execution. Work launched from
// an effect body with Go runs outside of tracking; reads performed inside a
// task never become dependencies of the effect that spawned it.
package tendril
