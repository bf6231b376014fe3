// Package dispatch runs a fill: it enumerates work items, admits them through
// a bounded gate, and invokes each one against a single shared session.
//
// The orchestrator is the only producer. For every item it blocks in
// Gate.Acquire, then starts the invocation in its own goroutine and moves on
// without waiting for it. Invocations release their slot on every exit path,
// so completion is only observed through the gate. After the last item the
// orchestrator drains the gate and closes the session exactly once.
//
// Error handling:
//   - Session open failure → fatal, nothing is dispatched
//   - Remote command reports errors → item failed, logged, run continues
//   - Transport error or timeout → item failed, logged, run continues
//   - Panic inside the session → item failed, logged, run continues
//   - ctx cancelled → no further admissions; outstanding items still drain
//
// There is no retry. Per-item outcomes are logged, published to an optional
// progress feed and handed to an optional Recorder; the dispatcher itself keeps
// only counters.
package dispatch
