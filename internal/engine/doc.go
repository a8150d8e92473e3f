// Package engine is the durable execution substrate for workflows.
//
// # Model
//
// A run is identified by its instance id and advances through generations.
// Each generation re-runs the registered workflow function from the top
// with the generation's input. Every activity the workflow schedules gets a
// position (seq) from a fresh Clock, so the k-th schedule of a generation
// is always seq k.
//
// # Replay
//
// Normal execution and replay follow the same path:
//
//	ScheduleWithRetry(seq k)
//	    │
//	    ├─ completion recorded at k  → resolve from history
//	    ├─ invocation recorded at k  → verify activity + input hash, dispatch
//	    └─ nothing recorded at k     → record invocation, dispatch
//
// A dispatched activity runs on the worker pool under retry.Do. Its
// outcome is written to activity_completions before the future resolves,
// so a completed activity is never executed again within its generation.
// An invocation recorded without a completion (crash mid-activity) is
// executed again; activities are idempotent, so at-least-once execution is
// safe.
//
// Scheduling something other than what history recorded at the same seq
// is a NonDeterminismError and fails the run.
//
// # Continuation
//
// ContinueAsNew deletes the generation's history and advances the run to
// generation+1 with the new input in a single transaction. A crash before
// the commit replays the old generation (all of it resolving from history);
// a crash after it starts the new one. History therefore never grows past
// one generation.
//
// # Invocation ids
//
// Invocation ids are content-addressed over (instance, generation, seq,
// activity, input) by package ident, so the same schedule always produces
// the same id.
package engine
