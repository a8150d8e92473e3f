// Package harness runs settlement scenarios end to end and checks the
// resulting workflow trace and ledger state.
//
// Each scenario seeds a fresh in-memory ledger, optionally injects store
// faults, drives one PaymentOrchestrator run through the real engine and
// activity executor, and records what the controller did: phase changes,
// scheduled activities, results it read, failures, fan-in waits and
// continuations.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	page_size: 2
//	max_attempts: 3
//	pending_items:
//	  - { id: p1, subject_id: 1, legal_entity_id: 7, amount: "50", is_due: true }
//	faults:
//	  - { op: ListDueUncalculated, times: 2 }
//	expect:
//	  status: Done
//	  generation: 1
//	  retry_delays: [1s, 2s]
//	assertions:
//	  - type: trace_contains
//	    action: CalculatePaymentsForLearner
//	    args: { subject_id: 1 }
//	  - type: final_state
//	    table: settlements
//	    where: { legal_entity_id: 7 }
//	    expect: { total_amount: "50" }
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - trace_contains: an activity was scheduled with matching input
//   - trace_order: activities were first scheduled in the given order
//   - trace_count: an activity was scheduled exactly N times
//   - final_state: a ledger or history row holds the expected values
//
// # Deterministic Testing
//
// The harness uses:
//   - a deterministic wall clock (testutil.DeterministicClock)
//   - sequential record ids (ident.SequentialGenerator)
//   - a recording sleeper, so backoff delays are observed, not waited
//   - an in-memory SQLite database, isolated per run
//
// Activities of a fan-out run concurrently, so the trace records only what
// the controller observes on its own goroutine. That makes traces identical
// across runs and suitable for golden file comparison.
package harness
