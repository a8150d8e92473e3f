// Package store provides durable SQL storage for paysettle.
//
// One database holds two groups of relations:
//
//   - Ledger: pending_items, settled_amounts and settlements. The system of
//     record for payments, shared by every workflow instance.
//   - History: runs, activity_invocations and activity_completions. The
//     durable log the engine replays after a crash.
//
// # Idempotency
//
// Every write that may be repeated by a retry or a replay is guarded by a
// unique key:
//
//   - settled_amounts.pending_item_id is UNIQUE, so a pending item can be
//     converted into a payment once.
//   - pending_items are marked calculated with a conditional UPDATE, so the
//     transition false→true happens once.
//   - settled_amounts are claimed by a settlement with a conditional UPDATE,
//     so a payment is paid once.
//   - activity_invocations are UNIQUE per (instance_id, generation, seq) and
//     activity_completions UNIQUE per invocation_id.
//
// # Dialects
//
// SQLite (mattn/go-sqlite3) is the default and runs in WAL mode with a
// single writer connection. Postgres (jackc/pgx stdlib driver) is available
// for deployments where several processes share one ledger. Queries are
// written with ? placeholders and rebound per dialect.
package store
