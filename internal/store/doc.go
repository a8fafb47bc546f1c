// Package store provides SQLite-backed durable state for scenebridge.
//
// The store holds:
//   - Context snapshots: the current snapshot per context, CBOR-encoded and
//     zstd-compressed, with every applied delta kept alongside
//   - Audit log: an append-only, hash-chained ledger
//   - Queue records: the collections of the SQL queue backend
//   - Transactions and receipts: apply pipeline state
//
// # Critical Patterns
//
// Monotonic versions
//   - A snapshot save only succeeds if it advances the stored version, so a
//     late or replayed writer can never regress a context
//
// Exactly-once markers
//   - Queue records are keyed by (collection, name) with ON CONFLICT DO
//     NOTHING; terminal acks rely on the affected-row count
//   - One forward transaction per job (partial UNIQUE index)
//
// Deterministic query results
//   - List queries order by a stable key with COLLATE BINARY tiebreaks
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
