// Package audit is the append-only, hash-chained record of everything the
// bridge decides: jobs created and resolved, responses accepted or
// rejected, transaction state changes, receipts, rollbacks and repairs.
//
// The ledger is read back for diagnostics (EntriesSince), to explain a job
// (Reconstruct) and to re-drive a past transaction (Transaction).
package audit
