// Package apply implements the Apply Pipeline: the state machine that takes
// a validated batch to the editor and back.
//
//	Validated -> Enqueued -> Applying -> Succeeded | PartiallyFailed | Failed
//	PartiallyFailed -> RolledBack
//
// Thread-safety model:
//   - Submit, Approve, Reject, Rollback and Resume are safe from any goroutine
//   - each transaction is driven by its own goroutine; waiting for approval
//     or for a receipt is a cancellable select, never a busy loop
//   - state is persisted before it is audited and before the next
//     transition, so a restart resumes from the last recorded state
//
// INVARIANTS:
//   - at most one forward transaction per job (enforced by the store)
//   - transitions follow the table in state.go; anything else is refused
//   - a transaction leaves Enqueued or Applying only through a recorded
//     transition; cancellation moves it to Failed with reason "cancelled"
package apply
