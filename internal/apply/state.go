package apply

import (
	"fmt"

	"github.com/roach88/scenebridge/internal/ir"
)

// transitions is the pipeline state machine.
var transitions = map[ir.TxState][]ir.TxState{
	ir.TxValidated:       {ir.TxEnqueued, ir.TxFailed},
	ir.TxEnqueued:        {ir.TxApplying, ir.TxFailed},
	ir.TxApplying:        {ir.TxSucceeded, ir.TxPartiallyFailed, ir.TxFailed},
	ir.TxPartiallyFailed: {ir.TxRolledBack},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to ir.TxState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for an illegal state change.
type TransitionError struct {
	TxID string
	From ir.TxState
	To   ir.TxState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transaction %s: illegal transition %s -> %s", e.TxID, e.From, e.To)
}

// Reasons recorded on failed transactions.
const (
	ReasonCancelled   = "cancelled"
	ReasonTimeout     = "timeout"
	ReasonRejected    = "rejected by editor"
	ReasonUnreachable = "editor unreachable"
	ReasonAllFailed   = "every action failed"
	ReasonInterrupted = "interrupted by restart"

	// ReasonCompensationPartial settles a compensating transaction that
	// only partly applied. Compensations are never rolled back themselves.
	ReasonCompensationPartial = "compensation partially applied"
)

// RollbackTiers says which tiers roll back automatically after a partial
// failure. Tiers not listed surface the partial receipt for the operator.
type RollbackTiers map[ir.RiskTier]bool

// DefaultRollbackTiers rolls back Safe and Normal batches. High batches
// were operator-approved and usually contain deletes, which cannot be
// compensated, so the operator decides.
func DefaultRollbackTiers() RollbackTiers {
	return RollbackTiers{ir.TierSafe: true, ir.TierNormal: true, ir.TierHigh: false}
}

// Eligible reports whether tier rolls back automatically.
func (r RollbackTiers) Eligible(tier ir.RiskTier) bool {
	return r[tier]
}
