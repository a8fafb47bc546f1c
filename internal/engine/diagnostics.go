package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/queue"
	"github.com/roach88/scenebridge/internal/risk"
	"github.com/roach88/scenebridge/internal/store"
)

// Diagnostics is a point-in-time view of the engine for operators.
type Diagnostics struct {
	Queue            queue.Stats           `json:"queue"`
	Versions         map[string]int64      `json:"versions"`
	Transactions     map[ir.TxState]int    `json:"transactions"`
	AwaitingApproval []string              `json:"awaitingApproval,omitempty"`
	ActionStats      map[ir.ActionKind]int `json:"actionStats,omitempty"`
	RepairChains     int                   `json:"repairChains"`
	LastError        string                `json:"lastError,omitempty"`
	LastErrorAt      *time.Time            `json:"lastErrorAt,omitempty"`
	AuditHead        int64                 `json:"auditHead"`
	AuditFailures    int                   `json:"auditFailures"`
	EventSeq         int64                 `json:"eventSeq"`
	PendingEvents    int                   `json:"pendingEvents"`
}

// Diagnostics gathers queue counts, context versions, transaction states
// and the last error seen.
func (e *Engine) Diagnostics(ctx context.Context) (Diagnostics, error) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return Diagnostics{}, fmt.Errorf("diagnostics: %w", err)
	}
	txs, err := e.st.CountTransactionsByState(ctx)
	if err != nil {
		return Diagnostics{}, fmt.Errorf("diagnostics: %w", err)
	}
	head, err := e.ledger.Head(ctx)
	if err != nil {
		return Diagnostics{}, fmt.Errorf("diagnostics: %w", err)
	}
	// A failing ledger is reported, not fatal.
	failures, _ := e.ledger.Failures()

	d := Diagnostics{
		Queue:            stats,
		Versions:         e.contexts.Versions(),
		Transactions:     txs,
		AwaitingApproval: e.pipeline.AwaitingApproval(),
		RepairChains:     e.repairs.Chains(),
		AuditHead:        head,
		AuditFailures:    failures,
		EventSeq:         e.clock.Current(),
		PendingEvents:    e.events.Len(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.actionStats) > 0 {
		d.ActionStats = make(map[ir.ActionKind]int, len(e.actionStats))
		for k, v := range e.actionStats {
			d.ActionStats[k] = v
		}
	}
	d.LastError = e.lastError
	if !e.lastErrorAt.IsZero() {
		at := e.lastErrorAt
		d.LastErrorAt = &at
	}
	return d, nil
}

// TransactionView is a transaction with its receipt, if one arrived.
type TransactionView struct {
	Transaction ir.Transaction `json:"transaction"`
	Receipt     *ir.Receipt    `json:"receipt,omitempty"`
}

// Transaction loads a transaction and its receipt.
func (e *Engine) Transaction(ctx context.Context, txID string) (TransactionView, error) {
	tx, err := e.st.LoadTransaction(ctx, txID)
	if err != nil {
		return TransactionView{}, err
	}
	view := TransactionView{Transaction: tx}
	r, err := e.st.LoadReceipt(ctx, txID)
	switch {
	case err == nil:
		view.Receipt = &r
	case !errors.Is(err, store.ErrNotFound):
		return TransactionView{}, err
	}
	return view, nil
}

// Redrive resubmits the actions of a settled transaction as a new one under
// the same job. Transactions still on their way to the editor are refused.
//
// The actions go through preflight again against the current context and
// policy. Only the version stage is satisfied by construction, since an
// operator re-drives against whatever the editor holds now; expectedHash
// checks still apply, and a mismatch yields HashConflict with the current
// fingerprints and a resync request to the editor.
func (e *Engine) Redrive(ctx context.Context, txID string) (ir.Transaction, error) {
	past, err := e.st.LoadTransaction(ctx, txID)
	if err != nil {
		return ir.Transaction{}, err
	}
	switch past.State {
	case ir.TxValidated, ir.TxEnqueued, ir.TxApplying:
		return ir.Transaction{}, ir.NewError(ir.CodePolicyViolation, "transaction %s is still %s", txID, past.State).WithTx(txID)
	}

	batch, err := e.validator.Preflight(risk.Request{
		JobID:          past.JobID,
		ContextID:      past.ContextID,
		ContextVersion: e.contexts.Version(past.ContextID),
		Actions:        past.Actions,
	})
	if err != nil {
		if ie, ok := ir.AsError(err); ok {
			if ie.Code == ir.CodeHashConflict && e.resync != nil {
				e.resync.RequestResync(past.ContextID)
			}
			e.logger.Warn("redrive refused", "tx", txID, "code", ie.Code, "reason", ie.Message)
			return ir.Transaction{}, ie.WithTx(txID)
		}
		return ir.Transaction{}, fmt.Errorf("redrive %s: %w", txID, err)
	}

	tx, err := e.pipeline.Redrive(ctx, past.ID, batch)
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("redrive %s: %w", txID, err)
	}
	e.logger.Info("transaction redriven", "tx", tx.ID, "of", txID, "job", tx.JobID, "tier", tx.Tier)
	return tx, nil
}
