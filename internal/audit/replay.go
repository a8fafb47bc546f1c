package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/scenebridge/internal/ir"
)

// TxHistory is the reconstructed life of one transaction.
type TxHistory struct {
	ID          string
	Compensates string
	Redrives    string
	States      []ir.TxState
	Receipt     *ir.Receipt
	Rollback    *ir.RollbackReport
	// Last is the transaction as last recorded.
	Last ir.Transaction
}

// JobHistory is what the ledger says happened to a job.
type JobHistory struct {
	JobID        string
	CreatedAt    time.Time
	Resolved     *ir.Ack
	Expired      bool
	Rejections   []ir.AuditRecord
	Transactions []*TxHistory
	Repairs      []string
	Entries      []ir.AuditRecord
}

// Reconstruct rebuilds the history of a job from its ledger entries.
// It returns ir.CodeNotFound when the ledger has nothing for the job.
func (l *Ledger) Reconstruct(ctx context.Context, jobID string) (JobHistory, error) {
	entries, err := l.ForJob(ctx, jobID)
	if err != nil {
		return JobHistory{}, fmt.Errorf("reconstruct %s: %w", jobID, err)
	}
	if len(entries) == 0 {
		return JobHistory{}, ir.NewError(ir.CodeNotFound, "no audit entries").WithJob(jobID)
	}

	h := JobHistory{JobID: jobID, Entries: entries}
	byTx := make(map[string]*TxHistory)
	txFor := func(id string) *TxHistory {
		if t, ok := byTx[id]; ok {
			return t
		}
		t := &TxHistory{ID: id}
		byTx[id] = t
		h.Transactions = append(h.Transactions, t)
		return t
	}

	for _, e := range entries {
		switch e.Kind {
		case ir.AuditJobCreated:
			h.CreatedAt = e.At
		case ir.AuditJobExpired:
			h.Expired = true
		case ir.AuditJobResolved:
			var ack ir.Ack
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &ack) == nil {
				h.Resolved = &ack
			}
		case ir.AuditResponseRejected:
			h.Rejections = append(h.Rejections, e)
		case ir.AuditRepair:
			h.Repairs = append(h.Repairs, e.Message)
		case ir.AuditRollback:
			if e.TxID == "" {
				continue
			}
			var rep ir.RollbackReport
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &rep) == nil {
				txFor(e.TxID).Rollback = &rep
			}
		case ir.AuditTxState:
			if e.TxID == "" {
				continue
			}
			t := txFor(e.TxID)
			var tx ir.Transaction
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &tx) == nil {
				t.Last = tx
				t.Compensates = tx.Compensates
				t.Redrives = tx.Redrives
				if n := len(t.States); n == 0 || t.States[n-1] != tx.State {
					t.States = append(t.States, tx.State)
				}
			}
		case ir.AuditReceipt:
			if e.TxID == "" {
				continue
			}
			var r ir.Receipt
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &r) == nil {
				txFor(e.TxID).Receipt = &r
			}
		}
	}
	return h, nil
}

// Transaction returns a transaction as last recorded in the ledger, which
// is what a re-drive resubmits.
func (l *Ledger) Transaction(ctx context.Context, txID string) (ir.Transaction, error) {
	entries, err := l.ForTransaction(ctx, txID)
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("audit transaction %s: %w", txID, err)
	}
	var (
		out   ir.Transaction
		found bool
	)
	for _, e := range entries {
		if e.Kind != ir.AuditTxState || len(e.Payload) == 0 {
			continue
		}
		var tx ir.Transaction
		if err := json.Unmarshal(e.Payload, &tx); err != nil {
			return ir.Transaction{}, fmt.Errorf("audit transaction %s seq %d: %w", txID, e.Seq, err)
		}
		out, found = tx, true
	}
	if !found {
		return ir.Transaction{}, ir.NewError(ir.CodeNotFound, "no recorded state").WithTx(txID)
	}
	return out, nil
}
