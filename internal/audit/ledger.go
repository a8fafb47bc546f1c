package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/store"
)

// Ledger is the append-only audit log.
//
// A failed append is never swallowed: Record returns the error, logs it at
// Error level and hands it to the escalation hook. Callers treat it as a
// failure of the operation being audited.
//
// Thread-safety: Ledger is safe for concurrent use; the store serializes
// appends so the hash chain has no forks.
type Ledger struct {
	st       *store.Store
	logger   *slog.Logger
	escalate func(error)

	mu       sync.Mutex
	failures int
	lastErr  error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithEscalation installs a hook called with every failed append.
func WithEscalation(fn func(error)) Option {
	return func(lg *Ledger) { lg.escalate = fn }
}

// New creates a ledger over st.
func New(st *store.Store, opts ...Option) *Ledger {
	l := &Ledger{st: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends rec and returns it with Seq, At and Hash assigned.
func (l *Ledger) Record(ctx context.Context, rec ir.AuditRecord) (ir.AuditRecord, error) {
	out, err := l.st.AppendAudit(ctx, rec)
	if err != nil {
		err = fmt.Errorf("audit %s job=%s tx=%s: %w", rec.Kind, rec.JobID, rec.TxID, err)
		l.mu.Lock()
		l.failures++
		l.lastErr = err
		l.mu.Unlock()
		l.logger.Error("audit append failed", "kind", rec.Kind, "job", rec.JobID, "tx", rec.TxID, "error", err)
		if l.escalate != nil {
			l.escalate(err)
		}
		return ir.AuditRecord{}, err
	}
	return out, nil
}

// RecordPayload is Record with payload marshalled from v.
func (l *Ledger) RecordPayload(ctx context.Context, rec ir.AuditRecord, v any) (ir.AuditRecord, error) {
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return ir.AuditRecord{}, fmt.Errorf("audit %s: marshal payload: %w", rec.Kind, err)
		}
		rec.Payload = data
	}
	return l.Record(ctx, rec)
}

// Failures returns the number of failed appends and the most recent error.
func (l *Ledger) Failures() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures, l.lastErr
}

// Cursor positions a read. A zero Cursor reads from the start.
type Cursor struct {
	AfterSeq int64
	Since    time.Time
}

// EntriesSince returns entries after the cursor in ledger order.
func (l *Ledger) EntriesSince(ctx context.Context, c Cursor, limit int) ([]ir.AuditRecord, error) {
	return l.st.ReadAudit(ctx, store.AuditFilter{AfterSeq: c.AfterSeq, Since: c.Since, Limit: limit})
}

// ForJob returns every entry for a job in ledger order.
func (l *Ledger) ForJob(ctx context.Context, jobID string) ([]ir.AuditRecord, error) {
	return l.st.ReadAudit(ctx, store.AuditFilter{JobID: jobID})
}

// ForTransaction returns every entry for a transaction in ledger order.
func (l *Ledger) ForTransaction(ctx context.Context, txID string) ([]ir.AuditRecord, error) {
	return l.st.ReadAudit(ctx, store.AuditFilter{TxID: txID})
}

// Head returns the highest sequence number written.
func (l *Ledger) Head(ctx context.Context) (int64, error) {
	return l.st.LastAuditSeq(ctx)
}

// VerifyResult reports the outcome of a chain check.
type VerifyResult struct {
	Checked int64
	// BrokenAt is the seq of the first record whose hash does not chain,
	// or 0 when the chain is intact.
	BrokenAt int64
	Reason   string
}

// OK reports whether the chain is intact.
func (r VerifyResult) OK() bool { return r.BrokenAt == 0 }

// verifyBatch is the page size for Verify.
const verifyBatch = 500

// Verify walks the whole ledger and recomputes every hash.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	var res VerifyResult
	prev := ""
	var after int64
	for {
		recs, err := l.st.ReadAudit(ctx, store.AuditFilter{AfterSeq: after, Limit: verifyBatch})
		if err != nil {
			return res, fmt.Errorf("verify audit: %w", err)
		}
		for _, rec := range recs {
			res.Checked++
			if rec.PrevHash != prev {
				res.BrokenAt, res.Reason = rec.Seq, "prevHash does not match predecessor"
				return res, nil
			}
			h, err := ir.AuditHash(prev, rec)
			if err != nil {
				return res, fmt.Errorf("verify audit %d: %w", rec.Seq, err)
			}
			if h != rec.Hash {
				res.BrokenAt, res.Reason = rec.Seq, "hash does not match content"
				return res, nil
			}
			prev = rec.Hash
			after = rec.Seq
		}
		if len(recs) < verifyBatch {
			return res, nil
		}
	}
}
