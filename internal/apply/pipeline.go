package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/scenebridge/internal/audit"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/risk"
	"github.com/roach88/scenebridge/internal/store"
)

// Config holds the pipeline's timing and rollback settings.
type Config struct {
	// ApplyTimeout bounds how long a transaction may stay Applying,
	// retries included.
	ApplyTimeout time.Duration
	// ApprovalTimeout bounds the wait for operator approval. Zero waits
	// until the operator decides.
	ApprovalTimeout time.Duration
	// EditorRetries is how many times an unreachable editor is retried.
	EditorRetries int
	// EditorBackoff is the first retry delay; each retry doubles it.
	EditorBackoff time.Duration
	RollbackTiers RollbackTiers
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{
		ApplyTimeout:    2 * time.Minute,
		ApprovalTimeout: 30 * time.Minute,
		EditorRetries:   3,
		EditorBackoff:   500 * time.Millisecond,
		RollbackTiers:   DefaultRollbackTiers(),
	}
}

// Outcome is reported once a transaction stops moving on its own: it
// reached a terminal state, or PartiallyFailed with no automatic rollback.
type Outcome struct {
	Tx       ir.Transaction
	Receipt  *ir.Receipt
	Err      *ir.Error
	Rollback *ir.RollbackReport
}

// decision is an operator's answer to an approval request.
type decision struct {
	approved bool
	reason   string
}

// Pipeline drives transactions through the apply state machine.
// See the package documentation for the thread-safety model.
type Pipeline struct {
	st      *store.Store
	ledger  *audit.Ledger
	editor  Editor
	policy  risk.Policy
	cfg     Config
	sources func(contextID, path string) (string, bool)
	now     func() time.Time
	ids     ir.IDGenerator
	logger  *slog.Logger
	onDone  func(context.Context, Outcome)

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	waiting map[string]chan decision
	// busy counts transaction goroutines not suspended on approval.
	busy int
	idle *sync.Cond
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPolicy sets the policy used for auto-apply gating.
func WithPolicy(p risk.Policy) Option {
	return func(pl *Pipeline) { pl.policy = p }
}

// WithConfig sets timing and rollback settings.
func WithConfig(c Config) Option {
	return func(pl *Pipeline) { pl.cfg = c }
}

// WithSources sets the lookup used for editScript compensation when the
// receipt carries no prior source.
func WithSources(fn func(contextID, path string) (string, bool)) Option {
	return func(pl *Pipeline) { pl.sources = fn }
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// WithIDs sets the transaction id generator.
func WithIDs(g ir.IDGenerator) Option {
	return func(pl *Pipeline) { pl.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// WithOnDone installs the hook that receives every Outcome. It runs on the
// transaction's goroutine.
func WithOnDone(fn func(context.Context, Outcome)) Option {
	return func(pl *Pipeline) { pl.onDone = fn }
}

// New creates a pipeline. Close must be called to stop its goroutines.
func New(st *store.Store, ledger *audit.Ledger, editor Editor, opts ...Option) *Pipeline {
	p := &Pipeline{
		st:      st,
		ledger:  ledger,
		editor:  editor,
		policy:  risk.DefaultPolicy(),
		cfg:     DefaultConfig(),
		now:     time.Now,
		ids:     ir.UUIDv7Generator{},
		logger:  slog.Default(),
		waiting: make(map[string]chan decision),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.RollbackTiers == nil {
		p.cfg.RollbackTiers = DefaultRollbackTiers()
	}
	p.idle = sync.NewCond(&p.mu)
	p.base, p.cancel = context.WithCancel(context.Background())
	return p
}

// Close stops every transaction goroutine and waits for them. Transactions
// waiting for approval or a receipt keep their recorded state; Resume
// picks them up on the next start.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Wait blocks until every running transaction has settled or suspended.
// Intended for tests and one-shot commands.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.busy > 0 {
		p.idle.Wait()
	}
}

// releaseLocked marks one transaction goroutine as no longer busy.
func (p *Pipeline) releaseLocked() {
	p.busy--
	if p.busy == 0 {
		p.idle.Broadcast()
	}
}

// Submit records a validated batch as a transaction and starts driving it.
// It returns once the transaction is Enqueued; application continues in
// the background. A job that already has a transaction yields
// ir.CodeDuplicateResponse.
func (p *Pipeline) Submit(ctx context.Context, batch risk.ValidatedBatch) (ir.Transaction, error) {
	now := p.now().UTC()
	tx := ir.Transaction{
		ID:             p.ids.Generate(),
		JobID:          batch.JobID,
		ContextID:      batch.ContextID,
		ContextVersion: batch.ContextVersion,
		Tier:           batch.Tier,
		Actions:        batch.Actions,
		State:          ir.TxValidated,
		Protocol:       ir.ProtocolVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := p.create(ctx, tx)
	if err != nil {
		return ir.Transaction{}, err
	}
	p.start(tx)
	return tx, nil
}

// Redrive submits batch as a new transaction re-driving the past
// transaction pastID. batch must come from a fresh preflight of the past
// actions; its tier, not the past one, decides approval.
func (p *Pipeline) Redrive(ctx context.Context, pastID string, batch risk.ValidatedBatch) (ir.Transaction, error) {
	now := p.now().UTC()
	tx := ir.Transaction{
		ID:             p.ids.Generate(),
		JobID:          batch.JobID,
		ContextID:      batch.ContextID,
		ContextVersion: batch.ContextVersion,
		Tier:           batch.Tier,
		Actions:        batch.Actions,
		State:          ir.TxValidated,
		Protocol:       ir.ProtocolVersion,
		Redrives:       pastID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := p.create(ctx, tx)
	if err != nil {
		return ir.Transaction{}, err
	}
	p.start(tx)
	return tx, nil
}

// create persists tx as Validated and moves it to Enqueued.
func (p *Pipeline) create(ctx context.Context, tx ir.Transaction) (ir.Transaction, error) {
	if err := p.st.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return ir.Transaction{}, ir.WrapError(ir.CodeDuplicateResponse, err, "stale/duplicate job").WithJob(tx.JobID)
		}
		return ir.Transaction{}, fmt.Errorf("submit %s: %w", tx.JobID, err)
	}
	if err := p.record(ctx, tx, ""); err != nil {
		return ir.Transaction{}, err
	}
	return p.transition(ctx, tx, ir.TxEnqueued, "")
}

func (p *Pipeline) start(tx ir.Transaction) {
	p.mu.Lock()
	p.busy++
	p.mu.Unlock()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.releaseLocked()
			p.mu.Unlock()
		}()
		p.drive(tx)
	}()
}

// drive takes an Enqueued transaction to its outcome.
func (p *Pipeline) drive(tx ir.Transaction) {
	ctx := p.base
	if tx.Compensates == "" && !p.policy.AutoApplies(tx.Tier) {
		d, ok := p.awaitApproval(tx)
		if !ok {
			return
		}
		if !d.approved {
			ie := ir.NewError(ir.CodeCancelled, "%s", d.reason).WithJob(tx.JobID).WithTx(tx.ID)
			p.fail(ctx, tx, ReasonCancelled, ie, nil)
			return
		}
	}
	p.applyAndSettle(ctx, tx)
}

// awaitApproval suspends until the operator decides, the approval times
// out, or the pipeline closes. ok is false only on close.
func (p *Pipeline) awaitApproval(tx ir.Transaction) (decision, bool) {
	ch := make(chan decision, 1)
	p.mu.Lock()
	p.waiting[tx.ID] = ch
	p.releaseLocked()
	p.mu.Unlock()
	defer func() {
		// decide marks the goroutine busy again when it hands over a
		// decision; timeout and close do it here.
		p.mu.Lock()
		if _, ok := p.waiting[tx.ID]; ok {
			delete(p.waiting, tx.ID)
			p.busy++
		}
		p.mu.Unlock()
	}()

	p.logger.Info("awaiting approval", "tx", tx.ID, "job", tx.JobID, "tier", tx.Tier)

	var timeout <-chan time.Time
	if p.cfg.ApprovalTimeout > 0 {
		t := time.NewTimer(p.cfg.ApprovalTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case d := <-ch:
		return d, true
	case <-timeout:
		return decision{reason: "approval timed out"}, true
	case <-p.base.Done():
		return decision{}, false
	}
}

// Approve releases a transaction waiting for approval.
func (p *Pipeline) Approve(txID string) error {
	return p.decide(txID, decision{approved: true})
}

// Reject cancels a transaction waiting for approval.
func (p *Pipeline) Reject(txID, reason string) error {
	if reason == "" {
		reason = "rejected by operator"
	}
	return p.decide(txID, decision{reason: reason})
}

func (p *Pipeline) decide(txID string, d decision) error {
	p.mu.Lock()
	ch, ok := p.waiting[txID]
	if ok {
		delete(p.waiting, txID)
		p.busy++
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("decide %s: %w", txID, ErrUnknownTransaction)
	}
	ch <- d
	return nil
}

// AwaitingApproval returns the ids of transactions waiting for approval,
// sorted.
func (p *Pipeline) AwaitingApproval() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.waiting))
	for id := range p.waiting {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// applyAndSettle moves tx to Applying, calls the editor and records the
// result.
func (p *Pipeline) applyAndSettle(ctx context.Context, tx ir.Transaction) {
	tx, err := p.transition(ctx, tx, ir.TxApplying, "")
	if err != nil {
		p.logger.Error("transaction stalled", "tx", tx.ID, "job", tx.JobID, "error", err)
		return
	}
	receipt, err := p.callEditor(ctx, tx)
	if err != nil {
		if p.base.Err() != nil {
			// Shutting down: leave Applying for Resume.
			return
		}
		reason, ie := classifyEditorError(err)
		p.fail(ctx, tx, reason, ie.WithJob(tx.JobID).WithTx(tx.ID), nil)
		return
	}
	p.settle(ctx, tx, receipt)
}

// settle records a receipt and moves tx to the state it implies.
func (p *Pipeline) settle(ctx context.Context, tx ir.Transaction, receipt ir.Receipt) {
	receipt.TransactionID = tx.ID
	if receipt.JobID == "" {
		receipt.JobID = tx.JobID
	}
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = p.now().UTC()
	}
	if err := p.st.SaveReceipt(ctx, receipt); err != nil {
		p.logger.Error("save receipt failed", "tx", tx.ID, "error", err)
	}
	if _, err := p.ledger.RecordPayload(ctx, ir.AuditRecord{
		Kind:      ir.AuditReceipt,
		JobID:     tx.JobID,
		TxID:      tx.ID,
		ContextID: tx.ContextID,
	}, receipt); err != nil {
		return
	}

	ok, failed := countResults(tx, receipt)
	switch {
	case receipt.Rejected:
		reason := ReasonRejected
		if receipt.Error != "" {
			reason = ReasonRejected + ": " + receipt.Error
		}
		ie := ir.NewError(ir.CodeApplyFailed, "%s", reason).WithJob(tx.JobID).WithTx(tx.ID)
		p.fail(ctx, tx, ReasonRejected, ie, &receipt)

	case failed == 0:
		tx, err := p.transition(ctx, tx, ir.TxSucceeded, "")
		if err != nil {
			return
		}
		p.logger.Info("transaction applied", "tx", tx.ID, "job", tx.JobID, "actions", ok)
		p.done(ctx, Outcome{Tx: tx, Receipt: &receipt})

	case ok == 0:
		ie := ir.NewError(ir.CodeApplyFailed, "%s", ReasonAllFailed).WithJob(tx.JobID).WithTx(tx.ID)
		p.fail(ctx, tx, ReasonAllFailed, ie, &receipt)

	default:
		ie := ir.NewError(ir.CodePartialApplyFailure, "%d of %d actions failed", failed, ok+failed).
			WithJob(tx.JobID).WithTx(tx.ID)
		tx, err := p.transition(ctx, tx, ir.TxPartiallyFailed, ie.Message)
		if err != nil {
			return
		}
		p.logger.Warn("transaction partially failed", "tx", tx.ID, "job", tx.JobID, "ok", ok, "failed", failed)

		out := Outcome{Tx: tx, Receipt: &receipt, Err: ie}
		if tx.Compensates == "" && p.cfg.RollbackTiers.Eligible(tx.Tier) {
			var report *ir.RollbackReport
			tx, report = p.rollback(ctx, tx, receipt)
			out.Tx, out.Rollback = tx, report
		}
		p.done(ctx, out)
	}
}

// countResults counts succeeded and failed actions. An action the receipt
// does not mention counts as failed.
func countResults(tx ir.Transaction, r ir.Receipt) (ok, failed int) {
	seen := make(map[int]bool, len(r.Results))
	for _, res := range r.Results {
		if res.Index < 0 || res.Index >= len(tx.Actions) || seen[res.Index] {
			continue
		}
		seen[res.Index] = true
		if res.OK {
			ok++
		}
	}
	return ok, len(tx.Actions) - ok
}

func (p *Pipeline) fail(ctx context.Context, tx ir.Transaction, reason string, ie *ir.Error, receipt *ir.Receipt) {
	tx, err := p.transition(ctx, tx, ir.TxFailed, reason)
	if err != nil {
		return
	}
	p.logger.Error("transaction failed", "tx", tx.ID, "job", tx.JobID, "reason", reason, "code", ie.Code)
	p.done(ctx, Outcome{Tx: tx, Receipt: receipt, Err: ie})
}

func (p *Pipeline) done(ctx context.Context, out Outcome) {
	if p.onDone != nil {
		p.onDone(ctx, out)
	}
}

// callEditor applies tx with retries for an unreachable editor, all within
// ApplyTimeout.
func (p *Pipeline) callEditor(ctx context.Context, tx ir.Transaction) (ir.Receipt, error) {
	if p.cfg.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ApplyTimeout)
		defer cancel()
	}

	backoff := p.cfg.EditorBackoff
	for attempt := 0; ; attempt++ {
		receipt, err := p.editor.Apply(ctx, tx)
		if err == nil {
			return receipt, nil
		}
		if !ir.IsCode(err, ir.CodeEditorUnreachable) || attempt >= p.cfg.EditorRetries {
			return ir.Receipt{}, err
		}
		p.logger.Warn("editor unreachable, retrying", "tx", tx.ID, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ir.Receipt{}, ctx.Err()
		}
		backoff *= 2
	}
}

func classifyEditorError(err error) (string, *ir.Error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout, ir.WrapError(ir.CodeTimeout, err, "apply timed out")
	case ir.IsCode(err, ir.CodeEditorUnreachable):
		return ReasonUnreachable, ir.WrapError(ir.CodeEditorUnreachable, err, "editor unreachable after retries")
	}
	if e, ok := ir.AsError(err); ok {
		return e.Message, e
	}
	return ReasonUnreachable, ir.WrapError(ir.CodeEditorUnreachable, err, "apply failed")
}

// rollback dispatches a compensating transaction for the succeeded subset
// of tx. tx moves to RolledBack only if every succeeded action was
// compensated and the compensating transaction succeeded. A failed
// rollback is reported, never retried.
func (p *Pipeline) rollback(ctx context.Context, tx ir.Transaction, receipt ir.Receipt) (ir.Transaction, *ir.RollbackReport) {
	var lookup SourceLookup
	if p.sources != nil {
		lookup = func(path string) (string, bool) { return p.sources(tx.ContextID, path) }
	}
	comp := Compensate(tx, receipt, lookup)
	report := &ir.RollbackReport{
		Compensated:    comp.Compensated,
		NotCompensable: comp.NotCompensable,
	}
	if len(comp.Actions) == 0 {
		report.State = ir.TxFailed
		report.Errors = []string{"nothing compensable"}
		p.recordRollback(ctx, tx, report)
		return tx, report
	}

	now := p.now().UTC()
	ctx2 := ir.Transaction{
		ID:             p.ids.Generate(),
		JobID:          tx.JobID,
		ContextID:      tx.ContextID,
		ContextVersion: tx.ContextVersion,
		Tier:           tx.Tier,
		Actions:        comp.Actions,
		State:          ir.TxValidated,
		Protocol:       ir.ProtocolVersion,
		Compensates:    tx.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	report.TransactionID = ctx2.ID

	rtx, err := p.create(ctx, ctx2)
	if err == nil {
		rtx, err = p.transition(ctx, rtx, ir.TxApplying, "")
	}
	if err != nil {
		report.State = ir.TxFailed
		report.Errors = []string{err.Error()}
		p.recordRollback(ctx, tx, report)
		return tx, report
	}

	rr, err := p.callEditor(ctx, rtx)
	switch {
	case err != nil:
		reason, _ := classifyEditorError(err)
		rtx, _ = p.transition(ctx, rtx, ir.TxFailed, reason)
		report.Errors = []string{err.Error()}
	default:
		rr.TransactionID = rtx.ID
		rr.JobID = rtx.JobID
		if rr.ReceivedAt.IsZero() {
			rr.ReceivedAt = p.now().UTC()
		}
		if err := p.st.SaveReceipt(ctx, rr); err != nil {
			p.logger.Error("save receipt failed", "tx", rtx.ID, "error", err)
		}
		report.Errors = rr.Errors()
		ok, failed := countResults(rtx, rr)
		switch {
		case rr.Rejected || ok == 0:
			rtx, _ = p.transition(ctx, rtx, ir.TxFailed, ReasonRejected)
		case failed > 0:
			rtx, _ = p.transition(ctx, rtx, ir.TxFailed, ReasonCompensationPartial)
		default:
			rtx, _ = p.transition(ctx, rtx, ir.TxSucceeded, "")
		}
	}
	report.State = rtx.State
	p.recordRollback(ctx, tx, report)

	if rtx.State == ir.TxSucceeded && len(comp.NotCompensable) == 0 {
		if rolled, err := p.transition(ctx, tx, ir.TxRolledBack, "compensated by "+rtx.ID); err == nil {
			tx = rolled
		}
	}
	return tx, report
}

func (p *Pipeline) recordRollback(ctx context.Context, tx ir.Transaction, report *ir.RollbackReport) {
	_, _ = p.ledger.RecordPayload(ctx, ir.AuditRecord{
		Kind:      ir.AuditRollback,
		JobID:     tx.JobID,
		TxID:      tx.ID,
		ContextID: tx.ContextID,
		Message:   string(report.State),
	}, report)
}

// Rollback compensates a PartiallyFailed transaction on operator request.
// It blocks until the compensating transaction settles.
func (p *Pipeline) Rollback(ctx context.Context, txID string) (*ir.RollbackReport, error) {
	tx, err := p.st.LoadTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", txID, ErrUnknownTransaction)
	}
	if tx.State != ir.TxPartiallyFailed {
		return nil, &TransitionError{TxID: txID, From: tx.State, To: ir.TxRolledBack}
	}
	receipt, err := p.st.LoadReceipt(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", txID, err)
	}
	_, report := p.rollback(ctx, tx, receipt)
	return report, nil
}

// transition validates, persists and audits a state change. The returned
// transaction carries the new state, or the old one if nothing was
// persisted.
func (p *Pipeline) transition(ctx context.Context, tx ir.Transaction, to ir.TxState, reason string) (ir.Transaction, error) {
	prev := tx
	from := tx.State
	if !CanTransition(from, to) {
		return prev, &TransitionError{TxID: tx.ID, From: from, To: to}
	}
	tx.State = to
	tx.Reason = reason
	tx.UpdatedAt = p.now().UTC()
	if err := p.st.UpdateTransaction(ctx, tx); err != nil {
		return prev, fmt.Errorf("transition %s %s -> %s: %w", tx.ID, from, to, err)
	}
	if err := p.record(ctx, tx, from); err != nil {
		// Persisted but not audited; the ledger escalates.
		return tx, err
	}
	p.logger.Debug("transaction state", "tx", tx.ID, "from", from, "to", to, "reason", reason)
	return tx, nil
}

func (p *Pipeline) record(ctx context.Context, tx ir.Transaction, from ir.TxState) error {
	msg := string(tx.State)
	if from != "" {
		msg = string(from) + " -> " + msg
	}
	_, err := p.ledger.RecordPayload(ctx, ir.AuditRecord{
		Kind:      ir.AuditTxState,
		JobID:     tx.JobID,
		TxID:      tx.ID,
		ContextID: tx.ContextID,
		Version:   tx.ContextVersion,
		Message:   msg,
	}, tx)
	return err
}

// Resume restarts transactions left in flight by a previous process:
// Validated and Enqueued ones are driven again; Applying ones settle from
// a stored receipt or fail as interrupted. It returns the number resumed.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	txs, err := p.st.TransactionsByState(ctx, ir.TxValidated, ir.TxEnqueued, ir.TxApplying)
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	for _, tx := range txs {
		switch tx.State {
		case ir.TxValidated:
			tx, err = p.transition(ctx, tx, ir.TxEnqueued, "")
			if err != nil {
				return 0, err
			}
			p.start(tx)
		case ir.TxEnqueued:
			p.start(tx)
		case ir.TxApplying:
			tx := tx
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				if r, err := p.st.LoadReceipt(p.base, tx.ID); err == nil {
					p.settle(p.base, tx, r)
					return
				}
				ie := ir.NewError(ir.CodeTimeout, "%s", ReasonInterrupted).WithJob(tx.JobID).WithTx(tx.ID)
				p.fail(p.base, tx, ReasonInterrupted, ie, nil)
			}()
		}
	}
	if len(txs) > 0 {
		p.logger.Info("resumed transactions", "count", len(txs))
	}
	return len(txs), nil
}
