package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/scenebridge/internal/apply"
	"github.com/roach88/scenebridge/internal/audit"
	"github.com/roach88/scenebridge/internal/ctxstore"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/queue"
	"github.com/roach88/scenebridge/internal/risk"
	"github.com/roach88/scenebridge/internal/store"
)

// Defaults.
const (
	DefaultPollInterval      = 250 * time.Millisecond
	DefaultSweepInterval     = time.Second
	DefaultReconcileInterval = 15 * time.Second
	// DefaultReconcileFetches bounds the sources fetched per reconcile pass.
	DefaultReconcileFetches = 16
	DefaultFetchTimeout     = 5 * time.Second
)

// Resyncer asks the editor for a fresh context export. The editor HTTP
// surface implements it.
type Resyncer interface {
	RequestResync(contextID string)
}

// Engine turns agent responses into transactions and runs the periodic
// sweep and reconcile tasks.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine; responses and
//     transaction outcomes are handled only there
//   - Nudge(), CreateJob(), Diagnostics(): safe from any goroutine
//   - Sweep() and Reconcile() run on their own tickers and touch only
//     concurrency-safe collaborators
//
// INVARIANTS:
//   - a job gets at most one Ack; every other verdict is a non-terminal
//     error record
//   - a response is consumed only after its verdict is durable, so a crash
//     mid-handling re-handles it on restart
type Engine struct {
	st        *store.Store
	queue     *queue.Queue
	contexts  *ctxstore.Store
	ledger    *audit.Ledger
	editor    apply.Editor
	validator *risk.Validator
	pipeline  *apply.Pipeline
	repairs   *apply.RepairGuard
	resync    Resyncer

	policy       risk.Policy
	applyCfg     apply.Config
	repairPolicy apply.RepairPolicy

	now    func() time.Time
	ids    ir.IDGenerator
	logger *slog.Logger
	clock  *Clock
	events *eventQueue

	pollInterval      time.Duration
	sweepInterval     time.Duration
	reconcileInterval time.Duration
	reconcileFetches  int
	fetchTimeout      time.Duration

	mu          sync.Mutex
	lastError   string
	lastErrorAt time.Time
	actionStats map[ir.ActionKind]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the risk policy.
func WithPolicy(p risk.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithApplyConfig sets the pipeline timing and rollback settings.
func WithApplyConfig(c apply.Config) Option {
	return func(e *Engine) { e.applyCfg = c }
}

// WithRepairPolicy sets the auto-repair policy.
func WithRepairPolicy(p apply.RepairPolicy) Option {
	return func(e *Engine) { e.repairPolicy = p }
}

// WithResyncer sets who is asked for a fresh export on a hash conflict.
func WithResyncer(r Resyncer) Option {
	return func(e *Engine) { e.resync = r }
}

// WithClock sets the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs sets the id generator for transactions.
func WithIDs(g ir.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIntervals sets the poll, sweep and reconcile periods. Zero keeps the
// default.
func WithIntervals(poll, sweep, reconcile time.Duration) Option {
	return func(e *Engine) {
		if poll > 0 {
			e.pollInterval = poll
		}
		if sweep > 0 {
			e.sweepInterval = sweep
		}
		if reconcile > 0 {
			e.reconcileInterval = reconcile
		}
	}
}

// WithReconcileFetches sets how many missing sources one reconcile pass
// may fetch from the editor. Zero disables fetching.
func WithReconcileFetches(n int) Option {
	return func(e *Engine) { e.reconcileFetches = n }
}

// New wires an engine and its apply pipeline. Close must be called to stop
// the pipeline.
func New(
	st *store.Store,
	q *queue.Queue,
	contexts *ctxstore.Store,
	ledger *audit.Ledger,
	editor apply.Editor,
	opts ...Option,
) *Engine {
	e := &Engine{
		st:                st,
		queue:             q,
		contexts:          contexts,
		ledger:            ledger,
		editor:            editor,
		policy:            risk.DefaultPolicy(),
		applyCfg:          apply.DefaultConfig(),
		repairPolicy:      apply.DefaultRepairPolicy(),
		now:               time.Now,
		ids:               ir.UUIDv7Generator{},
		logger:            slog.Default(),
		clock:             NewClock(),
		events:            newEventQueue(),
		pollInterval:      DefaultPollInterval,
		sweepInterval:     DefaultSweepInterval,
		reconcileInterval: DefaultReconcileInterval,
		reconcileFetches:  DefaultReconcileFetches,
		fetchTimeout:      DefaultFetchTimeout,
		actionStats:       make(map[ir.ActionKind]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.validator = risk.NewValidator(e.policy, contexts)
	e.repairs = apply.NewRepairGuard(e.repairPolicy, e.now)
	e.pipeline = apply.New(st, ledger, editor,
		apply.WithPolicy(e.policy),
		apply.WithConfig(e.applyCfg),
		apply.WithSources(contexts.Source),
		apply.WithClock(e.now),
		apply.WithIDs(e.ids),
		apply.WithLogger(e.logger),
		apply.WithOnDone(e.onOutcome),
	)
	return e
}

// Pipeline returns the apply pipeline, for approval and rollback surfaces.
func (e *Engine) Pipeline() *apply.Pipeline { return e.pipeline }

// Validator returns the preflight validator.
func (e *Engine) Validator() *risk.Validator { return e.validator }

// Contexts returns the context store.
func (e *Engine) Contexts() *ctxstore.Store { return e.contexts }

// Queue returns the job queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Ledger returns the audit ledger.
func (e *Engine) Ledger() *audit.Ledger { return e.ledger }

// Nudge asks the Run loop to process responses now. Surfaces that write a
// response call it so the agent does not wait for the next poll tick.
func (e *Engine) Nudge() {
	e.events.Enqueue(Event{Type: EventTypePoll, Seq: e.clock.Next()})
}

// onOutcome is the pipeline's hook; it runs on a pipeline goroutine and
// hands the outcome to the Run loop.
func (e *Engine) onOutcome(ctx context.Context, o apply.Outcome) {
	if e.events.Enqueue(Event{Type: EventTypeOutcome, Seq: e.clock.Next(), Outcome: &o}) {
		return
	}
	// Loop stopped: record the outcome here so it is not lost.
	e.handleOutcome(ctx, o)
}

// Run starts the engine: it resumes interrupted transactions, starts the
// sweep and reconcile tickers, and processes responses and outcomes until
// ctx is cancelled or Stop is called.
//
// ERROR HANDLING: a failure handling one response or outcome is logged and
// the loop continues. An unconsumed response is retried on the next poll.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		"poll", e.pollInterval,
		"sweep", e.sweepInterval,
		"reconcile", e.reconcileInterval,
	)

	if _, err := e.pipeline.Resume(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	e.every(loopCtx, &wg, "sweep", e.sweepInterval, func(ctx context.Context) error {
		_, err := e.Sweep(ctx)
		return err
	})
	e.every(loopCtx, &wg, "reconcile", e.reconcileInterval, e.Reconcile)

	poll := time.NewTicker(e.pollInterval)
	defer poll.Stop()
	e.poll(ctx)

	for {
		if ev, ok := e.events.TryDequeue(); ok {
			e.process(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()

		case <-e.events.Wait():
			// The signal channel closes with the queue.
			if e.events.Closed() && e.events.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}

		case <-poll.C:
			e.poll(ctx)
		}
	}
}

// every runs fn on a ticker until ctx ends.
func (e *Engine) every(ctx context.Context, wg *sync.WaitGroup, name string, d time.Duration, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					e.logger.Error("periodic task failed", "task", name, "error", err)
					e.noteError(err)
				}
			}
		}
	}()
}

// Stop makes Run return once queued events are handled.
func (e *Engine) Stop() {
	e.events.Close()
}

// Close stops the pipeline. In-flight transactions keep their recorded
// state for the next start.
func (e *Engine) Close() {
	e.events.Close()
	e.pipeline.Close()
}

// ProcessEvents handles every queued event without blocking and returns
// how many it handled. For one-shot commands and tests that do not Run.
func (e *Engine) ProcessEvents(ctx context.Context) int {
	n := 0
	for {
		ev, ok := e.events.TryDequeue()
		if !ok {
			return n
		}
		e.process(ctx, ev)
		n++
	}
}

// Settle waits for every running transaction and then handles the
// resulting outcomes. Transactions waiting for approval do not hold it up.
func (e *Engine) Settle(ctx context.Context) int {
	e.pipeline.Wait()
	return e.ProcessEvents(ctx)
}

func (e *Engine) process(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventTypePoll:
		e.poll(ctx)
	case EventTypeOutcome:
		if ev.Outcome != nil {
			e.handleOutcome(ctx, *ev.Outcome)
		}
	default:
		logEventError(e.logger, ev, fmt.Errorf("unknown event type %d", ev.Type))
	}
}

func (e *Engine) poll(ctx context.Context) {
	if _, err := e.ProcessResponses(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("process responses", "error", err)
		e.noteError(err)
	}
}

// ProcessResponses handles every response currently in the queue and
// returns how many were consumed.
func (e *Engine) ProcessResponses(ctx context.Context) (int, error) {
	envs, err := e.queue.PollResponses(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, env := range envs {
		if err := e.handleResponse(ctx, env); err != nil {
			// Left in place; retried on the next poll.
			e.logger.Error("handle response", "job", env.JobID, "record", env.Name, "error", err)
			e.noteError(err)
			continue
		}
		if err := e.queue.ConsumeResponse(ctx, env); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// handleResponse decides what to do with one response. It returns an
// error only when the verdict could not be recorded.
func (e *Engine) handleResponse(ctx context.Context, env queue.Envelope) error {
	jobID := env.JobID
	log := e.logger.With("job", jobID)

	job, err := e.queue.Job(ctx, jobID)
	if err != nil {
		if !errors.Is(err, queue.ErrNotFound) {
			return err
		}
		return e.reject(ctx, jobID, ir.NewError(ir.CodeNotFound, "response for unknown job").WithJob(jobID), env.Raw, nil)
	}

	if _, err := e.queue.Ack(ctx, jobID); err == nil {
		log.Warn("response for resolved job")
		return e.reject(ctx, jobID, ir.NewError(ir.CodeDuplicateResponse, "stale/duplicate job").WithJob(jobID), env.Raw, nil)
	} else if !errors.Is(err, queue.ErrNotFound) {
		return err
	}

	if job.Expired(e.now()) {
		ack := ir.Ack{JobID: jobID, Outcome: ir.OutcomeExpired, Code: ir.CodeTimeout, Reason: "timeout"}
		ie := ir.NewError(ir.CodeTimeout, "response arrived after %s", job.ExpiresAt.UTC().Format(time.RFC3339)).WithJob(jobID)
		if err := e.resolve(ctx, ack, ie, env.Raw); err != nil && !errors.Is(err, queue.ErrAlreadyResolved) {
			return err
		}
		return e.reject(ctx, jobID, ir.NewError(ir.CodeDuplicateResponse, "stale/duplicate job").WithJob(jobID), env.Raw, nil)
	}

	resp, err := ir.DecodeResponse(env.Raw)
	if err == nil && resp.JobID != jobID {
		err = ir.NewError(ir.CodeSchemaInvalid, "response jobId %q does not match job %q", resp.JobID, jobID)
	}
	if err != nil {
		ie, ok := ir.AsError(err)
		if !ok {
			ie = ir.WrapError(ir.CodeSchemaInvalid, err, "decode response")
		}
		log.Warn("malformed response", "error", err)
		return e.reject(ctx, jobID, ie.WithJob(jobID), env.Raw, nil)
	}

	if !resp.OK {
		reason := "agent reported failure"
		if len(resp.Errors) > 0 {
			reason = resp.Errors[0]
		}
		ack := ir.Ack{JobID: jobID, Outcome: ir.OutcomeFailed, Code: ir.CodeAgentFailure, Reason: reason}
		return e.resolve(ctx, ack, ir.NewError(ir.CodeAgentFailure, "%s", reason).WithJob(jobID), env.Raw)
	}
	if len(resp.Actions) == 0 {
		log.Info("response without actions")
		return e.resolve(ctx, ir.Ack{JobID: jobID, OK: true, Outcome: ir.OutcomeNoop}, nil, nil)
	}

	version := job.ContextVersion
	if resp.ContextVersion > 0 {
		version = resp.ContextVersion
	}
	batch, err := e.validator.Preflight(risk.Request{
		JobID:          jobID,
		ContextID:      job.ContextID,
		ContextVersion: version,
		Actions:        resp.Actions,
		RiskScore:      resp.RiskScore,
	})
	if err != nil {
		return e.preflightFailed(ctx, job, version, resp, err, env.Raw)
	}

	tx, err := e.pipeline.Submit(ctx, batch)
	if err != nil {
		if !ir.IsCode(err, ir.CodeDuplicateResponse) {
			return err
		}
		// A transaction exists from before a restart; the job only lacks
		// its Ack.
		log.Warn("transaction already exists for job")
		return e.resolve(ctx, ir.Ack{JobID: jobID, OK: true, Outcome: ir.OutcomeQueued, Reason: "transaction already exists"}, nil, nil)
	}

	if _, err := e.ledger.RecordPayload(ctx, ir.AuditRecord{
		Kind:      ir.AuditResponseAccepted,
		JobID:     jobID,
		TxID:      tx.ID,
		ContextID: job.ContextID,
		Version:   batch.ContextVersion,
		Message:   string(batch.Tier),
	}, resp); err != nil {
		return err
	}
	e.countActions(resp.Actions)
	log.Info("response accepted", "tx", tx.ID, "tier", batch.Tier, "actions", len(batch.Actions))

	ack := ir.Ack{JobID: jobID, OK: true, Outcome: ir.OutcomeQueued, TransactionID: tx.ID}
	if err := e.resolve(ctx, ack, nil, nil); err != nil {
		if errors.Is(err, queue.ErrAlreadyResolved) {
			log.Error("job resolved while its transaction was submitted", "tx", tx.ID)
			return nil
		}
		return err
	}
	return nil
}

// preflightFailed records a preflight verdict. Rebaseable errors leave the
// job pending and hand the agent what it needs to correct itself; the rest
// resolve the job.
func (e *Engine) preflightFailed(ctx context.Context, job ir.Job, version int64, resp ir.Response, err error, raw []byte) error {
	ie, ok := ir.AsError(err)
	if !ok {
		return err
	}
	e.logger.Warn("preflight failed", "job", job.ID, "code", ie.Code, "reason", ie.Message)

	if !ie.Code.Rebaseable() {
		ack := ir.Ack{JobID: job.ID, Outcome: ir.OutcomeRejected, Code: ie.Code, Reason: ie.Message}
		return e.resolve(ctx, ack, ie, raw)
	}

	var rebase *ir.Rebase
	if ie.Code == ir.CodeHashConflict || ie.Code == ir.CodeVersionConflict {
		var paths []string
		if ie.Code == ir.CodeHashConflict {
			for _, c := range ie.Conflicts {
				paths = append(paths, c.Path)
			}
		} else {
			for _, a := range resp.Actions {
				paths = append(paths, a.Targets()...)
			}
		}
		rebase, err = e.contexts.Rebase(ctx, job.ContextID, version, paths...)
		if err != nil {
			e.logger.Warn("rebase payload incomplete", "job", job.ID, "error", err)
			rebase = &ir.Rebase{ContextID: job.ContextID, CurrentVersion: e.contexts.Version(job.ContextID)}
		}
		if ie.Code == ir.CodeHashConflict && e.resync != nil {
			e.resync.RequestResync(job.ContextID)
			rebase.ResyncRequested = true
		}
	}
	return e.reject(ctx, job.ID, ie, raw, rebase)
}

// reject writes a non-terminal error record for a response. The job, if
// pending, stays pending.
func (e *Engine) reject(ctx context.Context, jobID string, ie *ir.Error, raw []byte, rebase *ir.Rebase) error {
	rec := ir.ErrorRecord{
		JobID:   jobID,
		Code:    ie.Code,
		Reason:  ie.Message,
		Error:   ie,
		Rebase:  rebase,
		Payload: payloadOf(raw),
		At:      e.now().UTC(),
	}
	if err := e.queue.WriteError(ctx, rec); err != nil {
		return err
	}
	if _, err := e.ledger.RecordPayload(ctx, ir.AuditRecord{
		Kind:    ir.AuditResponseRejected,
		JobID:   jobID,
		Code:    ie.Code,
		Message: ie.Message,
	}, rec); err != nil {
		return err
	}
	e.noteError(ie)
	return nil
}

// resolve writes the job's Ack, the terminal error record when ie is set,
// and the audit entry.
func (e *Engine) resolve(ctx context.Context, ack ir.Ack, ie *ir.Error, raw []byte) error {
	if ack.At.IsZero() {
		ack.At = e.now().UTC()
	}
	if err := e.queue.WriteAck(ctx, ack); err != nil {
		return err
	}
	if ie != nil {
		rec := ir.ErrorRecord{
			JobID:    ack.JobID,
			Code:     ie.Code,
			Reason:   ie.Message,
			Terminal: true,
			Error:    ie,
			Payload:  payloadOf(raw),
			At:       ack.At,
		}
		if err := e.queue.WriteError(ctx, rec); err != nil {
			return err
		}
		e.noteError(ie)
		e.logger.Error("job failed", "job", ack.JobID, "code", ie.Code, "reason", ie.Message)
	}
	_, err := e.ledger.RecordPayload(ctx, ir.AuditRecord{
		Kind:    ir.AuditJobResolved,
		JobID:   ack.JobID,
		TxID:    ack.TransactionID,
		Code:    ack.Code,
		Message: ack.Outcome,
	}, ack)
	return err
}

// payloadOf keeps a raw record for diagnosis, quoting it when it is not
// valid JSON.
func payloadOf(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return quoted
}

// handleOutcome records a transaction that ended in error and, when the
// repair policy allows, asks the agent to fix it.
func (e *Engine) handleOutcome(ctx context.Context, o apply.Outcome) {
	tx := o.Tx
	if o.Err == nil {
		e.logger.Info("transaction settled", "tx", tx.ID, "job", tx.JobID, "state", tx.State)
		if tx.State == ir.TxSucceeded {
			if job, err := e.queue.Job(ctx, tx.JobID); err == nil {
				e.repairs.Clear(apply.RootOf(job))
			}
		}
		return
	}

	rec := ir.ErrorRecord{
		JobID:  tx.JobID,
		Code:   o.Err.Code,
		Reason: o.Err.Message,
		Error:  o.Err,
		At:     e.now().UTC(),
	}
	if o.Receipt != nil {
		if data, err := json.Marshal(o.Receipt); err == nil {
			rec.Payload = data
		}
	}
	if err := e.queue.WriteError(ctx, rec); err != nil {
		e.logger.Error("write error record", "job", tx.JobID, "tx", tx.ID, "error", err)
	}
	_, _ = e.ledger.RecordPayload(ctx, ir.AuditRecord{
		Kind:      ir.AuditError,
		JobID:     tx.JobID,
		TxID:      tx.ID,
		ContextID: tx.ContextID,
		Code:      o.Err.Code,
		Message:   o.Err.Message,
	}, rec)
	e.noteError(o.Err)

	if o.Err.Code == ir.CodeCancelled {
		return
	}
	e.repair(ctx, o)
}

// repair enqueues a repair job for a failed transaction if the guard
// allows it.
func (e *Engine) repair(ctx context.Context, o apply.Outcome) {
	tx := o.Tx
	job, err := e.queue.Job(ctx, tx.JobID)
	if err != nil {
		e.logger.Error("repair: load job", "job", tx.JobID, "error", err)
		return
	}
	root := apply.RootOf(job)
	digest, err := ir.ActionsDigest(root, tx.Actions)
	if err != nil {
		e.logger.Error("repair: digest", "job", tx.JobID, "error", err)
		return
	}
	if err := e.repairs.Allow(root, apply.AttemptOf(job), digest); err != nil {
		e.logger.Debug("no auto-repair", "job", tx.JobID, "reason", err)
		return
	}

	var hints []string
	for _, a := range tx.Actions {
		hints = append(hints, a.Targets()...)
	}
	jc, err := e.contexts.JobContext(ctx, tx.ContextID, tx.ContextVersion, hints...)
	if err != nil {
		e.logger.Error("repair: context", "job", tx.JobID, "error", err)
		return
	}
	next := apply.RepairJob(apply.RepairRequest{
		Failed:  job,
		Tx:      tx,
		Receipt: o.Receipt,
		Cause:   o.Err,
		Context: jc,
		Version: e.contexts.Version(tx.ContextID),
	})
	created, err := e.enqueue(ctx, next)
	if err != nil {
		e.logger.Error("repair: enqueue", "job", tx.JobID, "error", err)
		e.noteError(err)
		return
	}
	_, _ = e.ledger.Record(ctx, ir.AuditRecord{
		Kind:      ir.AuditRepair,
		JobID:     tx.JobID,
		TxID:      tx.ID,
		ContextID: tx.ContextID,
		Message:   created.ID,
	})
	e.logger.Info("repair job enqueued", "job", created.ID, "failed", tx.JobID, "attempt", created.RepairOf.Attempt)
}

// JobRequest is what a job is created from.
type JobRequest struct {
	Scope ir.Scope
	// ContextID overrides the id derived from Scope.
	ContextID string
	Intent    string
	Prompt    string
	// FromVersion is the last version the agent has seen; 0 for none.
	FromVersion int64
	// Hints are paths the prompt is about; their scripts lead the focus pack.
	Hints []string
	// TTL overrides the queue's default expiry.
	TTL time.Duration
}

// CreateJob builds a job carrying the current context payload, policy and
// capabilities, and enqueues it for the agent.
func (e *Engine) CreateJob(ctx context.Context, req JobRequest) (ir.Job, error) {
	contextID := req.ContextID
	if contextID == "" {
		if req.Scope == (ir.Scope{}) {
			return ir.Job{}, ir.NewError(ir.CodeSchemaInvalid, "job needs a contextId or scope")
		}
		contextID = req.Scope.ContextID()
	}
	if req.Prompt == "" {
		return ir.Job{}, ir.NewError(ir.CodeSchemaInvalid, "job needs a prompt")
	}
	intent := req.Intent
	if intent == "" {
		intent = "edit"
	}

	jc, err := e.contexts.JobContext(ctx, contextID, req.FromVersion, req.Hints...)
	if err != nil {
		return ir.Job{}, fmt.Errorf("create job: %w", err)
	}
	job := ir.Job{
		ContextID:      contextID,
		ContextVersion: e.contexts.Version(contextID),
		Intent:         intent,
		Prompt:         req.Prompt,
		Scope:          req.Scope,
		Context:        jc,
		Policy:         e.policy.JobPolicy(),
		Capabilities:   e.policy.Capabilities(),
	}
	if req.TTL > 0 {
		job.CreatedAt = e.now().UTC()
		job.ExpiresAt = job.CreatedAt.Add(req.TTL)
	}
	return e.enqueue(ctx, job)
}

func (e *Engine) enqueue(ctx context.Context, job ir.Job) (ir.Job, error) {
	job, err := e.queue.EnqueueJob(ctx, job)
	if err != nil {
		return ir.Job{}, err
	}
	if _, err := e.ledger.RecordPayload(ctx, ir.AuditRecord{
		Kind:      ir.AuditJobCreated,
		JobID:     job.ID,
		ContextID: job.ContextID,
		Version:   job.ContextVersion,
		Message:   job.Intent,
	}, job); err != nil {
		return job, err
	}
	e.logger.Info("job enqueued", "job", job.ID, "context", job.ContextID, "version", job.ContextVersion)
	return job, nil
}

// Sweep resolves expired jobs with reason "timeout" and audits each.
func (e *Engine) Sweep(ctx context.Context) ([]string, error) {
	ids, err := e.queue.SweepExpired(ctx, e.now())
	for _, id := range ids {
		if _, aerr := e.ledger.Record(ctx, ir.AuditRecord{
			Kind:    ir.AuditJobExpired,
			JobID:   id,
			Code:    ir.CodeTimeout,
			Message: "timeout",
		}); aerr != nil && err == nil {
			err = aerr
		}
	}
	if len(ids) > 0 {
		e.noteError(ir.NewError(ir.CodeTimeout, "%d job(s) expired", len(ids)))
	}
	return ids, err
}

// Reconcile re-derives the in-memory context from persisted state, then
// fetches a bounded number of missing script sources from the editor.
// It never overwrites newer state: reloads only move versions forward and
// fetched sources go through ApplyDelta like any other change.
func (e *Engine) Reconcile(ctx context.Context) error {
	refreshed, err := e.contexts.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if len(refreshed) > 0 {
		e.logger.Info("contexts reloaded", "contexts", refreshed)
	}
	if e.editor == nil || e.reconcileFetches <= 0 {
		return nil
	}

	versions := e.contexts.Versions()
	ids := make([]string, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	budget := e.reconcileFetches
	for _, id := range ids {
		if budget <= 0 || ctx.Err() != nil {
			break
		}
		missing := e.contexts.Missing(id)
		if len(missing) == 0 {
			continue
		}
		if len(missing) > budget {
			missing = missing[:budget]
		}
		budget -= len(missing)

		changed := e.fetchSources(ctx, id, missing)
		if len(changed) == 0 {
			continue
		}
		d := ir.Delta{ContextID: id, FromVersion: versions[id], Scripts: ir.ScriptDelta{Changed: changed}}
		v, err := e.contexts.ApplyDelta(ctx, id, versions[id], d)
		if err != nil {
			if ir.IsCode(err, ir.CodeVersionConflict) {
				// The editor got there first; try again next pass.
				e.logger.Debug("reconcile raced a delta", "context", id)
				continue
			}
			return fmt.Errorf("reconcile %s: %w", id, err)
		}
		e.logger.Info("missing sources fetched", "context", id, "scripts", len(changed), "version", v)
	}
	return nil
}

func (e *Engine) fetchSources(ctx context.Context, contextID string, paths []string) []ir.ScriptEntry {
	var out []ir.ScriptEntry
	for _, p := range paths {
		fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
		src, err := e.editor.FetchSource(fctx, contextID, p)
		cancel()
		if err != nil {
			if !ir.IsCode(err, ir.CodeNotFound) {
				e.logger.Debug("fetch source failed", "context", contextID, "path", p, "error", err)
			}
			continue
		}
		s := src
		out = append(out, ir.ScriptEntry{Path: p, Source: &s, Bytes: len(s)})
	}
	return out
}

func (e *Engine) countActions(actions []ir.Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range actions {
		e.actionStats[a.Kind]++
	}
}

func (e *Engine) noteError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = err.Error()
	e.lastErrorAt = e.now().UTC()
}

// logEventError logs an event handling failure with the event's context.
func logEventError(logger *slog.Logger, ev Event, err error) {
	attrs := []any{"event", ev.Type.String(), "seq", ev.Seq, "error", err}
	if ev.Outcome != nil {
		attrs = append(attrs, "tx", ev.Outcome.Tx.ID, "job", ev.Outcome.Tx.JobID)
	}
	logger.Error("event processing failed", attrs...)
}
