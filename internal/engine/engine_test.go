package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenebridge/internal/apply"
	"github.com/roach88/scenebridge/internal/audit"
	"github.com/roach88/scenebridge/internal/ctxstore"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/queue"
	"github.com/roach88/scenebridge/internal/risk"
	"github.com/roach88/scenebridge/internal/store"
	"github.com/roach88/scenebridge/internal/testutil"
)

const (
	testContext = "p_1__s_abc__k_main"
	partPath    = "game/Workspace/Part"
	mainPath    = "game/ServerScriptService/Main"
	utilPath    = "game/ServerScriptService/Util"
)

func strp(s string) *string { return &s }

type fixture struct {
	e      *Engine
	st     *store.Store
	q      *queue.Queue
	ctxs   *ctxstore.Store
	ledger *audit.Ledger
	ed     *testutil.ScriptedEditor
	clock  *testutil.Clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	st := testutil.OpenStore(t, clock)
	f := &fixture{
		st:     st,
		q:      queue.NewSQL(st, queue.WithClock(clock.Now), queue.WithIDs(ir.NewSequenceGenerator("job"))),
		ctxs:   ctxstore.New(ctxstore.WithClock(clock.Now)),
		ledger: audit.New(st),
		ed:     testutil.NewScriptedEditor(),
		clock:  clock,
	}

	_, err := f.ctxs.ApplyDelta(ctx, testContext, 0, ir.Delta{
		ContextID: testContext,
		Tree: ir.TreeDelta{Added: []ir.Node{
			{Path: "game/Workspace", ClassName: "Workspace", Name: "Workspace"},
			{Path: partPath, ClassName: "Part", Name: "Part"},
			{Path: mainPath, ClassName: "Script", Name: "Main"},
			{Path: utilPath, ClassName: "ModuleScript", Name: "Util"},
		}},
		Scripts: ir.ScriptDelta{Changed: []ir.ScriptEntry{
			{Path: mainPath, ClassName: "Script", Source: strp("print('hi')")},
		}},
	})
	require.NoError(t, err)

	cfg := apply.DefaultConfig()
	cfg.EditorBackoff = time.Millisecond
	base := []Option{
		WithClock(clock.Now),
		WithIDs(ir.NewSequenceGenerator("tx")),
		WithApplyConfig(cfg),
	}
	f.e = New(st, f.q, f.ctxs, f.ledger, f.ed, append(base, opts...)...)
	t.Cleanup(f.e.Close)
	return f
}

func (f *fixture) job(t *testing.T) ir.Job {
	t.Helper()
	job, err := f.e.CreateJob(context.Background(), JobRequest{
		ContextID: testContext,
		Prompt:    "anchor the part",
		Hints:     []string{mainPath},
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) respond(t *testing.T, jobID string, resp any) {
	t.Helper()
	raw, ok := resp.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(resp)
		require.NoError(t, err)
	}
	_, err := f.q.WriteResponse(context.Background(), jobID, raw)
	require.NoError(t, err)
}

func (f *fixture) process(t *testing.T) int {
	t.Helper()
	n, err := f.e.ProcessResponses(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) ack(t *testing.T, jobID string) ir.Ack {
	t.Helper()
	ack, err := f.q.Ack(context.Background(), jobID)
	require.NoError(t, err)
	return ack
}

func (f *fixture) errors(t *testing.T, jobID string) []ir.ErrorRecord {
	t.Helper()
	recs, err := f.q.Errors(context.Background(), jobID)
	require.NoError(t, err)
	return recs
}

func anchor(jobID string) ir.Response {
	return ir.Response{
		JobID: jobID,
		OK:    true,
		Actions: []ir.Action{
			ir.NewAction(partPath, &ir.SetProperty{Property: "Anchored", Value: json.RawMessage(`true`)}),
		},
	}
}

type resyncRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *resyncRecorder) RequestResync(contextID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, contextID)
}

func TestCreateJobCarriesContext(t *testing.T) {
	f := newFixture(t)

	job := f.job(t)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, testContext, job.ContextID)
	assert.Equal(t, int64(1), job.ContextVersion)
	assert.Equal(t, "edit", job.Intent)
	assert.Equal(t, testutil.Epoch.Add(queue.DefaultTTL), job.ExpiresAt)
	assert.Equal(t, string(risk.ProfilePower), job.Policy.RiskProfile)
	assert.NotEmpty(t, job.Capabilities.Actions)
	assert.Contains(t, job.Context.Missing, utilPath)

	entries, err := f.ledger.ForJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.AuditJobCreated, entries[0].Kind)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.e.CreateJob(ctx, JobRequest{Prompt: "x"})
	assert.True(t, ir.IsCode(err, ir.CodeSchemaInvalid))

	pending, err := f.q.PendingJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "no job bound to a zero scope")

	_, err = f.e.CreateJob(ctx, JobRequest{ContextID: testContext})
	assert.True(t, ir.IsCode(err, ir.CodeSchemaInvalid))

	job, err := f.e.CreateJob(ctx, JobRequest{
		Scope:  ir.Scope{PlaceID: 1, SessionID: "abc", ProjectKey: "main"},
		Prompt: "x",
		TTL:    time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, testContext, job.ContextID)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), job.ExpiresAt)
}

func TestAcceptedResponseIsQueuedThenApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t)

	f.respond(t, job.ID, anchor(job.ID))
	assert.Equal(t, 1, f.process(t))

	ack := f.ack(t, job.ID)
	assert.True(t, ack.OK)
	assert.Equal(t, ir.OutcomeQueued, ack.Outcome)
	assert.Equal(t, "tx-1", ack.TransactionID)

	f.e.Settle(ctx)
	tx, err := f.st.LoadTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, ir.TxSucceeded, tx.State)

	v, ok := f.ed.Property(partPath, "Anchored")
	require.True(t, ok)
	assert.JSONEq(t, `true`, string(v))
	assert.Empty(t, f.errors(t, job.ID))

	polled, err := f.q.PollResponses(ctx)
	require.NoError(t, err)
	assert.Empty(t, polled, "response consumed")
}

func TestHashConflictLeavesJobPending(t *testing.T) {
	resync := &resyncRecorder{}
	f := newFixture(t, WithResyncer(resync))
	job := f.job(t)

	resp := ir.Response{JobID: job.ID, OK: true, Actions: []ir.Action{{
		Kind:         ir.KindEditScript,
		Path:         mainPath,
		ExpectedHash: "sha1:0000000000000000000000000000000000000000",
		Payload:      &ir.EditScript{Mode: ir.EditReplace, Source: strp("print('bye')")},
	}}}
	f.respond(t, job.ID, resp)
	assert.Equal(t, 1, f.process(t))

	_, err := f.q.Ack(context.Background(), job.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound, "job stays pending")

	recs := f.errors(t, job.ID)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, ir.CodeHashConflict, rec.Code)
	assert.False(t, rec.Terminal)
	require.NotNil(t, rec.Rebase)
	assert.Equal(t, int64(1), rec.Rebase.CurrentVersion)
	want, _ := f.ctxs.ScriptFingerprint(testContext, mainPath)
	assert.Equal(t, want, rec.Rebase.Fingerprints[mainPath])
	assert.True(t, rec.Rebase.ResyncRequested)
	assert.Equal(t, []string{testContext}, resync.ids)
	assert.Empty(t, f.ed.Calls())
}

func TestVersionConflictThenRebasedResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t)

	_, err := f.ctxs.ApplyDelta(ctx, testContext, 1, ir.Delta{
		ContextID: testContext,
		Tree:      ir.TreeDelta{Updated: []ir.Node{{Path: partPath, ClassName: "Part", Name: "Part", Tags: []string{"x"}}}},
	})
	require.NoError(t, err)

	f.respond(t, job.ID, anchor(job.ID))
	f.process(t)

	recs := f.errors(t, job.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, ir.CodeVersionConflict, recs[0].Code)
	require.NotNil(t, recs[0].Rebase)
	assert.Equal(t, int64(2), recs[0].Rebase.CurrentVersion)
	assert.False(t, recs[0].Rebase.ResyncRequested)

	rebased := anchor(job.ID)
	rebased.ContextVersion = 2
	f.respond(t, job.ID, rebased)
	f.process(t)

	ack := f.ack(t, job.ID)
	assert.Equal(t, ir.OutcomeQueued, ack.Outcome)
	f.e.Settle(ctx)
}

func TestPolicyViolationIsTerminal(t *testing.T) {
	p := risk.DefaultPolicy()
	p.ProtectedRoots = []string{"game/Workspace"}
	f := newFixture(t, WithPolicy(p))
	job := f.job(t)

	f.respond(t, job.ID, anchor(job.ID))
	f.process(t)

	ack := f.ack(t, job.ID)
	assert.False(t, ack.OK)
	assert.Equal(t, ir.OutcomeRejected, ack.Outcome)
	assert.Equal(t, ir.CodePolicyViolation, ack.Code)

	recs := f.errors(t, job.ID)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Terminal)
	assert.NotEmpty(t, recs[0].Payload)
}

func TestExpiredJobRejectsLateResponse(t *testing.T) {
	f := newFixture(t)
	job := f.job(t)

	f.clock.Advance(queue.DefaultTTL + time.Second)
	f.respond(t, job.ID, anchor(job.ID))
	f.process(t)

	ack := f.ack(t, job.ID)
	assert.Equal(t, ir.OutcomeExpired, ack.Outcome)
	assert.Equal(t, "timeout", ack.Reason)

	var stale bool
	for _, rec := range f.errors(t, job.ID) {
		if !rec.Terminal && rec.Code == ir.CodeDuplicateResponse {
			stale = true
			assert.Equal(t, "stale/duplicate job", rec.Reason)
		}
	}
	assert.True(t, stale)
	assert.Empty(t, f.ed.Calls())
}

func TestSweepExpiresUnansweredJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t)

	ids, err := f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	f.clock.Advance(queue.DefaultTTL + time.Second)
	ids, err = f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)
	assert.Equal(t, ir.OutcomeExpired, f.ack(t, job.ID).Outcome)

	h, err := f.ledger.Reconstruct(ctx, job.ID)
	require.NoError(t, err)
	var kinds []ir.AuditKind
	for _, e := range h.Entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, ir.AuditJobExpired)
}

func TestDuplicateResponseAfterResolution(t *testing.T) {
	f := newFixture(t)
	job := f.job(t)

	f.respond(t, job.ID, anchor(job.ID))
	f.process(t)
	f.respond(t, job.ID, anchor(job.ID))
	f.process(t)

	recs := f.errors(t, job.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, ir.CodeDuplicateResponse, recs[0].Code)
	assert.False(t, recs[0].Terminal)
	f.e.Settle(context.Background())
	assert.Len(t, f.ed.Calls(), 1, "one transaction per job")
}

func TestAgentFailureAndNoop(t *testing.T) {
	f := newFixture(t)
	failed := f.job(t)
	noop := f.job(t)

	f.respond(t, failed.ID, ir.Response{JobID: failed.ID, OK: false, Errors: []string{"cannot find part"}})
	f.respond(t, noop.ID, ir.Response{JobID: noop.ID, OK: true, Summary: "nothing to do"})
	assert.Equal(t, 2, f.process(t))

	ack := f.ack(t, failed.ID)
	assert.Equal(t, ir.OutcomeFailed, ack.Outcome)
	assert.Equal(t, ir.CodeAgentFailure, ack.Code)
	assert.Equal(t, "cannot find part", ack.Reason)

	ack = f.ack(t, noop.ID)
	assert.True(t, ack.OK)
	assert.Equal(t, ir.OutcomeNoop, ack.Outcome)
	assert.Empty(t, f.errors(t, noop.ID))
}

func TestMalformedAndUnknownResponses(t *testing.T) {
	f := newFixture(t)
	job := f.job(t)

	f.respond(t, job.ID, []byte(`{not json`))
	f.respond(t, "job-99", anchor("job-99"))
	assert.Equal(t, 2, f.process(t))

	recs := f.errors(t, job.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, ir.CodeSchemaInvalid, recs[0].Code)
	assert.JSONEq(t, `"{not json"`, string(recs[0].Payload))

	_, err := f.q.Ack(context.Background(), job.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	unknown := f.errors(t, "job-99")
	require.Len(t, unknown, 1)
	assert.Equal(t, ir.CodeNotFound, unknown[0].Code)
}

func TestMismatchedJobIDIsRejected(t *testing.T) {
	f := newFixture(t)
	job := f.job(t)

	f.respond(t, job.ID, anchor("job-other"))
	f.process(t)

	recs := f.errors(t, job.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, ir.CodeSchemaInvalid, recs[0].Code)
}

func TestFailedTransactionSpawnsRepairJob(t *testing.T) {
	f := newFixture(t, WithRepairPolicy(apply.RepairPolicy{Enabled: true, MaxAttempts: 2}))
	ctx := context.Background()
	f.ed.FailPath(partPath, "instance is locked")
	job := f.job(t)

	f.respond(t, job.ID, anchor(job.ID))
	f.process(t)
	assert.Equal(t, ir.OutcomeQueued, f.ack(t, job.ID).Outcome)
	f.e.Settle(ctx)

	recs := f.errors(t, job.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, ir.CodeApplyFailed, recs[0].Code)
	assert.False(t, recs[0].Terminal, "the job already has its ack")

	pending, err := f.q.PendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	repair := pending[0]
	assert.Equal(t, "repair", repair.Intent)
	require.NotNil(t, repair.RepairOf)
	assert.Equal(t, job.ID, repair.RepairOf.JobID)
	assert.Equal(t, "tx-1", repair.RepairOf.TransactionID)
	assert.Equal(t, 1, repair.RepairOf.Attempt)
	assert.Contains(t, repair.Prompt, "instance is locked")
	require.NotNil(t, repair.Context.LastReceipt)
	assert.Equal(t, 1, repair.Context.LastReceipt.Failed)

	// The agent proposes the same batch again: the chain stops.
	f.respond(t, repair.ID, anchor(repair.ID))
	f.process(t)
	f.e.Settle(ctx)
	pending, err = f.q.PendingJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRepairDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ed.FailPath(partPath, "instance is locked")
	job := f.job(t)

	f.respond(t, job.ID, anchor(job.ID))
	f.process(t)
	f.e.Settle(ctx)

	pending, err := f.q.PendingJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Len(t, f.errors(t, job.ID), 1)
}

func TestReconcileFetchesMissingSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ed.SetSource(utilPath, "return {}")

	require.NoError(t, f.e.Reconcile(ctx))

	src, ok := f.ctxs.Source(testContext, utilPath)
	require.True(t, ok)
	assert.Equal(t, "return {}", src)
	assert.Equal(t, int64(2), f.ctxs.Version(testContext))
	assert.Empty(t, f.ctxs.Missing(testContext))

	// Nothing left to fetch: no new version.
	require.NoError(t, f.e.Reconcile(ctx))
	assert.Equal(t, int64(2), f.ctxs.Version(testContext))
}

func TestReconcileWithoutFetches(t *testing.T) {
	f := newFixture(t, WithReconcileFetches(0))
	f.ed.SetSource(utilPath, "return {}")

	require.NoError(t, f.e.Reconcile(context.Background()))
	assert.Equal(t, int64(1), f.ctxs.Version(testContext))
}

func TestDiagnostics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t)
	f.respond(t, job.ID, anchor(job.ID))
	f.process(t)
	f.e.Settle(ctx)

	other := f.job(t)
	f.respond(t, other.ID, []byte(`nope`))
	f.process(t)

	d, err := f.e.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Queue.Pending)
	assert.Equal(t, int64(1), d.Versions[testContext])
	assert.Equal(t, 1, d.Transactions[ir.TxSucceeded])
	assert.Equal(t, 1, d.ActionStats[ir.KindSetProperty])
	assert.NotEmpty(t, d.LastError)
	require.NotNil(t, d.LastErrorAt)
	assert.Positive(t, d.AuditHead)
	assert.Zero(t, d.AuditFailures)
}

func TestRunProcessesNudgedResponses(t *testing.T) {
	f := newFixture(t, WithIntervals(time.Hour, time.Hour, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.e.Run(ctx) }()

	job := f.job(t)
	f.respond(t, job.ID, anchor(job.ID))
	f.e.Nudge()

	require.Eventually(t, func() bool {
		tx, err := f.st.LoadTransaction(context.Background(), "tx-1")
		return err == nil && tx.State == ir.TxSucceeded
	}, 5*time.Second, 5*time.Millisecond)

	f.e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRedriveRerunsPreflight(t *testing.T) {
	resync := &resyncRecorder{}
	f := newFixture(t, WithResyncer(resync))
	ctx := context.Background()
	job := f.job(t)

	hash, ok := f.ctxs.ScriptFingerprint(testContext, mainPath)
	require.True(t, ok)
	f.respond(t, job.ID, ir.Response{JobID: job.ID, OK: true, Actions: []ir.Action{{
		Kind:         ir.KindEditScript,
		Path:         mainPath,
		ExpectedHash: hash,
		Payload:      &ir.EditScript{Mode: ir.EditReplace, Source: strp("print('bye')")},
	}}})
	f.process(t)
	f.e.Settle(ctx)

	tx, err := f.st.LoadTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, ir.TxSucceeded, tx.State)
	require.Len(t, f.ed.Calls(), 1)

	_, err = f.ctxs.ApplyDelta(ctx, testContext, f.ctxs.Version(testContext), ir.Delta{
		ContextID: testContext,
		Scripts: ir.ScriptDelta{Changed: []ir.ScriptEntry{
			{Path: mainPath, ClassName: "Script", Source: strp("print('edited in studio')")},
		}},
	})
	require.NoError(t, err)
	current, _ := f.ctxs.ScriptFingerprint(testContext, mainPath)
	require.NotEqual(t, hash, current)

	_, err = f.e.Redrive(ctx, "tx-1")
	ie, ok := ir.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, ir.CodeHashConflict, ie.Code)
	assert.Equal(t, "tx-1", ie.TxID)
	require.Len(t, ie.Conflicts, 1)
	assert.Equal(t, current, ie.Conflicts[0].Current)
	assert.Equal(t, []string{testContext}, resync.ids)

	f.e.Settle(ctx)
	assert.Len(t, f.ed.Calls(), 1, "stale edit never reaches the editor")
	_, err = f.st.LoadTransaction(ctx, "tx-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedriveAppliesCurrentPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.job(t)

	f.respond(t, job.ID, anchor(job.ID))
	f.process(t)
	f.e.Settle(ctx)

	again, err := f.e.Redrive(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", again.Redrives)
	assert.Equal(t, ir.TierSafe, again.Tier)
	assert.Equal(t, f.ctxs.Version(testContext), again.ContextVersion)
	f.e.Settle(ctx)
	assert.Len(t, f.ed.Calls(), 2)

	// The same actions under a policy that now protects their root.
	p := risk.DefaultPolicy()
	p.ProtectedRoots = []string{"game/Workspace"}
	g := newFixture(t, WithPolicy(p))
	require.NoError(t, g.st.CreateTransaction(ctx, ir.Transaction{
		ID: "tx-old", JobID: "job-old", ContextID: testContext, Tier: ir.TierSafe,
		State: ir.TxSucceeded, Protocol: ir.ProtocolVersion,
		Actions: anchor("job-old").Actions,
	}))
	_, err = g.e.Redrive(ctx, "tx-old")
	assert.True(t, ir.IsCode(err, ir.CodePolicyViolation), "got %v", err)
	assert.Empty(t, g.ed.Calls())
}
