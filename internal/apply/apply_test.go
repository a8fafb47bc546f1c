package apply

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenebridge/internal/audit"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/risk"
	"github.com/roach88/scenebridge/internal/store"
	"github.com/roach88/scenebridge/internal/testutil"
)

func setProp(path, value string) ir.Action {
	return ir.NewAction(path, &ir.SetProperty{Property: "Anchored", Value: json.RawMessage(value)})
}

// allOK answers every action with success and a prior value of false.
func allOK(tx ir.Transaction) (ir.Receipt, error) {
	r := ir.Receipt{TransactionID: tx.ID}
	for i := range tx.Actions {
		r.Results = append(r.Results, ir.ActionResult{
			Index:    i,
			OK:       true,
			Previous: &ir.PriorState{Value: json.RawMessage(`false`)},
		})
	}
	return r, nil
}

// failing answers with the listed indexes failed.
func failing(idx ...int) func(ir.Transaction) (ir.Receipt, error) {
	return func(tx ir.Transaction) (ir.Receipt, error) {
		r, _ := allOK(tx)
		for _, i := range idx {
			r.Results[i] = ir.ActionResult{Index: i, OK: false, Error: "no such instance"}
		}
		return r, nil
	}
}

func unreachable(ir.Transaction) (ir.Receipt, error) {
	return ir.Receipt{}, ir.NewError(ir.CodeEditorUnreachable, "connection refused")
}

type fakeEditor struct {
	mu     sync.Mutex
	calls  []ir.Transaction
	script []func(ir.Transaction) (ir.Receipt, error)
	block  bool
}

func (f *fakeEditor) Apply(ctx context.Context, tx ir.Transaction) (ir.Receipt, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, tx)
	fn := allOK
	if n < len(f.script) {
		fn = f.script[n]
	}
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ir.Receipt{}, ctx.Err()
	}
	return fn(tx)
}

func (f *fakeEditor) FetchSource(context.Context, string, string) (string, error) {
	return "", ir.NewError(ir.CodeNotFound, "no source")
}

func (f *fakeEditor) Calls() []ir.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ir.Transaction(nil), f.calls...)
}

type fixture struct {
	p        *Pipeline
	st       *store.Store
	ledger   *audit.Ledger
	outcomes chan Outcome
}

func newFixture(t *testing.T, ed Editor, cfg Config) *fixture {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	st := testutil.OpenStore(t, clock)
	f := &fixture{st: st, ledger: audit.New(st), outcomes: make(chan Outcome, 16)}
	f.p = New(st, f.ledger, ed,
		WithConfig(cfg),
		WithClock(clock.Now),
		WithIDs(ir.NewSequenceGenerator("tx")),
		WithOnDone(func(_ context.Context, o Outcome) { f.outcomes <- o }),
	)
	t.Cleanup(f.p.Close)
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EditorBackoff = time.Millisecond
	cfg.ApplyTimeout = 5 * time.Second
	return cfg
}

func (f *fixture) outcome(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-f.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
		return Outcome{}
	}
}

func (f *fixture) awaiting(t *testing.T, txID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range f.p.AwaitingApproval() {
			if id == txID {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)
}

func batch(jobID string, tier ir.RiskTier, actions ...ir.Action) risk.ValidatedBatch {
	return risk.ValidatedBatch{
		JobID:          jobID,
		ContextID:      "ctx1",
		ContextVersion: 3,
		Tier:           tier,
		Actions:        actions,
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ir.TxState
		want     bool
	}{
		{ir.TxValidated, ir.TxEnqueued, true},
		{ir.TxEnqueued, ir.TxApplying, true},
		{ir.TxEnqueued, ir.TxFailed, true},
		{ir.TxApplying, ir.TxSucceeded, true},
		{ir.TxApplying, ir.TxPartiallyFailed, true},
		{ir.TxPartiallyFailed, ir.TxRolledBack, true},
		{ir.TxValidated, ir.TxApplying, false},
		{ir.TxSucceeded, ir.TxRolledBack, false},
		{ir.TxFailed, ir.TxEnqueued, false},
		{ir.TxRolledBack, ir.TxApplying, false},
		{ir.TxEnqueued, ir.TxSucceeded, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCompensatePartialBatch(t *testing.T) {
	tx := ir.Transaction{
		ID: "t1",
		Actions: []ir.Action{
			setProp("game/Workspace/A", `true`),
			ir.NewAction("", &ir.CreateInstance{ParentPath: "game/Workspace", ClassName: "Part", Name: "P"}),
			ir.NewAction("game/Workspace/B", &ir.Rename{NewName: "C"}),
		},
	}
	r := ir.Receipt{Results: []ir.ActionResult{
		{Index: 0, OK: true, Previous: &ir.PriorState{Value: json.RawMessage(`false`)}},
		{Index: 1, OK: false, Error: "class not creatable"},
		{Index: 2, OK: true},
	}}

	c := Compensate(tx, r, nil)
	assert.Equal(t, []int{2, 0}, c.Compensated)
	assert.Empty(t, c.NotCompensable)
	require.Len(t, c.Actions, 2)

	assert.Equal(t, "game/Workspace/C", c.Actions[0].Path)
	assert.Equal(t, &ir.Rename{NewName: "B"}, c.Actions[0].Payload)

	assert.Equal(t, "game/Workspace/A", c.Actions[1].Path)
	assert.Equal(t, &ir.SetProperty{Property: "Anchored", Value: json.RawMessage(`false`)}, c.Actions[1].Payload)
}

func TestCompensateInverses(t *testing.T) {
	old := "print('old')"
	newSrc := "print('new')"
	lookup := func(path string) (string, bool) {
		if path == "game/S/Cached" {
			return "cached", true
		}
		return "", false
	}

	tests := []struct {
		name   string
		action ir.Action
		result ir.ActionResult
		want   *ir.Action
	}{
		{
			name:   "create deletes created path",
			action: ir.NewAction("", &ir.CreateInstance{ParentPath: "game/W", ClassName: "Part", Name: "P"}),
			result: ir.ActionResult{OK: true, CreatedPath: "game/W/P"},
			want:   ptr(ir.NewAction("game/W/P", &ir.DeleteInstance{})),
		},
		{
			name:   "clone without created path",
			action: ir.NewAction("game/W/P", &ir.CloneInstance{ParentPath: "game/W"}),
			result: ir.ActionResult{OK: true},
		},
		{
			name:   "move back to previous parent",
			action: ir.NewAction("game/W/P", &ir.Move{NewParentPath: "game/W/Folder"}),
			result: ir.ActionResult{OK: true},
			want:   ptr(ir.NewAction("game/W/Folder/P", &ir.Move{NewParentPath: "game/W"})),
		},
		{
			name:   "edit restores prior source",
			action: ir.NewAction("game/S/Main", &ir.EditScript{Mode: ir.EditReplace, Source: &newSrc}),
			result: ir.ActionResult{OK: true, Previous: &ir.PriorState{Source: &old}},
			want:   ptr(ir.NewAction("game/S/Main", &ir.EditScript{Mode: ir.EditReplace, Source: &old})),
		},
		{
			name:   "edit falls back to cached source",
			action: ir.NewAction("game/S/Cached", &ir.EditScript{Mode: ir.EditReplace, Source: &newSrc}),
			result: ir.ActionResult{OK: true},
			want:   ptr(ir.NewAction("game/S/Cached", &ir.EditScript{Mode: ir.EditReplace, Source: strPtr("cached")})),
		},
		{
			name:   "edit without prior source",
			action: ir.NewAction("game/S/Other", &ir.EditScript{Mode: ir.EditReplace, Source: &newSrc}),
			result: ir.ActionResult{OK: true},
		},
		{
			name:   "delete",
			action: ir.NewAction("game/W/P", &ir.DeleteInstance{}),
			result: ir.ActionResult{OK: true},
		},
		{
			name:   "setProperty without prior value",
			action: setProp("game/W/P", `true`),
			result: ir.ActionResult{OK: true},
		},
		{
			name:   "setTags",
			action: ir.NewAction("game/W/P", &ir.SetTags{Tags: []string{"x"}}),
			result: ir.ActionResult{OK: true, Previous: &ir.PriorState{Value: json.RawMessage(`["a","b"]`)}},
			want:   ptr(ir.NewAction("game/W/P", &ir.SetTags{Tags: []string{"a", "b"}})),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := ir.Transaction{Actions: []ir.Action{tt.action}}
			r := ir.Receipt{Results: []ir.ActionResult{tt.result}}
			c := Compensate(tx, r, lookup)
			if tt.want == nil {
				assert.Empty(t, c.Actions)
				assert.Equal(t, []int{0}, c.NotCompensable)
				return
			}
			require.Len(t, c.Actions, 1)
			assert.Equal(t, tt.want.Path, c.Actions[0].Path)
			assert.Equal(t, tt.want.Payload, c.Actions[0].Payload)
		})
	}
}

func ptr(a ir.Action) *ir.Action { return &a }

func strPtr(s string) *string { return &s }

func TestRepairGuard(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)

	off := NewRepairGuard(DefaultRepairPolicy(), clock.Now)
	err := off.Allow("j1", 1, "d1")
	require.Error(t, err)
	assert.True(t, IsRepairRefused(err))
	assert.Contains(t, err.Error(), "disabled")

	g := NewRepairGuard(RepairPolicy{Enabled: true, MaxAttempts: 2, Cooldown: 8 * time.Second}, clock.Now)
	require.NoError(t, g.Allow("j1", 1, "d1"))

	err = g.Allow("j1", 2, "d2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cooldown")

	clock.Advance(9 * time.Second)
	err = g.Allow("j1", 2, "d1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same batch")

	require.NoError(t, g.Allow("j1", 2, "d2"))

	clock.Advance(time.Minute)
	err = g.Allow("j1", 3, "d3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt limit 2")

	// Chains are independent.
	require.NoError(t, g.Allow("j2", 1, "d1"))
	assert.Equal(t, 2, g.Chains())

	g.Clear("j1")
	assert.Equal(t, 1, g.Chains())
}

func TestRepairJob(t *testing.T) {
	failed := ir.Job{
		ID:        "job-2",
		ContextID: "ctx1",
		Policy:    ir.JobPolicy{RiskProfile: "power"},
		RepairOf:  &ir.RepairRef{JobID: "job-1", Attempt: 1, RootJobID: "job-1"},
	}
	tx := ir.Transaction{ID: "tx-9", State: ir.TxPartiallyFailed}
	receipt := &ir.Receipt{TransactionID: "tx-9", Results: []ir.ActionResult{
		{Index: 0, OK: true},
		{Index: 1, OK: false, Error: "locked"},
	}}

	job := RepairJob(RepairRequest{Failed: failed, Tx: tx, Receipt: receipt, Version: 7})

	assert.Equal(t, "repair", job.Intent)
	assert.Equal(t, int64(7), job.ContextVersion)
	assert.Equal(t, "ctx1", job.ContextID)
	assert.Contains(t, job.Prompt, "Auto-repair failed tx tx-9.")
	assert.Contains(t, job.Prompt, "action 1: locked")
	assert.Contains(t, job.Prompt, "Original job: job-2")
	require.NotNil(t, job.RepairOf)
	assert.Equal(t, 2, job.RepairOf.Attempt)
	assert.Equal(t, "job-1", job.RepairOf.RootJobID)
	assert.Equal(t, "job-2", job.RepairOf.JobID)
	require.NotNil(t, job.Context.LastReceipt)
	assert.Equal(t, 1, job.Context.LastReceipt.Succeeded)
	assert.Equal(t, 1, job.Context.LastReceipt.Failed)
	assert.Equal(t, ir.TxPartiallyFailed, job.Context.LastReceipt.State)

	assert.Equal(t, "job-2", RootOf(ir.Job{ID: "job-2"}))
	assert.Equal(t, 1, AttemptOf(ir.Job{ID: "job-2"}))
}

func TestSummarizeReceiptCapsErrors(t *testing.T) {
	var r ir.Receipt
	for i := 0; i < 8; i++ {
		r.Results = append(r.Results, ir.ActionResult{Index: i, Error: "bad"})
	}
	s := SummarizeReceipt(r, ir.TxFailed)
	assert.Len(t, s.Errors, 5)
	assert.Equal(t, 8, s.Failed)
}

func TestPipelineAutoAppliesSafe(t *testing.T) {
	ctx := context.Background()
	ed := &fakeEditor{}
	f := newFixture(t, ed, testConfig())

	tx, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe, setProp("game/Workspace/A", `true`)))
	require.NoError(t, err)
	assert.Equal(t, ir.TxEnqueued, tx.State)

	o := f.outcome(t)
	assert.Equal(t, ir.TxSucceeded, o.Tx.State)
	assert.Nil(t, o.Err)
	require.NotNil(t, o.Receipt)
	assert.Equal(t, tx.ID, o.Receipt.TransactionID)

	stored, err := f.st.LoadTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.TxSucceeded, stored.State)

	entries, err := f.ledger.ForTransaction(ctx, tx.ID)
	require.NoError(t, err)
	var msgs []string
	for _, e := range entries {
		if e.Kind == ir.AuditTxState {
			msgs = append(msgs, e.Message)
		}
	}
	assert.Equal(t, []string{
		"validated",
		"validated -> enqueued",
		"enqueued -> applying",
		"applying -> succeeded",
	}, msgs)
}

func TestPipelineDuplicateJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeEditor{}, testConfig())

	_, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe, setProp("game/W/A", `true`)))
	require.NoError(t, err)
	_, err = f.p.Submit(ctx, batch("job-1", ir.TierSafe, setProp("game/W/A", `true`)))
	assert.True(t, ir.IsCode(err, ir.CodeDuplicateResponse))
}

func TestPipelineApproval(t *testing.T) {
	ctx := context.Background()

	t.Run("approve", func(t *testing.T) {
		ed := &fakeEditor{}
		f := newFixture(t, ed, testConfig())
		tx, err := f.p.Submit(ctx, batch("job-1", ir.TierNormal, setProp("game/W/A", `true`)))
		require.NoError(t, err)

		f.awaiting(t, tx.ID)
		assert.Empty(t, ed.Calls())
		require.NoError(t, f.p.Approve(tx.ID))

		o := f.outcome(t)
		assert.Equal(t, ir.TxSucceeded, o.Tx.State)
		assert.Len(t, ed.Calls(), 1)
	})

	t.Run("reject", func(t *testing.T) {
		ed := &fakeEditor{}
		f := newFixture(t, ed, testConfig())
		tx, err := f.p.Submit(ctx, batch("job-1", ir.TierHigh, ir.NewAction("game/W/A", &ir.DeleteInstance{})))
		require.NoError(t, err)

		f.awaiting(t, tx.ID)
		require.NoError(t, f.p.Reject(tx.ID, "not today"))

		o := f.outcome(t)
		assert.Equal(t, ir.TxFailed, o.Tx.State)
		assert.Equal(t, ReasonCancelled, o.Tx.Reason)
		assert.Equal(t, ir.CodeCancelled, o.Err.Code)
		assert.Contains(t, o.Err.Message, "not today")
		assert.Empty(t, ed.Calls())
	})

	t.Run("timeout", func(t *testing.T) {
		cfg := testConfig()
		cfg.ApprovalTimeout = 10 * time.Millisecond
		f := newFixture(t, &fakeEditor{}, cfg)
		_, err := f.p.Submit(ctx, batch("job-1", ir.TierNormal, setProp("game/W/A", `true`)))
		require.NoError(t, err)

		o := f.outcome(t)
		assert.Equal(t, ir.TxFailed, o.Tx.State)
		assert.Equal(t, ir.CodeCancelled, o.Err.Code)
		assert.Empty(t, f.p.AwaitingApproval())
	})

	t.Run("wait returns while suspended", func(t *testing.T) {
		f := newFixture(t, &fakeEditor{}, testConfig())
		tx, err := f.p.Submit(ctx, batch("job-1", ir.TierNormal, setProp("game/W/A", `true`)))
		require.NoError(t, err)

		f.awaiting(t, tx.ID)
		f.p.Wait()
		assert.Equal(t, []string{tx.ID}, f.p.AwaitingApproval())

		require.NoError(t, f.p.Approve(tx.ID))
		o := f.outcome(t)
		assert.Equal(t, ir.TxSucceeded, o.Tx.State)
		f.p.Wait()
	})

	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t, &fakeEditor{}, testConfig())
		assert.ErrorIs(t, f.p.Approve("nope"), ErrUnknownTransaction)
		assert.ErrorIs(t, f.p.Reject("nope", ""), ErrUnknownTransaction)
	})
}

func TestPipelineEditorRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers", func(t *testing.T) {
		ed := &fakeEditor{script: []func(ir.Transaction) (ir.Receipt, error){unreachable, unreachable}}
		f := newFixture(t, ed, testConfig())
		_, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe, setProp("game/W/A", `true`)))
		require.NoError(t, err)

		o := f.outcome(t)
		assert.Equal(t, ir.TxSucceeded, o.Tx.State)
		assert.Len(t, ed.Calls(), 3)
	})

	t.Run("gives up", func(t *testing.T) {
		cfg := testConfig()
		cfg.EditorRetries = 1
		ed := &fakeEditor{script: []func(ir.Transaction) (ir.Receipt, error){unreachable, unreachable, unreachable}}
		f := newFixture(t, ed, cfg)
		_, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe, setProp("game/W/A", `true`)))
		require.NoError(t, err)

		o := f.outcome(t)
		assert.Equal(t, ir.TxFailed, o.Tx.State)
		assert.Equal(t, ReasonUnreachable, o.Tx.Reason)
		assert.Equal(t, ir.CodeEditorUnreachable, o.Err.Code)
		assert.Len(t, ed.Calls(), 2)
	})

	t.Run("apply timeout", func(t *testing.T) {
		cfg := testConfig()
		cfg.ApplyTimeout = 20 * time.Millisecond
		f := newFixture(t, &fakeEditor{block: true}, cfg)
		_, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe, setProp("game/W/A", `true`)))
		require.NoError(t, err)

		o := f.outcome(t)
		assert.Equal(t, ir.TxFailed, o.Tx.State)
		assert.Equal(t, ReasonTimeout, o.Tx.Reason)
		assert.Equal(t, ir.CodeTimeout, o.Err.Code)
	})
}

func TestPipelineReceiptOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected outright", func(t *testing.T) {
		reject := func(tx ir.Transaction) (ir.Receipt, error) {
			return ir.Receipt{TransactionID: tx.ID, Rejected: true, Error: "protocol mismatch"}, nil
		}
		f := newFixture(t, &fakeEditor{script: []func(ir.Transaction) (ir.Receipt, error){reject}}, testConfig())
		_, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe, setProp("game/W/A", `true`)))
		require.NoError(t, err)

		o := f.outcome(t)
		assert.Equal(t, ir.TxFailed, o.Tx.State)
		assert.Equal(t, ir.CodeApplyFailed, o.Err.Code)
		assert.Contains(t, o.Err.Message, "protocol mismatch")
	})

	t.Run("every action failed", func(t *testing.T) {
		f := newFixture(t, &fakeEditor{script: []func(ir.Transaction) (ir.Receipt, error){failing(0, 1)}}, testConfig())
		_, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe, setProp("game/W/A", `true`), setProp("game/W/B", `true`)))
		require.NoError(t, err)

		o := f.outcome(t)
		assert.Equal(t, ir.TxFailed, o.Tx.State)
		assert.Equal(t, ReasonAllFailed, o.Tx.Reason)
		assert.Equal(t, ir.CodeApplyFailed, o.Err.Code)
	})
}

func TestPipelinePartialFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	ed := &fakeEditor{script: []func(ir.Transaction) (ir.Receipt, error){failing(1), allOK}}
	f := newFixture(t, ed, testConfig())

	tx, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe,
		setProp("game/W/A", `true`),
		setProp("game/W/B", `true`),
		setProp("game/W/C", `true`),
	))
	require.NoError(t, err)

	o := f.outcome(t)
	assert.Equal(t, ir.CodePartialApplyFailure, o.Err.Code)
	assert.Equal(t, ir.TxRolledBack, o.Tx.State)
	require.NotNil(t, o.Rollback)
	assert.Equal(t, ir.TxSucceeded, o.Rollback.State)
	assert.Equal(t, []int{2, 0}, o.Rollback.Compensated)

	calls := ed.Calls()
	require.Len(t, calls, 2)
	comp := calls[1]
	assert.Equal(t, tx.ID, comp.Compensates)
	require.Len(t, comp.Actions, 2)
	assert.Equal(t, "game/W/C", comp.Actions[0].Path)
	assert.Equal(t, "game/W/A", comp.Actions[1].Path)

	stored, err := f.st.LoadTransaction(ctx, comp.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.TxSucceeded, stored.State)

	h, err := f.ledger.Reconstruct(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, h.Transactions, 2)
	assert.Equal(t, []ir.TxState{
		ir.TxValidated, ir.TxEnqueued, ir.TxApplying, ir.TxPartiallyFailed, ir.TxRolledBack,
	}, h.Transactions[0].States)
	require.NotNil(t, h.Transactions[0].Rollback)
	assert.Equal(t, comp.ID, h.Transactions[0].Rollback.TransactionID)
}

func TestPipelinePartialCompensationSettlesFailed(t *testing.T) {
	ctx := context.Background()
	ed := &fakeEditor{script: []func(ir.Transaction) (ir.Receipt, error){failing(1), failing(0)}}
	f := newFixture(t, ed, testConfig())

	tx, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe,
		setProp("game/W/A", `true`),
		setProp("game/W/B", `true`),
		setProp("game/W/C", `true`),
	))
	require.NoError(t, err)

	o := f.outcome(t)
	assert.Equal(t, ir.TxPartiallyFailed, o.Tx.State)
	require.NotNil(t, o.Rollback)
	assert.Equal(t, ir.TxFailed, o.Rollback.State)
	assert.NotEmpty(t, o.Rollback.Errors)

	calls := ed.Calls()
	require.Len(t, calls, 2)
	comp, err := f.st.LoadTransaction(ctx, calls[1].ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, comp.Compensates)
	assert.Equal(t, ir.TxFailed, comp.State)
	assert.Equal(t, ReasonCompensationPartial, comp.Reason)
	assert.True(t, comp.State.Terminal())

	stuck, err := f.st.TransactionsByState(ctx, ir.TxPartiallyFailed)
	require.NoError(t, err)
	require.Len(t, stuck, 1, "only the original stays actionable")
	assert.Equal(t, tx.ID, stuck[0].ID)
}

func TestPipelineHighTierPartialWaitsForOperator(t *testing.T) {
	ctx := context.Background()
	ed := &fakeEditor{script: []func(ir.Transaction) (ir.Receipt, error){failing(1), allOK}}
	f := newFixture(t, ed, testConfig())

	tx, err := f.p.Submit(ctx, batch("job-1", ir.TierHigh,
		setProp("game/W/A", `true`),
		ir.NewAction("game/W/B", &ir.DeleteInstance{}),
	))
	require.NoError(t, err)
	f.awaiting(t, tx.ID)
	require.NoError(t, f.p.Approve(tx.ID))

	o := f.outcome(t)
	assert.Equal(t, ir.TxPartiallyFailed, o.Tx.State)
	assert.Nil(t, o.Rollback)
	assert.Len(t, ed.Calls(), 1)

	report, err := f.p.Rollback(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.TxSucceeded, report.State)

	stored, err := f.st.LoadTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.TxRolledBack, stored.State)

	_, err = f.p.Rollback(ctx, tx.ID)
	var te *TransitionError
	assert.ErrorAs(t, err, &te)
}

func TestPipelineRollbackLeavesPartialWhenNotCompensable(t *testing.T) {
	ctx := context.Background()
	noPrior := func(tx ir.Transaction) (ir.Receipt, error) {
		return ir.Receipt{TransactionID: tx.ID, Results: []ir.ActionResult{
			{Index: 0, OK: true},
			{Index: 1, OK: false, Error: "locked"},
		}}, nil
	}
	ed := &fakeEditor{script: []func(ir.Transaction) (ir.Receipt, error){noPrior}}
	f := newFixture(t, ed, testConfig())

	_, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe, setProp("game/W/A", `true`), setProp("game/W/B", `true`)))
	require.NoError(t, err)

	o := f.outcome(t)
	assert.Equal(t, ir.TxPartiallyFailed, o.Tx.State)
	require.NotNil(t, o.Rollback)
	assert.Equal(t, []int{0}, o.Rollback.NotCompensable)
	assert.Len(t, ed.Calls(), 1)
}

func TestPipelineRedrive(t *testing.T) {
	ctx := context.Background()
	ed := &fakeEditor{script: []func(ir.Transaction) (ir.Receipt, error){failing(0)}}
	f := newFixture(t, ed, testConfig())

	tx, err := f.p.Submit(ctx, batch("job-1", ir.TierSafe, setProp("game/W/A", `true`)))
	require.NoError(t, err)
	assert.Equal(t, ir.TxFailed, f.outcome(t).Tx.State)

	past, err := f.ledger.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	again, err := f.p.Redrive(ctx, past.ID, batch(past.JobID, ir.TierSafe, past.Actions...))
	require.NoError(t, err)
	assert.Equal(t, tx.ID, again.Redrives)
	assert.NotEqual(t, tx.ID, again.ID)

	o := f.outcome(t)
	assert.Equal(t, again.ID, o.Tx.ID)
	assert.Equal(t, ir.TxSucceeded, o.Tx.State)
}

func TestPipelineResume(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(testutil.Epoch)
	st := testutil.OpenStore(t, clock)

	mk := func(id, job string, state ir.TxState) ir.Transaction {
		tx := ir.Transaction{
			ID: id, JobID: job, ContextID: "ctx1", Tier: ir.TierSafe,
			Actions:  []ir.Action{setProp("game/W/A", `true`)},
			State:    state,
			Protocol: ir.ProtocolVersion,
		}
		require.NoError(t, st.CreateTransaction(ctx, tx))
		return tx
	}
	mk("t-validated", "j1", ir.TxValidated)
	mk("t-enqueued", "j2", ir.TxEnqueued)
	mk("t-applying", "j3", ir.TxApplying)
	withReceipt := mk("t-received", "j4", ir.TxApplying)
	r, _ := allOK(withReceipt)
	require.NoError(t, st.SaveReceipt(ctx, r))

	ed := &fakeEditor{}
	outcomes := make(chan Outcome, 8)
	p := New(st, audit.New(st), ed,
		WithConfig(testConfig()),
		WithClock(clock.Now),
		WithOnDone(func(_ context.Context, o Outcome) { outcomes <- o }),
	)
	t.Cleanup(p.Close)

	n, err := p.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	p.Wait()
	close(outcomes)

	got := map[string]Outcome{}
	for o := range outcomes {
		got[o.Tx.ID] = o
	}
	assert.Equal(t, ir.TxSucceeded, got["t-validated"].Tx.State)
	assert.Equal(t, ir.TxSucceeded, got["t-enqueued"].Tx.State)
	assert.Equal(t, ir.TxSucceeded, got["t-received"].Tx.State)
	assert.Equal(t, ir.TxFailed, got["t-applying"].Tx.State)
	assert.Equal(t, ReasonInterrupted, got["t-applying"].Tx.Reason)

	// Only the two that never reached the editor are sent.
	assert.Len(t, ed.Calls(), 2)
}
