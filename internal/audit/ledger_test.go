package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/testutil"
)

func TestRecordAssignsChain(t *testing.T) {
	ctx := context.Background()
	l := New(testutil.OpenStore(t, nil))

	r1, err := l.Record(ctx, ir.AuditRecord{Kind: ir.AuditJobCreated, JobID: "j1"})
	require.NoError(t, err)
	r2, err := l.RecordPayload(ctx, ir.AuditRecord{Kind: ir.AuditJobResolved, JobID: "j1"}, ir.Ack{JobID: "j1", OK: true, Outcome: ir.OutcomeNoop})
	require.NoError(t, err)

	assert.Equal(t, r1.Hash, r2.PrevHash)
	assert.True(t, r1.At.Equal(testutil.Epoch))

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)

	res, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int64(2), res.Checked)
}

func TestRecordFailureEscalates(t *testing.T) {
	st := testutil.OpenStore(t, nil)
	var escalated []error
	l := New(st, WithEscalation(func(err error) { escalated = append(escalated, err) }))
	require.NoError(t, st.Close())

	_, err := l.Record(context.Background(), ir.AuditRecord{Kind: ir.AuditError, JobID: "j1"})
	require.Error(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, err, escalated[0])

	n, last := l.Failures()
	assert.Equal(t, 1, n)
	assert.Equal(t, err, last)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	st := testutil.OpenStore(t, nil)
	l := New(st)

	for i := 0; i < 3; i++ {
		_, err := l.Record(ctx, ir.AuditRecord{Kind: ir.AuditTxState, JobID: "j1", Message: "step"})
		require.NoError(t, err)
	}
	_, err := st.DB().Exec(`UPDATE audit_log SET message = 'rewritten' WHERE seq = 2`)
	require.NoError(t, err)

	res, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, int64(2), res.BrokenAt)
	assert.Equal(t, "hash does not match content", res.Reason)
}

func TestEntriesSince(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Time{})
	l := New(testutil.OpenStore(t, clock))

	for _, job := range []string{"a", "b", "c"} {
		_, err := l.Record(ctx, ir.AuditRecord{Kind: ir.AuditJobCreated, JobID: job, At: clock.Now()})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	after, err := l.EntriesSince(ctx, Cursor{AfterSeq: 1}, 0)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "b", after[0].JobID)

	since, err := l.EntriesSince(ctx, Cursor{Since: testutil.Epoch.Add(2 * time.Minute)}, 0)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "c", since[0].JobID)

	limited, err := l.EntriesSince(ctx, Cursor{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestReconstruct(t *testing.T) {
	ctx := context.Background()
	l := New(testutil.OpenStore(t, nil))

	tx := ir.Transaction{ID: "t1", JobID: "j1", Tier: ir.TierSafe, State: ir.TxValidated,
		Actions: []ir.Action{ir.NewAction("game/Workspace/P", &ir.SetProperty{Property: "Anchored", Value: json.RawMessage(`true`)})}}

	record := func(rec ir.AuditRecord, v any) {
		t.Helper()
		_, err := l.RecordPayload(ctx, rec, v)
		require.NoError(t, err)
	}
	record(ir.AuditRecord{Kind: ir.AuditJobCreated, JobID: "j1"}, nil)
	record(ir.AuditRecord{Kind: ir.AuditResponseRejected, JobID: "j1", Code: ir.CodeHashConflict}, nil)
	for _, st := range []ir.TxState{ir.TxValidated, ir.TxEnqueued, ir.TxApplying, ir.TxSucceeded} {
		tx.State = st
		record(ir.AuditRecord{Kind: ir.AuditTxState, JobID: "j1", TxID: "t1"}, tx)
	}
	record(ir.AuditRecord{Kind: ir.AuditReceipt, JobID: "j1", TxID: "t1"}, ir.Receipt{TransactionID: "t1", Results: []ir.ActionResult{{Index: 0, OK: true}}})
	record(ir.AuditRecord{Kind: ir.AuditJobResolved, JobID: "j1"}, ir.Ack{JobID: "j1", OK: true, Outcome: ir.OutcomeApplied, TransactionID: "t1"})

	h, err := l.Reconstruct(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, h.CreatedAt.Equal(testutil.Epoch))
	require.NotNil(t, h.Resolved)
	assert.Equal(t, ir.OutcomeApplied, h.Resolved.Outcome)
	assert.Len(t, h.Rejections, 1)
	require.Len(t, h.Transactions, 1)
	assert.Equal(t, []ir.TxState{ir.TxValidated, ir.TxEnqueued, ir.TxApplying, ir.TxSucceeded}, h.Transactions[0].States)
	require.NotNil(t, h.Transactions[0].Receipt)
	assert.Len(t, h.Transactions[0].Receipt.Results, 1)

	last, err := l.Transaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ir.TxSucceeded, last.State)
	require.Len(t, last.Actions, 1)
	assert.Equal(t, ir.KindSetProperty, last.Actions[0].Kind)

	_, err = l.Reconstruct(ctx, "missing")
	assert.True(t, ir.IsCode(err, ir.CodeNotFound))
	_, err = l.Transaction(ctx, "missing")
	assert.True(t, ir.IsCode(err, ir.CodeNotFound))
}
