package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenebridge/internal/ir"
)

func TestAppendAuditChainsHashes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r1, err := s.AppendAudit(ctx, ir.AuditRecord{Kind: ir.AuditJobCreated, JobID: "j1"})
	require.NoError(t, err)
	r2, err := s.AppendAudit(ctx, ir.AuditRecord{Kind: ir.AuditJobResolved, JobID: "j1", Payload: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, err)

	assert.Equal(t, int64(1), r1.Seq)
	assert.Equal(t, int64(2), r2.Seq)
	assert.Empty(t, r1.PrevHash)
	assert.Equal(t, r1.Hash, r2.PrevHash)
	assert.True(t, r1.At.Equal(testEpoch), "zero At defaults to the store clock")

	records, err := s.ReadAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, r2.Hash, records[1].Hash)
	assert.JSONEq(t, `{"ok":true}`, string(records[1].Payload))

	// Stored records re-hash to the stored values.
	for i, rec := range records {
		prev := ""
		if i > 0 {
			prev = records[i-1].Hash
		}
		h, err := ir.AuditHash(prev, rec)
		require.NoError(t, err)
		assert.Equal(t, rec.Hash, h, "record %d", rec.Seq)
	}
}

func TestReadAuditFilters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, rec := range []ir.AuditRecord{
		{Kind: ir.AuditJobCreated, JobID: "j1", At: base},
		{Kind: ir.AuditTxState, JobID: "j1", TxID: "t1", At: base.Add(time.Minute)},
		{Kind: ir.AuditJobCreated, JobID: "j2", At: base.Add(2 * time.Minute)},
	} {
		_, err := s.AppendAudit(ctx, rec)
		require.NoError(t, err, "append %d", i)
	}

	byJob, err := s.ReadAudit(ctx, AuditFilter{JobID: "j1"})
	require.NoError(t, err)
	assert.Len(t, byJob, 2)

	byTx, err := s.ReadAudit(ctx, AuditFilter{TxID: "t1"})
	require.NoError(t, err)
	assert.Len(t, byTx, 1)

	since, err := s.ReadAudit(ctx, AuditFilter{Since: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	after, err := s.ReadAudit(ctx, AuditFilter{AfterSeq: 2})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "j2", after[0].JobID)

	byKind, err := s.ReadAudit(ctx, AuditFilter{Kind: ir.AuditJobCreated, Limit: 1})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "j1", byKind[0].JobID)

	last, err := s.LastAuditSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestLastAuditSeqEmpty(t *testing.T) {
	s := createTestStore(t)
	last, err := s.LastAuditSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)
}
