package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/scenebridge/internal/ir"
)

var testEpoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return testEpoch }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSnapshot creates a snapshot with one part and one script.
func createTestSnapshot(contextID string, version int64) ir.ContextSnapshot {
	src := "print('hello')"
	return ir.ContextSnapshot{
		ContextID: contextID,
		Version:   version,
		Tree: map[string]ir.Node{
			"game/Workspace/Part": {Path: "game/Workspace/Part", ClassName: "Part", Name: "Part"},
		},
		Scripts: map[string]ir.ScriptEntry{
			"game/ServerScriptService/Main": {
				Path:        "game/ServerScriptService/Main",
				ClassName:   "Script",
				Source:      &src,
				Fingerprint: "sha1:1f0a",
				Bytes:       len(src),
			},
		},
		Meta: ir.SnapshotMeta{ExportedAt: testEpoch, UpdatedAt: testEpoch, Nodes: 1, Scripts: 1},
	}
}

// createTestTransaction creates a validated transaction for a job.
func createTestTransaction(id, jobID string) ir.Transaction {
	return ir.Transaction{
		ID:        id,
		JobID:     jobID,
		ContextID: "ctx-1",
		Tier:      ir.TierSafe,
		State:     ir.TxValidated,
		Protocol:  ir.ProtocolVersion,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
		Actions: []ir.Action{
			ir.NewAction("game/Workspace/Part", &ir.Rename{NewName: "Floor"}),
		},
	}
}
