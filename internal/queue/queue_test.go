package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/store"
	"github.com/roach88/scenebridge/internal/testutil"
)

// backends runs fn once per medium. Both must satisfy the same contract.
func backends(t *testing.T, fn func(t *testing.T, open func(opts ...Option) *Queue)) {
	t.Run("dir", func(t *testing.T) {
		fn(t, func(opts ...Option) *Queue {
			q, err := OpenDir(t.TempDir(), opts...)
			require.NoError(t, err)
			t.Cleanup(func() { q.Close() })
			return q
		})
	})
	t.Run("sql", func(t *testing.T) {
		fn(t, func(opts ...Option) *Queue {
			st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
			require.NoError(t, err)
			t.Cleanup(func() { st.Close() })
			return NewSQL(st, opts...)
		})
	})
}

func testJob(id string) ir.Job {
	return ir.Job{ID: id, ContextID: "ctx-1", ContextVersion: 5, Intent: "edit", Prompt: "make it red"}
}

func TestEnqueueJobFillsDefaults(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		clock := testutil.NewClock(time.Time{})
		q := open(WithClock(clock.Now), WithIDs(ir.NewFixedGenerator("gen-1")), WithTTL(5*time.Minute))
		ctx := context.Background()

		job, err := q.EnqueueJob(ctx, ir.Job{ContextID: "ctx-1"})
		require.NoError(t, err)
		assert.Equal(t, "gen-1", job.ID)
		assert.True(t, job.CreatedAt.Equal(testutil.Epoch))
		assert.True(t, job.ExpiresAt.Equal(testutil.Epoch.Add(5*time.Minute)))

		got, err := q.Job(ctx, "gen-1")
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, "ctx-1", got.ContextID)
	})
}

func TestEnqueueJobRejectsDuplicateID(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		q := open()
		ctx := context.Background()

		_, err := q.EnqueueJob(ctx, testJob("j1"))
		require.NoError(t, err)
		_, err = q.EnqueueJob(ctx, testJob("j1"))
		assert.True(t, ir.IsCode(err, ir.CodeSchemaInvalid), "got %v", err)
	})
}

func TestEnqueueJobQueueFull(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		q := open(WithMaxPending(2))
		ctx := context.Background()

		for _, id := range []string{"j1", "j2"} {
			_, err := q.EnqueueJob(ctx, testJob(id))
			require.NoError(t, err)
		}
		_, err := q.EnqueueJob(ctx, testJob("j3"))
		require.Error(t, err)
		assert.True(t, ir.IsCode(err, ir.CodePolicyViolation))
		assert.Contains(t, err.Error(), "queue full")

		// Resolving one frees a slot.
		require.NoError(t, q.WriteAck(ctx, ir.Ack{JobID: "j1", OK: true, Outcome: ir.OutcomeApplied}))
		_, err = q.EnqueueJob(ctx, testJob("j3"))
		assert.NoError(t, err)
	})
}

func TestInvalidJobIDs(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		q := open()
		ctx := context.Background()

		for _, id := range []string{"../escape", "a/b", "dup~1", " padded", ".."} {
			_, err := q.EnqueueJob(ctx, testJob(id))
			assert.True(t, ir.IsCode(err, ir.CodeSchemaInvalid), "id %q: %v", id, err)
		}
	})
}

func TestWriteAckExactlyOnce(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		q := open()
		ctx := context.Background()

		_, err := q.EnqueueJob(ctx, testJob("j1"))
		require.NoError(t, err)

		require.NoError(t, q.WriteAck(ctx, ir.Ack{JobID: "j1", OK: true, Outcome: ir.OutcomeApplied, TransactionID: "tx-1"}))
		err = q.WriteAck(ctx, ir.Ack{JobID: "j1", OK: false, Outcome: ir.OutcomeFailed})
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		ack, err := q.Ack(ctx, "j1")
		require.NoError(t, err)
		assert.True(t, ack.OK, "first ack wins")
		assert.Equal(t, "tx-1", ack.TransactionID)
	})
}

func TestWriteAckUnknownJob(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		q := open()
		err := q.WriteAck(context.Background(), ir.Ack{JobID: "nope", Outcome: ir.OutcomeFailed})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAckPendingJobNotFound(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		q := open()
		ctx := context.Background()
		_, err := q.EnqueueJob(ctx, testJob("j1"))
		require.NoError(t, err)

		_, err = q.Ack(ctx, "j1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPendingJobsExcludesResolved(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		clock := testutil.NewClock(time.Time{})
		q := open(WithClock(clock.Now))
		ctx := context.Background()

		for _, id := range []string{"j1", "j2", "j3"} {
			_, err := q.EnqueueJob(ctx, testJob(id))
			require.NoError(t, err)
			clock.Advance(time.Second)
		}
		require.NoError(t, q.WriteAck(ctx, ir.Ack{JobID: "j2", OK: true, Outcome: ir.OutcomeNoop}))

		pending, err := q.PendingJobs(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "j1", pending[0].ID)
		assert.Equal(t, "j3", pending[1].ID)
	})
}

func TestRereadingJobHasNoSideEffects(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		q := open()
		ctx := context.Background()
		_, err := q.EnqueueJob(ctx, testJob("j1"))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			job, err := q.Job(ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, "make it red", job.Prompt)
		}
		pending, err := q.PendingJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestWriteResponseKeepsDuplicates(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		q := open()
		ctx := context.Background()

		first, err := q.WriteResponse(ctx, "j1", []byte(`{"jobId":"j1","ok":true}`))
		require.NoError(t, err)
		second, err := q.WriteResponse(ctx, "j1", []byte(`{"jobId":"j1","ok":false}`))
		require.NoError(t, err)
		assert.Equal(t, "job_j1.json", first)
		assert.Equal(t, "job_j1~1.json", second)

		envs, err := q.PollResponses(ctx)
		require.NoError(t, err)
		require.Len(t, envs, 2)
		for _, env := range envs {
			assert.Equal(t, "j1", env.JobID)
		}
		assert.False(t, envs[0].Duplicate() && envs[1].Duplicate())
	})
}

func TestPollAndConsume(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		q := open()
		ctx := context.Background()

		_, err := q.WriteResponse(ctx, "j1", []byte(`{"jobId":"j1"}`))
		require.NoError(t, err)

		envs, err := q.PollResponses(ctx)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.JSONEq(t, `{"jobId":"j1"}`, string(envs[0].Raw))

		// Polling does not consume.
		again, err := q.PollResponses(ctx)
		require.NoError(t, err)
		assert.Len(t, again, 1)

		require.NoError(t, q.ConsumeResponse(ctx, envs[0]))
		require.NoError(t, q.ConsumeResponse(ctx, envs[0]), "consume is idempotent")

		envs, err = q.PollResponses(ctx)
		require.NoError(t, err)
		assert.Empty(t, envs)
	})
}

func TestSweepExpired(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		clock := testutil.NewClock(time.Time{})
		q := open(WithClock(clock.Now), WithTTL(5*time.Minute))
		ctx := context.Background()

		for _, id := range []string{"stale", "answered", "resolved"} {
			_, err := q.EnqueueJob(ctx, testJob(id))
			require.NoError(t, err)
		}
		clock.Advance(4 * time.Minute)
		_, err := q.EnqueueJob(ctx, testJob("fresh"))
		require.NoError(t, err)

		_, err = q.WriteResponse(ctx, "answered", []byte(`{"jobId":"answered"}`))
		require.NoError(t, err)
		require.NoError(t, q.WriteAck(ctx, ir.Ack{JobID: "resolved", OK: true, Outcome: ir.OutcomeApplied}))

		now := clock.Advance(2 * time.Minute)
		expired, err := q.SweepExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, []string{"stale"}, expired)

		ack, err := q.Ack(ctx, "stale")
		require.NoError(t, err)
		assert.False(t, ack.OK)
		assert.Equal(t, ir.OutcomeExpired, ack.Outcome)
		assert.Equal(t, ir.CodeTimeout, ack.Code)
		assert.Equal(t, "timeout", ack.Reason)

		errs, err := q.Errors(ctx, "stale")
		require.NoError(t, err)
		require.Len(t, errs, 1)
		assert.True(t, errs[0].Terminal)
		assert.Equal(t, ir.CodeTimeout, errs[0].Code)

		// A second sweep is a no-op.
		expired, err = q.SweepExpired(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, expired)

		// A late response cannot resolve the job again.
		err = q.WriteAck(ctx, ir.Ack{JobID: "stale", OK: true, Outcome: ir.OutcomeApplied})
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	})
}

func TestErrorRecords(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		clock := testutil.NewClock(time.Time{})
		q := open(WithClock(clock.Now))
		ctx := context.Background()

		require.NoError(t, q.WriteError(ctx, ir.ErrorRecord{JobID: "j1", Code: ir.CodeHashConflict, Reason: "rebase"}))
		require.NoError(t, q.WriteError(ctx, ir.ErrorRecord{JobID: "j1", Code: ir.CodeHashConflict, Reason: "rebase again"}))
		clock.Advance(time.Second)
		require.NoError(t, q.WriteError(ctx, ir.ErrorRecord{JobID: "j1", Code: ir.CodePolicyViolation, Reason: "denied", Terminal: true}))
		require.NoError(t, q.WriteError(ctx, ir.ErrorRecord{JobID: "j2", Code: ir.CodeTimeout, Terminal: true}))

		errs, err := q.Errors(ctx, "j1")
		require.NoError(t, err)
		require.Len(t, errs, 3, "same-instant rejections must not overwrite each other")
		assert.False(t, errs[0].Terminal)
		assert.Equal(t, ir.CodePolicyViolation, errs[2].Code)
		assert.True(t, errs[2].Terminal)
	})
}

func TestStats(t *testing.T) {
	backends(t, func(t *testing.T, open func(...Option) *Queue) {
		q := open()
		ctx := context.Background()

		_, err := q.EnqueueJob(ctx, testJob("j1"))
		require.NoError(t, err)
		_, err = q.EnqueueJob(ctx, testJob("j2"))
		require.NoError(t, err)
		_, err = q.WriteResponse(ctx, "j1", []byte(`{}`))
		require.NoError(t, err)
		require.NoError(t, q.WriteAck(ctx, ir.Ack{JobID: "j2", Outcome: ir.OutcomeFailed}))
		require.NoError(t, q.WriteError(ctx, ir.ErrorRecord{JobID: "j2", Code: ir.CodeAgentFailure, Terminal: true}))

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"jobs": 2, "responses": 1, "acks": 1, "errors": 1}, st.Counts)
		assert.Equal(t, 1, st.Pending)
		assert.Equal(t, "job_j1.json", st.LastResponse)
		assert.Equal(t, "job_j2.json", st.LastError)
	})
}

func TestJobIDOf(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"job_abc.json", "abc"},
		{"job_abc~1.json", "abc"},
		{"job_abc~1746090000000000000.json", "abc"},
		{"job_0195f3c2-7d1e-7a4b-9c3d-2f1e0a9b8c7d.json", "0195f3c2-7d1e-7a4b-9c3d-2f1e0a9b8c7d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jobIDOf(tt.name))
		})
	}
}

func TestDirIgnoresPartialAndForeignFiles(t *testing.T) {
	root := t.TempDir()
	q, err := OpenDir(root)
	require.NoError(t, err)
	defer q.Close()

	// An agent mid-write and an unrelated file.
	require.NoError(t, os.WriteFile(filepath.Join(root, CollectionResponses, "job_j1.json.tmp"), []byte(`{"jobI`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, CollectionResponses, "README"), []byte("x"), 0o644))

	envs, err := q.PollResponses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestDirLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	q, err := OpenDir(root)
	require.NoError(t, err)
	defer q.Close()
	ctx := context.Background()

	_, err = q.EnqueueJob(ctx, testJob("j1"))
	require.NoError(t, err)
	require.NoError(t, q.WriteAck(ctx, ir.Ack{JobID: "j1", OK: true, Outcome: ir.OutcomeApplied}))
	assert.ErrorIs(t, q.WriteAck(ctx, ir.Ack{JobID: "j1"}), ErrAlreadyResolved)

	leftovers, err := os.ReadDir(filepath.Join(root, tmpDir))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDirServerLock(t *testing.T) {
	root := t.TempDir()
	first, err := OpenDir(root)
	require.NoError(t, err)
	second, err := OpenDir(root)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Lock())
	require.NoError(t, first.Lock(), "relocking is a no-op")
	assert.ErrorIs(t, second.Lock(), ErrLocked)

	require.NoError(t, first.Close())
	assert.NoError(t, second.Lock(), "lock is free after close")
}
