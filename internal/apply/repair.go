package apply

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/scenebridge/internal/ir"
)

// RepairPolicy bounds the auto-repair loop.
type RepairPolicy struct {
	Enabled     bool
	MaxAttempts int
	Cooldown    time.Duration
}

// DefaultRepairPolicy returns the stock policy: off, two attempts, 8s
// between attempts in one chain.
func DefaultRepairPolicy() RepairPolicy {
	return RepairPolicy{Enabled: false, MaxAttempts: 2, Cooldown: 8 * time.Second}
}

// RepairGuard decides whether a failed transaction may spawn a repair job.
//
// A repair chain is rooted at the job the operator or agent started; every
// repair job carries the root. Two limits guarantee the loop ends:
//   - attempts: a chain spawns at most MaxAttempts repairs
//   - repetition: a chain never repairs the same failing batch twice, which
//     catches an agent that keeps proposing what already failed
//
// The cooldown spaces attempts within a chain.
//
// Thread-safety: safe for concurrent use via internal mutex.
type RepairGuard struct {
	policy RepairPolicy
	now    func() time.Time

	mu     sync.Mutex
	last   map[string]time.Time
	failed map[string]map[string]bool
}

// NewRepairGuard creates a guard.
func NewRepairGuard(p RepairPolicy, now func() time.Time) *RepairGuard {
	if now == nil {
		now = time.Now
	}
	return &RepairGuard{
		policy: p,
		now:    now,
		last:   make(map[string]time.Time),
		failed: make(map[string]map[string]bool),
	}
}

// Policy returns the guard's policy.
func (g *RepairGuard) Policy() RepairPolicy { return g.policy }

// RepairRefusedError explains why no repair job was spawned.
type RepairRefusedError struct {
	RootJobID string
	Attempt   int
	Reason    string
}

func (e *RepairRefusedError) Error() string {
	return fmt.Sprintf("repair of %s refused at attempt %d: %s", e.RootJobID, e.Attempt, e.Reason)
}

// IsRepairRefused reports whether err is a RepairRefusedError.
func IsRepairRefused(err error) bool {
	var re *RepairRefusedError
	return errors.As(err, &re)
}

// Allow checks whether the chain rooted at root may make repair number
// attempt for a batch with the given digest, and records it if so.
func (g *RepairGuard) Allow(root string, attempt int, digest string) error {
	refuse := func(reason string) error {
		return &RepairRefusedError{RootJobID: root, Attempt: attempt, Reason: reason}
	}
	if !g.policy.Enabled {
		return refuse("auto-repair disabled")
	}
	if attempt > g.policy.MaxAttempts {
		return refuse(fmt.Sprintf("attempt limit %d reached", g.policy.MaxAttempts))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if digest != "" && g.failed[root][digest] {
		return refuse("same batch already failed in this chain")
	}
	now := g.now()
	if last, ok := g.last[root]; ok && now.Sub(last) < g.policy.Cooldown {
		return refuse("cooldown")
	}

	g.last[root] = now
	if digest != "" {
		if g.failed[root] == nil {
			g.failed[root] = make(map[string]bool)
		}
		g.failed[root][digest] = true
	}
	return nil
}

// Clear forgets a chain.
func (g *RepairGuard) Clear(root string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, root)
	delete(g.failed, root)
}

// Chains returns the number of chains being tracked.
func (g *RepairGuard) Chains() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}

// RepairRequest is what a repair job is built from.
type RepairRequest struct {
	Failed  ir.Job
	Tx      ir.Transaction
	Receipt *ir.Receipt
	Cause   *ir.Error
	Context ir.JobContext
	Version int64
}

// RootOf returns the root job of the chain job belongs to.
func RootOf(job ir.Job) string {
	if job.RepairOf != nil && job.RepairOf.RootJobID != "" {
		return job.RepairOf.RootJobID
	}
	return job.ID
}

// AttemptOf returns the repair attempt a new repair of job would be.
func AttemptOf(job ir.Job) int {
	if job.RepairOf == nil {
		return 1
	}
	return job.RepairOf.Attempt + 1
}

// RepairJob synthesizes the job that asks the agent to fix a failed
// transaction. The caller assigns ID and timestamps when enqueueing.
func RepairJob(req RepairRequest) ir.Job {
	var errs []string
	if req.Receipt != nil {
		errs = req.Receipt.Errors()
	}
	if len(errs) == 0 && req.Cause != nil {
		errs = []string{req.Cause.Error()}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Auto-repair failed tx %s.\n", req.Tx.ID)
	b.WriteString("Errors:\n")
	if data, err := json.MarshalIndent(errs, "", "  "); err == nil {
		b.Write(data)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Original job: %s", req.Failed.ID)

	jc := req.Context
	if req.Receipt != nil {
		jc.LastReceipt = SummarizeReceipt(*req.Receipt, req.Tx.State)
	}
	return ir.Job{
		ContextID:      req.Failed.ContextID,
		ContextVersion: req.Version,
		Intent:         "repair",
		Prompt:         b.String(),
		Scope:          req.Failed.Scope,
		Context:        jc,
		Policy:         req.Failed.Policy,
		Capabilities:   req.Failed.Capabilities,
		RepairOf: &ir.RepairRef{
			JobID:         req.Failed.ID,
			TransactionID: req.Tx.ID,
			Attempt:       AttemptOf(req.Failed),
			Errors:        errs,
			RootJobID:     RootOf(req.Failed),
		},
	}
}

// errorsPreview caps the errors carried in a receipt summary.
const errorsPreview = 5

// SummarizeReceipt condenses a receipt for the next job's context.
func SummarizeReceipt(r ir.Receipt, state ir.TxState) *ir.ReceiptSummary {
	ok, failed := r.Counts()
	errs := r.Errors()
	if len(errs) > errorsPreview {
		errs = errs[:errorsPreview]
	}
	return &ir.ReceiptSummary{
		TransactionID: r.TransactionID,
		State:         state,
		Succeeded:     ok,
		Failed:        failed,
		Errors:        errs,
	}
}
