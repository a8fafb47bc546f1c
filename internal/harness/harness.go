package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/scenebridge/internal/apply"
	"github.com/roach88/scenebridge/internal/audit"
	"github.com/roach88/scenebridge/internal/ctxstore"
	"github.com/roach88/scenebridge/internal/engine"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/queue"
	"github.com/roach88/scenebridge/internal/risk"
	"github.com/roach88/scenebridge/internal/store"
	"github.com/roach88/scenebridge/internal/testutil"
)

// Harness holds one scenario's running system.
type Harness struct {
	engine    *engine.Engine
	editor    *testutil.ScriptedEditor
	clock     *testutil.Clock
	logger    *slog.Logger
	contextID string
	jobs      map[string]string
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation, on a
// settable clock starting at testutil.Epoch, with sequential job and
// transaction ids. Together with the scripted editor this makes the trace
// reproducible.
//
// Execution flow:
//  1. Create fresh in-memory database and the engine on top of it
//  2. Apply the scenario context as version 1
//  3. Execute steps in order, settling the pipeline where a step needs it
//  4. Collect the audit trace and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	clock := testutil.NewClock(testutil.Epoch)
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	// Suppress logs in tests
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	editor := testutil.NewScriptedEditor()
	for _, sc := range scenario.Context.Scripts {
		if sc.Source != nil {
			editor.SetSource(sc.Path, *sc.Source)
		}
	}
	scriptEditor(editor, scenario.Editor)

	cfg := apply.DefaultConfig()
	cfg.EditorBackoff = time.Millisecond
	cfg.ApprovalTimeout = 0

	eng := engine.New(st,
		queue.NewSQL(st, queue.WithClock(clock.Now), queue.WithIDs(ir.NewSequenceGenerator("job")), queue.WithLogger(logger)),
		ctxstore.New(ctxstore.WithClock(clock.Now), ctxstore.WithLogger(logger)),
		audit.New(st, audit.WithLogger(logger)),
		editor,
		engine.WithClock(clock.Now),
		engine.WithIDs(ir.NewSequenceGenerator("tx")),
		engine.WithPolicy(policyOf(scenario.Policy)),
		engine.WithApplyConfig(cfg),
		engine.WithRepairPolicy(repairOf(scenario.Repair)),
		engine.WithLogger(logger),
	)
	defer eng.Close()

	h := &Harness{
		engine:    eng,
		editor:    editor,
		clock:     clock,
		logger:    logger,
		contextID: scenario.Context.ContextID,
		jobs:      make(map[string]string),
	}

	ctx := context.Background()
	seed := ir.Delta{ContextID: h.contextID}
	for _, n := range scenario.Context.Nodes {
		seed.Tree.Added = append(seed.Tree.Added, nodeOf(n))
	}
	for _, sc := range scenario.Context.Scripts {
		seed.Scripts.Changed = append(seed.Scripts.Changed, scriptOf(sc))
	}
	if err := h.export(ctx, seed); err != nil {
		return nil, fmt.Errorf("failed to seed context: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	eng.Settle(ctx)

	result := NewResult()
	for ref, id := range h.jobs {
		result.Jobs[ref] = id
	}
	entries, err := eng.Ledger().EntriesSince(ctx, audit.Cursor{}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	for _, rec := range entries {
		ev := traceEventOf(rec)
		result.Trace = append(result.Trace, ev)
		if rec.Kind == ir.AuditJobCreated {
			result.JobOrder = append(result.JobOrder, rec.JobID)
		}
	}

	actx := &AssertionContext{
		Ctx:    ctx,
		Engine: eng,
		Editor: editor,
		Jobs:   h.jobs,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// execute runs one step.
func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Job != nil && step.Job.RepairOf != "":
		id, err := h.repairJob(ctx, h.jobs[step.Job.RepairOf])
		if err != nil {
			return err
		}
		h.jobs[step.Job.Ref] = id

	case step.Job != nil:
		req := engine.JobRequest{
			ContextID: h.contextID,
			Intent:    step.Job.Intent,
			Prompt:    step.Job.Prompt,
			Hints:     step.Job.Hints,
		}
		if step.Job.TTL != "" {
			req.TTL, _ = time.ParseDuration(step.Job.TTL)
		}
		job, err := h.engine.CreateJob(ctx, req)
		if err != nil {
			return fmt.Errorf("create job %s: %w", step.Job.Ref, err)
		}
		h.jobs[step.Job.Ref] = job.ID
		h.logger.Info("job created", "ref", step.Job.Ref, "job", job.ID)

	case step.Respond != nil:
		jobID := h.jobs[step.Respond.Job]
		raw := []byte(step.Respond.Raw)
		if step.Respond.Body != nil {
			body := make(map[string]any, len(step.Respond.Body)+1)
			for k, v := range step.Respond.Body {
				body[k] = v
			}
			if _, ok := body["jobId"]; !ok {
				body["jobId"] = jobID
			}
			var err error
			if raw, err = json.Marshal(body); err != nil {
				return fmt.Errorf("encode response: %w", err)
			}
		}
		if _, err := h.engine.Queue().WriteResponse(ctx, jobID, raw); err != nil {
			return fmt.Errorf("write response for %s: %w", jobID, err)
		}

	case step.Process:
		if _, err := h.engine.ProcessResponses(ctx); err != nil {
			return fmt.Errorf("process responses: %w", err)
		}
		h.engine.Settle(ctx)

	case step.Advance != "":
		d, _ := time.ParseDuration(step.Advance)
		h.clock.Advance(d)

	case step.Sweep:
		if _, err := h.engine.Sweep(ctx); err != nil {
			return fmt.Errorf("sweep: %w", err)
		}

	case step.Export != nil:
		d := ir.Delta{
			ContextID:   h.contextID,
			FromVersion: h.engine.Contexts().Version(h.contextID),
		}
		for _, n := range step.Export.Added {
			d.Tree.Added = append(d.Tree.Added, nodeOf(n))
		}
		d.Tree.Removed = step.Export.Removed
		for _, sc := range step.Export.Scripts {
			d.Scripts.Changed = append(d.Scripts.Changed, scriptOf(sc))
		}
		return h.export(ctx, d)

	case step.Approve != "":
		if err := h.engine.Pipeline().Approve(step.Approve); err != nil {
			return err
		}
		h.engine.Settle(ctx)

	case step.Reject != "":
		if err := h.engine.Pipeline().Reject(step.Reject, ""); err != nil {
			return err
		}
		h.engine.Settle(ctx)

	case step.Editor != nil:
		scriptEditor(h.editor, *step.Editor)
	}
	return nil
}

// repairJob returns the id of the latest repair job spawned for jobID.
func (h *Harness) repairJob(ctx context.Context, jobID string) (string, error) {
	entries, err := h.engine.Ledger().ForJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind == ir.AuditRepair {
			return entries[i].Message, nil
		}
	}
	return "", fmt.Errorf("no repair job for %s", jobID)
}

// export applies d as the editor's export endpoint does and audits it.
func (h *Harness) export(ctx context.Context, d ir.Delta) error {
	version, err := h.engine.Contexts().ApplyDelta(ctx, d.ContextID, d.FromVersion, d)
	if err != nil {
		return err
	}
	_, err = h.engine.Ledger().Record(ctx, ir.AuditRecord{
		Kind:      ir.AuditContextDelta,
		ContextID: d.ContextID,
		Version:   version,
	})
	return err
}

func scriptEditor(ed *testutil.ScriptedEditor, spec EditorSpec) {
	if spec.Heal {
		ed.ClearFailures()
	}
	for path, msg := range spec.Fail {
		ed.FailPath(path, msg)
	}
	if spec.Unreachable > 0 {
		ed.Unreachable(spec.Unreachable)
	}
	ed.RejectAll(spec.Reject)
}

func policyOf(spec *PolicySpec) risk.Policy {
	p := risk.DefaultPolicy()
	if spec == nil {
		return p
	}
	if spec.Profile != "" {
		p.Profile = risk.Profile(spec.Profile)
	}
	if spec.AutoApply != nil {
		p.AutoApply = *spec.AutoApply
	}
	for _, k := range spec.DenyActions {
		p.DenyActions = append(p.DenyActions, ir.ActionKind(k))
	}
	p.ProtectedRoots = append(p.ProtectedRoots, spec.ProtectedRoots...)
	p.AllowedRoots = append(p.AllowedRoots, spec.AllowedRoots...)
	if spec.MaxActions > 0 {
		p.MaxActions = spec.MaxActions
	}
	p.AllowStaleVersion = spec.AllowStaleVersion
	return p
}

func repairOf(spec *RepairSpec) apply.RepairPolicy {
	p := apply.DefaultRepairPolicy()
	if spec == nil {
		return p
	}
	p.Enabled = true
	if spec.MaxAttempts > 0 {
		p.MaxAttempts = spec.MaxAttempts
	}
	if spec.Cooldown != "" {
		p.Cooldown, _ = time.ParseDuration(spec.Cooldown)
	}
	return p
}

func nodeOf(n NodeSpec) ir.Node {
	return ir.Node{Path: n.Path, ClassName: n.ClassName, Name: ir.BaseName(n.Path)}
}

func scriptOf(sc ScriptSpec) ir.ScriptEntry {
	return ir.ScriptEntry{Path: sc.Path, ClassName: sc.ClassName, Source: sc.Source}
}
