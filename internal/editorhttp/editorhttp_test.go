package editorhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenebridge/internal/apply"
	"github.com/roach88/scenebridge/internal/audit"
	"github.com/roach88/scenebridge/internal/ctxstore"
	"github.com/roach88/scenebridge/internal/engine"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/queue"
	"github.com/roach88/scenebridge/internal/risk"
	"github.com/roach88/scenebridge/internal/testutil"
)

const (
	testContext = "p_1__s_abc__k_main"
	partPath    = "game/Workspace/Part"
	mainPath    = "game/ServerScriptService/Main"
)

func strp(s string) *string { return &s }

func TestBridgeUnreachableWithoutEditor(t *testing.T) {
	b := NewBridge()
	_, err := b.Apply(context.Background(), ir.Transaction{ID: "tx-1"})
	assert.True(t, ir.IsCode(err, ir.CodeEditorUnreachable))
	assert.False(t, b.Connected())
}

func TestBridgeConnectedWindow(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	b := NewBridge(WithBridgeClock(clock.Now), WithConnectedWindow(time.Second))

	b.Touch()
	assert.True(t, b.Connected())
	clock.Advance(2 * time.Second)
	assert.False(t, b.Connected())
}

func TestBridgeApplyWaitReceive(t *testing.T) {
	b := NewBridge()
	b.Touch()
	ctx := context.Background()

	type result struct {
		r   ir.Receipt
		err error
	}
	done := make(chan result, 1)
	tx := ir.Transaction{ID: "tx-1", JobID: "job-1", ContextID: testContext}
	go func() {
		r, err := b.Apply(ctx, tx)
		done <- result{r, err}
	}()

	claim, ok := b.Wait(ctx, testContext, 0, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "tx-1", claim.Transaction.ID)
	assert.NotEmpty(t, claim.ClaimToken)

	assert.ErrorIs(t, b.Receive("bogus", ir.Receipt{}), ErrClaimInvalid)
	err := b.Receive(claim.ClaimToken, ir.Receipt{TransactionID: "tx-other"})
	assert.True(t, ir.IsCode(err, ir.CodeSchemaInvalid))

	require.NoError(t, b.Receive(claim.ClaimToken, ir.Receipt{Results: []ir.ActionResult{{Index: 0, OK: true}}}))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "tx-1", res.r.TransactionID)
	assert.Equal(t, "job-1", res.r.JobID)

	assert.ErrorIs(t, b.Receive(claim.ClaimToken, ir.Receipt{}), ErrClaimInvalid, "a claim is used once")
}

func TestBridgeWaitFiltersAndTimesOut(t *testing.T) {
	b := NewBridge()
	b.Touch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _, _ = b.Apply(ctx, ir.Transaction{ID: "tx-1", ContextID: "other"}) }()
	require.Eventually(t, func() bool { return b.Pending() == 1 }, 5*time.Second, time.Millisecond)

	_, ok := b.Wait(ctx, testContext, 0, 20*time.Millisecond)
	assert.False(t, ok, "other context's transaction is not handed out")

	_, ok = b.Wait(ctx, "other", 5, 20*time.Millisecond)
	assert.False(t, ok, "seq below since")

	claim, ok := b.Wait(ctx, "", 0, 20*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "tx-1", claim.Transaction.ID)
}

func TestBridgeAbandonedClaimIsRefused(t *testing.T) {
	b := NewBridge()
	b.Touch()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := b.Apply(ctx, ir.Transaction{ID: "tx-1"})
		done <- err
	}()
	claim, ok := b.Wait(context.Background(), "", 0, 5*time.Second)
	require.True(t, ok)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.ErrorIs(t, b.Receive(claim.ClaimToken, ir.Receipt{}), ErrClaimInvalid)
}

func TestBridgeExportRequests(t *testing.T) {
	b := NewBridge()

	_, ok := b.TakeExport(testContext)
	assert.False(t, ok)

	b.RequestExport(ExportRequest{ContextID: testContext, Paths: []string{"b"}})
	b.RequestExport(ExportRequest{ContextID: testContext, Paths: []string{"a", "b"}})
	req, ok := b.TakeExport("")
	require.True(t, ok)
	assert.Equal(t, testContext, req.ContextID)
	assert.Equal(t, []string{"a", "b"}, req.Paths)

	_, ok = b.TakeExport(testContext)
	assert.False(t, ok, "taken once")

	b.RequestResync(testContext)
	req, ok = b.TakeExport(testContext)
	require.True(t, ok)
	assert.Equal(t, "diff", req.Mode)
	assert.Empty(t, req.Paths)
}

func TestBridgeFetchSource(t *testing.T) {
	b := NewBridge()
	ctx := context.Background()

	_, err := b.FetchSource(ctx, testContext, mainPath)
	assert.True(t, ir.IsCode(err, ir.CodeEditorUnreachable))

	b.Touch()
	type result struct {
		src string
		err error
	}
	done := make(chan result, 1)
	go func() {
		src, err := b.FetchSource(ctx, testContext, mainPath)
		done <- result{src, err}
	}()

	var req ExportRequest
	require.Eventually(t, func() bool {
		var ok bool
		req, ok = b.TakeExport(testContext)
		return ok
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{mainPath}, req.Paths)

	b.Exported(testContext, []ir.ScriptEntry{{Path: mainPath, Source: strp("print(1)")}})
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "print(1)", res.src)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = b.FetchSource(short, testContext, "game/Nope")
	assert.True(t, ir.IsCode(err, ir.CodeNotFound))
}

type httpFixture struct {
	srv    *httptest.Server
	e      *engine.Engine
	bridge *Bridge
	q      *queue.Queue
}

func newHTTPFixture(t *testing.T, policy risk.Policy) *httpFixture {
	t.Helper()
	clock := testutil.NewClock(testutil.Epoch)
	st := testutil.OpenStore(t, clock)
	q := queue.NewSQL(st, queue.WithClock(clock.Now), queue.WithIDs(ir.NewSequenceGenerator("job")))
	bridge := NewBridge()

	cfg := apply.DefaultConfig()
	cfg.EditorBackoff = time.Millisecond
	cfg.ApplyTimeout = 5 * time.Second
	e := engine.New(st, q, ctxstore.New(), audit.New(st), bridge,
		engine.WithPolicy(policy),
		engine.WithApplyConfig(cfg),
		engine.WithClock(clock.Now),
		engine.WithIDs(ir.NewSequenceGenerator("tx")),
		engine.WithResyncer(bridge),
	)
	t.Cleanup(e.Close)

	srv := httptest.NewServer(NewServer(e, bridge, WithWaitTimeout(2*time.Second)).Handler())
	t.Cleanup(srv.Close)
	return &httpFixture{srv: srv, e: e, bridge: bridge, q: q}
}

func (f *httpFixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *httpFixture) seed(t *testing.T) {
	t.Helper()
	d := ir.Delta{
		ContextID: testContext,
		Tree: ir.TreeDelta{Added: []ir.Node{
			{Path: partPath, ClassName: "Part", Name: "Part"},
			{Path: mainPath, ClassName: "Script", Name: "Main"},
		}},
		Scripts: ir.ScriptDelta{Changed: []ir.ScriptEntry{{Path: mainPath, Source: strp("print('hi')")}}},
	}
	var out struct {
		OK      bool  `json:"ok"`
		Version int64 `json:"version"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/context/export", d, &out))
	assert.Equal(t, int64(1), out.Version)
}

// accept creates a job, answers it, and lets the engine submit the batch.
func (f *httpFixture) accept(t *testing.T) string {
	t.Helper()
	var created struct {
		Job ir.Job `json:"job"`
	}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/jobs",
		map[string]any{"contextId": testContext, "prompt": "anchor it"}, &created))
	jobID := created.Job.ID

	resp := ir.Response{JobID: jobID, OK: true, Actions: []ir.Action{
		ir.NewAction(partPath, &ir.SetProperty{Property: "Anchored", Value: json.RawMessage(`true`)}),
	}}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	_, err = f.q.WriteResponse(context.Background(), jobID, raw)
	require.NoError(t, err)

	f.bridge.Touch()
	n, err := f.e.ProcessResponses(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return jobID
}

// serveEditor answers one transaction the way the plugin does.
func (f *httpFixture) serveEditor(t *testing.T) ir.Transaction {
	t.Helper()
	var claim Claim
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/tx/wait",
		waitIn{ContextID: testContext, TimeoutSec: 2}, &claim))

	r := ir.Receipt{TransactionID: claim.Transaction.ID}
	for i := range claim.Transaction.Actions {
		r.Results = append(r.Results, ir.ActionResult{Index: i, OK: true, Previous: &ir.PriorState{Value: json.RawMessage(`false`)}})
	}
	var out map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/tx/receipt",
		receiptIn{ClaimToken: claim.ClaimToken, Receipt: r}, &out))
	return claim.Transaction
}

func TestHTTPEndToEnd(t *testing.T) {
	f := newHTTPFixture(t, risk.DefaultPolicy())
	f.seed(t)
	f.accept(t)

	tx := f.serveEditor(t)
	assert.Equal(t, "tx-1", tx.ID)
	f.e.Settle(context.Background())

	var view engine.TransactionView
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/tx/tx-1", nil, &view))
	assert.Equal(t, ir.TxSucceeded, view.Transaction.State)
	require.NotNil(t, view.Receipt)
	assert.Len(t, view.Receipt.Results, 1)

	var diag diagnosticsOut
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/diagnostics", nil, &diag))
	assert.True(t, diag.EditorConnected)
	assert.Equal(t, 1, diag.Transactions[ir.TxSucceeded])

	var ledger struct {
		Entries []ir.AuditRecord `json:"entries"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/audit/ledger?limit=500", nil, &ledger))
	require.NotEmpty(t, ledger.Entries)
	assert.Equal(t, ir.AuditContextDelta, ledger.Entries[0].Kind)
}

func TestHTTPApproval(t *testing.T) {
	p := risk.DefaultPolicy()
	p.AutoApply = false
	f := newHTTPFixture(t, p)
	f.seed(t)
	f.accept(t)

	var pending struct {
		AwaitingApproval []engine.TransactionView `json:"awaitingApproval"`
	}
	require.Eventually(t, func() bool {
		f.do(t, http.MethodGet, "/tx/pending", nil, &pending)
		return len(pending.AwaitingApproval) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "tx-1", pending.AwaitingApproval[0].Transaction.ID)

	var errOut errorBody
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/tx/tx-9/approve", nil, &errOut))
	assert.Equal(t, ir.CodeNotFound, errOut.Error.Code)

	var ok map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/tx/tx-1/approve", nil, &ok))
	f.serveEditor(t)
	f.e.Settle(context.Background())

	var view engine.TransactionView
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/tx/tx-1", nil, &view))
	assert.Equal(t, ir.TxSucceeded, view.Transaction.State)
}

func TestHTTPReject(t *testing.T) {
	p := risk.DefaultPolicy()
	p.AutoApply = false
	f := newHTTPFixture(t, p)
	f.seed(t)
	f.accept(t)

	require.Eventually(t, func() bool {
		return len(f.e.Pipeline().AwaitingApproval()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	var ok map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/tx/tx-1/reject", map[string]string{"reason": "not now"}, &ok))
	f.e.Settle(context.Background())

	var view engine.TransactionView
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/tx/tx-1", nil, &view))
	assert.Equal(t, ir.TxFailed, view.Transaction.State)
}

func TestHTTPRedrive(t *testing.T) {
	p := risk.DefaultPolicy()
	p.AutoApply = false
	f := newHTTPFixture(t, p)
	f.seed(t)
	f.accept(t)

	var errOut errorBody
	require.Eventually(t, func() bool {
		return len(f.e.Pipeline().AwaitingApproval()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/tx/tx-1/redrive", nil, &errOut))
	assert.Equal(t, ir.CodePolicyViolation, errOut.Error.Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/tx/tx-1/reject", nil, nil))
	f.e.Settle(context.Background())

	var out struct {
		Transaction ir.Transaction `json:"transaction"`
	}
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/tx/tx-1/redrive", nil, &out))
	assert.Equal(t, "tx-2", out.Transaction.ID)
	assert.Equal(t, "tx-1", out.Transaction.Redrives)
	require.Eventually(t, func() bool {
		return len(f.e.Pipeline().AwaitingApproval()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tx-2"}, f.e.Pipeline().AwaitingApproval())
}

func TestHTTPRedriveStaleHash(t *testing.T) {
	p := risk.DefaultPolicy()
	p.AutoApply = false
	f := newHTTPFixture(t, p)
	f.seed(t)
	ctx := context.Background()

	var created struct {
		Job ir.Job `json:"job"`
	}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/jobs",
		map[string]any{"contextId": testContext, "prompt": "reword the greeting"}, &created))
	hash, ok := f.e.Contexts().ScriptFingerprint(testContext, mainPath)
	require.True(t, ok)
	raw, err := json.Marshal(ir.Response{JobID: created.Job.ID, OK: true, Actions: []ir.Action{{
		Kind:         ir.KindEditScript,
		Path:         mainPath,
		ExpectedHash: hash,
		Payload:      &ir.EditScript{Mode: ir.EditReplace, Source: strp("print('bye')")},
	}}})
	require.NoError(t, err)
	_, err = f.q.WriteResponse(ctx, created.Job.ID, raw)
	require.NoError(t, err)
	_, err = f.e.ProcessResponses(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.e.Pipeline().AwaitingApproval()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/tx/tx-1/reject", nil, nil))
	f.e.Settle(ctx)

	edited := ir.Delta{
		ContextID:   testContext,
		FromVersion: 1,
		Scripts:     ir.ScriptDelta{Changed: []ir.ScriptEntry{{Path: mainPath, Source: strp("print('edited in studio')")}}},
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/context/export", edited, nil))

	var out errorBody
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/tx/tx-1/redrive", nil, &out))
	require.NotNil(t, out.Error)
	assert.Equal(t, ir.CodeHashConflict, out.Error.Code)
	assert.Equal(t, "tx-1", out.Error.TxID)
	require.Len(t, out.Error.Conflicts, 1)
	assert.Equal(t, hash, out.Error.Conflicts[0].Expected)

	_, requested := f.bridge.TakeExport(testContext)
	assert.True(t, requested, "editor asked for a fresh export")
	assert.Empty(t, f.e.Pipeline().AwaitingApproval())

	var view errorBody
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/tx/tx-2", nil, &view))
}

func TestHTTPExportConflict(t *testing.T) {
	f := newHTTPFixture(t, risk.DefaultPolicy())
	f.seed(t)

	stale := ir.Delta{ContextID: testContext, FromVersion: 0, Tree: ir.TreeDelta{Removed: []string{partPath}}}
	var out errorBody
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/context/export", stale, &out))
	assert.Equal(t, ir.CodeVersionConflict, out.Error.Code)
	assert.Equal(t, int64(1), out.Error.CurrentVersion)

	full := ir.ContextSnapshot{
		ContextID: testContext,
		Tree:      map[string]ir.Node{partPath: {Path: partPath, ClassName: "Part", Name: "Part"}},
	}
	var applied struct {
		Version int64 `json:"version"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/context/export?mode=full", full, &applied))
	assert.Equal(t, int64(2), applied.Version)
	assert.False(t, f.e.Contexts().HasNode(testContext, mainPath))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/context/export?mode=weird", full, &out))
}

func TestHTTPContextRoutes(t *testing.T) {
	f := newHTTPFixture(t, risk.DefaultPolicy())
	f.seed(t)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodGet, "/context/request?contextId="+testContext, nil, nil))
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/context/request",
		ExportRequest{ContextID: testContext, Paths: []string{mainPath}}, nil))
	var taken struct {
		Request ExportRequest `json:"request"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/context/request?contextId="+testContext, nil, &taken))
	assert.Equal(t, []string{mainPath}, taken.Request.Paths)

	var summary ir.Summary
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/context/summary?contextId="+testContext, nil, &summary))
	assert.Equal(t, int64(1), summary.Version)
	assert.Equal(t, 2, summary.Nodes)

	var script struct {
		Source      string `json:"source"`
		Fingerprint string `json:"fingerprint"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/context/script?contextId="+testContext+"&path="+mainPath, nil, &script))
	assert.Equal(t, "print('hi')", script.Source)
	assert.Equal(t, ctxstore.Fingerprint("print('hi')"), script.Fingerprint)

	var errOut errorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/context/summary", nil, &errOut))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/context/script?contextId="+testContext+"&path=game/Nope", nil, &errOut))

	var health map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, true, health["ok"])
}

func TestHTTPMount(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	st := testutil.OpenStore(t, clock)
	bridge := NewBridge()
	e := engine.New(st, queue.NewSQL(st), ctxstore.New(), audit.New(st), bridge)
	t.Cleanup(e.Close)

	extra := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := httptest.NewServer(NewServer(e, bridge, WithMount("/mcp", extra)).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/mcp", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
