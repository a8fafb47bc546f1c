package editorhttp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/scenebridge/internal/apply"
	"github.com/roach88/scenebridge/internal/audit"
	"github.com/roach88/scenebridge/internal/ctxstore"
	"github.com/roach88/scenebridge/internal/engine"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/store"
)

// maxBody caps request bodies. Context exports carry script sources.
const maxBody = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	OK    bool      `json:"ok"`
	Error *ir.Error `json:"error"`
}

// writeError maps err to a status code and writes it as an ir.Error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ie, ok := ir.AsError(err)
	if !ok {
		switch {
		case errors.Is(err, apply.ErrUnknownTransaction), errors.Is(err, store.ErrNotFound),
			errors.Is(err, ctxstore.ErrUnknownContext):
			ie = ir.WrapError(ir.CodeNotFound, err, "%s", err.Error())
		case errors.Is(err, ErrClaimInvalid):
			ie = ir.WrapError(ir.CodeDuplicateResponse, err, "%s", err.Error())
		default:
			var te *apply.TransitionError
			if errors.As(err, &te) {
				ie = ir.WrapError(ir.CodeVersionConflict, err, "%s", err.Error()).WithTx(te.TxID)
			} else {
				ie = ir.WrapError("", err, "%s", err.Error())
			}
		}
	}
	status := statusOf(ie.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: ie})
}

func statusOf(code ir.Code) int {
	switch code {
	case ir.CodeSchemaInvalid:
		return http.StatusBadRequest
	case ir.CodeNotFound:
		return http.StatusNotFound
	case ir.CodeVersionConflict, ir.CodeHashConflict, ir.CodeDuplicateResponse:
		return http.StatusConflict
	case ir.CodePolicyViolation:
		return http.StatusUnprocessableEntity
	case ir.CodeTimeout:
		return http.StatusGatewayTimeout
	case ir.CodeEditorUnreachable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return ir.WrapError(ir.CodeSchemaInvalid, err, "read body")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return ir.WrapError(ir.CodeSchemaInvalid, err, "malformed body")
	}
	return nil
}

func contextParam(r *http.Request) (string, error) {
	id := r.URL.Query().Get("contextId")
	if id == "" {
		return "", ir.NewError(ir.CodeSchemaInvalid, "contextId is required")
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"protocol":        ir.ProtocolVersion,
		"editorConnected": s.bridge.Connected(),
	})
}

// diagnosticsOut adds the editor connection to the engine's view.
type diagnosticsOut struct {
	engine.Diagnostics
	EditorConnected bool       `json:"editorConnected"`
	EditorLastSeen  *time.Time `json:"editorLastSeen,omitempty"`
	EditorPending   int        `json:"editorPending"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Diagnostics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := diagnosticsOut{
		Diagnostics:     d,
		EditorConnected: s.bridge.Connected(),
		EditorPending:   s.bridge.Pending(),
	}
	if seen := s.bridge.LastSeen(); !seen.IsZero() {
		out.EditorLastSeen = &seen
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 200
	}
	entries, err := s.engine.Ledger().EntriesSince(r.Context(), audit.Cursor{AfterSeq: after}, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": entries})
}

// handleExport applies a context export. mode=diff (default) takes an
// ir.Delta based on its contextVersion; mode=full takes a whole snapshot
// and replaces the current one.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	s.bridge.Touch()
	ctx := r.Context()
	contexts := s.engine.Contexts()

	var (
		contextID string
		version   int64
		applied   ir.Delta
		err       error
	)
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "diff":
		var d ir.Delta
		if err := decode(r, &d); err != nil {
			s.writeError(w, r, err)
			return
		}
		contextID = d.ContextID
		version, err = contexts.ApplyDelta(ctx, contextID, d.FromVersion, d)
		applied = d
	case "full":
		var snap ir.ContextSnapshot
		if err := decode(r, &snap); err != nil {
			s.writeError(w, r, err)
			return
		}
		contextID = snap.ContextID
		if contextID == "" {
			contextID = snap.Meta.Scope.ContextID()
		}
		// A full export supersedes whatever is cached.
		version, applied, err = contexts.ApplyFull(ctx, contextID, contexts.Version(contextID), snap)
	default:
		s.writeError(w, r, ir.NewError(ir.CodeSchemaInvalid, "unknown export mode %q", mode))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.bridge.Exported(contextID, applied.Scripts.Changed)
	_, _ = s.engine.Ledger().RecordPayload(ctx, ir.AuditRecord{
		Kind:      ir.AuditContextDelta,
		ContextID: contextID,
		Version:   version,
	}, map[string]int{
		"added":          len(applied.Tree.Added),
		"updated":        len(applied.Tree.Updated),
		"removed":        len(applied.Tree.Removed),
		"scriptsChanged": len(applied.Scripts.Changed),
		"scriptsRemoved": len(applied.Scripts.Removed),
	})
	s.logger.Info("context export applied", "context", contextID, "version", version)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"contextId": contextID,
		"version":   version,
		"missing":   contexts.Missing(contextID),
	})
}

func (s *Server) handleTakeExport(w http.ResponseWriter, r *http.Request) {
	req, ok := s.bridge.TakeExport(r.URL.Query().Get("contextId"))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request": req})
}

func (s *Server) handleRequestExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ContextID == "" {
		s.writeError(w, r, ir.NewError(ir.CodeSchemaInvalid, "contextId is required"))
		return
	}
	switch req.Mode {
	case "":
		req.Mode = "diff"
	case "diff", "full":
	default:
		s.writeError(w, r, ir.NewError(ir.CodeSchemaInvalid, "unknown export mode %q", req.Mode))
		return
	}
	s.bridge.RequestExport(req)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "requested": true})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, err := contextParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Contexts().Summary(id))
}

func (s *Server) handleMissing(w http.ResponseWriter, r *http.Request) {
	id, err := contextParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contextId": id,
		"version":   s.engine.Contexts().Version(id),
		"missing":   s.engine.Contexts().Missing(id),
	})
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	id, err := contextParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	path := r.URL.Query().Get("path")
	contexts := s.engine.Contexts()
	src, ok := contexts.Source(id, path)
	if !ok {
		s.writeError(w, r, ir.NewError(ir.CodeNotFound, "no cached source for %s", path).WithPath(path))
		return
	}
	fp, _ := contexts.ScriptFingerprint(id, path)
	writeJSON(w, http.StatusOK, map[string]any{
		"contextId":   id,
		"path":        path,
		"source":      src,
		"fingerprint": fp,
	})
}

// jobIn is the body of POST /jobs.
type jobIn struct {
	Scope       ir.Scope `json:"scope"`
	ContextID   string   `json:"contextId"`
	Intent      string   `json:"intent"`
	Prompt      string   `json:"prompt"`
	FromVersion int64    `json:"fromVersion"`
	Hints       []string `json:"hints"`
	TTLSeconds  int      `json:"ttlSec"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var in jobIn
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.engine.CreateJob(r.Context(), engine.JobRequest{
		Scope:       in.Scope,
		ContextID:   in.ContextID,
		Intent:      in.Intent,
		Prompt:      in.Prompt,
		FromVersion: in.FromVersion,
		Hints:       in.Hints,
		TTL:         time.Duration(in.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "job": job})
}

// waitIn is the body of POST /tx/wait.
type waitIn struct {
	ContextID  string  `json:"contextId"`
	Since      int64   `json:"since"`
	TimeoutSec float64 `json:"timeoutSec"`
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	var in waitIn
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	timeout := s.waitTimeout
	if in.TimeoutSec > 0 {
		if d := time.Duration(in.TimeoutSec * float64(time.Second)); d < timeout {
			timeout = d
		}
	}
	claim, ok := s.bridge.Wait(r.Context(), in.ContextID, in.Since, timeout)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.logger.Info("transaction claimed", "tx", claim.Transaction.ID, "seq", claim.Seq)
	writeJSON(w, http.StatusOK, claim)
}

// receiptIn is the body of POST /tx/receipt.
type receiptIn struct {
	ClaimToken string     `json:"claimToken"`
	Receipt    ir.Receipt `json:"receipt"`
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var in receiptIn
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.bridge.Receive(in.ClaimToken, in.Receipt); err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, failed := in.Receipt.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"applied":   ok,
		"failed":    failed,
		"remaining": s.bridge.Pending(),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.Pipeline().AwaitingApproval()
	views := make([]engine.TransactionView, 0, len(ids))
	for _, id := range ids {
		v, err := s.engine.Transaction(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "awaitingApproval": views})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Transaction(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	if err := s.engine.Pipeline().Approve(txID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("transaction approved", "tx", txID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "transactionId": txID})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	var in struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Pipeline().Reject(txID, in.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("transaction rejected", "tx", txID, "reason", in.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "transactionId": txID})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Pipeline().Rollback(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": report.State == ir.TxRolledBack, "rollback": report})
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	tx, err := s.engine.Redrive(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "transaction": tx})
}
