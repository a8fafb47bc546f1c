// Package mcpserver exposes the job queue to agents over the Model Context
// Protocol. An agent lists pending jobs, reads the context each one carries,
// submits a response and then watches the job's acknowledgement and error
// records. Responses go through the same queue an agent writing files would
// use; the engine picks them up on its next poll.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/roach88/scenebridge/internal/engine"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/queue"
)

// Implementation identifies the server to clients.
var Implementation = &mcp.Implementation{Name: "scenebridge", Version: "0.1.0"}

const instructions = `scenebridge queues scene-editing jobs for you.
Call scenebridge_pending_jobs, read a job with scenebridge_get_job, and answer it
with scenebridge_submit_response. Check the outcome with scenebridge_job_status:
a rejected response carries a rebase with current hashes and versions, so resubmit
against those.`

// Server registers the scenebridge tools on an MCP server.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	srv    *mcp.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds an MCP server bound to e.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{engine: e, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = mcp.NewServer(Implementation, &mcp.ServerOptions{Instructions: instructions})
	s.register()
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *mcp.Server { return s.srv }

// Run serves one session over t until it ends.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	if err := s.srv.Run(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

func (s *Server) register() {
	s.tool("scenebridge_pending_jobs",
		"List jobs waiting for a response, oldest first. Context payloads are omitted; use scenebridge_get_job.",
		nil, nil, s.pendingJobs)
	s.tool("scenebridge_get_job",
		"Read one job with its context summary, focus scripts, policy and capabilities.",
		map[string]any{"jobId": str("Job id")},
		[]string{"jobId"}, s.getJob)
	s.tool("scenebridge_submit_response",
		"Submit the response to a job. The response object carries ok, actions and optionally summary, plan, notes, riskScore and contextVersion.",
		map[string]any{
			"jobId":    str("Job id"),
			"response": map[string]any{"type": "object", "description": "Response document"},
		},
		[]string{"jobId", "response"}, s.submitResponse)
	s.tool("scenebridge_job_status",
		"Report whether a job is pending or resolved, with its acknowledgement and every error record.",
		map[string]any{"jobId": str("Job id")},
		[]string{"jobId"}, s.jobStatus)
	s.tool("scenebridge_create_job",
		"Queue a new job against a context.",
		map[string]any{
			"contextId":   str("Context id"),
			"prompt":      str("What the job should accomplish"),
			"intent":      str("Job intent, default edit"),
			"fromVersion": map[string]any{"type": "integer", "description": "Last context version seen"},
			"hints":       map[string]any{"type": "array", "items": str("Instance path"), "description": "Paths the prompt is about"},
			"ttlSec":      map[string]any{"type": "integer", "description": "Seconds until the job expires"},
		},
		[]string{"contextId", "prompt"}, s.createJob)
	s.tool("scenebridge_context_summary",
		"Summarize the cached context: version, counts, roots and recently changed paths.",
		map[string]any{"contextId": str("Context id")},
		[]string{"contextId"}, s.contextSummary)
	s.tool("scenebridge_context_script",
		"Read a cached script source with the fingerprint to send as expectedHash.",
		map[string]any{"contextId": str("Context id"), "path": str("Script path")},
		[]string{"contextId", "path"}, s.contextScript)
	s.tool("scenebridge_diagnostics",
		"Report queue, transaction and audit counters.",
		nil, nil, s.diagnostics)
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// tool registers a handler that decodes arguments into a raw message and
// answers with JSON text. Handler errors become tool errors, not protocol
// errors, so the agent can read them.
func (s *Server) tool(name, desc string, props map[string]any, required []string, h func(context.Context, json.RawMessage) (any, error)) {
	t := &mcp.Tool{Name: name, Description: desc, InputSchema: inputSchema(props, required)}
	s.srv.AddTool(t, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := h(ctx, req.Params.Arguments)
		if err != nil {
			s.logger.Debug("tool failed", "tool", name, "error", err)
			var res mcp.CallToolResult
			res.SetError(errors.New(errorText(err)))
			return &res, nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
	})
}

// errorText renders coded errors as their JSON so the agent sees the code.
func errorText(err error) string {
	if ie, ok := ir.AsError(err); ok {
		if data, mErr := json.Marshal(ie); mErr == nil {
			return string(data)
		}
	}
	return err.Error()
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ir.WrapError(ir.CodeSchemaInvalid, err, "invalid arguments")
	}
	return nil
}

type jobRef struct {
	JobID string `json:"jobId"`
}

func (r jobRef) check() error {
	if r.JobID == "" {
		return ir.NewError(ir.CodeSchemaInvalid, "jobId is required")
	}
	return nil
}

type pendingJob struct {
	JobID          string    `json:"jobId"`
	ContextID      string    `json:"contextId"`
	ContextVersion int64     `json:"contextVersion"`
	Intent         string    `json:"intent"`
	Prompt         string    `json:"prompt"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Repair         bool      `json:"repair,omitempty"`
}

func (s *Server) pendingJobs(ctx context.Context, _ json.RawMessage) (any, error) {
	jobs, err := s.engine.Queue().PendingJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pendingJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, pendingJob{
			JobID:          j.ID,
			ContextID:      j.ContextID,
			ContextVersion: j.ContextVersion,
			Intent:         j.Intent,
			Prompt:         j.Prompt,
			CreatedAt:      j.CreatedAt,
			ExpiresAt:      j.ExpiresAt,
			Repair:         j.RepairOf != nil,
		})
	}
	return map[string]any{"jobs": out}, nil
}

func (s *Server) getJob(ctx context.Context, raw json.RawMessage) (any, error) {
	var in jobRef
	if err := decodeArgs(raw, &in); err != nil {
		return nil, err
	}
	if err := in.check(); err != nil {
		return nil, err
	}
	job, err := s.engine.Queue().Job(ctx, in.JobID)
	if err != nil {
		return nil, notFound(err, in.JobID)
	}
	return job, nil
}

type submitIn struct {
	JobID    string          `json:"jobId"`
	Response json.RawMessage `json:"response"`
}

func (s *Server) submitResponse(ctx context.Context, raw json.RawMessage) (any, error) {
	var in submitIn
	if err := decodeArgs(raw, &in); err != nil {
		return nil, err
	}
	if err := (jobRef{JobID: in.JobID}).check(); err != nil {
		return nil, err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(in.Response, &probe); err != nil {
		return nil, ir.WrapError(ir.CodeSchemaInvalid, err, "response must be a JSON object")
	}
	if _, ok := probe["jobId"]; !ok {
		probe["jobId"], _ = json.Marshal(in.JobID)
		in.Response, _ = json.Marshal(probe)
	}

	if _, err := s.engine.Queue().Job(ctx, in.JobID); err != nil {
		return nil, notFound(err, in.JobID)
	}
	name, err := s.engine.Queue().WriteResponse(ctx, in.JobID, in.Response)
	if err != nil {
		return nil, err
	}
	s.engine.Nudge()
	s.logger.Info("response submitted", "job_id", in.JobID, "record", name)
	return map[string]any{"ok": true, "jobId": in.JobID, "record": name}, nil
}

type statusOut struct {
	JobID  string           `json:"jobId"`
	State  string           `json:"state"`
	Ack    *ir.Ack          `json:"ack,omitempty"`
	Errors []ir.ErrorRecord `json:"errors"`
}

func (s *Server) jobStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var in jobRef
	if err := decodeArgs(raw, &in); err != nil {
		return nil, err
	}
	if err := in.check(); err != nil {
		return nil, err
	}
	q := s.engine.Queue()
	if _, err := q.Job(ctx, in.JobID); err != nil {
		return nil, notFound(err, in.JobID)
	}
	out := statusOut{JobID: in.JobID, State: "pending", Errors: []ir.ErrorRecord{}}
	ack, err := q.Ack(ctx, in.JobID)
	switch {
	case err == nil:
		out.Ack = &ack
		out.State = "resolved"
	case !errors.Is(err, queue.ErrNotFound):
		return nil, err
	}
	recs, err := q.Errors(ctx, in.JobID)
	if err != nil {
		return nil, err
	}
	if recs != nil {
		out.Errors = recs
	}
	return out, nil
}

type createIn struct {
	ContextID   string   `json:"contextId"`
	Prompt      string   `json:"prompt"`
	Intent      string   `json:"intent"`
	FromVersion int64    `json:"fromVersion"`
	Hints       []string `json:"hints"`
	TTLSec      int      `json:"ttlSec"`
}

func (s *Server) createJob(ctx context.Context, raw json.RawMessage) (any, error) {
	var in createIn
	if err := decodeArgs(raw, &in); err != nil {
		return nil, err
	}
	job, err := s.engine.CreateJob(ctx, engine.JobRequest{
		ContextID:   in.ContextID,
		Intent:      in.Intent,
		Prompt:      in.Prompt,
		FromVersion: in.FromVersion,
		Hints:       in.Hints,
		TTL:         time.Duration(in.TTLSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

type contextIn struct {
	ContextID string `json:"contextId"`
	Path      string `json:"path"`
}

func (s *Server) contextSummary(_ context.Context, raw json.RawMessage) (any, error) {
	var in contextIn
	if err := decodeArgs(raw, &in); err != nil {
		return nil, err
	}
	if in.ContextID == "" {
		return nil, ir.NewError(ir.CodeSchemaInvalid, "contextId is required")
	}
	return s.engine.Contexts().Summary(in.ContextID), nil
}

func (s *Server) contextScript(_ context.Context, raw json.RawMessage) (any, error) {
	var in contextIn
	if err := decodeArgs(raw, &in); err != nil {
		return nil, err
	}
	if in.ContextID == "" || in.Path == "" {
		return nil, ir.NewError(ir.CodeSchemaInvalid, "contextId and path are required")
	}
	src, ok := s.engine.Contexts().Source(in.ContextID, in.Path)
	if !ok {
		return nil, ir.NewError(ir.CodeNotFound, "no cached source for %s", in.Path).WithPath(in.Path)
	}
	fp, _ := s.engine.Contexts().ScriptFingerprint(in.ContextID, in.Path)
	return map[string]any{
		"contextId":   in.ContextID,
		"version":     s.engine.Contexts().Version(in.ContextID),
		"path":        in.Path,
		"source":      src,
		"fingerprint": fp,
	}, nil
}

func (s *Server) diagnostics(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.engine.Diagnostics(ctx)
}

func notFound(err error, jobID string) error {
	if errors.Is(err, queue.ErrNotFound) {
		return ir.WrapError(ir.CodeNotFound, err, "unknown job").WithJob(jobID)
	}
	return err
}
