package harness

import "github.com/roach88/scenebridge/internal/ir"

// TraceEvent is one audit ledger entry as the harness sees it. Hashes,
// payloads and timestamps are left out; they are covered by the ledger's
// own tests.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Kind    string `json:"kind"`
	Job     string `json:"job,omitempty"`
	Tx      string `json:"tx,omitempty"`
	Context string `json:"context,omitempty"`
	Version int64  `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func traceEventOf(rec ir.AuditRecord) TraceEvent {
	return TraceEvent{
		Seq:     rec.Seq,
		Kind:    string(rec.Kind),
		Job:     rec.JobID,
		Tx:      rec.TxID,
		Context: rec.ContextID,
		Version: rec.Version,
		Code:    string(rec.Code),
		Message: rec.Message,
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions hold.
	Pass bool `json:"pass"`

	// Trace contains every audit entry in ledger order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Jobs maps scenario job refs to job ids.
	Jobs map[string]string `json:"jobs"`

	// JobOrder lists job ids in creation order, repair jobs included.
	JobOrder []string `json:"jobOrder"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Jobs:   make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
