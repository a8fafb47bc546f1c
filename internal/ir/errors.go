package ir

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a bridge error. Codes are stable wire values: they appear
// in Ack and Error records read by the agent and in audit entries.
type Code string

const (
	// CodeSchemaInvalid marks a malformed Job, Response, or action.
	CodeSchemaInvalid Code = "SCHEMA_INVALID"

	// CodeVersionConflict marks a stale context version.
	CodeVersionConflict Code = "VERSION_CONFLICT"

	// CodeHashConflict marks a target whose fingerprint no longer matches
	// the expectedHash the agent supplied.
	CodeHashConflict Code = "HASH_CONFLICT"

	// CodePolicyViolation marks a protected root, deny-list, or size cap hit.
	CodePolicyViolation Code = "POLICY_VIOLATION"

	// CodeTimeout marks an expired job TTL or apply timeout.
	CodeTimeout Code = "TIMEOUT"

	// CodeEditorUnreachable marks a transport-level failure to the editor.
	CodeEditorUnreachable Code = "EDITOR_UNREACHABLE"

	// CodePartialApplyFailure marks a transaction where a subset of actions failed.
	CodePartialApplyFailure Code = "PARTIAL_APPLY_FAILURE"

	// CodeApplyFailed marks a transaction the editor rejected outright or
	// in which every action failed.
	CodeApplyFailed Code = "APPLY_FAILED"

	// CodeDuplicateResponse marks a response for a job that is already resolved.
	CodeDuplicateResponse Code = "DUPLICATE_RESPONSE"

	// CodeAgentFailure marks a response with ok:false.
	CodeAgentFailure Code = "AGENT_FAILURE"

	// CodeNotFound marks a missing job, context, transaction, or source.
	CodeNotFound Code = "NOT_FOUND"

	// CodeCancelled marks a transaction rejected by the operator or cancelled
	// by its own deadline while waiting.
	CodeCancelled Code = "CANCELLED"
)

// Rebaseable reports whether the agent may correct and resubmit a response
// for the same job after this error. Rebaseable errors do not resolve the job.
func (c Code) Rebaseable() bool {
	switch c {
	case CodeSchemaInvalid, CodeVersionConflict, CodeHashConflict:
		return true
	default:
		return false
	}
}

// Conflict describes one target whose fingerprint did not match.
type Conflict struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Current  string `json:"current"`
}

// Error is the typed error carried through the bridge.
//
// Components construct it with NewError and attach identifiers as they
// learn them. Callers inspect it with CodeOf / IsCode, never by string.
type Error struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	JobID   string            `json:"jobId,omitempty"`
	TxID    string            `json:"transactionId,omitempty"`
	Path    string            `json:"path,omitempty"`
	Details map[string]string `json:"details,omitempty"`

	// Conflicts is set for CodeHashConflict.
	Conflicts []Conflict `json:"conflicts,omitempty"`

	// CurrentVersion is set for CodeVersionConflict.
	CurrentVersion int64 `json:"currentVersion,omitempty"`

	cause error
}

// NewError creates an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error that wraps cause.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	e := NewError(code, format, args...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.JobID != "" {
		b.WriteString(" job=")
		b.WriteString(e.JobID)
	}
	if e.TxID != "" {
		b.WriteString(" tx=")
		b.WriteString(e.TxID)
	}
	if e.Path != "" {
		b.WriteString(" path=")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithJob returns e with JobID set. It mutates and returns the receiver.
func (e *Error) WithJob(jobID string) *Error {
	e.JobID = jobID
	return e
}

// WithTx returns e with TxID set. It mutates and returns the receiver.
func (e *Error) WithTx(txID string) *Error {
	e.TxID = txID
	return e
}

// WithPath returns e with Path set. It mutates and returns the receiver.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithDetail adds a detail key. It mutates and returns the receiver.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the Code of err, or "" if err carries none.
func CodeOf(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
