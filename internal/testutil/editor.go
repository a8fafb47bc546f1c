package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roach88/scenebridge/internal/ir"
)

// ScriptedEditor is an in-memory editor for tests and the scenario harness.
// It keeps property values and script sources so that receipts carry real
// prior state, and it can be told to fail actions on given paths or to be
// unreachable for a number of calls.
//
// The same script against the same transactions always produces the same
// receipts, which keeps golden traces stable.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedEditor struct {
	mu          sync.Mutex
	props       map[string]json.RawMessage
	sources     map[string]string
	fail        map[string]string
	unreachable int
	reject      string
	calls       []ir.Transaction
}

// NewScriptedEditor creates an editor with no state.
func NewScriptedEditor() *ScriptedEditor {
	return &ScriptedEditor{
		props:   make(map[string]json.RawMessage),
		sources: make(map[string]string),
		fail:    make(map[string]string),
	}
}

// SetSource sets the source of the script at path.
func (e *ScriptedEditor) SetSource(path, src string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[path] = src
}

// SetProperty sets a property value as if the scene already had it.
func (e *ScriptedEditor) SetProperty(path, prop string, value json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.props[propKey(path, prop)] = value
}

// FailPath makes every action targeting path fail with msg.
func (e *ScriptedEditor) FailPath(path, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[path] = msg
}

// ClearFailures undoes every FailPath.
func (e *ScriptedEditor) ClearFailures() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = make(map[string]string)
}

// Unreachable makes the next n Apply calls fail with EditorUnreachable.
func (e *ScriptedEditor) Unreachable(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unreachable = n
}

// RejectAll makes the editor refuse every transaction with reason.
// An empty reason accepts again.
func (e *ScriptedEditor) RejectAll(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reject = reason
}

// Property returns the current value of a property.
func (e *ScriptedEditor) Property(path, prop string) (json.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.props[propKey(path, prop)]
	return v, ok
}

// Source returns the current source of a script.
func (e *ScriptedEditor) Source(path string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sources[path]
	return s, ok
}

// Calls returns the transactions Apply was called with, in order.
func (e *ScriptedEditor) Calls() []ir.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ir.Transaction(nil), e.calls...)
}

// Apply runs tx against the in-memory scene.
func (e *ScriptedEditor) Apply(ctx context.Context, tx ir.Transaction) (ir.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ir.Receipt{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, tx)
	if e.unreachable > 0 {
		e.unreachable--
		return ir.Receipt{}, ir.NewError(ir.CodeEditorUnreachable, "editor not connected")
	}

	r := ir.Receipt{TransactionID: tx.ID, JobID: tx.JobID}
	if e.reject != "" {
		r.Rejected = true
		r.Error = e.reject
		return r, nil
	}
	for i, a := range tx.Actions {
		r.Results = append(r.Results, e.applyOne(i, a))
		r.PathsTouched = append(r.PathsTouched, a.Targets()...)
	}
	return r, nil
}

func (e *ScriptedEditor) applyOne(i int, a ir.Action) ir.ActionResult {
	res := ir.ActionResult{Index: i, Path: a.Path}
	if msg, ok := e.fail[a.Path]; ok {
		res.Error = msg
		return res
	}
	res.OK = true

	switch p := a.Payload.(type) {
	case *ir.SetProperty:
		res.Previous = &ir.PriorState{Value: e.swap(a.Path, p.Property, p.Value)}
	case *ir.SetProperties:
		prev := &ir.PriorState{Values: make(map[string]json.RawMessage, len(p.Properties))}
		for k, v := range p.Properties {
			prev.Values[k] = e.swap(a.Path, k, v)
		}
		res.Previous = prev
	case *ir.SetAttribute:
		res.Previous = &ir.PriorState{Value: e.swap(a.Path, "@"+p.Attribute, p.Value)}
	case *ir.EditScript:
		if old, ok := e.sources[a.Path]; ok {
			res.Previous = &ir.PriorState{Source: &old}
		}
		if p.Source != nil {
			e.sources[a.Path] = *p.Source
		}
	case *ir.CreateInstance:
		res.CreatedPath = p.CreatedPath()
	case *ir.CloneInstance:
		name := p.Name
		if name == "" {
			name = ir.BaseName(a.Path)
		}
		parent := p.ParentPath
		if parent == "" {
			parent = ir.ParentOf(a.Path)
		}
		res.CreatedPath = ir.JoinPath(parent, name)
	}
	return res
}

// swap stores v and returns the previous value, or null when unset.
func (e *ScriptedEditor) swap(path, prop string, v json.RawMessage) json.RawMessage {
	key := propKey(path, prop)
	prev, ok := e.props[key]
	if !ok {
		prev = json.RawMessage(`null`)
	}
	e.props[key] = v
	return prev
}

// FetchSource returns the source of a script, or NotFound.
func (e *ScriptedEditor) FetchSource(ctx context.Context, contextID, path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.sources[path]
	if !ok {
		return "", ir.NewError(ir.CodeNotFound, "no script at %s", path).WithPath(path)
	}
	return src, nil
}

func propKey(path, prop string) string { return path + "\x00" + prop }
