package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/scenebridge/internal/engine"
	"github.com/roach88/scenebridge/internal/queue"
	"github.com/roach88/scenebridge/internal/testutil"
)

// AssertionContext gives assertions access to the final system state.
type AssertionContext struct {
	Ctx    context.Context
	Engine *engine.Engine
	Editor *testutil.ScriptedEditor
	// Jobs maps scenario job refs to job ids.
	Jobs map[string]string
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	// Header with assertion type
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)

	// Expected vs Actual (most important info)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s job=%s tx=%s code=%s %s\n", ev.Seq, ev.Kind, ev.Job, ev.Tx, ev.Code, ev.Message)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a, actx.Jobs)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertAck:
		return assertAck(a, actx)
	case AssertPending:
		return assertPending(a, actx)
	case AssertErrors:
		return assertErrors(a, actx)
	case AssertTxState:
		return assertTxState(a, actx)
	case AssertProperty:
		return assertProperty(a, actx)
	case AssertSource:
		return assertSource(a, actx)
	case AssertVersion:
		return assertVersion(a, actx)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains checks the trace has an entry of the given kind,
// optionally narrowed by job, code and message.
func assertTraceContains(trace []TraceEvent, a Assertion, jobs map[string]string) error {
	jobID := jobs[a.Job]
	for _, ev := range trace {
		if ev.Kind != a.Kind {
			continue
		}
		if a.Job != "" && ev.Job != jobID {
			continue
		}
		if a.Tx != "" && ev.Tx != a.Tx {
			continue
		}
		if a.Code != "" && ev.Code != a.Code {
			continue
		}
		if a.Message != "" && ev.Message != a.Message {
			continue
		}
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s entry (job=%q tx=%q code=%q message=%q)", a.Kind, jobID, a.Tx, a.Code, a.Message),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that kinds first appear in the given order.
// Entries don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if positions[ev.Kind] == 0 {
			positions[ev.Kind] = i + 1 // 1-indexed for readability
		}
	}

	for _, kind := range a.Kinds {
		if positions[kind] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all kinds present: %v", a.Kinds),
				Actual:   fmt.Sprintf("missing kind: %s", kind),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Kinds); i++ {
		prev, curr := a.Kinds[i-1], a.Kinds[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("kinds in order: %v", a.Kinds),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the number of entries of a kind.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Kind == a.Kind && (a.Code == "" || ev.Code == a.Code) {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s appears %d times", a.Kind, *a.Count),
			Actual:   fmt.Sprintf("%d times", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertAck(a Assertion, actx *AssertionContext) error {
	jobID := actx.Jobs[a.Job]
	ack, err := actx.Engine.Queue().Ack(actx.Ctx, jobID)
	if errors.Is(err, queue.ErrNotFound) {
		return &AssertionError{Type: AssertAck, Expected: fmt.Sprintf("%s resolved as %s", jobID, a.Outcome), Actual: "no ack"}
	}
	if err != nil {
		return err
	}
	if ack.Outcome != a.Outcome || (a.Code != "" && string(ack.Code) != a.Code) {
		return &AssertionError{
			Type:     AssertAck,
			Expected: fmt.Sprintf("%s outcome=%s code=%s", jobID, a.Outcome, a.Code),
			Actual:   fmt.Sprintf("outcome=%s code=%s reason=%q", ack.Outcome, ack.Code, ack.Reason),
		}
	}
	return nil
}

func assertPending(a Assertion, actx *AssertionContext) error {
	jobID := actx.Jobs[a.Job]
	_, err := actx.Engine.Queue().Ack(actx.Ctx, jobID)
	if err == nil {
		return &AssertionError{Type: AssertPending, Expected: jobID + " pending", Actual: "resolved"}
	}
	if !errors.Is(err, queue.ErrNotFound) {
		return err
	}
	return nil
}

func assertErrors(a Assertion, actx *AssertionContext) error {
	jobID := actx.Jobs[a.Job]
	recs, err := actx.Engine.Queue().Errors(actx.Ctx, jobID)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return err
	}
	count := 0
	var codes []string
	for _, r := range recs {
		codes = append(codes, string(r.Code))
		if a.Code == "" || string(r.Code) == a.Code {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertErrors,
			Expected: fmt.Sprintf("%d error records for %s with code %q", *a.Count, jobID, a.Code),
			Actual:   fmt.Sprintf("%d, codes %v", count, codes),
		}
	}
	return nil
}

func assertTxState(a Assertion, actx *AssertionContext) error {
	tx, err := actx.Engine.Ledger().Transaction(actx.Ctx, a.Tx)
	if err != nil {
		return &AssertionError{Type: AssertTxState, Expected: fmt.Sprintf("%s in %s", a.Tx, a.State), Actual: err.Error()}
	}
	if string(tx.State) != a.State {
		return &AssertionError{
			Type:     AssertTxState,
			Expected: fmt.Sprintf("%s in %s", a.Tx, a.State),
			Actual:   fmt.Sprintf("%s (reason %q)", tx.State, tx.Reason),
		}
	}
	return nil
}

func assertProperty(a Assertion, actx *AssertionContext) error {
	want, err := json.Marshal(a.Value)
	if err != nil {
		return fmt.Errorf("encode expected value: %w", err)
	}
	got, ok := actx.Editor.Property(a.Path, a.Property)
	if !ok || !jsonEqual(got, want) {
		actual := "unset"
		if ok {
			actual = string(got)
		}
		return &AssertionError{
			Type:     AssertProperty,
			Expected: fmt.Sprintf("%s.%s = %s", a.Path, a.Property, want),
			Actual:   actual,
		}
	}
	return nil
}

func assertSource(a Assertion, actx *AssertionContext) error {
	got, ok := actx.Editor.Source(a.Path)
	if !ok || got != a.Source {
		return &AssertionError{
			Type:     AssertSource,
			Expected: fmt.Sprintf("%s source %q", a.Path, a.Source),
			Actual:   fmt.Sprintf("%q (present %v)", got, ok),
		}
	}
	return nil
}

func assertVersion(a Assertion, actx *AssertionContext) error {
	var got int64
	for _, v := range actx.Engine.Contexts().Versions() {
		got = max(got, v)
	}
	if got != a.Version {
		return &AssertionError{
			Type:     AssertVersion,
			Expected: fmt.Sprintf("context version %d", a.Version),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// jsonEqual compares two JSON documents by value.
func jsonEqual(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return bytes.Equal(ca, cb)
}
