package harness

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RenderTrace formats a trace for golden comparison.
//
// Engine entries and a transaction's own entries are written by different
// goroutines, so their relative ledger order is not reproducible. The
// rendering therefore groups entries: context-level entries first, then
// each job in creation order with its own entries in ledger order, then
// that job's transactions with their tx.* entries in ledger order.
// Sequence numbers, hashes and timestamps are left out.
func RenderTrace(name string, result *Result) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario %s\n", name)

	byJob := make(map[string][]TraceEvent)
	byTx := make(map[string][]TraceEvent)
	txOrder := make(map[string][]string)
	var unscoped []TraceEvent
	for _, ev := range result.Trace {
		switch {
		case isTxKind(ev.Kind) && ev.Tx != "":
			if len(byTx[ev.Tx]) == 0 {
				txOrder[ev.Job] = append(txOrder[ev.Job], ev.Tx)
			}
			byTx[ev.Tx] = append(byTx[ev.Tx], ev)
		case ev.Job != "":
			byJob[ev.Job] = append(byJob[ev.Job], ev)
		default:
			unscoped = append(unscoped, ev)
		}
	}

	for _, ev := range unscoped {
		fmt.Fprintf(&buf, "  %s\n", renderEvent(ev))
	}
	for _, job := range result.JobOrder {
		fmt.Fprintf(&buf, "job %s\n", job)
		for _, ev := range byJob[job] {
			fmt.Fprintf(&buf, "  %s\n", renderEvent(ev))
		}
		for _, tx := range txOrder[job] {
			fmt.Fprintf(&buf, "  tx %s\n", tx)
			for _, ev := range byTx[tx] {
				fmt.Fprintf(&buf, "    %s\n", renderEvent(ev))
			}
		}
	}
	return []byte(buf.String())
}

func isTxKind(kind string) bool { return strings.HasPrefix(kind, "tx.") }

func renderEvent(ev TraceEvent) string {
	parts := []string{ev.Kind}
	if ev.Tx != "" && !isTxKind(ev.Kind) {
		parts = append(parts, "tx="+ev.Tx)
	}
	if ev.Version > 0 {
		parts = append(parts, "version="+strconv.FormatInt(ev.Version, 10))
	}
	if ev.Code != "" {
		parts = append(parts, "code="+ev.Code)
	}
	if ev.Message != "" {
		parts = append(parts, strconv.Quote(ev.Message))
	}
	return strings.Join(parts, " ")
}

// RunWithGolden executes a scenario, fails the test on any assertion
// error and compares the trace against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, RenderTrace(scenarioName, result))
}
