package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestdata(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRun_MinimalScenario(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Equal(t, map[string]string{"a": "job-1"}, result.Jobs)
	assert.Equal(t, []string{"job-1"}, result.JobOrder)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, "context.delta", result.Trace[0].Kind)
	assert.Equal(t, "job.created", result.Trace[1].Kind)
	assert.Equal(t, "job-1", result.Trace[1].Job)
}

func TestRun_FailingAssertionsAreReported(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	s.Assertions = []Assertion{
		{Type: AssertAck, Job: "a", Outcome: "applied"},
		{Type: AssertVersion, Version: 7},
		{Type: AssertTxState, Tx: "tx-9", State: "succeeded"},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "no ack")
	assert.Contains(t, result.Errors[1], "context version 7")
}

func TestRun_StepErrors(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	s.Steps = append(s.Steps, Step{Approve: "tx-1"})

	_, err = Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
}

func TestRun_MalformedResponseKeepsJobPending(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	s.Steps = append(s.Steps,
		Step{Respond: &RespondStep{Job: "a", Raw: "{not json"}},
		Step{Process: true},
	)
	s.Assertions = append(s.Assertions,
		Assertion{Type: AssertErrors, Job: "a", Code: "SCHEMA_INVALID", Count: intp(1)},
		Assertion{Type: AssertTraceContains, Kind: "response.rejected", Job: "a", Code: "SCHEMA_INVALID"},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_AgentFailureResolvesJob(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	s.Steps = append(s.Steps,
		Step{Respond: &RespondStep{Job: "a", Body: map[string]any{"ok": false, "errors": []any{"cannot find the part"}}}},
		Step{Process: true},
	)
	s.Assertions = []Assertion{
		{Type: AssertAck, Job: "a", Outcome: "failed", Code: "AGENT_FAILURE"},
		{Type: AssertTraceContains, Kind: "job.resolved", Job: "a", Code: "AGENT_FAILURE", Message: "failed"},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRun_Testdata(t *testing.T) {
	for _, name := range []string{"apply_success", "rebase_loop", "expired_late_response", "operator_approval", "auto_repair"} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(loadTestdata(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}
