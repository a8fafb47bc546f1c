package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenebridge/internal/ir"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"jobId": "job-1"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"jobId": "job-1"}, resp.Data)
}

func TestOutputFormatter_TextResultCallsRenderer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Result(struct{ N int }{3}, func(w io.Writer) {
		fmt.Fprintln(w, "three jobs")
	})
	require.NoError(t, err)
	assert.Equal(t, "three jobs\n", buf.String())
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("E_CONFIG", "invalid config", []string{"queue.jobTTL"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_CONFIG", resp.Error.Code)
	assert.Equal(t, "invalid config", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_ErrorFromTaxonomy(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := fmt.Errorf("create job: %w", ir.NewError(ir.CodePolicyViolation, "queue full").WithDetail("pending", "1000"))
	require.NoError(t, formatter.ErrorFrom("E_JOB", err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ir.CodePolicyViolation), resp.Error.Code)
	assert.Equal(t, "queue full", resp.Error.Message)
	assert.Equal(t, map[string]any{"pending": "1000"}, resp.Error.Details)
}

func TestOutputFormatter_ErrorFromPlainError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.ErrorFrom("E_JOB", errors.New("disk full")))
	assert.Equal(t, "Error [E_JOB]: disk full\n", buf.String())
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, formatter.Error("E_CONFIG", "invalid config", map[string]string{"path": "queue.backend"}))
	assert.Contains(t, buf.String(), "Error [E_CONFIG]: invalid config")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("loading %s", "scenebridge.yaml")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Contains(t, errOut.String(), "loading scenebridge.yaml")
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "open store", errors.New("denied"))))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitFailure, "ledger broken"))))
}

func TestExitErrorMessage(t *testing.T) {
	assert.Equal(t, "open store: denied", WrapExitError(ExitCommandError, "open store", errors.New("denied")).Error())
	assert.Equal(t, "ledger broken", NewExitError(ExitFailure, "ledger broken").Error())
}
