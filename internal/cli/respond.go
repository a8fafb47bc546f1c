package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// RespondResult reports where a response was queued.
type RespondResult struct {
	JobID string `json:"jobId"`
	Name  string `json:"name"`
	Bytes int    `json:"bytes"`
}

// NewRespondCommand creates the respond command.
func NewRespondCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "respond <job-id> [file]",
		Short: "Queue an agent response for a job",
		Long: `Queue a response document for a job, the way the agent does.

The document is read from file, or from stdin when file is omitted or "-".
It is only checked to be JSON here; the running server validates it against
the job and the current context when it polls the queue.

Examples:
  scenebridge respond 0193a1f2-... response.json
  cat response.json | scenebridge respond 0193a1f2-...`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if len(args) == 2 && args[1] != "-" {
				raw, err = os.ReadFile(args[1])
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read response", err)
			}
			if !json.Valid(raw) {
				return NewExitError(ExitCommandError, "response is not valid JSON")
			}

			ctx := cmdContext(cmd)
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			jobID := args[0]
			name, err := a.queue.WriteResponse(ctx, jobID, raw)
			out := formatter(rootOpts, cmd)
			if err != nil {
				_ = out.ErrorFrom("E_RESPOND", err)
				return WrapExitError(ExitFailure, "failed to queue response", err)
			}
			res := RespondResult{JobID: jobID, Name: name, Bytes: len(raw)}
			return out.Result(res, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Response for %s queued as %s (%d bytes)\n", jobID, name, len(raw))
			})
		},
	}
	return cmd
}
