package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/scenebridge/internal/engine"
)

// NewDiagnosticsCommand creates the diagnostics command.
func NewDiagnosticsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "diagnostics",
		Aliases: []string{"status"},
		Short:   "Show queue, context and transaction state",
		Long: `Show a snapshot of the bridge as recorded on disk: queue collection
counts, pending jobs, context versions, transactions by state and the audit
ledger head. Live-only fields (editor connection, approvals waiting in a
running server) are served by the server's /diagnostics endpoint.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.engine.Diagnostics(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to gather diagnostics", err)
			}
			return formatter(rootOpts, cmd).Result(d, func(w io.Writer) { renderDiagnostics(w, d) })
		},
	}
}

func renderDiagnostics(w io.Writer, d engine.Diagnostics) {
	fmt.Fprintf(w, "Queue: %d pending\n", d.Queue.Pending)
	for _, coll := range slices.Sorted(maps.Keys(d.Queue.Counts)) {
		fmt.Fprintf(w, "  %-10s %d\n", coll, d.Queue.Counts[coll])
	}
	if d.Queue.LastJob != "" {
		fmt.Fprintf(w, "  last job:      %s\n", d.Queue.LastJob)
	}
	if d.Queue.LastResponse != "" {
		fmt.Fprintf(w, "  last response: %s\n", d.Queue.LastResponse)
	}
	if d.Queue.LastError != "" {
		fmt.Fprintf(w, "  last error:    %s\n", d.Queue.LastError)
	}

	fmt.Fprintln(w, "Contexts:")
	if len(d.Versions) == 0 {
		fmt.Fprintln(w, "  none exported yet")
	}
	for _, id := range slices.Sorted(maps.Keys(d.Versions)) {
		fmt.Fprintf(w, "  %s  version %d\n", id, d.Versions[id])
	}

	fmt.Fprintln(w, "Transactions:")
	for _, state := range slices.Sorted(maps.Keys(d.Transactions)) {
		fmt.Fprintf(w, "  %-16s %d\n", state, d.Transactions[state])
	}
	fmt.Fprintf(w, "Audit: head %d, %d failed append(s)\n", d.AuditHead, d.AuditFailures)
}
