package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire jobs past their TTL",
		Long: `Resolve every pending job whose TTL has passed with a TIMEOUT error and
audit the expiry. The server does this on its own every queue.sweepInterval;
this command runs one pass, for a queue with no server attached.`,
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

			expired, err := a.engine.Sweep(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "sweep failed", err)
			}
			if expired == nil {
				expired = []string{}
			}
			return formatter(rootOpts, cmd).Result(map[string]any{"expired": expired}, func(w io.Writer) {
				if len(expired) == 0 {
					fmt.Fprintln(w, "No expired jobs.")
					return
				}
				for _, id := range expired {
					fmt.Fprintf(w, "✗ %s expired\n", id)
				}
				fmt.Fprintf(w, "%d job(s) expired\n", len(expired))
			})
		},
	}
}
