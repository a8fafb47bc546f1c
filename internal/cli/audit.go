package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scenebridge/internal/audit"
	"github.com/roach88/scenebridge/internal/ir"
)

// AuditListOptions holds flags for audit list.
type AuditListOptions struct {
	*RootOptions
	JobID    string
	TxID     string
	AfterSeq int64
	Since    time.Duration
	Limit    int
}

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read and verify the audit ledger",
	}
	cmd.AddCommand(newAuditListCommand(rootOpts))
	cmd.AddCommand(newAuditVerifyCommand(rootOpts))
	return cmd
}

func newAuditListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries",
		Long: `List audit ledger entries in ledger order.

Examples:
  scenebridge audit list --limit 50
  scenebridge audit list --job 0193a1f2-...
  scenebridge audit list --tx 0193a1f3-... --format json
  scenebridge audit list --since 1h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.JobID, "job", "", "only entries for this job")
	cmd.Flags().StringVar(&opts.TxID, "tx", "", "only entries for this transaction")
	cmd.Flags().Int64Var(&opts.AfterSeq, "after", 0, "only entries after this sequence number")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only entries newer than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 200, "maximum entries (0 for all)")
	cmd.MarkFlagsMutuallyExclusive("job", "tx")

	return cmd
}

func runAuditList(opts *AuditListOptions, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)
	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	ledger := a.engine.Ledger()
	var entries []ir.AuditRecord
	switch {
	case opts.JobID != "":
		entries, err = ledger.ForJob(ctx, opts.JobID)
	case opts.TxID != "":
		entries, err = ledger.ForTransaction(ctx, opts.TxID)
	default:
		c := audit.Cursor{AfterSeq: opts.AfterSeq}
		if opts.Since > 0 {
			c.Since = time.Now().Add(-opts.Since)
		}
		entries, err = ledger.EntriesSince(ctx, c, opts.Limit)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read ledger", err)
	}
	if entries == nil {
		entries = []ir.AuditRecord{}
	}

	return formatter(opts.RootOptions, cmd).Result(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No ledger entries.")
			return
		}
		for _, rec := range entries {
			fmt.Fprintln(w, formatEntry(rec, opts.Verbose))
		}
	})
}

// formatEntry renders one ledger entry on a line.
func formatEntry(rec ir.AuditRecord, verbose bool) string {
	s := fmt.Sprintf("[%d] %s %s", rec.Seq, rec.At.Format(time.RFC3339), rec.Kind)
	if rec.JobID != "" {
		s += " job=" + rec.JobID
	}
	if rec.TxID != "" {
		s += " tx=" + rec.TxID
	}
	if rec.ContextID != "" {
		s += fmt.Sprintf(" context=%s@%d", rec.ContextID, rec.Version)
	}
	if rec.Code != "" {
		s += " code=" + string(rec.Code)
	}
	if rec.Message != "" {
		s += fmt.Sprintf(" %q", rec.Message)
	}
	if verbose {
		s += " hash=" + rec.Hash
	}
	return s
}

func newAuditVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger hash chain",
		Long: `Recompute every ledger hash and check that each entry chains to its
predecessor.

Exit codes:
  0 - The chain is intact
  1 - The chain is broken
  2 - Command error`,
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

			res, err := a.engine.Ledger().Verify(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to verify ledger", err)
			}
			out := formatter(rootOpts, cmd)
			if !res.OK() {
				_ = out.Error("E_LEDGER_BROKEN", fmt.Sprintf("chain broken at seq %d: %s", res.BrokenAt, res.Reason), res)
				return NewExitError(ExitFailure, "audit ledger chain is broken")
			}
			return out.Result(res, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Ledger intact (%d entries checked)\n", res.Checked)
			})
		},
	}
}
