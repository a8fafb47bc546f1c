package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	// Config is the config file path; empty uses defaults and environment.
	Config string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the scenebridge CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scenebridge",
		Short: "SceneBridge - agent to editor job bridge",
		Long: `SceneBridge turns an agent's planned scene edits into validated,
risk-tiered transactions applied by a live editor plugin.

Agents pick up jobs from the queue and answer with action batches; the
server preflights each batch against the current scene context, applies it
through the editor and records every step in a hash-chained audit ledger.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (.yaml, .yml, .json, .jsonc)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewJobCommand(opts))
	cmd.AddCommand(NewRespondCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewDiagnosticsCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewTxCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewValidateConfigCommand(opts))

	return cmd
}
