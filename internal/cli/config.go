package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/scenebridge/internal/config"
)

// ValidateConfigOptions holds flags for validate-config.
type ValidateConfigOptions struct {
	*RootOptions
	Print bool // print the merged configuration
}

// NewValidateConfigCommand creates the validate-config command.
func NewValidateConfigCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateConfigOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate-config [file]",
		Short: "Check a configuration against the schema",
		Long: `Merge defaults, the config file and SCENEBRIDGE_* environment overrides,
then check the result against the embedded schema. Every violation is
reported with its path.

The file defaults to --config.

Exit codes:
  0 - Configuration is valid
  1 - Configuration violates the schema
  2 - Command error (file missing, unsupported format, parse error)

Examples:
  scenebridge validate-config scenebridge.yaml
  scenebridge validate-config --config scenebridge.jsonc --print`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runValidateConfig(opts, path, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Print, "print", false, "print the merged configuration as YAML")

	return cmd
}

func runValidateConfig(opts *ValidateConfigOptions, path string, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)

	cfg, err := config.Load(path)
	var verr *config.ValidationError
	switch {
	case errors.As(err, &verr):
		_ = out.Error("E_CONFIG_INVALID", fmt.Sprintf("%d issue(s)", len(verr.Issues)), verr.Issues)
		if opts.Format != "json" {
			for _, is := range verr.Issues {
				fmt.Fprintf(out.Writer, "  %s: %s\n", is.Path, is.Message)
			}
		}
		return NewExitError(ExitFailure, "configuration is invalid")
	case err != nil:
		_ = out.Error("E_CONFIG", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	source := path
	if source == "" {
		source = "defaults"
	}
	data := map[string]any{"source": source, "valid": true}
	if opts.Print {
		data["config"] = cfg
	}
	return out.Result(data, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid\n", source)
		if opts.Print {
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			_ = enc.Encode(cfg)
			_ = enc.Close()
		}
	})
}
