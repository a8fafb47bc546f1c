package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scenebridge/internal/config"
	"github.com/roach88/scenebridge/internal/engine"
	"github.com/roach88/scenebridge/internal/ir"
)

// TxOptions holds flags shared by the tx commands.
type TxOptions struct {
	*RootOptions
	Server string // base URL; defaults to http://<http.addr>
}

// NewTxCommand creates the tx command group. Approval, rollback and
// re-drive act on the pipeline of the running server, so these commands
// talk to its HTTP surface rather than the store.
func NewTxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TxOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Inspect and decide transactions on a running server",
	}
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "server base URL (default from http.addr)")

	cmd.AddCommand(&cobra.Command{
		Use:           "pending",
		Short:         "List transactions awaiting approval",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				AwaitingApproval []engine.TransactionView `json:"awaitingApproval"`
			}
			return runTx(opts, cmd, http.MethodGet, "/tx/pending", nil, &out, func(w io.Writer) {
				if len(out.AwaitingApproval) == 0 {
					fmt.Fprintln(w, "No transactions awaiting approval.")
					return
				}
				for _, v := range out.AwaitingApproval {
					renderTx(w, v.Transaction)
				}
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "show <tx-id>",
		Short:         "Show a transaction and its receipt",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var view engine.TransactionView
			return runTx(opts, cmd, http.MethodGet, "/tx/"+args[0], nil, &view, func(w io.Writer) {
				renderTx(w, view.Transaction)
				if r := view.Receipt; r != nil {
					failed := 0
					for _, res := range r.Results {
						if !res.OK {
							failed++
						}
					}
					fmt.Fprintf(w, "  Receipt: %d result(s), %d failed\n", len(r.Results), failed)
				}
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "approve <tx-id>",
		Short:         "Approve a transaction awaiting approval",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			return runTx(opts, cmd, http.MethodPost, "/tx/"+args[0]+"/approve", nil, &out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ %s approved\n", args[0])
			})
		},
	})

	var reason string
	reject := &cobra.Command{
		Use:           "reject <tx-id>",
		Short:         "Reject a transaction awaiting approval",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]string{"reason": reason}
			return runTx(opts, cmd, http.MethodPost, "/tx/"+args[0]+"/reject", body, &out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ %s rejected\n", args[0])
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason recorded on the job")
	cmd.AddCommand(reject)

	cmd.AddCommand(&cobra.Command{
		Use:           "rollback <tx-id>",
		Short:         "Roll back an applied transaction with compensating actions",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				OK       bool               `json:"ok"`
				Rollback *ir.RollbackReport `json:"rollback"`
			}
			return runTx(opts, cmd, http.MethodPost, "/tx/"+args[0]+"/rollback", nil, &out, func(w io.Writer) {
				if out.OK {
					fmt.Fprintf(w, "✓ %s rolled back\n", args[0])
					return
				}
				fmt.Fprintf(w, "✗ %s rollback incomplete\n", args[0])
				if out.Rollback != nil {
					fmt.Fprintf(w, "  State: %s\n", out.Rollback.State)
				}
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "redrive <tx-id>",
		Short:         "Resubmit a settled transaction's actions as a new transaction",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Transaction ir.Transaction `json:"transaction"`
			}
			return runTx(opts, cmd, http.MethodPost, "/tx/"+args[0]+"/redrive", nil, &out, func(w io.Writer) {
				fmt.Fprintf(w, "✓ %s redriven as %s\n", args[0], out.Transaction.ID)
			})
		},
	})

	return cmd
}

func renderTx(w io.Writer, tx ir.Transaction) {
	fmt.Fprintf(w, "%s  %-16s tier=%s job=%s actions=%d\n", tx.ID, tx.State, tx.Tier, tx.JobID, len(tx.Actions))
	if tx.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", tx.Reason)
	}
}

// runTx calls the server and prints its answer.
func runTx(opts *TxOptions, cmd *cobra.Command, method, path string, body, out any, text func(io.Writer)) error {
	base, err := opts.baseURL()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmdContext(cmd), 30*time.Second)
	defer cancel()

	f := formatter(opts.RootOptions, cmd)
	if err := callServer(ctx, base, method, path, body, out); err != nil {
		if _, ok := ir.AsError(err); ok {
			_ = f.ErrorFrom("E_SERVER", err)
			return WrapExitError(ExitFailure, "request refused", err)
		}
		return WrapExitError(ExitCommandError, "server unreachable", err)
	}
	return f.Result(out, text)
}

func (o *TxOptions) baseURL() (string, error) {
	if o.Server != "" {
		return strings.TrimSuffix(o.Server, "/"), nil
	}
	cfg, err := config.Load(o.Config)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return "http://" + cfg.HTTP.Addr, nil
}

// callServer sends body as JSON and decodes the reply into out. A non-2xx
// reply is returned as the server's *ir.Error.
func callServer(ctx context.Context, base, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb struct {
			Error *ir.Error `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error == nil {
			return ir.NewError("", "server returned %s", resp.Status)
		}
		return eb.Error
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
