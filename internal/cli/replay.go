package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/scenebridge/internal/audit"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/queue"
	"github.com/roach88/scenebridge/internal/store"
)

// ReplayJobResult holds the replay result for a single job.
type ReplayJobResult struct {
	JobID        string                  `json:"job_id"`
	Entries      int                     `json:"entries"`
	Transactions map[string][]ir.TxState `json:"transactions"`
	Resolution   string                  `json:"resolution"`
	Repairs      []string                `json:"repairs,omitempty"`
	Consistent   bool                    `json:"consistent"`
	Mismatches   []string                `json:"mismatches,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Jobs          []ReplayJobResult `json:"jobs"`
	TotalJobs     int               `json:"total_jobs"`
	AllConsistent bool              `json:"all_consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [job-id...]",
		Short: "Rebuild job histories from the ledger and check them against state",
		Long: `Rebuild what happened to each job from the audit ledger alone and
compare it with the stored transaction states and queue resolutions.

A mismatch means state and ledger diverged, for example after a crash
between a state write and its audit entry. Without job ids every job in the
ledger is replayed.

Exit codes:
  0 - Ledger and state agree
  1 - One or more jobs are inconsistent
  2 - Command error (bad config, database not found, etc.)

Examples:
  scenebridge replay
  scenebridge replay 0193a1f2-... --verbose
  scenebridge replay --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runReplay(opts *RootOptions, jobIDs []string, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)
	a, err := openApp(ctx, opts, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(jobIDs) == 0 {
		jobIDs, err = ledgerJobs(ctx, a.engine.Ledger())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list jobs", err)
		}
	}

	result := ReplayResult{
		Jobs:          make([]ReplayJobResult, 0, len(jobIDs)),
		TotalJobs:     len(jobIDs),
		AllConsistent: true,
	}
	for _, id := range jobIDs {
		jr, err := replayJob(ctx, a, id)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay job %s", id), err)
		}
		result.Jobs = append(result.Jobs, jr)
		if !jr.Consistent {
			result.AllConsistent = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// ledgerJobs returns every job id the ledger saw created, in creation order.
func ledgerJobs(ctx context.Context, ledger *audit.Ledger) ([]string, error) {
	entries, err := ledger.EntriesSince(ctx, audit.Cursor{}, 0)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.Kind == ir.AuditJobCreated && !slices.Contains(ids, e.JobID) {
			ids = append(ids, e.JobID)
		}
	}
	return ids, nil
}

// replayJob reconstructs one job and compares it with stored state.
func replayJob(ctx context.Context, a *app, jobID string) (ReplayJobResult, error) {
	hist, err := a.engine.Ledger().Reconstruct(ctx, jobID)
	if ir.IsCode(err, ir.CodeNotFound) {
		return ReplayJobResult{
			JobID:      jobID,
			Consistent: false,
			Mismatches: []string{"no ledger entries"},
		}, nil
	}
	if err != nil {
		return ReplayJobResult{}, err
	}

	jr := ReplayJobResult{
		JobID:        jobID,
		Entries:      len(hist.Entries),
		Transactions: make(map[string][]ir.TxState, len(hist.Transactions)),
		Resolution:   "pending",
		Repairs:      hist.Repairs,
	}
	switch {
	case hist.Resolved != nil:
		jr.Resolution = hist.Resolved.Outcome
	case hist.Expired:
		jr.Resolution = "expired"
	}

	for _, th := range hist.Transactions {
		jr.Transactions[th.ID] = th.States
		view, err := a.engine.Transaction(ctx, th.ID)
		if errors.Is(err, store.ErrNotFound) || ir.IsCode(err, ir.CodeNotFound) {
			jr.Mismatches = append(jr.Mismatches, fmt.Sprintf("%s: in ledger but not in store", th.ID))
			continue
		}
		if err != nil {
			return ReplayJobResult{}, err
		}
		if got := view.Transaction.State; got != th.Last.State {
			jr.Mismatches = append(jr.Mismatches, fmt.Sprintf("%s: store says %s, ledger says %s", th.ID, got, th.Last.State))
		}
		if (view.Receipt != nil) != (th.Receipt != nil) {
			jr.Mismatches = append(jr.Mismatches, fmt.Sprintf("%s: receipt stored %v, audited %v", th.ID, view.Receipt != nil, th.Receipt != nil))
		}
	}

	ack, err := a.queue.Ack(ctx, jobID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		if hist.Resolved != nil {
			jr.Mismatches = append(jr.Mismatches, fmt.Sprintf("ledger resolved job as %s but queue has no ack", hist.Resolved.Outcome))
		}
	case err != nil:
		return ReplayJobResult{}, err
	case hist.Resolved != nil && ack.Outcome != hist.Resolved.Outcome:
		jr.Mismatches = append(jr.Mismatches, fmt.Sprintf("queue ack %s, ledger %s", ack.Outcome, hist.Resolved.Outcome))
	}

	jr.Consistent = len(jr.Mismatches) == 0
	return jr, nil
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	if !result.AllConsistent {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_INCONSISTENT",
			Message: "ledger and state disagree",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllConsistent {
		return NewExitError(ExitFailure, "ledger and state disagree")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if result.TotalJobs == 0 {
		fmt.Fprintln(w, "No jobs found in ledger.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d job(s)\n", result.TotalJobs)
	fmt.Fprintln(w)

	for _, job := range result.Jobs {
		status := "✓"
		if !job.Consistent {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Job: %s (%s)\n", status, job.JobID, job.Resolution)

		if verbose {
			fmt.Fprintf(w, "  Entries: %d\n", job.Entries)
			txIDs := make([]string, 0, len(job.Transactions))
			for id := range job.Transactions {
				txIDs = append(txIDs, id)
			}
			slices.Sort(txIDs)
			for _, id := range txIDs {
				fmt.Fprintf(w, "  Transaction %s: %v\n", id, job.Transactions[id])
			}
			for _, r := range job.Repairs {
				fmt.Fprintf(w, "  Repair job: %s\n", r)
			}
		} else {
			fmt.Fprintf(w, "  Events: %d entries, %d transaction(s)\n", job.Entries, len(job.Transactions))
		}

		for _, m := range job.Mismatches {
			fmt.Fprintf(w, "  Mismatch: %s\n", m)
		}
		fmt.Fprintln(w)
	}

	if result.AllConsistent {
		fmt.Fprintln(w, "✓ Ledger and state agree")
		return nil
	}

	fmt.Fprintln(w, "✗ Ledger and state disagree")
	return NewExitError(ExitFailure, "ledger and state disagree")
}
