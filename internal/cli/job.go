package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scenebridge/internal/engine"
	"github.com/roach88/scenebridge/internal/ir"
	"github.com/roach88/scenebridge/internal/queue"
)

// JobCreateOptions holds flags for job create.
type JobCreateOptions struct {
	*RootOptions
	ContextID   string
	Place       int64
	Session     string
	Project     string
	Intent      string
	Prompt      string
	FromVersion int64
	Hints       []string
	TTL         time.Duration
}

// JobView is a job with whatever the queue and ledger know about its fate.
type JobView struct {
	Job     ir.Job           `json:"job"`
	Ack     *ir.Ack          `json:"ack,omitempty"`
	Errors  []ir.ErrorRecord `json:"errors,omitempty"`
	TxIDs   []string         `json:"transactions,omitempty"`
	Repairs []string         `json:"repairs,omitempty"`
}

// NewJobCommand creates the job command group.
func NewJobCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create and inspect agent jobs",
	}
	cmd.AddCommand(newJobCreateCommand(rootOpts))
	cmd.AddCommand(newJobListCommand(rootOpts))
	cmd.AddCommand(newJobShowCommand(rootOpts))
	return cmd
}

func newJobCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobCreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Enqueue a job for the agent",
		Long: `Enqueue a job carrying the current context payload of a scene.

The context must have been exported by the editor at least once.

Examples:
  scenebridge job create --context p_42__s_studio__k_main --prompt "anchor every part"
  scenebridge job create --place 42 --session studio --project main --prompt "fix the door script" --hint game/ServerScriptService/Door`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobCreate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ContextID, "context", "", "context id")
	cmd.Flags().Int64Var(&opts.Place, "place", 0, "place id (derives the context id)")
	cmd.Flags().StringVar(&opts.Session, "session", "", "studio session id, with --place")
	cmd.Flags().StringVar(&opts.Project, "project", "", "project key, with --place")
	cmd.Flags().StringVar(&opts.Intent, "intent", "", "job intent (default \"edit\")")
	cmd.Flags().StringVar(&opts.Prompt, "prompt", "", "instruction for the agent (required)")
	cmd.Flags().Int64Var(&opts.FromVersion, "from-version", 0, "last context version the agent has seen")
	cmd.Flags().StringArrayVar(&opts.Hints, "hint", nil, "path the prompt is about (repeatable)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "job expiry (default from config)")
	_ = cmd.MarkFlagRequired("prompt")
	cmd.MarkFlagsOneRequired("context", "place")

	return cmd
}

func runJobCreate(opts *JobCreateOptions, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)
	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.engine.CreateJob(ctx, engine.JobRequest{
		Scope:       ir.Scope{PlaceID: opts.Place, SessionID: opts.Session, ProjectKey: opts.Project},
		ContextID:   opts.ContextID,
		Intent:      opts.Intent,
		Prompt:      opts.Prompt,
		FromVersion: opts.FromVersion,
		Hints:       opts.Hints,
		TTL:         opts.TTL,
	})
	out := formatter(opts.RootOptions, cmd)
	if err != nil {
		_ = out.ErrorFrom("E_JOB", err)
		return WrapExitError(ExitFailure, "failed to create job", err)
	}
	return out.Result(job, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Job %s enqueued\n", job.ID)
		fmt.Fprintf(w, "  Context: %s (version %d)\n", job.ContextID, job.ContextVersion)
		fmt.Fprintf(w, "  Expires: %s\n", job.ExpiresAt.Format(time.RFC3339))
	})
}

func newJobListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List pending jobs",
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

			jobs, err := a.queue.PendingJobs(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list jobs", err)
			}
			if jobs == nil {
				jobs = []ir.Job{}
			}
			return formatter(rootOpts, cmd).Result(jobs, func(w io.Writer) {
				if len(jobs) == 0 {
					fmt.Fprintln(w, "No pending jobs.")
					return
				}
				for _, j := range jobs {
					fmt.Fprintf(w, "%s  %-8s %s v%d  expires %s  %q\n",
						j.ID, j.Intent, j.ContextID, j.ContextVersion, j.ExpiresAt.Format(time.RFC3339), j.Prompt)
				}
			})
		},
	}
}

func newJobShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <job-id>",
		Short:         "Show a job, its resolution and its transactions",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := showJob(ctx, a, args[0])
			out := formatter(rootOpts, cmd)
			if err != nil {
				_ = out.ErrorFrom("E_JOB", err)
				return WrapExitError(ExitFailure, "failed to show job", err)
			}
			return out.Result(view, func(w io.Writer) { renderJob(w, view) })
		},
	}
}

func showJob(ctx context.Context, a *app, jobID string) (JobView, error) {
	job, err := a.queue.Job(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	view := JobView{Job: job}

	ack, err := a.queue.Ack(ctx, jobID)
	switch {
	case err == nil:
		view.Ack = &ack
	case !errors.Is(err, queue.ErrNotFound):
		return JobView{}, err
	}
	if view.Errors, err = a.queue.Errors(ctx, jobID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		return JobView{}, err
	}

	hist, err := a.engine.Ledger().Reconstruct(ctx, jobID)
	switch {
	case err == nil:
		for _, tx := range hist.Transactions {
			view.TxIDs = append(view.TxIDs, tx.ID)
		}
		view.Repairs = hist.Repairs
	case !ir.IsCode(err, ir.CodeNotFound):
		return JobView{}, err
	}
	return view, nil
}

func renderJob(w io.Writer, v JobView) {
	fmt.Fprintf(w, "Job %s (%s)\n", v.Job.ID, v.Job.Intent)
	fmt.Fprintf(w, "  Context: %s (version %d)\n", v.Job.ContextID, v.Job.ContextVersion)
	fmt.Fprintf(w, "  Prompt:  %q\n", v.Job.Prompt)
	fmt.Fprintf(w, "  Created: %s\n", v.Job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Expires: %s\n", v.Job.ExpiresAt.Format(time.RFC3339))
	if v.Job.RepairOf != nil {
		fmt.Fprintf(w, "  Repair of: %s\n", v.Job.RepairOf.JobID)
	}
	if v.Ack == nil {
		fmt.Fprintln(w, "  Status:  pending")
	} else {
		fmt.Fprintf(w, "  Status:  %s", v.Ack.Outcome)
		if v.Ack.Code != "" {
			fmt.Fprintf(w, " [%s]", v.Ack.Code)
		}
		if v.Ack.Reason != "" {
			fmt.Fprintf(w, " %s", v.Ack.Reason)
		}
		fmt.Fprintln(w)
	}
	for _, e := range v.Errors {
		fmt.Fprintf(w, "  Error:   [%s] %s\n", e.Code, e.Reason)
	}
	for _, tx := range v.TxIDs {
		fmt.Fprintf(w, "  Transaction: %s\n", tx)
	}
	for _, r := range v.Repairs {
		fmt.Fprintf(w, "  Repair job:  %s\n", r)
	}
}

// formatter returns the output formatter for cmd.
func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// cmdContext returns the command's context, or Background outside Execute.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
