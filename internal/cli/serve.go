package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/roach88/scenebridge/internal/editorhttp"
	"github.com/roach88/scenebridge/internal/mcpserver"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string // overrides http.addr
	MCP  bool   // serve agent tools over stdin/stdout
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		Long: `Run the bridge: the engine loop over the job queue and the HTTP surface
for the editor plugin. Agents reach the MCP tools at /mcp on the same
listener or, with --mcp, over stdin/stdout.

The server takes an exclusive lock on the queue root, so a second server on
the same queue fails to start. It stops on SIGINT or SIGTERM, and when the
MCP session ends. Logs go to stderr.

Examples:
  scenebridge serve
  scenebridge serve --config scenebridge.yaml --addr 127.0.0.1:9000
  scenebridge serve --mcp`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "editor HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.MCP, "mcp", false, "serve MCP agent tools over stdin/stdout")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	tools := mcpserver.New(a.engine, mcpserver.WithLogger(a.logger))
	srv := editorhttp.NewServer(a.engine, a.bridge,
		editorhttp.WithLogger(a.logger),
		editorhttp.WithWaitTimeout(a.cfg.HTTP.WaitTimeout.D()),
		editorhttp.WithMount("/mcp", mcp.NewStreamableHTTPHandler(
			func(*http.Request) *mcp.Server { return tools.MCP() }, nil)),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The first component to return takes the others down.
	type result struct {
		name string
		err  error
	}
	done := make(chan result, 3)
	running := 0
	start := func(name string, fn func(context.Context) error) {
		running++
		go func() { done <- result{name, fn(ctx)} }()
	}
	start("engine", a.engine.Run)
	start("http", func(ctx context.Context) error { return srv.ListenAndServe(ctx, addr) })
	if opts.MCP {
		start("mcp", func(ctx context.Context) error { return tools.Run(ctx, &mcp.StdioTransport{}) })
	}
	a.logger.Info("server started", "addr", addr, "queue", a.cfg.Queue.Root, "backend", a.cfg.Queue.Backend, "mcp", opts.MCP)

	var firstErr error
	for ; running > 0; running-- {
		r := <-done
		cancel()
		if r.err != nil && !errors.Is(r.err, context.Canceled) && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", r.name, r.err)
		}
		a.logger.Debug("component stopped", "component", r.name)
	}
	if firstErr != nil {
		return WrapExitError(ExitFailure, "server error", firstErr)
	}
	a.logger.Info("server stopped gracefully")
	return nil
}
