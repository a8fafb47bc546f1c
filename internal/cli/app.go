package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/scenebridge/internal/audit"
	"github.com/roach88/scenebridge/internal/config"
	"github.com/roach88/scenebridge/internal/ctxstore"
	"github.com/roach88/scenebridge/internal/editorhttp"
	"github.com/roach88/scenebridge/internal/engine"
	"github.com/roach88/scenebridge/internal/queue"
	"github.com/roach88/scenebridge/internal/store"
)

// app is one process's view of the bridge: the store, queue and engine
// built from the merged configuration.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	st     *store.Store
	queue  *queue.Queue
	bridge *editorhttp.Bridge
	engine *engine.Engine
}

// openApp loads the configuration and wires every component. With lock set
// the queue root is claimed for this process, as only one server may own it.
func openApp(ctx context.Context, opts *RootOptions, logOut io.Writer, lock bool) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, err := newLogger(logOut, cfg.Log.Level, opts.Verbose)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log level", err)
	}

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create store directory", err)
		}
	}
	logger.Debug("opening store", "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	qopts := []queue.Option{
		queue.WithTTL(cfg.Queue.JobTTL.D()),
		queue.WithMaxPending(cfg.Queue.MaxPending),
		queue.WithLogger(logger),
	}
	var q *queue.Queue
	switch cfg.Queue.Backend {
	case config.BackendSQL:
		q = queue.NewSQL(st, qopts...)
	default:
		q, err = queue.OpenDir(cfg.Queue.Root, qopts...)
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open queue", err)
		}
	}
	if lock {
		if err := q.Lock(); err != nil {
			q.Close()
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to lock queue", err)
		}
	}

	contexts := ctxstore.New(
		ctxstore.WithPersister(st),
		ctxstore.WithLogger(logger),
		ctxstore.WithDeltaMaxItems(cfg.Context.DeltaMaxItems),
		ctxstore.WithFocus(cfg.Context.FocusMaxScripts, cfg.Context.FocusMaxBytes),
	)
	if err := contexts.Load(ctx); err != nil {
		q.Close()
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load contexts", err)
	}

	ledger := audit.New(st, audit.WithLogger(logger))
	bridge := editorhttp.NewBridge(editorhttp.WithConnectedWindow(cfg.HTTP.ConnectedWindow.D()))
	eng := engine.New(st, q, contexts, ledger, bridge,
		engine.WithPolicy(cfg.RiskPolicy()),
		engine.WithApplyConfig(cfg.PipelineConfig()),
		engine.WithRepairPolicy(cfg.RepairPolicy()),
		engine.WithResyncer(bridge),
		engine.WithLogger(logger),
		engine.WithIntervals(0, cfg.Queue.SweepInterval.D(), cfg.Context.ReconcileInterval.D()),
		engine.WithReconcileFetches(cfg.Context.ReconcileFetches),
	)

	return &app{
		cfg:    cfg,
		logger: logger,
		st:     st,
		queue:  q,
		bridge: bridge,
		engine: eng,
	}, nil
}

// Close stops the engine and releases the queue and store.
func (a *app) Close() {
	a.engine.Close()
	if err := a.queue.Close(); err != nil {
		a.logger.Error("error closing queue", "error", err)
	}
	if err := a.st.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// newLogger builds the text logger for level. Verbose forces debug.
func newLogger(w io.Writer, level string, verbose bool) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
