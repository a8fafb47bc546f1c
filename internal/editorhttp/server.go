// Package editorhttp is the HTTP surface the editor plugin talks to.
//
// The plugin uploads context exports, long-polls for transactions, and
// posts receipts. Operators use the same surface to approve, reject and
// roll back transactions and to read diagnostics.
//
// Routes:
//
//	GET  /health
//	GET  /diagnostics
//	GET  /audit/ledger?after=&limit=
//	POST /context/export?mode=diff|full
//	GET  /context/request?contextId=      (editor takes a pending export request)
//	POST /context/request                 (ask the editor for an export)
//	GET  /context/summary?contextId=
//	GET  /context/missing?contextId=
//	GET  /context/script?contextId=&path=
//	POST /jobs
//	POST /tx/wait
//	POST /tx/receipt
//	GET  /tx/pending
//	GET  /tx/{txID}
//	POST /tx/{txID}/approve
//	POST /tx/{txID}/reject
//	POST /tx/{txID}/rollback
//	POST /tx/{txID}/redrive
//
// WithMount adds further handlers, such as the agent MCP endpoint.
package editorhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/scenebridge/internal/engine"
)

// Server serves the editor and operator HTTP routes.
type Server struct {
	engine      *engine.Engine
	bridge      *Bridge
	logger      *slog.Logger
	waitTimeout time.Duration
	mounts      map[string]http.Handler
	router      *chi.Mux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWaitTimeout caps a transaction long-poll.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Server) { s.waitTimeout = d }
}

// WithMount serves h under pattern beside the editor routes.
func WithMount(pattern string, h http.Handler) Option {
	return func(s *Server) {
		if s.mounts == nil {
			s.mounts = make(map[string]http.Handler)
		}
		s.mounts[pattern] = h
	}
}

// NewServer builds the router. The engine must have been created with b as
// its editor.
func NewServer(e *engine.Engine, b *Bridge, opts ...Option) *Server {
	s := &Server{
		engine:      e,
		bridge:      b,
		logger:      slog.Default(),
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/diagnostics", s.handleDiagnostics)
	r.Get("/audit/ledger", s.handleLedger)

	r.Route("/context", func(r chi.Router) {
		r.Post("/export", s.handleExport)
		r.Get("/request", s.handleTakeExport)
		r.Post("/request", s.handleRequestExport)
		r.Get("/summary", s.handleSummary)
		r.Get("/missing", s.handleMissing)
		r.Get("/script", s.handleScript)
	})

	r.Post("/jobs", s.handleCreateJob)

	r.Route("/tx", func(r chi.Router) {
		r.Post("/wait", s.handleWait)
		r.Post("/receipt", s.handleReceipt)
		r.Get("/pending", s.handlePending)
		r.Route("/{txID}", func(r chi.Router) {
			r.Get("/", s.handleTransaction)
			r.Post("/approve", s.handleApprove)
			r.Post("/reject", s.handleReject)
			r.Post("/rollback", s.handleRollback)
			r.Post("/redrive", s.handleRedrive)
		})
	})

	for pattern, h := range s.mounts {
		r.Handle(pattern, h)
	}

	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("editor http listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// logRequests logs each request at Debug, and failures at Warn.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
