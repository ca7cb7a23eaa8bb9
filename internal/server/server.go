// Package server owns the HTTP listener lifecycle for the relay: serve until
// the context is cancelled, then close every live session, drain in-flight
// requests and wait for background tool calls.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/mcp-echo-sse/internal/engine"
	"github.com/ggoodman/mcp-echo-sse/internal/logctx"
	"github.com/ggoodman/mcp-echo-sse/sessions"
)

const defaultShutdownTimeout = 10 * time.Second

type Server struct {
	addr            string
	handler         http.Handler
	registry        *sessions.Registry
	engine          *engine.Engine
	log             *slog.Logger
	shutdownTimeout time.Duration
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithShutdownTimeout bounds the whole graceful shutdown sequence.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

func New(addr string, handler http.Handler, registry *sessions.Registry, eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		handler:         handler,
		registry:        registry,
		engine:          eng,
		log:             slog.Default(),
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

// ListenAndServe binds the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. A clean shutdown
// returns nil even when individual sessions could not be closed in time;
// those failures are logged.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	// SSE streams are long lived; Shutdown only waits for idle connections,
	// so the sessions must be ended for their handlers to return.
	var (
		hook     sync.WaitGroup
		closeCtx context.Context
	)
	hook.Add(1)
	httpSrv.RegisterOnShutdown(func() {
		defer hook.Done()
		s.closeSessions(closeCtx)
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(ln)
	}()

	s.log.InfoContext(ctx, "server.listen", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("server.shutdown.start", slog.Int("sessions", s.registry.Len()))
	start := time.Now()

	timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	closeCtx = timeoutCtx

	if err := httpSrv.Shutdown(timeoutCtx); err != nil {
		s.log.Warn("server.shutdown.forced", slog.String("err", err.Error()))
		_ = httpSrv.Close()
	}
	hook.Wait()
	<-serveErr

	if !s.waitEngine(timeoutCtx) {
		s.log.Warn("server.shutdown.calls_abandoned")
	}

	s.log.Info("server.shutdown.done", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return nil
}

func (s *Server) closeSessions(ctx context.Context) {
	err := s.registry.CloseAll(ctx)
	if err == nil {
		return
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			s.log.WarnContext(ctx, "server.shutdown.session_close_failed", slog.String("err", e.Error()))
		}
		return
	}
	s.log.WarnContext(ctx, "server.shutdown.session_close_failed", slog.String("err", err.Error()))
}

func (s *Server) waitEngine(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
