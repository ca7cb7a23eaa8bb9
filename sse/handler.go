package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-echo-sse/internal/engine"
	"github.com/ggoodman/mcp-echo-sse/internal/logctx"
	"github.com/ggoodman/mcp-echo-sse/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	ErrMissingSessionID = errors.New("missing sessionId query parameter")
	ErrMalformedBody    = errors.New("malformed body")
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	defaultSSEEndpoint     = "/sse"
	defaultMessageEndpoint = "/messages"

	sessionIDParam = "sessionId"
	endpointEvent  = "endpoint"
	maxBodyBytes   = 4 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections. This is
// transport-level and does not claim JSON-RPC framing.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger          *slog.Logger
	sseEndpoint     string
	messageEndpoint string
	sessionOpts     []sessions.Option
}

// WithLogger sets the logger used for request and stream events.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSSEEndpoint sets the path serving event streams. Default /sse.
func WithSSEEndpoint(path string) Option {
	return func(c *config) { c.sseEndpoint = path }
}

// WithMessageEndpoint sets the path accepting client messages. It is also
// the path advertised in the endpoint event. Default /messages.
func WithMessageEndpoint(path string) Option {
	return func(c *config) { c.messageEndpoint = path }
}

// WithQueueSize bounds each session's outbound queue.
func WithQueueSize(n int) Option {
	return func(c *config) { c.sessionOpts = append(c.sessionOpts, sessions.WithQueueSize(n)) }
}

// WithKeepAlive sets the idle interval after which streams receive a
// keepalive comment. Zero disables keepalives.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.sessionOpts = append(c.sessionOpts, sessions.WithKeepAlive(d)) }
}

// Handler serves the SSE stream and message endpoints.
type Handler struct {
	mux             *http.ServeMux
	log             *slog.Logger
	registry        *sessions.Registry
	eng             *engine.Engine
	messageEndpoint string
	sessionOpts     []sessions.Option
}

// New constructs a Handler that registers stream sessions in registry and
// submits client messages to eng.
func New(registry *sessions.Registry, eng *engine.Engine, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}

	cfg := &config{
		logger:          slog.Default(),
		sseEndpoint:     defaultSSEEndpoint,
		messageEndpoint: defaultMessageEndpoint,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	for _, p := range []string{cfg.sseEndpoint, cfg.messageEndpoint} {
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("endpoint path must start with /, got %q", p)
		}
	}
	if cfg.sseEndpoint == cfg.messageEndpoint {
		return nil, fmt.Errorf("stream and message endpoints must differ, both are %q", cfg.sseEndpoint)
	}

	h := &Handler{
		log:             logctx.Wrap(cfg.logger),
		registry:        registry,
		eng:             eng,
		messageEndpoint: cfg.messageEndpoint,
		sessionOpts:     cfg.sessionOpts,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.sseEndpoint), h.handleGetSSE)
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.messageEndpoint), h.handlePostMessage)
	mux.HandleFunc("/", h.handleNotFound)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	h.log.InfoContext(r.Context(), "http.route.miss")
	writeJSONError(w, http.StatusNotFound, "not found")
}

// streamWriter wraps the response writer of an event stream. It refuses to
// write once the request context is done.
type streamWriter struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *streamWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *streamWriter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// handleGetSSE opens a session, advertises its message endpoint and streams
// its events until the client disconnects or the session is closed.
func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodGet {
		h.handleNotFound(w, r)
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.not_acceptable")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	s := sessions.New(&streamWriter{Writer: w, Flusher: f, ctx: ctx}, h.sessionOpts...)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID(), State: s.State().String()})

	h.eng.Attach(s)
	if err := h.registry.Register(s); err != nil {
		h.eng.Detach(s.ID())
		writeJSONError(w, http.StatusInternalServerError, "failed to register session")
		h.log.ErrorContext(ctx, "session.register.fail", slog.String("err", err.Error()))
		return
	}
	s.OnClose(func() {
		h.registry.Remove(s.ID())
		h.eng.Detach(s.ID())
		h.log.InfoContext(ctx, "session.closed")
	})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	endpoint := fmt.Sprintf("%s?%s=%s", h.messageEndpoint, sessionIDParam, url.QueryEscape(s.ID()))
	if err := s.Send(ctx, sessions.Event{Name: endpointEvent, Data: []byte(endpoint)}); err != nil {
		h.log.WarnContext(ctx, "sse.endpoint.fail", slog.String("err", err.Error()))
	}

	h.log.InfoContext(ctx, "sse.stream.start")

	err := s.Serve(ctx)
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.disconnect", slog.Duration("dur", time.Since(start)))
	default:
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
	}
}

// handlePostMessage accepts one JSON-RPC message for an open session.
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	sessID := r.URL.Query().Get(sessionIDParam)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, ErrMissingSessionID.Error())
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	s, err := h.registry.Lookup(sessID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s: content-type must be application/json", ErrMalformedBody))
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s: %s", ErrMalformedBody, err))
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}
	if !json.Valid(body) {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("%s: invalid JSON", ErrMalformedBody))
		h.log.WarnContext(ctx, "json.decode.fail")
		return
	}

	ack, err := h.eng.HandleMessage(ctx, s, body)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrMalformedRequest):
			writeJSONError(w, http.StatusBadRequest, err.Error())
			h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		case errors.Is(err, sessions.ErrSessionNotFound):
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			h.log.ErrorContext(ctx, "engine.handle_message.fail", slog.String("err", err.Error()))
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "Accepted")

	h.log.InfoContext(ctx, "http.post.ok",
		slog.String("type", ack.Type),
		slog.String("method", ack.Method),
		slog.Bool("async", ack.Async),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
}
