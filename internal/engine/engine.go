package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-echo-sse/internal/jsonrpc"
	"github.com/ggoodman/mcp-echo-sse/internal/logctx"
	"github.com/ggoodman/mcp-echo-sse/mcp"
	"github.com/ggoodman/mcp-echo-sse/mcpservice"
	"github.com/ggoodman/mcp-echo-sse/sessions"
)

// messageEvent is the SSE event name carrying JSON-RPC messages.
const messageEvent = "message"

var (
	// ErrMalformedRequest is returned by HandleMessage when the submitted bytes
	// are not a valid JSON-RPC 2.0 message.
	ErrMalformedRequest = errors.New("malformed request")

	errDetached = errors.New("session detached")
)

// ConnState is the engine's view of an attached session.
type ConnState int

const (
	// Detached is reported for sessions that were never attached or whose
	// stream has closed.
	Detached ConnState = iota
	Attached
	Processing
)

func (s ConnState) String() string {
	switch s {
	case Attached:
		return "attached"
	case Processing:
		return "processing"
	default:
		return "detached"
	}
}

// Ack is the synchronous acknowledgement of a submitted message. It confirms
// receipt only; responses are delivered over the session's stream.
type Ack struct {
	// Type is "request", "notification" or "response".
	Type   string
	Method string
	// Async is set when the response will be produced after HandleMessage
	// returns.
	Async bool
}

// Engine serves MCP requests submitted for attached sessions against a
// capability registry, writing responses onto each session's stream.
type Engine struct {
	registry *sessions.Registry
	srv      *mcpservice.Server
	log      *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn // sessionID -> attachment

	wg sync.WaitGroup // in-flight async dispatches
}

type conn struct {
	inflight int
	cancels  map[string]context.CancelCauseFunc // reqID -> cancel
}

func NewEngine(registry *sessions.Registry, srv *mcpservice.Server, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		srv:      srv,
		log:      slog.Default(),
		conns:    make(map[string]*conn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.log = logctx.Wrap(e.log)
	return e
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Attach starts serving requests for s. Attaching an attached session is a
// no-op.
func (e *Engine) Attach(s *sessions.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.conns[s.ID()]; ok {
		return
	}
	e.conns[s.ID()] = &conn{cancels: make(map[string]context.CancelCauseFunc)}
}

// Detach stops serving requests for the session and cancels its in-flight
// tool calls. Their responses are dropped.
func (e *Engine) Detach(sessionID string) {
	e.mu.Lock()
	c, ok := e.conns[sessionID]
	delete(e.conns, sessionID)
	e.mu.Unlock()
	if !ok {
		return
	}
	for _, cancel := range c.cancels {
		cancel(errDetached)
	}
}

// State reports the engine-side state of the session.
func (e *Engine) State(sessionID string) ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[sessionID]
	if !ok {
		return Detached
	}
	if c.inflight > 0 {
		return Processing
	}
	return Attached
}

// Wait blocks until every asynchronous dispatch has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// HandleMessage decodes raw as a JSON-RPC message submitted for s and
// processes it. Requests that can be answered immediately are answered
// before HandleMessage returns; tool calls complete asynchronously.
func (e *Engine) HandleMessage(ctx context.Context, s *sessions.Session, raw []byte) (Ack, error) {
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		e.log.InfoContext(ctx, "engine.handle_message.malformed", slog.String("err", err.Error()))
		return Ack{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID(), State: s.State().String()})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	if !e.attached(s.ID()) {
		e.log.InfoContext(ctx, "engine.handle_message.detached")
		return Ack{}, fmt.Errorf("%w: %s", sessions.ErrSessionNotFound, s.ID())
	}

	ack := Ack{Type: msg.Type(), Method: msg.Method}
	switch ack.Type {
	case "response":
		// The server never issues requests, so there is nothing to correlate.
		e.log.DebugContext(ctx, "engine.handle_response.ignored")
		return ack, nil
	case "notification":
		e.handleNotification(ctx, s.ID(), msg.AsRequest())
		return ack, nil
	}

	req := msg.AsRequest()
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		e.send(ctx, s, e.handleInitialize(ctx, req))
	case mcp.PingMethod:
		e.send(ctx, s, e.handlePing(ctx, req))
	case mcp.ToolsListMethod:
		e.send(ctx, s, e.handleToolsList(ctx, req))
	case mcp.ToolsCallMethod:
		if res := e.startToolCall(ctx, s, req); res != nil {
			e.send(ctx, s, res)
			return ack, nil
		}
		ack.Async = true
	default:
		e.log.InfoContext(ctx, "engine.handle_request.unsupported")
		e.send(ctx, s, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil))
	}
	return ack, nil
}

func (e *Engine) attached(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[sessionID]
	return ok
}

func (e *Engine) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	result := &mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(params.ProtocolVersion),
		Capabilities:    e.srv.Capabilities(),
		ServerInfo:      e.srv.Info(),
		Instructions:    e.srv.Instructions(),
	}

	e.log.InfoContext(ctx, "engine.session.initialize",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("protocol_version", result.ProtocolVersion),
	)

	return e.result(ctx, req, result, start)
}

func (e *Engine) handlePing(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	return e.result(ctx, req, &mcp.EmptyResult{}, time.Now())
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	// The catalog is small enough to always fit in one page, so the cursor is
	// accepted and ignored.
	tools := e.srv.Tools().List()
	return e.result(ctx, req, &mcp.ListToolsResult{Tools: tools}, start, slog.Int("tool_count", len(tools)))
}

// startToolCall validates a tools/call request and dispatches it on its own
// goroutine. A non-nil response means the call was rejected up front.
func (e *Engine) startToolCall(ctx context.Context, s *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if params.Name == "" {
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params: missing tool name", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	// The call outlives the submitting HTTP request; it is bounded by the
	// session instead.
	callCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	reqID := req.ID.String()

	e.mu.Lock()
	c, ok := e.conns[s.ID()]
	if !ok {
		e.mu.Unlock()
		cancel(errDetached)
		return nil
	}
	if _, exists := c.cancels[reqID]; exists {
		e.mu.Unlock()
		cancel(context.Canceled)
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "duplicate request id"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil)
	}
	c.cancels[reqID] = cancel
	c.inflight++
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.finishToolCall(s.ID(), reqID, cancel)

		res := e.handleToolCall(callCtx, req, &params)
		if cause := context.Cause(callCtx); cause != nil {
			e.log.InfoContext(ctx, "engine.dispatch.dropped", slog.String("reason", cause.Error()))
			return
		}
		if _, err := e.registry.Lookup(s.ID()); err != nil {
			e.log.InfoContext(ctx, "engine.dispatch.dropped", slog.String("reason", err.Error()))
			return
		}
		e.send(callCtx, s, res)
	}()
	return nil
}

func (e *Engine) finishToolCall(sessionID, reqID string, cancel context.CancelCauseFunc) {
	cancel(context.Canceled)
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[sessionID]
	if !ok {
		return
	}
	delete(c.cancels, reqID)
	c.inflight--
}

func (e *Engine) handleToolCall(ctx context.Context, req *jsonrpc.Request, params *mcp.CallToolRequestReceived) *jsonrpc.Response {
	start := time.Now()

	res, err := e.srv.Tools().Dispatch(ctx, params.Name, params.Arguments)
	if err != nil {
		switch {
		case errors.Is(err, mcpservice.ErrUnknownCapability), errors.Is(err, mcpservice.ErrInvalidArguments):
			e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			e.log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil)
		default:
			e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}

	return e.result(ctx, req, res, start)
}

func (e *Engine) handleNotification(ctx context.Context, sessionID string, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &id); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return
		}
		found := e.cancelInFlightRequest(sessionID, id.String(), params.Reason)
		e.log.InfoContext(ctx, "engine.handle_notification.cancelled", slog.String("request_id", id.String()), slog.Bool("found", found))
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	}
}

func (e *Engine) cancelInFlightRequest(sessionID, reqID, reason string) bool {
	if reqID == "" {
		return false
	}
	e.mu.Lock()
	var cancel context.CancelCauseFunc
	if c, ok := e.conns[sessionID]; ok {
		cancel = c.cancels[reqID]
	}
	e.mu.Unlock()
	if cancel == nil {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	cancel(errors.New(reason))
	return true
}

func (e *Engine) result(ctx context.Context, req *jsonrpc.Request, result any, start time.Time, attrs ...any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	e.log.InfoContext(ctx, "engine.handle_request.ok", append([]any{slog.Int64("dur_ms", time.Since(start).Milliseconds())}, attrs...)...)
	return res
}

// send frames res as a message event on s. Failures are logged and the
// response dropped.
func (e *Engine) send(ctx context.Context, s *sessions.Session, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.send.fail", slog.String("err", err.Error()))
		return
	}
	if err := s.Send(ctx, sessions.Event{Name: messageEvent, Data: b}); err != nil {
		if errors.Is(err, sessions.ErrStreamUnavailable) || errors.Is(err, context.Canceled) {
			e.log.InfoContext(ctx, "engine.send.stream_unavailable", slog.String("err", err.Error()))
			return
		}
		e.log.ErrorContext(ctx, "engine.send.fail", slog.String("err", err.Error()))
	}
}
