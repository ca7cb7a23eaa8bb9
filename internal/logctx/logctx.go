package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, session, rpc and tool groups
// carried on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("state", sd.State),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.ToolName),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// Wrap returns l with its handler decorated by Handler. Loggers that are
// already decorated are returned unchanged.
func Wrap(l *slog.Logger) *slog.Logger {
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the stream session a record belongs to. State is
// the session's lifecycle state at the time the context was built.
type SessionData struct {
	SessionID string
	State     string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type toolCallDataKey struct{}

type ToolCallData struct {
	ToolName string
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}
