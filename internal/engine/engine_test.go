package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-echo-sse/echo"
	"github.com/ggoodman/mcp-echo-sse/mcp"
	"github.com/ggoodman/mcp-echo-sse/mcpservice"
	"github.com/ggoodman/mcp-echo-sse/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameWriter forwards each frame written by a session pump to a channel.
type frameWriter struct {
	frames chan string
}

func (w *frameWriter) Write(p []byte) (int, error) {
	w.frames <- string(p)
	return len(p), nil
}

func (w *frameWriter) Flush() {}

type blockArgs struct{}

type harness struct {
	engine   *Engine
	registry *sessions.Registry
	session  *sessions.Session
	frames   chan string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	block := mcpservice.NewTool[blockArgs]("block", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[blockArgs]) error {
		<-ctx.Done()
		return context.Cause(ctx)
	})
	fail := mcpservice.NewTool[blockArgs]("fail", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[blockArgs]) error {
		return errors.New("kaboom")
	})
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test", Version: "9.9.9"}),
		mcpservice.WithTools(echo.Tool(), block, fail),
	)

	reg := sessions.NewRegistry()
	e := NewEngine(reg, srv, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	w := &frameWriter{frames: make(chan string, 16)}
	s := sessions.New(w)
	s.OnClose(func() {
		reg.Remove(s.ID())
		e.Detach(s.ID())
	})
	require.NoError(t, reg.Register(s))
	e.Attach(s)
	go func() { _ = s.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = s.Close(context.Background())
		e.Wait()
	})

	return &harness{engine: e, registry: reg, session: s, frames: w.frames}
}

func (h *harness) submit(t *testing.T, msg string) Ack {
	t.Helper()
	ack, err := h.engine.HandleMessage(context.Background(), h.session, []byte(msg))
	require.NoError(t, err)
	return ack
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *harness) next(t *testing.T) wireResponse {
	t.Helper()
	select {
	case f := <-h.frames:
		data, ok := strings.CutPrefix(f, "event: message\ndata: ")
		require.True(t, ok, "unexpected frame %q", f)
		var res wireResponse
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(data, "\n\n")), &res))
		assert.Equal(t, "2.0", res.JSONRPC)
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return wireResponse{}
	}
}

func (h *harness) expectNoFrame(t *testing.T) {
	t.Helper()
	select {
	case f := <-h.frames:
		t.Fatalf("unexpected frame %q", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInitialize(t *testing.T) {
	h := newHarness(t)

	ack := h.submit(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
	assert.Equal(t, Ack{Type: "request", Method: "initialize"}, ack)

	res := h.next(t)
	assert.JSONEq(t, `1`, string(res.ID))
	require.Nil(t, res.Error)
	assert.JSONEq(t, `{
		"protocolVersion": "2024-11-05",
		"capabilities": {"tools": {}},
		"serverInfo": {"name": "test", "version": "9.9.9"}
	}`, string(res.Result))
}

func TestInitialize_UnsupportedVersion(t *testing.T) {
	h := newHarness(t)

	h.submit(t, `{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"1999-01-01","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
	res := h.next(t)
	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res.Result, &result))
	assert.Equal(t, mcp.LatestProtocolVersion, result.ProtocolVersion)
}

func TestPingAndNotifications(t *testing.T) {
	h := newHarness(t)

	ack := h.submit(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, "notification", ack.Type)
	ack = h.submit(t, `{"jsonrpc":"2.0","id":99,"result":{}}`)
	assert.Equal(t, "response", ack.Type)
	h.expectNoFrame(t)

	h.submit(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	res := h.next(t)
	assert.JSONEq(t, `{}`, string(res.Result))
}

func TestToolsList(t *testing.T) {
	h := newHarness(t)

	ack := h.submit(t, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	assert.False(t, ack.Async)

	res := h.next(t)
	var result mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(res.Result, &result))
	require.Len(t, result.Tools, 3)
	assert.Equal(t, "echo", result.Tools[0].Name)
	assert.Equal(t, "Echoes back the input message", result.Tools[0].Description)
}

func TestToolsCall_Echo(t *testing.T) {
	h := newHarness(t)

	ack := h.submit(t, `{"jsonrpc":"2.0","id":"call-1","method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	assert.True(t, ack.Async)

	res := h.next(t)
	assert.JSONEq(t, `"call-1"`, string(res.ID))
	require.Nil(t, res.Error)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"Echo: hi"}]}`, string(res.Result))

	h.engine.Wait()
	assert.Equal(t, Attached, h.engine.State(h.session.ID()))
}

func TestToolsCall_Errors(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		code int
	}{
		{"unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope","arguments":{}}}`, -32602},
		{"invalid arguments", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":1}}}`, -32602},
		{"missing name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, -32602},
		{"handler failure", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"fail"}}`, -32603},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, -32601},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.submit(t, tc.msg)
			res := h.next(t)
			require.NotNil(t, res.Error)
			assert.Equal(t, tc.code, res.Error.Code)
			assert.JSONEq(t, `1`, string(res.ID))
		})
	}
}

func TestUnknownToolDoesNotBreakSession(t *testing.T) {
	h := newHarness(t)

	h.submit(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`)
	require.NotNil(t, h.next(t).Error)

	h.submit(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"still here"}}}`)
	res := h.next(t)
	require.Nil(t, res.Error)
	assert.Contains(t, string(res.Result), "Echo: still here")
}

func TestMalformedRequest(t *testing.T) {
	h := newHarness(t)

	for _, raw := range []string{`not json`, `{"id":1,"method":"ping"}`, `{"jsonrpc":"2.0"}`} {
		_, err := h.engine.HandleMessage(context.Background(), h.session, []byte(raw))
		assert.ErrorIs(t, err, ErrMalformedRequest, raw)
	}
	assert.Equal(t, Attached, h.engine.State(h.session.ID()))
	h.expectNoFrame(t)
}

func TestDetachedSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Close(context.Background()))

	_, err := h.engine.HandleMessage(context.Background(), h.session, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
	assert.Equal(t, Detached, h.engine.State(h.session.ID()))
}

func TestCancelledNotification(t *testing.T) {
	h := newHarness(t)

	h.submit(t, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"block"}}`)
	require.Eventually(t, func() bool {
		return h.engine.State(h.session.ID()) == Processing
	}, time.Second, time.Millisecond)

	h.submit(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":5,"reason":"user abort"}}`)
	h.engine.Wait()

	assert.Equal(t, Attached, h.engine.State(h.session.ID()))
	h.expectNoFrame(t)
}

func TestDetachCancelsInFlightCalls(t *testing.T) {
	h := newHarness(t)

	h.submit(t, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"block"}}`)
	require.Eventually(t, func() bool {
		return h.engine.State(h.session.ID()) == Processing
	}, time.Second, time.Millisecond)

	require.NoError(t, h.session.Close(context.Background()))
	h.engine.Wait()
	assert.Equal(t, Detached, h.engine.State(h.session.ID()))
}

func TestDuplicateInFlightRequestID(t *testing.T) {
	h := newHarness(t)

	h.submit(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"block"}}`)
	h.submit(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"block"}}`)

	res := h.next(t)
	require.NotNil(t, res.Error)
	assert.Equal(t, -32600, res.Error.Code)
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "attached", Attached.String())
	assert.Equal(t, "processing", Processing.String())
	assert.Equal(t, "detached", Detached.String())
}
