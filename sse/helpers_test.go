package sse

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-echo-sse/echo"
	"github.com/ggoodman/mcp-echo-sse/internal/engine"
	"github.com/ggoodman/mcp-echo-sse/sessions"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testServer struct {
	*httptest.Server
	registry *sessions.Registry
	engine   *engine.Engine
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	reg := sessions.NewRegistry()
	eng := engine.NewEngine(reg, echo.NewServer(), engine.WithLogger(discard))
	h, err := New(reg, eng, append([]Option{WithLogger(discard)}, opts...)...)
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.CloseAll(ctx)
		srv.Close()
		eng.Wait()
	})
	return &testServer{Server: srv, registry: reg, engine: eng}
}

type sseEvent struct {
	name string
	data string
}

type stream struct {
	events <-chan sseEvent
	cancel context.CancelFunc
}

// openStream issues GET /sse and parses the event stream in the background.
func (ts *testServer) openStream(t *testing.T) *stream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if ev != (sseEvent{}) {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if ev.data != "" {
					ev.data += "\n"
				}
				ev.data += strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return &stream{events: ch, cancel: cancel}
}

func (s *stream) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-s.events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

// endpoint reads the initial endpoint event and returns the advertised path.
func (s *stream) endpoint(t *testing.T) string {
	t.Helper()
	ev := s.next(t)
	require.Equal(t, "endpoint", ev.name)
	return ev.data
}

func (ts *testServer) post(t *testing.T, path, contentType, body string) (int, string) {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+path, contentType, strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}
