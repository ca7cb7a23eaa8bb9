package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-echo-sse/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, body string) errorBody {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.Unmarshal([]byte(body), &eb), body)
	return eb
}

func TestNew_ValidatesEndpoints(t *testing.T) {
	ts := newTestServer(t)

	_, err := New(nil, ts.engine)
	assert.Error(t, err)
	_, err = New(ts.registry, ts.engine, WithSSEEndpoint("sse"))
	assert.Error(t, err)
	_, err = New(ts.registry, ts.engine, WithSSEEndpoint("/x"), WithMessageEndpoint("/x"))
	assert.Error(t, err)
}

func TestPost_MissingSessionID(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.post(t, "/messages", "application/json", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	eb := decodeError(t, body)
	assert.Equal(t, 400, eb.Error.Code)
	assert.Equal(t, ErrMissingSessionID.Error(), eb.Error.Message)
}

func TestPost_UnknownSession(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.post(t, "/messages?sessionId=never-opened", "application/json", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 404, decodeError(t, body).Error.Code)
}

func TestUnknownRoutes(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct{ method, path string }{
		{http.MethodGet, "/"},
		{http.MethodGet, "/nope"},
		{http.MethodPost, "/sse"},
		{http.MethodGet, "/messages"},
		{http.MethodDelete, "/messages"},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, ts.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestGet_NotAcceptable(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
	assert.Equal(t, 0, ts.registry.Len())
}

func TestStream_EndpointEventAndUniqueIDs(t *testing.T) {
	ts := newTestServer(t)

	seen := map[string]bool{}
	for range 5 {
		ep := ts.openStream(t).endpoint(t)
		id, ok := strings.CutPrefix(ep, "/messages?sessionId=")
		require.True(t, ok, ep)
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 5, ts.registry.Len())
}

func TestStream_CustomMessageEndpoint(t *testing.T) {
	ts := newTestServer(t, WithMessageEndpoint("/rpc"))

	ep := ts.openStream(t).endpoint(t)
	assert.True(t, strings.HasPrefix(ep, "/rpc?sessionId="), ep)

	status, _ := ts.post(t, ep, "application/json", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusOK, status)
}

func TestStream_RequestResponseRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	st := ts.openStream(t)
	ep := st.endpoint(t)

	status, body := ts.post(t, ep, "application/json", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Accepted", body)

	ev := st.next(t)
	assert.Equal(t, "message", ev.name)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"Echo: hi"}]}}`, ev.data)

	status, _ = ts.post(t, ep, "application/json", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope","arguments":{}}}`)
	require.Equal(t, http.StatusOK, status)
	ev = st.next(t)
	var res struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(ev.data), &res))
	assert.Equal(t, -32602, res.Error.Code)
}

func TestPost_BodyErrors(t *testing.T) {
	ts := newTestServer(t)
	ep := ts.openStream(t).endpoint(t)

	cases := []struct {
		name        string
		contentType string
		body        string
		status      int
	}{
		{"wrong content type", "text/plain", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, http.StatusBadRequest},
		{"unparseable", "application/json", `{"jsonrpc":`, http.StatusInternalServerError},
		{"not json-rpc", "application/json", `{"hello":"world"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := ts.post(t, ep, tc.contentType, tc.body)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.status, decodeError(t, body).Error.Code)
		})
	}

	// The session survives rejected submissions.
	status, _ := ts.post(t, ep, "application/json; charset=utf-8", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusOK, status)
}

func TestStream_DisconnectDeregisters(t *testing.T) {
	ts := newTestServer(t)
	st := ts.openStream(t)
	ep := st.endpoint(t)
	require.Equal(t, 1, ts.registry.Len())

	st.cancel()
	require.Eventually(t, func() bool { return ts.registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	status, _ := ts.post(t, ep, "application/json", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStream_CloseWithConcurrentRequests(t *testing.T) {
	ts := newTestServer(t)
	st := ts.openStream(t)
	ep := st.endpoint(t)
	id := strings.TrimPrefix(ep, "/messages?sessionId=")

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 20 {
				body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"echo","arguments":{"message":"m"}}}`, i*100+j)
				status, _ := ts.post(t, ep, "application/json", body)
				assert.Contains(t, []int{http.StatusOK, http.StatusNotFound}, status)
			}
		}()
	}

	s, err := ts.registry.Lookup(id)
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	wg.Wait()

	_, err = ts.registry.Lookup(id)
	assert.Error(t, err)
	status, _ := ts.post(t, ep, "application/json", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, status)
}

type nopStream struct{}

func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
func (nopStream) Flush()                      {}

func TestPost_OversizeBody(t *testing.T) {
	ts := newTestServer(t)
	h, err := New(ts.registry, ts.engine, WithLogger(discard))
	require.NoError(t, err)

	s := sessions.New(nopStream{})
	ts.engine.Attach(s)
	require.NoError(t, ts.registry.Register(s))

	body := `"` + strings.Repeat("a", maxBodyBytes) + `"`
	req := httptest.NewRequest(http.MethodPost, "/messages?sessionId="+s.ID(), strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec.Body.String()).Error.Message, ErrMalformedBody.Error())
}
