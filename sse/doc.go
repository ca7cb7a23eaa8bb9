// Package sse exposes the relay over the legacy MCP HTTP+SSE transport.
//
// A client opens a stream with GET /sse. The first event on the stream is
// an "endpoint" event whose data is the URL the client must POST its
// JSON-RPC messages to, for example /messages?sessionId=<id>. Every POST is
// acknowledged with 200 and the body "Accepted"; the JSON-RPC response is
// delivered later as a "message" event on the stream.
//
//	reg := sessions.NewRegistry()
//	eng := engine.NewEngine(reg, echo.NewServer())
//	h, err := sse.New(reg, eng, sse.WithLogger(log))
//	if err != nil { ... }
//	http.ListenAndServe(":3000", h)
//
// HTTP-layer rejections carry a small JSON body of the form
// {"error":{"code":<status>,"message":"<reason>"}}.
package sse
