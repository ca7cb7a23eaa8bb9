// Package sessions implements the per-connection event stream sessions used
// by the SSE gateway, and the registry that maps session ids to live
// sessions.
//
// A Session exclusively owns one outbound stream. Producers enqueue events
// with Send; a single pump started with Serve writes them to the stream in
// order, so frames from concurrent producers never interleave. Closing a
// session runs its OnClose hook exactly once before the pump is released,
// which is where transports deregister the session.
//
//	reg := sessions.NewRegistry()
//	s := sessions.New(w, sessions.WithKeepAlive(30*time.Second))
//	s.OnClose(func() { reg.Remove(s.ID()) })
//	if err := reg.Register(s); err != nil { ... }
//	_ = s.Send(ctx, sessions.Event{Name: "endpoint", Data: []byte("/messages?sessionId=" + s.ID())})
//	err := s.Serve(r.Context()) // blocks until the peer goes away or the session is closed
package sessions
