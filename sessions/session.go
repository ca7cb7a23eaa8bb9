package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamWriter is the outbound half of a connection. http.ResponseWriter
// values that implement http.Flusher satisfy it.
type StreamWriter interface {
	Write(p []byte) (int, error)
	Flush()
}

// State is the lifecycle state of a Session.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const defaultQueueSize = 64

// Option configures a Session.
type Option func(*Session)

// WithQueueSize bounds the number of frames that may wait for the pump.
// Non-positive values are ignored.
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithKeepAlive makes the pump write a comment frame whenever the stream has
// been idle for d. Zero disables keepalives.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Session) { s.keepAlive = d }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// Session is one client's event stream.
type Session struct {
	id        string
	w         StreamWriter
	queueSize int
	keepAlive time.Duration

	queue    chan []byte
	done     chan struct{} // closed once the session stops accepting frames
	pumpDone chan struct{} // closed when Serve returns

	mu      sync.Mutex
	state   State
	serving bool
	onClose func()
	hookRan bool
}

// New opens a session on w with a freshly generated id.
func New(w StreamWriter, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		w:         w,
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan []byte, s.queueSize)
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session begins closing.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnClose sets the hook run exactly once when the session begins closing,
// before the pump is released. Setting a hook replaces any previous one. If
// the hook already ran, fn is invoked immediately. The hook must not wait on
// the session itself.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if !s.hookRan {
		s.onClose = fn
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Send frames ev and queues it for the pump. It blocks while the queue is
// full and fails with ErrStreamUnavailable once the session is closing.
func (s *Session) Send(ctx context.Context, ev Event) error {
	frame := ev.Frame()
	select {
	case <-s.done:
		return ErrStreamUnavailable
	default:
	}
	select {
	case <-s.done:
		return ErrStreamUnavailable
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- frame:
		return nil
	}
}

// Serve runs the pump: it writes queued frames to the stream in order,
// flushing after each one, until ctx ends, a write fails or the session is
// closed. The session is closed when Serve returns. Serve may run at most
// once.
func (s *Session) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.serving || s.state != StateOpen {
		s.mu.Unlock()
		return ErrStreamUnavailable
	}
	s.serving = true
	s.mu.Unlock()

	defer func() {
		s.beginClose()
		s.setState(StateClosed)
		close(s.pumpDone)
	}()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case frame := <-s.queue:
			if err := s.write(frame); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		case <-tick:
			if err := s.write(keepAliveFrame); err != nil {
				return fmt.Errorf("write keepalive: %w", err)
			}
		case <-s.done:
			s.drain()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the session. It is idempotent. The first call moves the
// session to StateClosing, runs the OnClose hook and releases the pump,
// which flushes frames already queued. Close then waits for the pump to
// exit or ctx to end.
func (s *Session) Close(ctx context.Context) error {
	s.beginClose()

	s.mu.Lock()
	serving := s.serving
	s.mu.Unlock()
	if !serving {
		s.setState(StateClosed)
		return nil
	}

	select {
	case <-s.pumpDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close session %s: %w", s.id, ctx.Err())
	}
}

// beginClose performs the Open to Closing transition. Only the first caller
// runs the hook.
func (s *Session) beginClose() {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.hookRan = true
	hook := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	close(s.done)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if st > s.state {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Session) write(frame []byte) error {
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// drain writes frames that were queued before the session began closing.
func (s *Session) drain() {
	for {
		select {
		case frame := <-s.queue:
			if err := s.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
