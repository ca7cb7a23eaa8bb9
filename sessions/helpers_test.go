package sessions

import (
	"bytes"
	"errors"
	"sync"
)

// bufferWriter records everything written to it.
type bufferWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushes int
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *bufferWriter) Flush() {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
}

func (w *bufferWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

var errBrokenPipe = errors.New("broken pipe")

// failingWriter fails every write.
type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errBrokenPipe }
func (failingWriter) Flush()                      {}

// blockingWriter blocks every write until release is closed. entered
// receives a value each time a write starts.
type blockingWriter struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	select {
	case w.entered <- struct{}{}:
	default:
	}
	<-w.release
	return len(p), nil
}

func (w *blockingWriter) Flush() {}
