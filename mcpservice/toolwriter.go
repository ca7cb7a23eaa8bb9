package mcpservice

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/ggoodman/mcp-echo-sse/mcp"
)

// ToolResponseWriter lets a tool handler compose a CallToolResult
// incrementally. It is safe for concurrent use within a single call; writes
// after Result return ErrFinalized.
type ToolResponseWriter interface {
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	SetError(isError bool)
	SetMeta(key string, v any)
	// Result finalizes and returns the accumulated result. It is idempotent.
	Result() *mcp.CallToolResult
}

// ErrFinalized is returned when attempting to write after Result() was called.
var ErrFinalized = errors.New("result already finalized")

type toolResponseWriter struct {
	ctx       context.Context
	mu        sync.Mutex
	finalized bool

	blocks  []mcp.ContentBlock
	isError bool
	meta    map[string]any
}

var _ ToolResponseWriter = (*toolResponseWriter)(nil)

func newToolResponseWriter(ctx context.Context) *toolResponseWriter {
	return &toolResponseWriter{ctx: ctx}
}

func (w *toolResponseWriter) AppendText(text string) error {
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
}

func (w *toolResponseWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *toolResponseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *toolResponseWriter) SetMeta(key string, v any) {
	if key == "" {
		return
	}
	w.mu.Lock()
	if w.meta == nil {
		w.meta = make(map[string]any)
	}
	w.meta[key] = v
	w.mu.Unlock()
}

func (w *toolResponseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true
	content := append([]mcp.ContentBlock{}, w.blocks...)
	var meta map[string]any
	if len(w.meta) > 0 {
		meta = maps.Clone(w.meta)
	}
	return &mcp.CallToolResult{Content: content, IsError: w.isError, BaseMetadata: mcp.BaseMetadata{Meta: meta}}
}
