package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-echo-sse/mcp"
)

// ToolHandler handles a tool invocation whose arguments already passed
// validation against the tool's input schema.
type ToolHandler func(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error)

// ToolCall is a validated tool invocation. Arguments holds the decoded
// argument object; numbers are kept as json.Number.
type ToolCall struct {
	Name      string
	Raw       json.RawMessage
	Arguments map[string]any
}

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolsContainer owns a threadsafe set of tool descriptors and handlers.
// Listing order follows registration order.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler
}

// NewToolsContainer constructs a ToolsContainer with the given tool definitions.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	st := &ToolsContainer{handlers: make(map[string]ToolHandler)}
	for _, d := range defs {
		st.Add(d)
	}
	return st
}

// Add registers a new tool if it doesn't duplicate an existing name.
// Returns true if added.
func (st *ToolsContainer) Add(def StaticTool) bool {
	if def.Descriptor.Name == "" || def.Handler == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.handlers == nil {
		st.handlers = make(map[string]ToolHandler)
	}
	name := def.Descriptor.Name
	if _, exists := st.handlers[name]; exists {
		return false
	}
	st.tools = append(st.tools, def.Descriptor)
	st.handlers[name] = def.Handler
	return true
}

// Remove removes a tool by name. Returns true if removed.
func (st *ToolsContainer) Remove(name string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.handlers[name]; !ok {
		return false
	}
	n := 0
	for _, t := range st.tools {
		if t.Name == name {
			continue
		}
		st.tools[n] = t
		n++
	}
	st.tools = st.tools[:n]
	delete(st.handlers, name)
	return true
}

// List returns a copy of the current tool descriptors.
func (st *ToolsContainer) List() []mcp.Tool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, len(st.tools))
	copy(out, st.tools)
	return out
}

// Dispatch validates args against the named tool's input schema and invokes
// its handler. Unknown names fail with ErrUnknownCapability and schema
// violations with ErrInvalidArguments; handler errors are returned as-is.
func (st *ToolsContainer) Dispatch(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	st.mu.RLock()
	h := st.handlers[name]
	var desc mcp.Tool
	for _, t := range st.tools {
		if t.Name == name {
			desc = t
			break
		}
	}
	st.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}

	decoded, err := validateArguments(desc.InputSchema, args)
	if err != nil {
		return nil, err
	}
	return h(ctx, &ToolCall{Name: name, Raw: args, Arguments: decoded})
}

// TextResult is a small helper to build a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf returns an error CallToolResult with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: msg}}, IsError: true}
}
