// Package echo provides the relay's single capability: a tool that returns
// the message it was given.
package echo

import (
	"context"

	"github.com/ggoodman/mcp-echo-sse/mcp"
	"github.com/ggoodman/mcp-echo-sse/mcpservice"
)

// ToolName is the name the echo tool is registered under.
const ToolName = "echo"

// Args is the input accepted by the echo tool.
type Args struct {
	Message string `json:"message" jsonschema:"description=The message to echo back"`
}

// Tool returns the echo tool definition.
func Tool() mcpservice.StaticTool {
	return mcpservice.NewTool[Args](ToolName, func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[Args]) error {
		return w.AppendText("Echo: " + r.Args().Message)
	}, mcpservice.WithToolDescription("Echoes back the input message"))
}

// NewServer constructs the relay's server description with the echo tool
// registered.
func NewServer() *mcpservice.Server {
	return mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "mcp-echo-sse", Version: "1.0.0"}),
		mcpservice.WithTools(Tool()),
	)
}
