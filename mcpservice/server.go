package mcpservice

import (
	"github.com/ggoodman/mcp-echo-sse/mcp"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is the static description of what the relay offers: its identity,
// optional instructions and the tool registry.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *ToolsContainer
}

// NewServer builds a Server using functional options. A Server built without
// WithTools still exposes an empty, present tool registry.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		info:  mcp.ImplementationInfo{Name: "mcp-echo-sse", Version: "0.0.0"},
		tools: NewToolsContainer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets the implementation info returned during initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithTools registers the given tools. Later registrations of a name that is
// already present are ignored.
func WithTools(defs ...StaticTool) ServerOption {
	return func(s *Server) {
		for _, d := range defs {
			s.tools.Add(d)
		}
	}
}

func (s *Server) Info() mcp.ImplementationInfo { return s.info }
func (s *Server) Instructions() string         { return s.instructions }
func (s *Server) Tools() *ToolsContainer       { return s.tools }

// Capabilities reports the capability set advertised during initialize.
func (s *Server) Capabilities() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}}
}
