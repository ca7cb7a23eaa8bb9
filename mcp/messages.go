package mcp

import "encoding/json"

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

const (
	// Lifecycle
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	// Tools
	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	// Utilities
	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
)

// PaginatedRequest carries a cursor for paginated list requests.
type PaginatedRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// PaginatedResult carries a cursor for continuing pagination.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// BaseMetadata carries optional metadata for responses.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// EmptyResult is the result of requests that carry no payload, such as ping.
type EmptyResult struct {
	BaseMetadata
}

// CancelledNotification informs the peer that a request was canceled.
// RequestID is a string or a number on the wire.
type CancelledNotification struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitzero"`
}

// InitializeRequest starts the MCP initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// Tools
// ListToolsRequest requests the set of available tools.
type ListToolsRequest struct {
	PaginatedRequest
}

// ListToolsResult returns the available tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	PaginatedResult
	BaseMetadata
}

// CallToolRequestReceived is the server-received representation for a tool call.
type CallToolRequestReceived struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents a tool invocation result.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
	BaseMetadata
}
