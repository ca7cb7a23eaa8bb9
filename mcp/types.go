package mcp

import "slices"

// Capabilities
// ClientCapabilities advertises client features. The relay records but does
// not act on them.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability is the tools entry of ServerCapabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitzero"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentTypeText is the only content block kind the relay produces.
const ContentTypeText = "text"

// Content types
// ContentBlock is a typed content part of a message.
type ContentBlock struct {
	Type string `json:"type"`
	// For TextContent
	Text string `json:"text,omitzero"`
	// For ImageContent and AudioContent
	Data     string `json:"data,omitzero"`
	MimeType string `json:"mimeType,omitzero"`
}

// Tools
// Tool describes a callable tool and its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema is a JSON-schema-like description of tool input.
type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties,omitzero"`
}

// IsRequired reports whether name is listed in the schema's required set.
func (s ToolInputSchema) IsRequired(name string) bool {
	return slices.Contains(s.Required, name)
}

// SchemaProperty is a simplified schema node used in tool schemas.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitzero"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
}

// LatestProtocolVersion is the latest version of the protocol.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists, newest first, the revisions accepted
// during the initialize handshake.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// NegotiateProtocolVersion returns the client's requested version when it is
// supported and LatestProtocolVersion otherwise.
func NegotiateProtocolVersion(requested string) string {
	if slices.Contains(SupportedProtocolVersions, requested) {
		return requested
	}
	return LatestProtocolVersion
}
