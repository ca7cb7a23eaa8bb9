// Package mcp contains the Model Context Protocol data types and constants
// used by the echo relay. The structs mirror the wire representation (json
// tags, string constants for method names) and carry no transport logic: the
// sse gateway handles framing and the engine handles JSON-RPC serialization.
//
// Only the slice of the protocol the relay speaks is modeled here: the
// initialize handshake, ping, tool listing and tool invocation.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// # Compatibility
//
// LatestProtocolVersion is offered to clients that ask for a revision the
// relay does not know. SupportedProtocolVersions lists every revision it will
// echo back during negotiation.
package mcp
