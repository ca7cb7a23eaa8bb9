package jsonrpc

import "errors"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// ErrInvalidMessage is wrapped by every structural decode failure so callers
// can tell "not JSON-RPC" apart from transport failures.
var ErrInvalidMessage = errors.New("invalid JSON-RPC message")

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}
