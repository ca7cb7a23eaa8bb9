package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// AnyMessage is a generic JSON-RPC message (request, notification, or response).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no ID.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Decode parses a single JSON-RPC message. Every failure wraps ErrInvalidMessage.
func Decode(data []byte) (*AnyMessage, error) {
	var msg AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return &msg, nil
}

// UnmarshalJSON enforces JSON-RPC 2.0 structure: a version tag, and either a
// method (request / notification) or exactly one of result / error (response).
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type rawMessage struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method,omitempty"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          *Error          `json:"error,omitempty"`
		ID             *RequestID      `json:"id,omitempty"`
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil

	if raw.Method != "" {
		if hasResult || hasError {
			return fmt.Errorf("request message cannot have result or error fields")
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("response message cannot have both result and error fields")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("message must have a method, a result or an error")
		}
	}

	*m = AnyMessage(raw)
	return nil
}

// Type returns "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// AsRequest returns the message as a Request if it is a request message, otherwise nil
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}

	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

// AsResponse returns the message as a Response if it is a response message, otherwise nil
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}

	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}
