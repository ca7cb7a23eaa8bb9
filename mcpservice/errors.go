package mcpservice

import "errors"

var (
	// ErrUnknownCapability is returned by Dispatch when no tool is registered
	// under the requested name.
	ErrUnknownCapability = errors.New("unknown tool")
	// ErrInvalidArguments is returned by Dispatch when the call arguments do
	// not satisfy the tool's input schema.
	ErrInvalidArguments = errors.New("invalid arguments")
)
