package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-echo-sse/mcp"
	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// ToolRequest is the container for tool call input and request metadata.
// It is generic over the typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), Dispatch rejects arguments carrying fields the input
// schema does not declare.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a writer-based tool with typed input A. The input schema
// is reflected from A using its json and jsonschema struct tags. Validated
// arguments are decoded into A before fn runs.
func NewTool[A any](name string, fn func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectToMCPInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error) {
		var a A
		if err := decodeArguments(call.Arguments, &a); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: call.Name, raw: call.Raw, args: a}
		if err := fn(ctx, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// decodeArguments maps the validated argument object onto out using the
// same json tags the schema was reflected from.
func decodeArguments(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: false,
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema.
func reflectToMCPInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to a tool input schema.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
