package mcpservice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ggoodman/mcp-echo-sse/mcp"
)

// validateArguments checks raw against schema and returns the decoded
// argument object. Absent or null arguments are treated as an empty object.
func validateArguments(schema mcp.ToolInputSchema, raw json.RawMessage) (map[string]any, error) {
	fields := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if kindOf(trimmed) != "object" {
			return nil, fmt.Errorf("%w: arguments must be an object", ErrInvalidArguments)
		}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
		}
	}

	for _, name := range schema.Required {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: missing required field %q", ErrInvalidArguments, name)
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(fields))
	for _, k := range keys {
		v := fields[k]
		prop, known := schema.Properties[k]
		if !known && !schema.AdditionalProperties {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidArguments, k)
		}
		if known && !matchesType(prop.Type, v) {
			return nil, fmt.Errorf("%w: field %q must be %s, got %s", ErrInvalidArguments, k, prop.Type, kindOf(v))
		}

		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		var val any
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("%w: field %q: %w", ErrInvalidArguments, k, err)
		}
		out[k] = val
	}
	return out, nil
}

// matchesType reports whether v is a JSON value of the given schema type.
// An empty type accepts anything.
func matchesType(typ string, v json.RawMessage) bool {
	kind := kindOf(v)
	switch typ {
	case "":
		return true
	case "integer":
		if kind != "number" {
			return false
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return false
		}
		_, err := n.Int64()
		return err == nil
	default:
		return kind == typ
	}
}

// kindOf classifies a JSON value by its leading byte.
func kindOf(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return "empty"
	}
	switch c := v[0]; {
	case c == '{':
		return "object"
	case c == '[':
		return "array"
	case c == '"':
		return "string"
	case c == 't' || c == 'f':
		return "boolean"
	case c == 'n':
		return "null"
	case c == '-' || (c >= '0' && c <= '9'):
		return "number"
	default:
		return "unknown"
	}
}
