// Package bridge holds helpers shared by the in-process bridge adapters.
package bridge

import (
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"unimcp/internal/domain"
)

// ToolDef pairs a tool name with the schema its arguments must satisfy.
type ToolDef struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// Toolset is a fixed, ordered list of bridge tools with lazily resolved
// argument validators.
type Toolset struct {
	defs  []ToolDef
	index map[string]int

	once     sync.Once
	resolved map[string]*jsonschema.Resolved
	err      error
}

func NewToolset(defs ...ToolDef) *Toolset {
	index := make(map[string]int, len(defs))
	for i, def := range defs {
		index[def.Name] = i
	}
	return &Toolset{defs: defs, index: index}
}

// Tools returns the domain view in declaration order.
func (t *Toolset) Tools() []domain.Tool {
	out := make([]domain.Tool, 0, len(t.defs))
	for _, def := range t.defs {
		out = append(out, domain.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Schema,
		})
	}
	return out
}

func (t *Toolset) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Validate checks args against the named tool's schema.
func (t *Toolset) Validate(name string, args map[string]any) error {
	t.once.Do(t.resolve)
	if t.err != nil {
		return t.err
	}
	resolved, ok := t.resolved[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := resolved.Validate(map[string]any(args)); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

func (t *Toolset) resolve() {
	t.resolved = make(map[string]*jsonschema.Resolved, len(t.defs))
	for _, def := range t.defs {
		resolved, err := def.Schema.Resolve(nil)
		if err != nil {
			t.err = fmt.Errorf("resolve schema for %s: %w", def.Name, err)
			return
		}
		t.resolved[def.Name] = resolved
	}
}

// Success wraps data in the {success, data} envelope bridges answer with.
func Success(data any) map[string]any {
	return map[string]any{"success": true, "data": data}
}

// Rejected reports a request the bridge refused, such as invalid arguments
// or a missing record. The router answers it as a JSON-RPC error carrying
// message.
func Rejected(message string) error {
	return &domain.UpstreamError{Message: message}
}

// Object builds an object schema.
func Object(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

// String builds a string property schema.
func String(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

// Integer builds an integer property schema with an inclusive range.
func Integer(description string, minimum, maximum float64) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: description, Minimum: &minimum, Maximum: &maximum}
}

// StringArray builds an array-of-strings property schema.
func StringArray(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Description: description, Items: &jsonschema.Schema{Type: "string"}}
}

// Enum builds a string property restricted to values.
func Enum(description string, values ...string) *jsonschema.Schema {
	enum := make([]any, 0, len(values))
	for _, v := range values {
		enum = append(enum, v)
	}
	return &jsonschema.Schema{Type: "string", Description: description, Enum: enum}
}
