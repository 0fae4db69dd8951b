// Package tools defines the tool contract the turn loop executes against
// and a registry that exposes tool definitions to providers. Concrete tools
// live with their callers; this package owns the interface, schema
// generation, and argument validation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is what a tool returns to the model. Errors are surfaced to the
// model as tool results, not to the user.
type Result struct {
	Content string
	IsError bool
}

// Tool is one invocable capability.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// Definition is the provider-facing description of a tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Registry holds the tools available to a session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tools: %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// AsProviderTools returns the definitions sorted by name, for inclusion in
// a provider request.
func (r *Registry) AsProviderTools() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SchemaFor generates a JSON schema for an input struct type.
func SchemaFor[T any]() json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: schema generation for %T: %v", zero, err))
	}
	return raw
}

// ValidateInput checks input against the tool's schema.
func ValidateInput(schema, input json.RawMessage) error {
	compiled, err := schemavalidate.CompileString("tool.json", string(schema))
	if err != nil {
		return fmt.Errorf("tools: bad schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("tools: input is not valid JSON: %w", err)
	}
	return compiled.Validate(doc)
}

// ExecuteValidated validates input before invoking the tool. Validation
// failures and execution errors both become error results the model can
// react to.
func ExecuteValidated(ctx context.Context, t Tool, input json.RawMessage) *Result {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := ValidateInput(t.Schema(), input); err != nil {
		return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}
	}
	res, err := t.Execute(ctx, input)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}
	}
	if res == nil {
		return &Result{}
	}
	return res
}
