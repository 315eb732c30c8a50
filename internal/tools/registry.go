package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/overseer/internal/reasoning"
)

// Registry holds the available tools with thread-safe registration and
// lookup. Schemas are compiled once at registration time so the hot
// invocation path never recompiles.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema. A tool with the
// same name is replaced.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool requires a name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s requires a handler", tool.Name)
	}

	schemaSource := tool.Schema
	if schemaSource == "" {
		schemaSource = `{"type": "object"}`
	}
	compiled, err := jsonschema.CompileString(tool.Name+".json", schemaSource)
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	r.schemas[tool.Name] = compiled
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool and its compiled schema by name.
func (r *Registry) Get(name string) (*Tool, *jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, nil, false
	}
	return tool, r.schemas[name], true
}

// ValidateInput checks input against the named tool's schema without
// invoking it. Used before an approval suspension so the persisted
// pending action is already validated.
func (r *Registry) ValidateInput(name string, input []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return NewInvocationError(KindUnknownTool, name, "tool not registered")
	}

	if len(input) == 0 {
		input = []byte(`{}`)
	}
	var payload any
	if err := json.Unmarshal(input, &payload); err != nil {
		return &InvocationError{Kind: KindInvalidInput, ToolName: name, Message: "input is not valid JSON", Cause: err}
	}
	if err := schema.Validate(payload); err != nil {
		return &InvocationError{Kind: KindInvalidInput, ToolName: name, Message: "input failed schema validation", Cause: err}
	}
	return nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns reasoning tool specs for the named tools, in name order.
// Unknown names are skipped.
func (r *Registry) Specs(names []string) []reasoning.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]reasoning.ToolSpec, 0, len(names))
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		schema := tool.Schema
		if schema == "" {
			schema = `{"type": "object"}`
		}
		specs = append(specs, reasoning.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      []byte(schema),
		})
	}
	return specs
}
