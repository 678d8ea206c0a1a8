// Package tools exposes pipeline operations as named capabilities with a JSON
// schema, for callers such as an agent runtime that pick operations by name.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/jon9314/Odyssey/pkg/pipeline"
	"github.com/jon9314/Odyssey/pkg/proposal"
)

// Tool is a capability that can be invoked by name
type Tool interface {
	// Name returns the unique identifier for this tool (e.g., "propose_change")
	Name() string

	// Description returns a human-readable description of what this tool does
	Description() string

	// Schema returns the JSON schema for this tool's input parameters
	Schema() map[string]interface{}

	// Execute runs the tool with JSON arguments and returns a JSON result
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Proposals is the part of the pipeline the built-in tools call
type Proposals interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*pipeline.SubmitResult, error)
	Get(ctx context.Context, id string) (*proposal.Proposal, error)
	List(ctx context.Context, limit int) ([]*proposal.Proposal, error)
}

// BaseToolSchema creates a common JSON schema structure for a tool
// with the given properties and required fields
func BaseToolSchema(properties map[string]interface{}, required []string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Registry holds the available tools. Tools are added only by explicit
// Register calls.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a second tool under the same name is an error.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q is already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := lo.Values(r.tools)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Execute invokes the named tool
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Execute(ctx, args)
}

// RegisterBuiltins registers the proposal tools backed by p
func RegisterBuiltins(r *Registry, p Proposals) error {
	for _, t := range []Tool{
		NewProposeChangeTool(p),
		NewProposalStatusTool(p),
		NewListProposalsTool(p),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// decodeArgs unmarshals tool arguments, treating empty input as an empty object
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func encodeResult(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(out), nil
}
