// Package agent exposes the proposal pipeline as tools the conversational loop
// can call. Arguments arrive as JSON objects and results are plain text.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/trebuchet-org/evolve/internal/domain"
)

// Property describes a single tool argument for the model's JSON schema
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
}

// Schema is the JSON schema of a tool's arguments
type Schema struct {
	Type       string              `json:"type"`
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// Caller identifies who is talking to the agent and where to report back
type Caller struct {
	User    string
	Channel string
}

// ExecuteFunc runs a tool
type ExecuteFunc func(ctx context.Context, caller Caller, args Args) (string, error)

// Tool is one callable operation
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Schema      Schema      `json:"parameters"`
	Execute     ExecuteFunc `json:"-"`
}

// ErrUnknownTool is returned by Dispatch for names no tool is registered under
var ErrUnknownTool = errors.New("unknown tool")

// Args are decoded tool arguments
type Args map[string]any

// String returns the named argument as a string, or "" when absent
func (a Args) String(name string) string {
	switch v := a[name].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ParseArgs decodes a JSON object of arguments. Empty input yields no arguments.
func ParseArgs(raw []byte) (Args, error) {
	args := Args{}
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &domain.ValidationError{Field: "arguments", Message: err.Error()}
	}
	return args, nil
}

// Registry holds the tools by name
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates a registry from tools
func NewRegistry(tools ...*Tool) *Registry {
	r := &Registry{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return r
}

// Get returns the tool registered under name, or nil
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// All returns the tools sorted by name
func (r *Registry) All() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch decodes raw arguments and runs the named tool
func (r *Registry) Dispatch(ctx context.Context, caller Caller, name string, raw []byte) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	args, err := ParseArgs(raw)
	if err != nil {
		return "", err
	}
	return tool.Execute(ctx, caller, args)
}
