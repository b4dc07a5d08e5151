// Package tools holds the capabilities a worker may invoke mid-turn.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownTool is returned when no tool is registered under a name.
var ErrUnknownTool = errors.New("unknown tool")

// Invoker runs a named capability.
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Func is the implementation of a tool.
type Func func(ctx context.Context, args json.RawMessage) (string, error)

// Definition describes a tool to a model provider. Parameters is a JSON
// schema object.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type entry struct {
	def Definition
	fn  Func
}

// Registry is an in-process tool catalog. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(def Definition, fn Func) {
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.mu.Lock()
	r.tools[def.Name] = entry{def: def, fn: fn}
	r.mu.Unlock()
}

// Invoke runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.fn(ctx, args)
}

// Definitions returns the definitions for the named tools that are
// registered, in the order given. Unknown names are skipped.
func (r *Registry) Definitions(names []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []Definition
	for _, n := range names {
		if e, ok := r.tools[n]; ok {
			defs = append(defs, e.def)
		}
	}
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins adds current_time and echo. now may be nil.
func RegisterBuiltins(r *Registry, now func() time.Time) {
	if now == nil {
		now = time.Now
	}

	r.Register(Definition{
		Name:        "current_time",
		Description: "Returns the current date and time. Accepts an optional IANA time zone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{"type": "string", "description": "IANA zone, e.g. America/Mexico_City"},
			},
		},
	}, func(_ context.Context, args json.RawMessage) (string, error) {
		var in struct {
			Timezone string `json:"timezone"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("current_time: bad arguments: %w", err)
			}
		}
		t := now()
		if in.Timezone != "" {
			loc, err := time.LoadLocation(in.Timezone)
			if err != nil {
				return "", fmt.Errorf("current_time: %w", err)
			}
			t = t.In(loc)
		}
		return t.Format(time.RFC1123), nil
	})

	r.Register(Definition{
		Name:        "echo",
		Description: "Returns its text argument unchanged.",
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"text"},
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
	}, func(_ context.Context, args json.RawMessage) (string, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("echo: bad arguments: %w", err)
		}
		return in.Text, nil
	})
}
