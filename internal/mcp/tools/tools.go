// Package tools defines the [Tool] type offered to the remote speech agent and
// the [Registry] the session manager dispatches tool calls through. Each
// sub-package exports a constructor that returns a [Tool] ready for
// registration.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/eburon/pkg/provider/s2s"
)

// ErrUnknownTool is returned by [Registry.Call] for names that were never
// registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Tool is a function the remote agent may invoke.
type Tool struct {
	// Definition is the agent-facing schema: name, description and JSON
	// Schema parameters.
	Definition s2s.ToolDefinition

	// Handler executes the tool with the decoded call arguments and returns
	// the payload sent back to the agent. Implementations must be safe for
	// concurrent use and must respect context cancellation.
	Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

	// Timeout bounds one Handler invocation. Zero means no limit beyond the
	// caller's context.
	Timeout time.Duration
}

// Registry holds the tools offered in a session.
//
// All exported methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns a registry holding ts.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names must be unique and non-empty.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return errors.New("tools: tool must have a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", t.Definition.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Definition.Name]; dup {
		return fmt.Errorf("tools: tool %q already registered", t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
	return nil
}

// Definitions returns every tool's schema sorted by name.
func (r *Registry) Definitions() []s2s.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]s2s.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Call runs the named tool. Handler errors are returned unchanged so callers
// can turn them into an error payload.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.Handler(ctx, args)
}

// ErrorPayload is the payload sent back to the agent when a handler fails.
func ErrorPayload(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
