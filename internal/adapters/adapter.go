// Package adapters translates per-CLI hook payloads to the unified event
// model and back. Adapters only marshal; they never touch storage or
// workflow state.
package adapters

import (
	"context"
	"sort"

	gerrors "gobby/internal/errors"
	"gobby/internal/hooks"
)

// HookHandler is the narrow slice of the hook manager an adapter needs.
type HookHandler interface {
	Handle(ctx context.Context, event *hooks.Event) (*hooks.Response, error)
}

// Adapter translates between a CLI's native hook payloads and the unified
// event model.
type Adapter interface {
	Name() string
	// TranslateToHookEvent normalizes a native payload. Unknown hook names
	// map to NOTIFICATION rather than failing.
	TranslateToHookEvent(native map[string]any) (*hooks.Event, error)
	// TranslateFromHookResponse renders the unified response into the CLI's
	// expected shape for the given hook type.
	TranslateFromHookResponse(resp *hooks.Response, hookType hooks.EventType) map[string]any
}

// HandleNative composes translate-in, dispatch, translate-out.
func HandleNative(ctx context.Context, a Adapter, native map[string]any, handler HookHandler) (map[string]any, error) {
	event, err := a.TranslateToHookEvent(native)
	if err != nil {
		return nil, err
	}
	event.Source = a.Name()

	resp, err := handler.Handle(ctx, event)
	if err != nil {
		return nil, err
	}
	return a.TranslateFromHookResponse(resp, event.Type), nil
}

// Registry maps adapter names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry with the default adapter set.
func NewRegistry() *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range []Adapter{
		NewClaudeAdapter(),
		NewGeminiAdapter(),
		NewCodexAdapter(),
		NewCursorAdapter(),
		NewCopilotAdapter(),
	} {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for name, or a validation error for unknown names.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, gerrors.ValidationFailed("unknown adapter %q", name)
	}
	return a, nil
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stringField(native map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := native[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func mapField(native map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if v, ok := native[key].(map[string]any); ok {
			return v
		}
	}
	return nil
}
