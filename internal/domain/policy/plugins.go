package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Plugin is a decision plugin: a named unit that evaluates a decision input.
// Plugins run after the rule bundle, highest priority first; the first deny
// short-circuits the chain.
type Plugin struct {
	// Name identifies the plugin; registration rejects duplicates.
	Name string
	// Version is informational.
	Version string
	// Priority orders execution; higher runs first.
	Priority int
	// Evaluate returns the plugin's decision for the input.
	Evaluate func(ctx context.Context, in Input) (Decision, error)
}

// PluginRegistry holds the process-level set of decision plugins.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewPluginRegistry creates an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin. Duplicate names fail.
func (r *PluginRegistry) Register(p Plugin) error {
	if p.Name == "" {
		return fmt.Errorf("plugin name is empty")
	}
	if p.Evaluate == nil {
		return fmt.Errorf("plugin %q has no evaluate function", p.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name]; exists {
		return fmt.Errorf("plugin %q already registered", p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// Unregister removes a plugin by name.
func (r *PluginRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plugins, name)
}

// Ordered returns all plugins sorted by descending priority.
// Ties break by name for deterministic execution.
func (r *PluginRegistry) Ordered() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of registered plugins.
func (r *PluginRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
