// Package mcpshell hosts the merged tool/resource function registries
// contributed by loaded plugins. It deliberately does not pull in an
// MCP SDK: the wire-level tool-call protocol is out of scope, only the
// in-process registry contract plugins bind to.
package mcpshell

import (
	"context"
	"fmt"
	"sync"
)

// ToolFunc handles one invocation of a named tool.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ResourceFunc resolves a named resource URI to its content.
type ResourceFunc func(ctx context.Context, uri string) ([]byte, error)

// Host is the merged registry of tools and resources contributed by
// every started plugin.
type Host struct {
	mu        sync.RWMutex
	tools     map[string]ToolFunc
	resources map[string]ResourceFunc
}

// NewHost constructs an empty Host.
func NewHost() *Host {
	return &Host{
		tools:     make(map[string]ToolFunc),
		resources: make(map[string]ResourceFunc),
	}
}

// Merge adds a plugin's tool and resource maps into the host registry.
// A name collision keeps the first registration and reports the
// collision so the loader can log it rather than silently overwrite.
func (h *Host) Merge(tools map[string]ToolFunc, resources map[string]ResourceFunc) (collisions []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, fn := range tools {
		if _, exists := h.tools[name]; exists {
			collisions = append(collisions, "tool:"+name)
			continue
		}
		h.tools[name] = fn
	}
	for uri, fn := range resources {
		if _, exists := h.resources[uri]; exists {
			collisions = append(collisions, "resource:"+uri)
			continue
		}
		h.resources[uri] = fn
	}
	return collisions
}

// Invoke calls a registered tool by name. A failure inside the tool
// never propagates beyond this call — the core keeps running.
func (h *Host) Invoke(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	h.mu.RLock()
	fn, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcpshell: unknown tool %q", name)
	}
	return fn(ctx, args)
}

// Resolve reads a registered resource by URI.
func (h *Host) Resolve(ctx context.Context, uri string) ([]byte, error) {
	h.mu.RLock()
	fn, ok := h.resources[uri]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcpshell: unknown resource %q", uri)
	}
	return fn(ctx, uri)
}

// ToolNames returns the currently registered tool names.
func (h *Host) ToolNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.tools))
	for name := range h.tools {
		names = append(names, name)
	}
	return names
}
