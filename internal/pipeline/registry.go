package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Builder constructs a configured component from its raw JSON config.
// Builders validate everything up front and return a ConfigError for
// anything malformed; a component that builds successfully is ready to
// run.
type Builder func(name string, cfg json.RawMessage) (Component, error)

// Registry maps component type tags to builders and the Kind each tag
// produces. The process-wide default registry is assembled at init time
// by the components package; tests build private registries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	kind  Kind
	build Builder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds a builder under a type tag. Registering the same tag
// twice is a wiring bug, so it panics.
func (r *Registry) Register(tag string, kind Kind, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[tag]; ok {
		panic(fmt.Sprintf("pipeline: duplicate component type %q", tag))
	}
	r.entries[tag] = registryEntry{kind: kind, build: b}
}

// Has reports whether a type tag is registered.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[tag]
	return ok
}

// KindOf returns the Kind a registered tag builds.
func (r *Registry) KindOf(tag string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tag]
	return e.kind, ok
}

// Known returns the registered type tags in sorted order, for error
// messages and the CLI's component listing.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.entries))
	for t := range r.entries {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Build constructs a component of the given type. Unknown tags are a
// ConfigError naming the known set.
func (r *Registry) Build(tag, name string, cfg json.RawMessage) (Component, error) {
	r.mu.RLock()
	e, ok := r.entries[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, Configf(name, -1, "unknown component type %q (known: %v)", tag, r.Known())
	}
	c, err := e.build(name, cfg)
	if err != nil {
		if IsConfigError(err) {
			return nil, err
		}
		return nil, &ConfigError{Component: name, Pos: -1, Err: err}
	}
	return c, nil
}
