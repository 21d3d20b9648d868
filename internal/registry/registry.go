// Package registry maps a stage type identifier from the graph spec to
// a constructor for that stage, the way a capture-handle factory maps a
// capture type to a concrete handle implementation.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// Constructor builds a Stage from its raw parameter map. The graph
// builder has already validated params against the stage type's
// schema; the constructor decodes them into its own typed struct.
type Constructor func(params map[string]any) (stage.Stage, error)

// Port describes one named input or output on a stage type, including
// the packet variants it accepts (input) or may produce (output). The
// graph builder uses this to check arity and variant compatibility
// without instantiating the stage.
type Port struct {
	Name     string
	Variants []core.Variant
}

// TypeInfo is a stage type's static shape: its ports and an optional
// params schema used for deny-unknown-fields validation.
type TypeInfo struct {
	Inputs  []Port
	Outputs []Port
	// NewParams returns a pointer to a zero-value params struct with
	// mapstructure tags, or nil if the type takes no validated params.
	NewParams func() any
}

// Registry is a type-identifier-to-constructor map. The zero value is
// not usable; use New.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	infos        map[string]TypeInfo
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		infos:        make(map[string]TypeInfo),
	}
}

// Register adds typeName's constructor and static type info.
// Re-registering the same name overwrites the previous entry, which
// lets tests substitute fakes for built-in types.
func (r *Registry) Register(typeName string, ctor Constructor, info TypeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[typeName] = ctor
	r.infos[typeName] = info
}

// Info returns typeName's static type info.
func (r *Registry) Info(typeName string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[typeName]
	return info, ok
}

// Create builds a Stage of typeName with the given params, or an error
// if typeName is not registered or the constructor itself fails.
func (r *Registry) Create(typeName string, params map[string]any) (stage.Stage, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown stage type %q", typeName)
	}
	return ctor(params)
}

// Supports reports whether typeName has a registered constructor.
func (r *Registry) Supports(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[typeName]
	return ok
}

// Types returns every registered type name, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
