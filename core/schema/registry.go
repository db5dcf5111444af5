package schema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/orb-framework/orb-sub003/core"
)

// Registry holds the schemas of one application. Schemas are registered at
// start-up and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds schemas to the registry. A schema that inherits from another
// must be registered after its ancestor; the ancestor's columns, indexes, and
// collectors are copied in front of its own.
func (r *Registry) Register(schemas ...*Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range schemas {
		if _, exists := r.schemas[s.Name]; exists {
			return fmt.Errorf("schema %s is already registered", s.Name)
		}
		if s.Inherits != "" {
			if err := r.inherit(s); err != nil {
				return err
			}
		}
		s.registry = r
		r.schemas[s.Name] = s
	}
	return nil
}

// inherit copies the ancestor definition into s. Callers hold r.mu.
func (r *Registry) inherit(s *Schema) error {
	parent, ok := r.schemas[s.Inherits]
	if !ok {
		return fmt.Errorf("%w: %s (ancestor of %s)", core.ErrTableNotFound, s.Inherits, s.Name)
	}

	columns := make([]*Column, 0, len(parent.columns)+len(s.columns))
	for _, pc := range parent.columns {
		if _, overridden := s.byName[pc.Name]; overridden {
			continue
		}
		c := *pc
		c.schema = s
		columns = append(columns, &c)
		s.byName[c.Name] = &c
	}
	s.columns = append(columns, s.columns...)

	for _, pi := range parent.indexes {
		idx := *pi
		idx.schema = s
		s.indexes = append(s.indexes, &idx)
	}
	for _, pc := range parent.collectors {
		if s.Collector(pc.Name) != nil {
			continue
		}
		c := *pc
		c.schema = s
		s.collectors = append(s.collectors, &c)
	}
	return nil
}

// Schema returns the registered schema with the given name.
func (r *Registry) Schema(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.schemas[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
}

// Schemas returns every registered schema sorted by name.
func (r *Registry) Schemas() []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
