// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"fmt"
	"slices"
	"sync"
)

// Registry maps table names to their validated definitions.
//
// A Registry is built at startup and handed to the engine. Several
// registries may coexist in one process.
//
// # Thread Safety
//
// Safe for concurrent use. Registered tables are immutable.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry returns a registry holding the given tables.
//
// # Outputs
//
//   - *Registry: The populated registry.
//   - error: The first configuration error, if any.
func NewRegistry(tables ...Table) (*Registry, error) {
	r := &Registry{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates t and adds it to the registry.
func (r *Registry) Register(t Table) error {
	t = t.withDefaults()
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tables == nil {
		r.tables = make(map[string]*Table)
	}
	if _, exists := r.tables[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTable, t.Name)
	}
	r.tables[t.Name] = &t
	return nil
}

// Table returns the definition of name.
func (r *Registry) Table(name string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

// Names returns the registered table names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
