// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Registry maps wire type names to Go types. Receivers only decode names
// found here, so wire compatibility does not depend on Go package paths
// unless a type chooses to be named by them.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]reflect.Type)}
}

// Register adds T under its wire type name and returns the name.
func Register[T any](r *Registry) (string, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	name := TypeNameOf(t)
	return name, r.add(name, t)
}

// RegisterAs adds T under an explicit name, e.g. to keep accepting an older
// name after a type was renamed.
func RegisterAs[T any](r *Registry, name string) error {
	return r.add(name, reflect.TypeOf((*T)(nil)).Elem())
}

func (r *Registry) add(name string, t reflect.Type) error {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[name]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("%w: %q is %s, not %s", ErrTypeNameCollision, name, existing, t)
	}
	r.types[name] = t
	return nil
}

// Lookup returns the Go type registered under name.
func (r *Registry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	return t, ok
}

// New returns a pointer to a new zero value of the type registered under name.
func (r *Registry) New(name string) (any, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return reflect.New(t).Interface(), nil
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
