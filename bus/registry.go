// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/absmach/nanobus/message"
)

// Conflict reports a registration discarded because another handler was
// registered first for the same message type.
type Conflict struct {
	MessageType string
	Discarded   string
	Active      string
}

func (c Conflict) Error() string {
	return fmt.Sprintf("handler %s for %s discarded, %s is already registered", c.Discarded, c.MessageType, c.Active)
}

// Entry is one active registration.
type Entry struct {
	MessageType string
	Handler     string
}

// Registry is the immutable dispatch table of a Receiver.
type Registry struct {
	types    *message.Registry
	handlers map[reflect.Type]Registration
	entries  []Entry
}

// NewRegistry builds the dispatch table. The first registration of a
// message type wins; later ones are returned as conflicts. Pointer message
// types count as their element type, since both share one wire name.
// Message types are added to types under their wire names, and a name clash
// between two Go types is an error.
func NewRegistry(types *message.Registry, regs ...Registration) (*Registry, []Conflict, error) {
	if types == nil {
		types = message.NewRegistry()
	}
	r := &Registry{
		types:    types,
		handlers: make(map[reflect.Type]Registration, len(regs)),
	}

	var conflicts []Conflict
	for _, reg := range regs {
		if reg == nil {
			continue
		}
		name, err := reg.register(types)
		if err != nil {
			return nil, nil, fmt.Errorf("register %s: %w", reg.HandlerName(), err)
		}

		t := baseType(reg.MessageType())
		if active, ok := r.handlers[t]; ok {
			conflicts = append(conflicts, Conflict{
				MessageType: name,
				Discarded:   reg.HandlerName(),
				Active:      active.HandlerName(),
			})
			continue
		}
		r.handlers[t] = reg
		r.entries = append(r.entries, Entry{MessageType: name, Handler: reg.HandlerName()})
	}

	sort.Slice(r.entries, func(i, j int) bool {
		return r.entries[i].MessageType < r.entries[j].MessageType
	})
	return r, conflicts, nil
}

func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// Resolve returns the registration for a wire type name.
func (r *Registry) Resolve(typeName string) (Registration, error) {
	t, ok := r.types.Lookup(typeName)
	if !ok {
		return nil, wrap(ErrRouting, fmt.Errorf("%w: %q", message.ErrUnknownType, typeName))
	}
	reg, ok := r.handlers[t]
	if !ok {
		return nil, wrap(ErrRouting, fmt.Errorf("no handler registered for %q", typeName))
	}
	return reg, nil
}

// Entries returns the active registrations ordered by message type.
func (r *Registry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// Len returns the number of active registrations.
func (r *Registry) Len() int {
	return len(r.handlers)
}
