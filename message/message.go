// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message describes application messages as seen by the bus: how
// their identifier is found, how they are named on the wire and how they are
// spread over shards.
package message

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// IDTag is the struct tag value that marks the identifier field:
//
//	type OrderCreated struct {
//		ID    int64 `bus:"id"`
//		Total int
//	}
const IDTag = "id"

const tagKey = "bus"

// Message errors.
var (
	ErrNotStruct         = errors.New("message must be a struct or a pointer to a struct")
	ErrNoIdentifier      = errors.New(`no field tagged bus:"id" was found`)
	ErrManyIdentifiers   = errors.New(`more than one field tagged bus:"id"`)
	ErrIncompatibleID    = errors.New("incompatible identifier type, only integer or uuid.UUID are valid")
	ErrShardOutOfRange   = errors.New("shard out of range")
	ErrInvalidPriority   = errors.New("invalid message priority")
	ErrUnknownType       = errors.New("unknown message type")
	ErrTypeNameCollision = errors.New("message type name already registered for another type")
)

// Typed lets a message choose its wire type name instead of the Go name.
// Names should be stable and versioned, e.g. "orders.created.v1", and must
// not depend on field values: the receiver asks a zero value for it.
type Typed interface {
	MessageType() string
}

// Priority is the AMQP priority a message is published with.
type Priority uint8

// Message priorities, lowest first.
const (
	PriorityNormal Priority = iota
	PriorityLevel1
	PriorityLevel2
	PriorityLevel3
	PriorityLevel4
)

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p <= PriorityLevel4
}

// Byte returns the ordinal carried in the AMQP priority property.
func (p Priority) Byte() uint8 {
	return uint8(p)
}

func (p Priority) String() string {
	if p == PriorityNormal {
		return "normal"
	}
	if p.Valid() {
		return fmt.Sprintf("level%d", p)
	}
	return fmt.Sprintf("invalid(%d)", uint8(p))
}

var uuidType = reflect.TypeOf(uuid.UUID{})

// idFields caches the identifier field index per struct type.
var idFields sync.Map // reflect.Type -> []int

// ID returns the value of the identifier field of msg, normalized to int64,
// uint64 or uuid.UUID.
func ID(msg any) (any, error) {
	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, ErrNotStruct
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, ErrNotStruct
	}

	index, err := idField(v.Type())
	if err != nil {
		return nil, err
	}

	f := v.FieldByIndex(index)
	switch f.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return f.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return f.Uint(), nil
	}
	if f.Type() == uuidType {
		var id uuid.UUID
		for i := range id {
			id[i] = byte(f.Index(i).Uint())
		}
		return id, nil
	}
	return nil, fmt.Errorf("%w: field %s is %s", ErrIncompatibleID, v.Type().FieldByIndex(index).Name, f.Type())
}

func idField(t reflect.Type) ([]int, error) {
	if cached, ok := idFields.Load(t); ok {
		return cached.([]int), nil
	}

	var found []int
	for _, f := range reflect.VisibleFields(t) {
		if f.Tag.Get(tagKey) != IDTag {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrManyIdentifiers, TypeNameOf(t))
		}
		found = f.Index
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoIdentifier, TypeNameOf(t))
	}

	idFields.Store(t, found)
	return found, nil
}

// TypeName returns the wire type name of msg.
func TypeName(msg any) string {
	if t, ok := msg.(Typed); ok {
		return t.MessageType()
	}
	return TypeNameOf(reflect.TypeOf(msg))
}

// TypeNameOf returns the wire type name for values of type t. Types whose
// value or pointer implements Typed use that name; other types are named
// "<import path>.<type name>".
func TypeNameOf(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name, ok := typedName(t); ok {
		return name
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

var typedIface = reflect.TypeOf((*Typed)(nil)).Elem()

func typedName(t reflect.Type) (string, bool) {
	switch {
	case t.Implements(typedIface):
		return reflect.Zero(t).Interface().(Typed).MessageType(), true
	case reflect.PointerTo(t).Implements(typedIface):
		return reflect.New(t).Interface().(Typed).MessageType(), true
	}
	return "", false
}
