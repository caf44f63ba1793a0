// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package serializer defines the wire encodings used for message bodies and
// the engines shipped with the bus.
package serializer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Serializer errors.
var (
	ErrUnsupportedType = errors.New("value not supported by serializer")
	ErrUnknownEngine   = errors.New("unknown serializer engine")
	ErrNoDefault       = errors.New("default serializer is required")
)

// Engine is the tag carried in the "serializer" header of every message.
// Values are part of the wire format and must not be renumbered.
type Engine int32

// Available engines.
const (
	EngineJSON Engine = iota
	EngineDeflateJSON
	EngineProtobuf
	EngineMessagePack
)

var engineNames = map[Engine]string{
	EngineJSON:        "json",
	EngineDeflateJSON: "deflate-json",
	EngineProtobuf:    "protobuf",
	EngineMessagePack: "msgpack",
}

func (e Engine) String() string {
	if name, ok := engineNames[e]; ok {
		return name
	}
	return fmt.Sprintf("engine(%d)", int32(e))
}

// ParseEngine returns the engine with the given name.
func ParseEngine(name string) (Engine, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for e, n := range engineNames {
		if n == name {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
}

// Serializer converts messages to and from bytes.
type Serializer interface {
	// Engine identifies the encoding on the wire.
	Engine() Engine

	// ContentType is set as the AMQP content-type property.
	ContentType() string

	// Serialize encodes v.
	Serialize(v any) ([]byte, error)

	// Deserialize decodes data into v, which must be a pointer.
	Deserialize(data []byte, v any) error
}

// ContentEncoder is implemented by serializers that compress their output.
// The encoding is set as the AMQP content-encoding property.
type ContentEncoder interface {
	ContentEncoding() string
}

// Registry holds the serializers a bus may use and the default one.
type Registry struct {
	def     Serializer
	engines map[Engine]Serializer
}

// NewRegistry creates a registry with def as default. Later serializers
// replace earlier ones with the same engine, but never the default.
func NewRegistry(def Serializer, others ...Serializer) (*Registry, error) {
	if def == nil {
		return nil, ErrNoDefault
	}

	r := &Registry{
		def:     def,
		engines: map[Engine]Serializer{},
	}
	for _, s := range others {
		if s != nil {
			r.engines[s.Engine()] = s
		}
	}
	r.engines[def.Engine()] = def
	return r, nil
}

// Default returns the default serializer.
func (r *Registry) Default() Serializer {
	return r.def
}

// Get returns the serializer registered for e.
func (r *Registry) Get(e Engine) (Serializer, bool) {
	s, ok := r.engines[e]
	return s, ok
}

// Engines returns the registered engines in tag order.
func (r *Registry) Engines() []Engine {
	engines := make([]Engine, 0, len(r.engines))
	for e := range r.engines {
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i] < engines[j] })
	return engines
}

// New returns the serializer for an engine with default settings.
func New(e Engine) (Serializer, error) {
	switch e {
	case EngineJSON:
		return JSON{}, nil
	case EngineDeflateJSON:
		return NewDeflateJSON(DefaultDeflateLevel), nil
	case EngineProtobuf:
		return Protobuf{}, nil
	case EngineMessagePack:
		return NewMessagePack(), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownEngine, int32(e))
}

// All returns a registry with every shipped engine and def as default.
func All(def Engine) (*Registry, error) {
	d, err := New(def)
	if err != nil {
		return nil, err
	}

	others := make([]Serializer, 0, len(engineNames))
	for e := range engineNames {
		s, err := New(e)
		if err != nil {
			return nil, err
		}
		others = append(others, s)
	}
	return NewRegistry(d, others...)
}
