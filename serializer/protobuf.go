// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package serializer

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

var _ Serializer = Protobuf{}

// ProtoMarshaler is implemented by plain Go messages that travel as a
// protobuf message.
type ProtoMarshaler interface {
	ToProto() (proto.Message, error)
}

// ProtoUnmarshaler is the decoding side of ProtoMarshaler. NewProto returns
// an empty protobuf message to decode into, FromProto copies it back.
type ProtoUnmarshaler interface {
	NewProto() proto.Message
	FromProto(m proto.Message) error
}

// Protobuf encodes messages that implement proto.Message, or that convert
// to one through ProtoMarshaler and ProtoUnmarshaler.
type Protobuf struct{}

func (Protobuf) Engine() Engine      { return EngineProtobuf }
func (Protobuf) ContentType() string { return "application/x-protobuf" }

func (Protobuf) Serialize(v any) ([]byte, error) {
	switch m := v.(type) {
	case proto.Message:
		return proto.Marshal(m)
	case ProtoMarshaler:
		pm, err := m.ToProto()
		if err != nil {
			return nil, err
		}
		return proto.Marshal(pm)
	}
	return nil, fmt.Errorf("%w: %T does not implement proto.Message", ErrUnsupportedType, v)
}

func (Protobuf) Deserialize(data []byte, v any) error {
	switch m := v.(type) {
	case proto.Message:
		return proto.Unmarshal(data, m)
	case ProtoUnmarshaler:
		pm := m.NewProto()
		if err := proto.Unmarshal(data, pm); err != nil {
			return err
		}
		return m.FromProto(pm)
	}
	return fmt.Errorf("%w: %T does not implement proto.Message", ErrUnsupportedType, v)
}
