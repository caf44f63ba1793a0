// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package serializer

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
)

var _ Serializer = (*MessagePack)(nil)

// MessagePack encodes messages with MessagePack. Struct fields follow their
// codec or json tags.
type MessagePack struct {
	handle *codec.MsgpackHandle
}

// NewMessagePack returns a MessagePack serializer using the current
// MessagePack spec (str8 and bin types).
func NewMessagePack() *MessagePack {
	h := &codec.MsgpackHandle{WriteExt: true}
	h.RawToString = true
	return &MessagePack{handle: h}
}

func (m *MessagePack) Engine() Engine      { return EngineMessagePack }
func (m *MessagePack) ContentType() string { return "application/msgpack" }

func (m *MessagePack) Serialize(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, m.handle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MessagePack) Deserialize(data []byte, v any) error {
	return codec.NewDecoderBytes(data, m.handle).Decode(v)
}
