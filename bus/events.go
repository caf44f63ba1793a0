// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"github.com/absmach/nanobus/message"
	"github.com/absmach/nanobus/serializer"
)

// Event type constants.
const (
	TypeMessageSent     = "message.sent"
	TypeDeliveryHandled = "delivery.handled"
	TypeDeliveryDropped = "delivery.dropped"
	TypeDeliveryFailed  = "delivery.failed"
)

// Event is emitted to observers by senders and receivers.
type Event interface {
	// Type returns the event type identifier (e.g., "message.sent").
	Type() string
}

// Observer receives bus events. Observers run synchronously on the sending
// or consuming goroutine and must not block.
type Observer func(Event)

// MessageSent is emitted after a message was published.
type MessageSent struct {
	Message     any
	MessageType string
	Exchange    string
	Shard       int
	Priority    message.Priority
	Engine      serializer.Engine
	Size        int
}

// DeliveryHandled is emitted after the handler pipeline completed.
type DeliveryHandled struct {
	MessageType string
	Queue       string
	Handler     string
	Proceeded   bool
	Stats       Statistics
}

// DeliveryDropped is emitted for deliveries that could not be routed.
type DeliveryDropped struct {
	MessageType string
	Queue       string
	Err         error
}

// DeliveryFailed is emitted when the handler pipeline failed.
type DeliveryFailed struct {
	MessageType string
	Queue       string
	Handler     string
	Err         error
}

func (MessageSent) Type() string     { return TypeMessageSent }
func (DeliveryHandled) Type() string { return TypeDeliveryHandled }
func (DeliveryDropped) Type() string { return TypeDeliveryDropped }
func (DeliveryFailed) Type() string  { return TypeDeliveryFailed }
