// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook forwards bus events to HTTP endpoints.
package webhook

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/absmach/nanobus/bus"
	"github.com/google/uuid"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("webhook notifier closed")

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify sends an event asynchronously (non-blocking)
	Notify(ctx context.Context, event bus.Event) error

	// Close stops the workers. Events still queued are dropped.
	Close() error
}

// Sender is the protocol-specific sender interface (HTTP, gRPC, etc.).
type Sender interface {
	// Send sends a webhook payload to the specified URL.
	// Returns error if the send fails.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	ServiceID string `json:"service_id"`
	Data      any    `json:"data"`
}

type messageSent struct {
	MessageType string `json:"message_type"`
	Exchange    string `json:"exchange"`
	Shard       int    `json:"shard"`
	Priority    uint8  `json:"priority"`
	Serializer  string `json:"serializer"`
	Size        int    `json:"size"`
	Message     any    `json:"message,omitempty"`
}

type deliveryHandled struct {
	MessageType string  `json:"message_type"`
	Queue       string  `json:"queue"`
	Handler     string  `json:"handler"`
	Proceeded   bool    `json:"proceeded"`
	PrepareMs   float64 `json:"prepare_ms"`
	TransitMs   float64 `json:"transit_ms"`
	TotalMs     float64 `json:"total_ms"`
}

type deliveryDropped struct {
	MessageType string `json:"message_type"`
	Queue       string `json:"queue"`
	Reason      string `json:"reason"`
}

type deliveryFailed struct {
	MessageType string `json:"message_type"`
	Queue       string `json:"queue"`
	Handler     string `json:"handler"`
	Error       string `json:"error"`
}

// Wrap wraps a bus event in an envelope. Sent messages are included only
// when includeMessage is set.
func Wrap(e bus.Event, serviceID string, includeMessage bool) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ServiceID: serviceID,
		Data:      data(e, includeMessage),
	}
}

func data(e bus.Event, includeMessage bool) any {
	switch ev := e.(type) {
	case bus.MessageSent:
		d := messageSent{
			MessageType: ev.MessageType,
			Exchange:    ev.Exchange,
			Shard:       ev.Shard,
			Priority:    ev.Priority.Byte(),
			Serializer:  ev.Engine.String(),
			Size:        ev.Size,
		}
		if includeMessage {
			d.Message = ev.Message
		}
		return d
	case bus.DeliveryHandled:
		return deliveryHandled{
			MessageType: ev.MessageType,
			Queue:       ev.Queue,
			Handler:     ev.Handler,
			Proceeded:   ev.Proceeded,
			PrepareMs:   millis(ev.Stats.PrepareDuration()),
			TransitMs:   millis(ev.Stats.TransitDuration()),
			TotalMs:     millis(ev.Stats.TotalDuration()),
		}
	case bus.DeliveryDropped:
		return deliveryDropped{
			MessageType: ev.MessageType,
			Queue:       ev.Queue,
			Reason:      errString(ev.Err),
		}
	case bus.DeliveryFailed:
		return deliveryFailed{
			MessageType: ev.MessageType,
			Queue:       ev.Queue,
			Handler:     ev.Handler,
			Error:       errString(ev.Err),
		}
	default:
		return e
	}
}

// messageType returns the message type an event refers to.
func messageType(e bus.Event) string {
	switch ev := e.(type) {
	case bus.MessageSent:
		return ev.MessageType
	case bus.DeliveryHandled:
		return ev.MessageType
	case bus.DeliveryDropped:
		return ev.MessageType
	case bus.DeliveryFailed:
		return ev.MessageType
	}
	return ""
}

// typeMatches matches a dotted message type against an AMQP topic style
// pattern: "*" matches one word, "#" matches zero or more words.
func typeMatches(pattern, messageType string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(messageType, "."))
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
