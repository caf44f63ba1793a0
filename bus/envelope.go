// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"time"

	"github.com/absmach/nanobus/serializer"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// Envelope header keys.
const (
	HeaderPrepareToSendAt = "prepareToSendAt"
	HeaderSentAt          = "sentAt"
	HeaderSerializer      = "serializer"
)

// headerTime reads a Unix nanosecond timestamp header. Brokers may hand
// integers back with a different width, and AMQP timestamps decode as
// time.Time.
func headerTime(h amqp.Table, key string) (time.Time, bool) {
	switch v := h[key].(type) {
	case int64:
		return time.Unix(0, v), true
	case int32:
		return time.Unix(0, int64(v)), true
	case int:
		return time.Unix(0, int64(v)), true
	case uint64:
		return time.Unix(0, int64(v)), true
	case time.Time:
		return v, true
	}
	return time.Time{}, false
}

func headerEngine(h amqp.Table) (serializer.Engine, bool) {
	switch v := h[HeaderSerializer].(type) {
	case int32:
		return serializer.Engine(v), true
	case int64:
		return serializer.Engine(v), true
	case int:
		return serializer.Engine(v), true
	case int16:
		return serializer.Engine(v), true
	case int8:
		return serializer.Engine(v), true
	case uint8:
		return serializer.Engine(v), true
	}
	return 0, false
}

// headerCarrier carries trace context in AMQP headers.
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
