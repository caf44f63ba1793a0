// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"log/slog"

	"github.com/absmach/nanobus/message"
	"github.com/absmach/nanobus/serializer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/absmach/nanobus/bus"

type options struct {
	logger     *slog.Logger
	observers  []Observer
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	types      *message.Registry
}

func newOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.types == nil {
		o.types = message.NewRegistry()
	}
	return o
}

// emit notifies every observer. A panicking observer is logged and skipped.
func (o options) emit(e Event) {
	for _, obs := range o.observers {
		o.notify(obs, e)
	}
}

func (o options) notify(obs Observer, e Event) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("observer panicked",
				slog.String("event", e.Type()),
				slog.Any("panic", p))
		}
	}()
	obs(e)
}

// Option configures a Sender or a Receiver.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver adds an event observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithPropagator sets the trace context propagator. Defaults to the global
// one.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) {
		if p != nil {
			o.propagator = p
		}
	}
}

// WithTypes sets the message type registry a Receiver resolves wire type
// names with. Handler message types are added to it; aliases registered
// with message.RegisterAs beforehand stay valid.
func WithTypes(r *message.Registry) Option {
	return func(o *options) {
		o.types = r
	}
}

type sendOptions struct {
	priority  message.Priority
	resolver  message.ShardResolver
	engine    serializer.Engine
	hasEngine bool
}

// SendOption configures a single Send.
type SendOption func(*sendOptions)

// WithPriority sets the message priority. Defaults to PriorityNormal.
func WithPriority(p message.Priority) SendOption {
	return func(o *sendOptions) {
		o.priority = p
	}
}

// WithShardResolver overrides the shard resolver for the identifier type.
func WithShardResolver(r message.ShardResolver) SendOption {
	return func(o *sendOptions) {
		o.resolver = r
	}
}

// WithSerializer selects the serializer engine. Engines the sender does not
// have fall back to its default with a warning.
func WithSerializer(e serializer.Engine) SendOption {
	return func(o *sendOptions) {
		o.engine = e
		o.hasEngine = true
	}
}
