// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime"
	"time"

	"github.com/absmach/nanobus/message"
	"github.com/absmach/nanobus/serializer"
)

// Statistics carries the lifecycle timestamps of one delivery.
type Statistics struct {
	PrepareToSendAt time.Time
	SentAt          time.Time
	ReceivedAt      time.Time
	HandledAt       time.Time
}

// PrepareDuration is the time the sender spent building and encoding the
// message.
func (s Statistics) PrepareDuration() time.Duration {
	return s.SentAt.Sub(s.PrepareToSendAt)
}

// TransitDuration is the time between publish and receipt.
func (s Statistics) TransitDuration() time.Duration {
	return s.ReceivedAt.Sub(s.SentAt)
}

// TotalDuration is the time from preparing the message to handling it.
func (s Statistics) TotalDuration() time.Duration {
	return s.HandledAt.Sub(s.PrepareToSendAt)
}

// Handler processes messages of type T. For every delivery the receiver
// calls RegisterStatistics, then BeforeHandle, then Handle only if
// BeforeHandle returned true, then AfterHandle. An error stops the
// pipeline.
type Handler[T any] interface {
	RegisterStatistics(ctx context.Context, stats Statistics) error
	BeforeHandle(ctx context.Context, msg *T) (bool, error)
	Handle(ctx context.Context, msg *T) error
	AfterHandle(ctx context.Context, msg *T) error
}

// HandlerBase provides no-op pipeline stages. Embed it and override Handle.
type HandlerBase[T any] struct{}

func (HandlerBase[T]) RegisterStatistics(context.Context, Statistics) error { return nil }
func (HandlerBase[T]) BeforeHandle(context.Context, *T) (bool, error)       { return true, nil }
func (HandlerBase[T]) Handle(context.Context, *T) error                     { return nil }
func (HandlerBase[T]) AfterHandle(context.Context, *T) error                { return nil }

// HandlerFunc adapts a function to a Handler whose other stages are no-ops.
type HandlerFunc[T any] func(ctx context.Context, msg *T) error

func (HandlerFunc[T]) RegisterStatistics(context.Context, Statistics) error { return nil }
func (HandlerFunc[T]) BeforeHandle(context.Context, *T) (bool, error)       { return true, nil }
func (f HandlerFunc[T]) Handle(ctx context.Context, msg *T) error           { return f(ctx, msg) }
func (HandlerFunc[T]) AfterHandle(context.Context, *T) error                { return nil }

// Registration binds a message type to a handler factory. Create one with
// HandlerFor or HandleFunc.
type Registration interface {
	// HandlerName identifies the handler in logs and conflicts.
	HandlerName() string

	// MessageType is the Go type the handler accepts.
	MessageType() reflect.Type

	register(types *message.Registry) (string, error)
	dispatch(ctx context.Context, s serializer.Serializer, body []byte, stats *Statistics) (bool, error)
}

type registration[T any] struct {
	name    string
	factory func() Handler[T]
}

// HandlerFor registers the handlers built by factory for messages of type
// T. The factory is called once per delivery; handlers that implement
// io.Closer are closed when the pipeline ends. It is also called once here
// to name the handler.
func HandlerFor[T any](factory func() Handler[T]) Registration {
	name := "<nil>"
	if h := factory(); h != nil {
		name = fmt.Sprintf("%T", h)
		if c, ok := h.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return &registration[T]{name: name, factory: factory}
}

// HandleFunc registers fn for messages of type T.
func HandleFunc[T any](fn func(ctx context.Context, msg *T) error) Registration {
	name := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	h := HandlerFunc[T](fn)
	return &registration[T]{
		name:    name,
		factory: func() Handler[T] { return h },
	}
}

func (r *registration[T]) HandlerName() string { return r.name }

func (r *registration[T]) MessageType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (r *registration[T]) register(types *message.Registry) (string, error) {
	return message.Register[T](types)
}

func (r *registration[T]) dispatch(ctx context.Context, s serializer.Serializer, body []byte, stats *Statistics) (proceed bool, err error) {
	msg := new(T)
	if err := s.Deserialize(body, msg); err != nil {
		return false, fmt.Errorf("deserialize with %s: %w", s.Engine(), err)
	}

	h := r.factory()
	if h == nil {
		return false, fmt.Errorf("factory of %s returned nil", r.name)
	}
	if c, ok := h.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close: %w", cerr))
			}
		}()
	}

	stats.HandledAt = time.Now()
	if err := h.RegisterStatistics(ctx, *stats); err != nil {
		return false, fmt.Errorf("register statistics: %w", err)
	}

	proceed, err = h.BeforeHandle(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("before handle: %w", err)
	}
	if proceed {
		if err := h.Handle(ctx, msg); err != nil {
			return true, fmt.Errorf("handle: %w", err)
		}
	}
	if err := h.AfterHandle(ctx, msg); err != nil {
		return proceed, fmt.Errorf("after handle: %w", err)
	}
	return proceed, nil
}
