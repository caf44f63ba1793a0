// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqpclient "github.com/absmach/nanobus/client/amqp091"
	"github.com/absmach/nanobus/serializer"
	"github.com/absmach/nanobus/topology"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Receiver defaults.
const (
	DefaultPrefetchSize = 100
	MaxPrefetchSize     = 65535
)

// FailurePolicy decides how a delivery whose handler failed is settled when
// acknowledgments are manual.
type FailurePolicy string

// Failure policies.
const (
	// FailureAck acknowledges failed deliveries; they are not redelivered.
	FailureAck FailurePolicy = "ack"
	// FailureRequeue negatively acknowledges and requeues failed deliveries.
	FailureRequeue FailurePolicy = "requeue"
	// FailureReject negatively acknowledges without requeueing, so the
	// broker dead-letters or discards the delivery.
	FailureReject FailurePolicy = "reject"
)

// ParseFailurePolicy parses a policy name. An empty name is FailureAck.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FailureAck, nil
	case FailureAck, FailureRequeue, FailureReject:
		return p, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Identification names the receiving service. Its queues are
	// "queue.<Identification>.<shard>".
	Identification string

	// MaxShardingSize is the number of shards. Values <= 0 become 1.
	MaxShardingSize int

	// ListenedServices is a comma separated list of the services whose
	// exchanges are consumed. Defaults to Identification.
	ListenedServices string

	// ListenedShards lists the consumed shards, e.g. "0-3,6,8-9".
	// Defaults to every shard.
	ListenedShards string

	// PrefetchSize is the per-queue prefetch count. Defaults to
	// DefaultPrefetchSize.
	PrefetchSize int

	// AutoAck lets the broker consider deliveries acknowledged on send.
	AutoAck bool

	// FailurePolicy settles failed deliveries when AutoAck is false.
	FailurePolicy FailurePolicy

	// Workers is the number of goroutines handling each queue. Defaults
	// to 1.
	Workers int

	// Strict makes handler registration conflicts fatal.
	Strict bool
}

type binding struct {
	queue string
	ch    amqpclient.Channel

	mu   sync.Mutex
	tags []string
}

// Receiver consumes the queues of one service and dispatches deliveries to
// registered handlers.
type Receiver struct {
	cfg         ReceiverConfig
	size        int
	services    []string
	shards      []int
	serializers *serializer.Registry
	registry    *Registry
	bindings    []*binding
	opts        options

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewReceiver builds the handler registry, declares one durable queue per
// listened shard, binds it to the exchange of that shard for every listened
// service, and opens one channel per queue. Nothing is consumed until
// Start.
func NewReceiver(conn amqpclient.Conn, cfg ReceiverConfig, serializers *serializer.Registry, regs []Registration, opts ...Option) (*Receiver, error) {
	o := newOptions(opts)

	if cfg.Identification == "" {
		return nil, wrap(ErrInitialization, validation(errors.New("identification is required")))
	}
	if conn == nil {
		return nil, wrap(ErrInitialization, errors.New("connection is required"))
	}
	if serializers == nil {
		return nil, wrap(ErrInitialization, serializer.ErrNoDefault)
	}

	size := cfg.MaxShardingSize
	if size <= 0 {
		o.logger.Warn("max sharding size must be positive, using 1",
			slog.String("identification", cfg.Identification),
			slog.Int("max_sharding_size", size))
		size = 1
	}

	services := topology.ParseServiceList(cfg.ListenedServices)
	if len(services) == 0 {
		services = []string{cfg.Identification}
	}
	spec := cfg.ListenedShards
	if strings.TrimSpace(spec) == "" {
		spec = topology.FullRange(size)
	}
	shards, err := topology.ParseShardSpec(spec, size)
	if err != nil {
		return nil, wrap(ErrInitialization, validation(err))
	}

	switch {
	case cfg.PrefetchSize == 0:
		cfg.PrefetchSize = DefaultPrefetchSize
	case cfg.PrefetchSize < 0 || cfg.PrefetchSize > MaxPrefetchSize:
		return nil, wrap(ErrInitialization, validation(fmt.Errorf("prefetch size %d out of range [0, %d]", cfg.PrefetchSize, MaxPrefetchSize)))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FailurePolicy, err = ParseFailurePolicy(string(cfg.FailurePolicy)); err != nil {
		return nil, wrap(ErrInitialization, validation(err))
	}

	registry, conflicts, err := NewRegistry(o.types, regs...)
	if err != nil {
		return nil, wrap(ErrInitialization, err)
	}
	if len(conflicts) > 0 {
		if cfg.Strict {
			errs := make([]error, len(conflicts))
			for i, c := range conflicts {
				errs[i] = c
			}
			return nil, wrap(ErrInitialization, errors.Join(errs...))
		}
		for _, c := range conflicts {
			o.logger.Warn("handler registration discarded",
				slog.String("message_type", c.MessageType),
				slog.String("discarded", c.Discarded),
				slog.String("active", c.Active))
		}
	}
	if registry.Len() == 0 {
		o.logger.Warn("no handlers registered, every delivery will be dropped",
			slog.String("identification", cfg.Identification))
	}

	r := &Receiver{
		cfg:         cfg,
		size:        size,
		services:    services,
		shards:      shards,
		serializers: serializers,
		registry:    registry,
		opts:        o,
	}
	if err := r.provision(conn); err != nil {
		r.closeChannels()
		return nil, wrap(ErrInitialization, err)
	}

	o.logger.Info("receiver ready",
		slog.String("identification", cfg.Identification),
		slog.Any("services", services),
		slog.Any("shards", shards),
		slog.Int("prefetch", cfg.PrefetchSize),
		slog.Bool("auto_ack", cfg.AutoAck),
		slog.String("failure_policy", string(cfg.FailurePolicy)))

	return r, nil
}

func (r *Receiver) provision(conn amqpclient.Conn) error {
	for _, shard := range r.shards {
		queue := topology.QueueName(r.cfg.Identification, shard)

		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel for %s: %w", queue, err)
		}
		r.bindings = append(r.bindings, &binding{queue: queue, ch: ch})

		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		for _, service := range r.services {
			exchange := topology.ExchangeName(service, shard)
			if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", exchange, err)
			}
			if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s: %w", queue, exchange, err)
			}
			r.opts.logger.Debug("queue bound",
				slog.String("queue", queue),
				slog.String("exchange", exchange))
		}
		if err := ch.Qos(r.cfg.PrefetchSize, 0, false); err != nil {
			return fmt.Errorf("set prefetch on %s: %w", queue, err)
		}
	}
	return nil
}

// Start begins consuming every queue and returns once all consumers are
// registered. Workers stop when ctx is done or the receiver is closed.
// Each call registers new consumers, so call it once.
func (r *Receiver) Start(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}

	for _, b := range r.bindings {
		tag := b.queue + "." + uuid.NewString()
		deliveries, err := b.ch.Consume(b.queue, tag, r.cfg.AutoAck, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", b.queue, err)
		}
		b.mu.Lock()
		b.tags = append(b.tags, tag)
		b.mu.Unlock()

		for range r.cfg.Workers {
			r.wg.Add(1)
			go r.consume(ctx, b, deliveries)
		}
		r.opts.logger.Debug("consumer started",
			slog.String("queue", b.queue),
			slog.String("consumer", tag),
			slog.Int("workers", r.cfg.Workers))
	}
	return nil
}

func (r *Receiver) consume(ctx context.Context, b *binding, deliveries <-chan amqp.Delivery) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			_ = r.handleDelivery(ctx, b, d)
		}
	}
}

// handleDelivery runs one delivery through the pipeline and settles it.
// Unless AutoAck is set it acks or nacks exactly once, also when the
// pipeline fails or panics.
func (r *Receiver) handleDelivery(ctx context.Context, b *binding, d amqp.Delivery) (err error) {
	stats := Statistics{ReceivedAt: time.Now()}
	stats.PrepareToSendAt, _ = headerTime(d.Headers, HeaderPrepareToSendAt)
	stats.SentAt, _ = headerTime(d.Headers, HeaderSentAt)

	ctx = r.opts.propagator.Extract(ctx, headerCarrier(d.Headers))
	ctx, span := r.opts.tracer.Start(ctx, "nanobus.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source.name", b.queue),
			attribute.String("messaging.message.type", d.Type),
		))

	handlerName := ""
	defer func() {
		if p := recover(); p != nil {
			err = wrap(ErrHandler, fmt.Errorf("panic: %v", p))
		}
		if errors.Is(err, ErrHandler) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.opts.logger.Error("handler failed",
				slog.String("queue", b.queue),
				slog.String("message_type", d.Type),
				slog.String("handler", handlerName),
				slog.String("error", err.Error()))
			r.opts.emit(DeliveryFailed{MessageType: d.Type, Queue: b.queue, Handler: handlerName, Err: err})
		}
		r.settle(b, d.DeliveryTag, err)
		span.End()
	}()

	reg, err := r.registry.Resolve(d.Type)
	if err != nil {
		r.opts.logger.Warn("delivery dropped",
			slog.String("queue", b.queue),
			slog.String("message_type", d.Type),
			slog.String("error", err.Error()))
		r.opts.emit(DeliveryDropped{MessageType: d.Type, Queue: b.queue, Err: err})
		return err
	}
	handlerName = reg.HandlerName()

	ser := r.serializers.Default()
	if engine, ok := headerEngine(d.Headers); ok {
		if s, found := r.serializers.Get(engine); found {
			ser = s
		} else {
			r.opts.logger.Warn("serializer not available, using default",
				slog.String("queue", b.queue),
				slog.String("serializer", engine.String()),
				slog.String("default", ser.Engine().String()))
		}
	}

	proceeded, err := reg.dispatch(ctx, ser, d.Body, &stats)
	if err != nil {
		return wrap(ErrHandler, err)
	}

	r.opts.emit(DeliveryHandled{
		MessageType: d.Type,
		Queue:       b.queue,
		Handler:     handlerName,
		Proceeded:   proceeded,
		Stats:       stats,
	})
	return nil
}

func (r *Receiver) settle(b *binding, tag uint64, err error) {
	if r.cfg.AutoAck {
		return
	}

	var serr error
	switch {
	case err == nil || !errors.Is(err, ErrHandler) || r.cfg.FailurePolicy == FailureAck:
		serr = b.ch.Ack(tag, false)
	case r.cfg.FailurePolicy == FailureRequeue:
		serr = b.ch.Nack(tag, false, true)
	default:
		serr = b.ch.Nack(tag, false, false)
	}
	if serr != nil {
		r.opts.logger.Error("failed to settle delivery",
			slog.String("queue", b.queue),
			slog.Uint64("delivery_tag", tag),
			slog.String("error", serr.Error()))
	}
}

// Registry returns the dispatch table.
func (r *Receiver) Registry() *Registry {
	return r.registry
}

// Queues returns the names of the consumed queues.
func (r *Receiver) Queues() []string {
	queues := make([]string, len(r.bindings))
	for i, b := range r.bindings {
		queues[i] = b.queue
	}
	return queues
}

// Close cancels the consumers, waits for in-flight deliveries to be
// settled and closes the queue channels. The connection stays owned by the
// caller.
func (r *Receiver) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, b := range r.bindings {
		b.mu.Lock()
		tags := b.tags
		b.tags = nil
		b.mu.Unlock()

		for _, tag := range tags {
			if err := b.ch.Cancel(tag, false); err != nil {
				errs = append(errs, fmt.Errorf("cancel %s: %w", tag, err))
			}
		}
	}
	r.wg.Wait()

	if err := r.closeChannels(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Receiver) closeChannels() error {
	var errs []error
	for _, b := range r.bindings {
		if err := b.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel of %s: %w", b.queue, err))
		}
	}
	return errors.Join(errs...)
}
