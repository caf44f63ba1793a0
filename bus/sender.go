// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqpclient "github.com/absmach/nanobus/client/amqp091"
	"github.com/absmach/nanobus/message"
	"github.com/absmach/nanobus/serializer"
	"github.com/absmach/nanobus/topology"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPublishChannels is the default size of the sender channel pool.
const DefaultPublishChannels = 8

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Identification names the service. Messages are published to
	// "exchange.<Identification>.<shard>".
	Identification string

	// MaxShardingSize is the number of shards. Values <= 0 become 1.
	MaxShardingSize int

	// PublishChannels bounds the number of channels used by concurrent
	// sends. Defaults to DefaultPublishChannels.
	PublishChannels int

	// Breaker enables a circuit breaker around publishing when its
	// FailureThreshold is positive.
	Breaker BreakerConfig
}

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Sender publishes messages to the shard exchanges of one service.
type Sender struct {
	id          string
	size        int
	serializers *serializer.Registry
	pool        *channelPool
	breaker     *gobreaker.CircuitBreaker
	opts        options
	closed      atomic.Bool
}

// NewSender declares one durable fanout exchange per shard and returns a
// Sender publishing to them. The connection stays owned by the caller.
func NewSender(conn amqpclient.Conn, cfg SenderConfig, serializers *serializer.Registry, opts ...Option) (*Sender, error) {
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
	channels := cfg.PublishChannels
	if channels <= 0 {
		channels = DefaultPublishChannels
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, wrap(ErrInitialization, fmt.Errorf("open channel: %w", err))
	}
	for shard := range size {
		name := topology.ExchangeName(cfg.Identification, shard)
		if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, wrap(ErrInitialization, fmt.Errorf("declare exchange %s: %w", name, err))
		}
		o.logger.Debug("exchange declared", slog.String("exchange", name))
	}
	if err := ch.Close(); err != nil {
		return nil, wrap(ErrInitialization, fmt.Errorf("close channel: %w", err))
	}

	s := &Sender{
		id:          cfg.Identification,
		size:        size,
		serializers: serializers,
		pool:        newChannelPool(conn, channels),
		opts:        o,
	}

	if cfg.Breaker.FailureThreshold > 0 {
		threshold := uint32(cfg.Breaker.FailureThreshold)
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "publish." + cfg.Identification,
			MaxRequests: 1,
			Timeout:     cfg.Breaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				o.logger.Warn("publish circuit breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	o.logger.Info("sender ready",
		slog.String("identification", s.id),
		slog.Int("shards", size),
		slog.Int("publish_channels", channels))

	return s, nil
}

// Send publishes msg to the exchange of its shard. msg must be a struct,
// or a pointer to one, with exactly one identifier field tagged bus:"id".
func (s *Sender) Send(ctx context.Context, msg any, opts ...SendOption) error {
	if s.closed.Load() {
		return wrap(ErrPublish, ErrClosed)
	}

	so := sendOptions{priority: message.PriorityNormal}
	for _, opt := range opts {
		opt(&so)
	}

	id, err := message.ID(msg)
	if err != nil {
		return wrap(ErrPublish, validation(err))
	}
	if !so.priority.Valid() {
		return wrap(ErrPublish, validation(fmt.Errorf("%w: %d", message.ErrInvalidPriority, so.priority)))
	}
	shard, err := message.Shard(id, s.size, so.resolver)
	if err != nil {
		return wrap(ErrPublish, validation(err))
	}

	ser := s.serializer(so)
	typeName := message.TypeName(msg)
	exchange := topology.ExchangeName(s.id, shard)

	ctx, span := s.opts.tracer.Start(ctx, "nanobus.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.message.type", typeName),
			attribute.Int("nanobus.shard", shard),
		))
	defer span.End()

	prepareToSendAt := time.Now()
	headers := amqp.Table{
		HeaderPrepareToSendAt: prepareToSendAt.UnixNano(),
		HeaderSerializer:      int32(ser.Engine()),
	}
	s.opts.propagator.Inject(ctx, headerCarrier(headers))

	body, err := ser.Serialize(msg)
	if err != nil {
		return s.fail(span, fmt.Errorf("serialize %s with %s: %w", typeName, ser.Engine(), err))
	}

	pub := amqp.Publishing{
		Headers:      headers,
		ContentType:  ser.ContentType(),
		DeliveryMode: amqp.Persistent,
		Priority:     so.priority.Byte(),
		Timestamp:    prepareToSendAt,
		Type:         typeName,
		Body:         body,
	}
	if enc, ok := ser.(serializer.ContentEncoder); ok {
		pub.ContentEncoding = enc.ContentEncoding()
	}
	if err := s.publish(ctx, exchange, pub); err != nil {
		return s.fail(span, fmt.Errorf("publish %s to %s: %w", typeName, exchange, err))
	}

	s.opts.emit(MessageSent{
		Message:     msg,
		MessageType: typeName,
		Exchange:    exchange,
		Shard:       shard,
		Priority:    so.priority,
		Engine:      ser.Engine(),
		Size:        len(body),
	})
	return nil
}

func (s *Sender) serializer(so sendOptions) serializer.Serializer {
	if !so.hasEngine {
		return s.serializers.Default()
	}
	if ser, ok := s.serializers.Get(so.engine); ok {
		return ser
	}
	def := s.serializers.Default()
	s.opts.logger.Warn("serializer not available, using default",
		slog.String("serializer", so.engine.String()),
		slog.String("default", def.Engine().String()))
	return def
}

// publish stamps sentAt and publishes on a pooled channel. Channels that
// fail a publish are dropped from the pool.
func (s *Sender) publish(ctx context.Context, exchange string, pub amqp.Publishing) error {
	do := func() error {
		ch, err := s.pool.get(ctx)
		if err != nil {
			return err
		}

		pub.Headers[HeaderSentAt] = time.Now().UnixNano()
		err = ch.PublishWithContext(ctx, exchange, "", false, false, pub)
		s.pool.put(ch, err == nil)
		return err
	}

	if s.breaker == nil {
		return do()
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, do()
	})
	return err
}

func (s *Sender) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return wrap(ErrPublish, err)
}

// Identification returns the service name the sender publishes as.
func (s *Sender) Identification() string {
	return s.id
}

// MaxShardingSize returns the effective number of shards.
func (s *Sender) MaxShardingSize() int {
	return s.size
}

// Close closes the pooled channels. Sends after Close fail with ErrClosed.
func (s *Sender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.pool.close()
}

// channelPool hands out at most size channels at a time. Idle channels
// are reused.
type channelPool struct {
	conn amqpclient.Conn
	sem  chan struct{}
	idle chan amqpclient.Channel

	mu     sync.Mutex
	closed bool
}

func newChannelPool(conn amqpclient.Conn, size int) *channelPool {
	return &channelPool{
		conn: conn,
		sem:  make(chan struct{}, size),
		idle: make(chan amqpclient.Channel, size),
	}
}

func (p *channelPool) get(ctx context.Context) (amqpclient.Channel, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case ch := <-p.idle:
		return ch, nil
	default:
	}

	ch, err := p.conn.Channel()
	if err != nil {
		<-p.sem
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func (p *channelPool) put(ch amqpclient.Channel, healthy bool) {
	defer func() { <-p.sem }()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !healthy || p.closed {
		_ = ch.Close()
		return
	}
	p.idle <- ch
}

func (p *channelPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	for {
		select {
		case ch := <-p.idle:
			if err := ch.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}
