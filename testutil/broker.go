// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-memory AMQP broker for bus tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	amqpclient "github.com/absmach/nanobus/client/amqp091"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Op names a broker operation that can be made to fail.
type Op string

// Operations accepted by FailOn.
const (
	OpChannel         Op = "channel"
	OpExchangeDeclare Op = "exchange.declare"
	OpQueueDeclare    Op = "queue.declare"
	OpQueueBind       Op = "queue.bind"
	OpQos             Op = "basic.qos"
	OpConsume         Op = "basic.consume"
	OpPublish         Op = "basic.publish"
)

// ErrClosed is returned by operations on a closed channel or broker.
var ErrClosed = errors.New("testutil: closed")

// Publication is a message accepted by an exchange.
type Publication struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// Nack is a recorded negative acknowledgment.
type Nack struct {
	Tag     uint64
	Requeue bool
}

type exchange struct {
	kind    string
	durable bool
	queues  []string
}

type queue struct {
	name      string
	durable   bool
	pending   []amqp.Delivery
	consumers []*consumer
	next      int
}

type consumer struct {
	tag string
	ch  *Channel
	out chan amqp.Delivery
}

// Broker is an in-memory fanout broker implementing amqpclient.Conn.
// Deliveries are routed to the consumers of bound queues in round robin and
// held until a consumer appears. Acks and nacks are recorded, never replayed.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	channels  []*Channel
	published []Publication
	acks      []uint64
	nacks     []Nack
	prefetch  map[*Channel]int
	fail      map[Op]error
	tag       uint64
	consumers int
	closed    bool
}

var _ amqpclient.Conn = (*Broker)(nil)

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		prefetch:  make(map[*Channel]int),
		fail:      make(map[Op]error),
	}
}

// FailOn makes every following op return err. A nil err clears it.
func (b *Broker) FailOn(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.fail, op)
		return
	}
	b.fail[op] = err
}

func (b *Broker) failure(op Op) error {
	if b.closed {
		return ErrClosed
	}
	return b.fail[op]
}

// Channel opens a channel.
func (b *Broker) Channel() (amqpclient.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failure(OpChannel); err != nil {
		return nil, err
	}
	ch := &Channel{broker: b}
	b.channels = append(b.channels, ch)
	return ch, nil
}

// Close closes every channel.
func (b *Broker) Close() error {
	b.mu.Lock()
	channels := slices.Clone(b.channels)
	b.closed = true
	b.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}

// Exchanges returns the declared exchange names, sorted.
func (b *Broker) Exchanges() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.exchanges))
	for name := range b.exchanges {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ExchangeKind returns the kind an exchange was declared with.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// Queues returns the declared queue names, sorted.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Bindings returns the exchanges queue is bound to, sorted.
func (b *Broker) Bindings(queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var names []string
	for name, ex := range b.exchanges {
		if slices.Contains(ex.queues, queue) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Published returns every accepted publication in order.
func (b *Broker) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// Acks returns the acknowledged delivery tags in order.
func (b *Broker) Acks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.acks)
}

// Nacks returns the negative acknowledgments in order.
func (b *Broker) Nacks() []Nack {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.nacks)
}

// Prefetch returns the prefetch counts set with Qos, one per channel that
// called it.
func (b *Broker) Prefetch() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make([]int, 0, len(b.prefetch))
	for _, n := range b.prefetch {
		counts = append(counts, n)
	}
	slices.Sort(counts)
	return counts
}

// Consumers returns the number of active consumers.
func (b *Broker) Consumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, q := range b.queues {
		n += len(q.consumers)
	}
	return n
}

// Deliver puts msg straight onto a queue, bypassing exchanges. It returns
// the delivery tag.
func (b *Broker) Deliver(queueName string, msg amqp.Publishing) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return 0, fmt.Errorf("testutil: no queue %q", queueName)
	}
	return b.enqueue(q, "", "", msg), nil
}

func (b *Broker) enqueue(q *queue, exchangeName, key string, msg amqp.Publishing) uint64 {
	b.tag++
	d := amqp.Delivery{
		Headers:         cloneTable(msg.Headers),
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		UserId:          msg.UserId,
		AppId:           msg.AppId,
		DeliveryTag:     b.tag,
		Exchange:        exchangeName,
		RoutingKey:      key,
		Body:            slices.Clone(msg.Body),
	}

	if len(q.consumers) == 0 {
		q.pending = append(q.pending, d)
		return d.DeliveryTag
	}

	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	d.ConsumerTag = c.tag
	c.out <- d
	return d.DeliveryTag
}

func cloneTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Channel is an in-memory channel. It implements amqpclient.Channel.
type Channel struct {
	broker    *Broker
	consumers []*consumer
	closed    bool
}

var _ amqpclient.Channel = (*Channel)(nil)

// ExchangeDeclare declares an exchange. Redeclaring with the same kind is a
// no-op.
func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.check(OpExchangeDeclare); err != nil {
		return err
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return fmt.Errorf("testutil: exchange %q redeclared with different arguments", name)
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind, durable: durable}
	return nil
}

// QueueDeclare declares a queue.
func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.check(OpQueueDeclare); err != nil {
		return amqp.Queue{}, err
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, durable: durable}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.pending), Consumers: len(q.consumers)}, nil
}

// QueueBind binds a queue to an exchange. Routing keys are ignored.
func (c *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.check(OpQueueBind); err != nil {
		return err
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("testutil: no exchange %q", exchangeName)
	}
	if _, ok := b.queues[name]; !ok {
		return fmt.Errorf("testutil: no queue %q", name)
	}
	if !slices.Contains(ex.queues, name) {
		ex.queues = append(ex.queues, name)
	}
	return nil
}

// Qos records the prefetch count.
func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.check(OpQos); err != nil {
		return err
	}
	b.prefetch[c] = prefetchCount
	return nil
}

// Consume starts a consumer on a queue. Pending deliveries are handed over
// first.
func (c *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.check(OpConsume); err != nil {
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("testutil: no queue %q", queueName)
	}

	if tag == "" {
		b.consumers++
		tag = fmt.Sprintf("ctag-%d", b.consumers)
	}
	cons := &consumer{tag: tag, ch: c, out: make(chan amqp.Delivery, 1024)}
	q.consumers = append(q.consumers, cons)
	c.consumers = append(c.consumers, cons)

	for _, d := range q.pending {
		d.ConsumerTag = tag
		cons.out <- d
	}
	q.pending = nil

	return cons.out, nil
}

// PublishWithContext routes msg to every queue bound to the exchange.
func (c *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.check(OpPublish); err != nil {
		return err
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("testutil: no exchange %q", exchangeName)
	}

	msg.Headers = cloneTable(msg.Headers)
	b.published = append(b.published, Publication{Exchange: exchangeName, Key: key, Msg: msg})
	for _, name := range ex.queues {
		b.enqueue(b.queues[name], exchangeName, key, msg)
	}
	return nil
}

// Ack records an acknowledgment.
func (c *Channel) Ack(tag uint64, multiple bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	b.acks = append(b.acks, tag)
	return nil
}

// Nack records a negative acknowledgment.
func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	b.nacks = append(b.nacks, Nack{Tag: tag, Requeue: requeue})
	return nil
}

// Cancel stops a consumer and closes its delivery channel.
func (c *Channel) Cancel(tag string, noWait bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.consumers = slices.DeleteFunc(c.consumers, func(cons *consumer) bool {
		if cons.tag != tag {
			return false
		}
		b.removeConsumer(cons)
		return true
	})
	return nil
}

// Close closes the channel and its consumers.
func (c *Channel) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for _, cons := range c.consumers {
		b.removeConsumer(cons)
	}
	c.consumers = nil
	delete(b.prefetch, c)
	return nil
}

// IsClosed reports whether the channel was closed.
func (c *Channel) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (b *Broker) removeConsumer(cons *consumer) {
	for _, q := range b.queues {
		q.consumers = slices.DeleteFunc(q.consumers, func(other *consumer) bool {
			return other == cons
		})
	}
	close(cons.out)
}

func (c *Channel) check(op Op) error {
	if c.closed {
		return ErrClosed
	}
	return c.broker.failure(op)
}
