// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp091 connects the bus to an AMQP 0.9.1 broker.
package amqp091

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of an AMQP channel used by the bus. *amqp091.Channel
// implements it.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

var _ Channel = (*amqp091.Channel)(nil)

// Conn opens channels on a broker connection.
type Conn interface {
	Channel() (Channel, error)
	Close() error
}

var _ Conn = (*Connection)(nil)

// Connection is a broker connection shared by the sender and receiver of a
// process.
type Connection struct {
	opts *Options

	mu   sync.Mutex
	conn *amqp091.Connection
	addr string

	closed atomic.Bool
}

// Dial connects to the first reachable broker address.
func Dial(opts *Options) (*Connection, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	cfg := amqp091.Config{
		TLSClientConfig: opts.TLSConfig,
		Heartbeat:       opts.Heartbeat,
		Dial:            dialer.Dial,
		Properties:      amqp091.NewConnectionProperties(),
	}
	if opts.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(opts.ConnectionName)
	}

	var errs []error
	for _, url := range opts.dialURLs() {
		conn, err := amqp091.DialConfig(url, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return &Connection{
			opts: opts,
			conn: conn,
			addr: conn.RemoteAddr().String(),
		}, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrDialFailed, errors.Join(errs...))
}

// Channel opens a new channel.
func (c *Connection) Channel() (Channel, error) {
	if c.closed.Load() {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// RemoteAddr returns the address of the broker the connection reached.
func (c *Connection) RemoteAddr() string {
	return c.addr
}

// NotifyClose registers a listener for connection shutdown. The channel is
// closed when the connection closes normally.
func (c *Connection) NotifyClose(ch chan *amqp091.Error) chan *amqp091.Error {
	return c.conn.NotifyClose(ch)
}

// IsClosed reports whether the connection is closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load() || c.conn.IsClosed()
}

// Close closes the connection and every channel opened on it.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
