// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/absmach/nanobus/serializer"
	"github.com/absmach/nanobus/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type order struct {
	ID    int    `bus:"id"`
	Item  string `json:"item"`
	Units int    `json:"units"`
}

type shipment struct {
	Tracking uuid.UUID `bus:"id"`
	Carrier  string    `json:"carrier"`
}

type unidentified struct {
	Name string
}

// recorder collects pipeline calls across handler instances.
type recorder struct {
	mu      sync.Mutex
	calls   []string
	stats   []Statistics
	orders  []order
	skip    bool
	failAt  string
	panicAt string
}

func (r *recorder) add(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, call)
	if r.panicAt == call {
		panic("handler exploded")
	}
	if r.failAt == call {
		return errBoom
	}
	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Orders() []order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]order(nil), r.orders...)
}

type orderHandler struct {
	rec *recorder
}

var (
	_ Handler[order] = (*orderHandler)(nil)
	_ io.Closer      = (*orderHandler)(nil)
)

func (h *orderHandler) RegisterStatistics(ctx context.Context, stats Statistics) error {
	h.rec.mu.Lock()
	h.rec.stats = append(h.rec.stats, stats)
	h.rec.mu.Unlock()
	return h.rec.add("stats")
}

func (h *orderHandler) BeforeHandle(ctx context.Context, msg *order) (bool, error) {
	if err := h.rec.add("before"); err != nil {
		return false, err
	}
	return !h.rec.skip, nil
}

func (h *orderHandler) Handle(ctx context.Context, msg *order) error {
	h.rec.mu.Lock()
	h.rec.orders = append(h.rec.orders, *msg)
	h.rec.mu.Unlock()
	return h.rec.add("handle")
}

func (h *orderHandler) AfterHandle(ctx context.Context, msg *order) error {
	return h.rec.add("after")
}

func (h *orderHandler) Close() error {
	return h.rec.add("close")
}

// orderRegistration forgets the Close made by HandlerFor while naming the
// handler, so calls only hold deliveries.
func orderRegistration(rec *recorder) Registration {
	reg := HandlerFor(func() Handler[order] { return &orderHandler{rec: rec} })
	rec.mu.Lock()
	rec.calls = nil
	rec.mu.Unlock()
	return reg
}

type otherOrderHandler struct {
	HandlerBase[order]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allSerializers(t *testing.T) *serializer.Registry {
	t.Helper()
	r, err := serializer.All(serializer.EngineJSON)
	require.NoError(t, err)
	return r
}

func newTestSender(t *testing.T, b *testutil.Broker, cfg SenderConfig, opts ...Option) *Sender {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	s, err := NewSender(b, cfg, allSerializers(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestReceiver(t *testing.T, b *testutil.Broker, cfg ReceiverConfig, regs []Registration, opts ...Option) *Receiver {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	r, err := NewReceiver(b, cfg, allSerializers(t), regs, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// eventLog is an Observer collecting events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}
