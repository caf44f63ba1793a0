// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/nanobus/message"
	"github.com/absmach/nanobus/serializer"
	"github.com/absmach/nanobus/testutil"
	"github.com/absmach/nanobus/topology"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func TestNewReceiver_Topology(t *testing.T) {
	b := testutil.NewBroker()
	r := newTestReceiver(t, b, ReceiverConfig{
		Identification:   "billing",
		MaxShardingSize:  4,
		ListenedServices: "orders, billing,,",
		ListenedShards:   "2,1-2",
		PrefetchSize:     25,
	}, nil)

	assert.Equal(t, []string{"queue.billing.1", "queue.billing.2"}, r.Queues())
	assert.Equal(t, []string{"queue.billing.1", "queue.billing.2"}, b.Queues())
	assert.Equal(t, []string{"exchange.billing.1", "exchange.orders.1"}, b.Bindings("queue.billing.1"))
	assert.Equal(t, []string{"exchange.billing.2", "exchange.orders.2"}, b.Bindings("queue.billing.2"))
	assert.Equal(t, []int{25, 25}, b.Prefetch())
	assert.Zero(t, b.Consumers())
}

func TestNewReceiver_Defaults(t *testing.T) {
	b := testutil.NewBroker()
	r := newTestReceiver(t, b, ReceiverConfig{Identification: "billing", MaxShardingSize: 3}, nil)

	assert.Equal(t, []string{"queue.billing.0", "queue.billing.1", "queue.billing.2"}, r.Queues())
	assert.Equal(t, []string{"exchange.billing.0"}, b.Bindings("queue.billing.0"))
	assert.Equal(t, []int{DefaultPrefetchSize, DefaultPrefetchSize, DefaultPrefetchSize}, b.Prefetch())
	assert.Equal(t, FailureAck, r.cfg.FailurePolicy)
	assert.Equal(t, 1, r.cfg.Workers)

	b = testutil.NewBroker()
	r = newTestReceiver(t, b, ReceiverConfig{Identification: "billing", MaxShardingSize: -1}, nil)
	assert.Equal(t, []string{"queue.billing.0"}, r.Queues())
}

func TestNewReceiver_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ReceiverConfig
		failOn  testutil.Op
		wantErr []error
	}{
		{
			name:    "missing identification",
			cfg:     ReceiverConfig{MaxShardingSize: 10},
			wantErr: []error{ErrInitialization, ErrValidation},
		},
		{
			name:    "shard out of range",
			cfg:     ReceiverConfig{Identification: "billing", MaxShardingSize: 10, ListenedShards: "1,2,3,11"},
			wantErr: []error{ErrInitialization, ErrValidation, topology.ErrInvalidShardSpec},
		},
		{
			name:    "inverted interval",
			cfg:     ReceiverConfig{Identification: "billing", MaxShardingSize: 10, ListenedShards: "5-1"},
			wantErr: []error{ErrInitialization, ErrValidation, topology.ErrInvalidShardSpec},
		},
		{
			name:    "no shard selected",
			cfg:     ReceiverConfig{Identification: "billing", MaxShardingSize: 10, ListenedShards: ","},
			wantErr: []error{ErrInitialization, ErrValidation, topology.ErrInvalidShardSpec},
		},
		{
			name:    "prefetch out of range",
			cfg:     ReceiverConfig{Identification: "billing", MaxShardingSize: 1, PrefetchSize: 70000},
			wantErr: []error{ErrInitialization, ErrValidation},
		},
		{
			name:    "unknown failure policy",
			cfg:     ReceiverConfig{Identification: "billing", MaxShardingSize: 1, FailurePolicy: "retry"},
			wantErr: []error{ErrInitialization, ErrValidation},
		},
		{
			name:    "queue declare fails",
			cfg:     ReceiverConfig{Identification: "billing", MaxShardingSize: 2},
			failOn:  testutil.OpQueueDeclare,
			wantErr: []error{ErrInitialization, errBoom},
		},
		{
			name:    "bind fails",
			cfg:     ReceiverConfig{Identification: "billing", MaxShardingSize: 2},
			failOn:  testutil.OpQueueBind,
			wantErr: []error{ErrInitialization, errBoom},
		},
		{
			name:    "qos fails",
			cfg:     ReceiverConfig{Identification: "billing", MaxShardingSize: 2},
			failOn:  testutil.OpQos,
			wantErr: []error{ErrInitialization, errBoom},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testutil.NewBroker()
			if tt.failOn != "" {
				b.FailOn(tt.failOn, errBoom)
			}

			_, err := NewReceiver(b, tt.cfg, allSerializers(t), nil, WithLogger(discardLogger()))
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestNewReceiver_Conflicts(t *testing.T) {
	first := &recorder{}
	regs := []Registration{
		orderRegistration(first),
		HandlerFor(func() Handler[order] { return &otherOrderHandler{} }),
	}

	r := newTestReceiver(t, testutil.NewBroker(), ReceiverConfig{Identification: "billing", MaxShardingSize: 1}, regs)
	assert.Equal(t, []Entry{{MessageType: message.TypeName(order{}), Handler: "*bus.orderHandler"}}, r.Registry().Entries())

	_, err := NewReceiver(testutil.NewBroker(), ReceiverConfig{Identification: "billing", MaxShardingSize: 1, Strict: true},
		allSerializers(t), regs, WithLogger(discardLogger()))
	assert.ErrorIs(t, err, ErrInitialization)
	var conflict Conflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "*bus.otherOrderHandler", conflict.Discarded)
	assert.Equal(t, "*bus.orderHandler", conflict.Active)
}

func TestReceiver_EndToEnd(t *testing.T) {
	rec := &recorder{}
	log := &eventLog{}
	b := testutil.NewBroker()

	s := newTestSender(t, b, SenderConfig{Identification: "orders", MaxShardingSize: 10})
	r := newTestReceiver(t, b, ReceiverConfig{
		Identification:   "billing",
		MaxShardingSize:  10,
		ListenedServices: "orders",
		ListenedShards:   "5",
	}, []Registration{orderRegistration(rec)}, WithObserver(log.observe))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 1, b.Consumers())

	require.NoError(t, s.Send(ctx, order{ID: 5, Item: "desk", Units: 1}))
	// Shard 4 is not listened to.
	require.NoError(t, s.Send(ctx, order{ID: 4, Item: "chair"}))

	require.Eventually(t, func() bool { return len(b.Acks()) == 1 }, waitFor, 10*time.Millisecond)

	assert.Equal(t, []order{{ID: 5, Item: "desk", Units: 1}}, rec.Orders())
	assert.Equal(t, []string{"stats", "before", "handle", "after", "close"}, rec.Calls())
	assert.Empty(t, b.Nacks())

	require.Len(t, rec.stats, 1)
	stats := rec.stats[0]
	assert.False(t, stats.PrepareToSendAt.IsZero())
	assert.False(t, stats.SentAt.Before(stats.PrepareToSendAt))
	assert.False(t, stats.ReceivedAt.Before(stats.SentAt))
	assert.False(t, stats.HandledAt.Before(stats.ReceivedAt))

	events := log.Events()
	require.Len(t, events, 1)
	handled, ok := events[0].(DeliveryHandled)
	require.True(t, ok)
	assert.Equal(t, "queue.billing.5", handled.Queue)
	assert.Equal(t, "*bus.orderHandler", handled.Handler)
	assert.True(t, handled.Proceeded)
	assert.Equal(t, stats, handled.Stats)

	require.NoError(t, r.Close())
	assert.Zero(t, b.Consumers())
	assert.ErrorIs(t, r.Start(ctx), ErrClosed)
}

func TestReceiver_SerializerFromHeader(t *testing.T) {
	rec := &recorder{}
	b := testutil.NewBroker()

	s := newTestSender(t, b, SenderConfig{Identification: "orders", MaxShardingSize: 1})
	r := newTestReceiver(t, b, ReceiverConfig{Identification: "orders", MaxShardingSize: 1}, []Registration{orderRegistration(rec)})
	require.NoError(t, r.Start(context.Background()))

	engines := []serializer.Engine{serializer.EngineJSON, serializer.EngineDeflateJSON, serializer.EngineMessagePack}
	for i, e := range engines {
		require.NoError(t, s.Send(context.Background(), order{ID: i, Item: e.String()}, WithSerializer(e)))
	}

	require.Eventually(t, func() bool { return len(b.Acks()) == len(engines) }, waitFor, 10*time.Millisecond)
	assert.ElementsMatch(t, []order{
		{ID: 0, Item: "json"},
		{ID: 1, Item: "deflate-json"},
		{ID: 2, Item: "msgpack"},
	}, rec.Orders())
}

func TestReceiver_Workers(t *testing.T) {
	rec := &recorder{}
	b := testutil.NewBroker()

	s := newTestSender(t, b, SenderConfig{Identification: "orders", MaxShardingSize: 2})
	r := newTestReceiver(t, b, ReceiverConfig{Identification: "orders", MaxShardingSize: 2, Workers: 4}, []Registration{orderRegistration(rec)})
	require.NoError(t, r.Start(context.Background()))

	const total = 40
	for i := range total {
		require.NoError(t, s.Send(context.Background(), order{ID: i}))
	}

	require.Eventually(t, func() bool { return len(b.Acks()) == total }, waitFor, 10*time.Millisecond)
	assert.Len(t, rec.Orders(), total)
}

// deliver builds a delivery of msg as the sender would encode it and runs
// it through the receiver's first queue.
func deliver(t *testing.T, r *Receiver, msg any) (amqp.Delivery, error) {
	t.Helper()

	body, err := serializer.JSON{}.Serialize(msg)
	require.NoError(t, err)

	now := time.Now()
	d := amqp.Delivery{
		Headers: amqp.Table{
			HeaderPrepareToSendAt: now.UnixNano(),
			HeaderSentAt:          now.UnixNano(),
			HeaderSerializer:      int32(serializer.EngineJSON),
		},
		Type:        message.TypeName(msg),
		DeliveryTag: 7,
		Body:        body,
	}
	return d, r.handleDelivery(context.Background(), r.bindings[0], d)
}

func TestHandleDelivery_ShortCircuit(t *testing.T) {
	rec := &recorder{skip: true}
	r := newTestReceiver(t, testutil.NewBroker(), ReceiverConfig{Identification: "billing", MaxShardingSize: 1}, []Registration{orderRegistration(rec)})

	_, err := deliver(t, r, order{ID: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"stats", "before", "after", "close"}, rec.Calls())
	assert.Empty(t, rec.Orders())
}

func TestHandleDelivery_AckDiscipline(t *testing.T) {
	tests := []struct {
		name      string
		autoAck   bool
		policy    FailurePolicy
		failAt    string
		panicAt   string
		wantErr   error
		wantAcks  []uint64
		wantNacks []testutil.Nack
	}{
		{
			name:     "success acks",
			wantAcks: []uint64{7},
		},
		{
			name:     "handle failure acks by default",
			failAt:   "handle",
			wantErr:  ErrHandler,
			wantAcks: []uint64{7},
		},
		{
			name:     "statistics failure acks",
			failAt:   "stats",
			wantErr:  ErrHandler,
			wantAcks: []uint64{7},
		},
		{
			name:     "before handle failure acks",
			failAt:   "before",
			wantErr:  ErrHandler,
			wantAcks: []uint64{7},
		},
		{
			name:     "after handle failure acks",
			failAt:   "after",
			wantErr:  ErrHandler,
			wantAcks: []uint64{7},
		},
		{
			name:     "panic acks",
			panicAt:  "handle",
			wantErr:  ErrHandler,
			wantAcks: []uint64{7},
		},
		{
			name:      "requeue policy",
			policy:    FailureRequeue,
			failAt:    "handle",
			wantErr:   ErrHandler,
			wantNacks: []testutil.Nack{{Tag: 7, Requeue: true}},
		},
		{
			name:      "reject policy",
			policy:    FailureReject,
			failAt:    "handle",
			wantErr:   ErrHandler,
			wantNacks: []testutil.Nack{{Tag: 7, Requeue: false}},
		},
		{
			name:     "requeue policy acks success",
			policy:   FailureRequeue,
			wantAcks: []uint64{7},
		},
		{
			name:    "auto ack success",
			autoAck: true,
		},
		{
			name:    "auto ack failure",
			autoAck: true,
			failAt:  "handle",
			wantErr: ErrHandler,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{failAt: tt.failAt, panicAt: tt.panicAt}
			log := &eventLog{}
			b := testutil.NewBroker()
			r := newTestReceiver(t, b, ReceiverConfig{
				Identification:  "billing",
				MaxShardingSize: 1,
				AutoAck:         tt.autoAck,
				FailurePolicy:   tt.policy,
			}, []Registration{orderRegistration(rec)}, WithObserver(log.observe))

			_, err := deliver(t, r, order{ID: 1})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				if tt.failAt != "" {
					assert.ErrorIs(t, err, errBoom)
				}
				events := log.Events()
				require.Len(t, events, 1)
				failed, ok := events[0].(DeliveryFailed)
				require.True(t, ok)
				assert.Equal(t, "*bus.orderHandler", failed.Handler)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, tt.wantAcks, b.Acks())
			assert.Equal(t, tt.wantNacks, b.Nacks())
			assert.Contains(t, rec.Calls(), "close")
		})
	}
}

func TestHandleDelivery_Dropped(t *testing.T) {
	type invoice struct {
		Number int `bus:"id"`
	}

	types := message.NewRegistry()
	_, err := message.Register[invoice](types)
	require.NoError(t, err)

	rec := &recorder{}
	log := &eventLog{}
	b := testutil.NewBroker()
	r := newTestReceiver(t, b, ReceiverConfig{Identification: "billing", MaxShardingSize: 1, FailurePolicy: FailureReject},
		[]Registration{orderRegistration(rec)}, WithTypes(types), WithObserver(log.observe))

	tests := []struct {
		name  string
		msg   any
		cause error
	}{
		{"unknown type", shipment{Carrier: "dhl"}, message.ErrUnknownType},
		{"no handler", invoice{Number: 1}, nil},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := deliver(t, r, tt.msg)
			assert.ErrorIs(t, err, ErrRouting)
			assert.NotErrorIs(t, err, ErrHandler)
			if tt.cause != nil {
				assert.ErrorIs(t, err, tt.cause)
			}

			// Dropped deliveries are acked whatever the failure policy.
			assert.Len(t, b.Acks(), i+1)
			assert.Empty(t, b.Nacks())

			events := log.Events()
			require.Len(t, events, i+1)
			dropped, ok := events[i].(DeliveryDropped)
			require.True(t, ok)
			assert.Equal(t, message.TypeName(tt.msg), dropped.MessageType)
		})
	}
	assert.Empty(t, rec.Calls())
}

func TestHandleDelivery_DeserializeFailure(t *testing.T) {
	rec := &recorder{}
	b := testutil.NewBroker()
	r := newTestReceiver(t, b, ReceiverConfig{Identification: "billing", MaxShardingSize: 1}, []Registration{orderRegistration(rec)})

	d := amqp.Delivery{Type: message.TypeName(order{}), DeliveryTag: 3, Body: []byte("{not json")}
	err := r.handleDelivery(context.Background(), r.bindings[0], d)
	assert.ErrorIs(t, err, ErrHandler)
	assert.Equal(t, []uint64{3}, b.Acks())
	assert.Empty(t, rec.Calls())
}

func TestHandleDelivery_PanickingObserver(t *testing.T) {
	var seen []string
	panicky := func(e Event) { panic("observer down: " + e.Type()) }
	recording := func(e Event) { seen = append(seen, e.Type()) }

	b := testutil.NewBroker()
	r := newTestReceiver(t, b, ReceiverConfig{Identification: "billing", MaxShardingSize: 1},
		[]Registration{HandleFunc(func(context.Context, *order) error { return errBoom })},
		WithObserver(panicky), WithObserver(recording))

	d := amqp.Delivery{Type: message.TypeName(order{}), DeliveryTag: 5, Body: []byte(`{"ID":1}`)}
	err := r.handleDelivery(context.Background(), r.bindings[0], d)
	assert.ErrorIs(t, err, ErrHandler)
	assert.Equal(t, []uint64{5}, b.Acks())
	assert.Equal(t, []string{TypeDeliveryFailed}, seen)
}

func TestHandleDelivery_HandleFunc(t *testing.T) {
	got := make(chan order, 1)
	r := newTestReceiver(t, testutil.NewBroker(), ReceiverConfig{Identification: "billing", MaxShardingSize: 1},
		[]Registration{HandleFunc(func(ctx context.Context, o *order) error {
			got <- *o
			return nil
		})})

	_, err := deliver(t, r, order{ID: 9, Item: "mug"})
	require.NoError(t, err)
	assert.Equal(t, order{ID: 9, Item: "mug"}, <-got)
}

func TestReceiver_StopsOnContext(t *testing.T) {
	b := testutil.NewBroker()
	r := newTestReceiver(t, b, ReceiverConfig{Identification: "billing", MaxShardingSize: 2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("workers did not stop")
	}
}

func TestReceiver_StartConsumeFailure(t *testing.T) {
	b := testutil.NewBroker()
	r := newTestReceiver(t, b, ReceiverConfig{Identification: "billing", MaxShardingSize: 1}, nil)

	b.FailOn(testutil.OpConsume, errBoom)
	err := r.Start(context.Background())
	assert.True(t, errors.Is(err, errBoom))
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want FailurePolicy
		err  bool
	}{
		{"", FailureAck, false},
		{"ack", FailureAck, false},
		{" Requeue ", FailureRequeue, false},
		{"REJECT", FailureReject, false},
		{"retry", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFailurePolicy(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
