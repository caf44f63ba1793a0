// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/nanobus/bus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Delivery outcomes recorded on nanobus.deliveries.total.
const (
	OutcomeHandled = "handled"
	OutcomeSkipped = "skipped"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"
)

// Metrics holds OpenTelemetry metric instruments for the bus.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesSent    metric.Int64Counter
	bytesSent       metric.Int64Counter
	deliveriesTotal metric.Int64Counter
	errorsTotal     metric.Int64Counter

	// Histograms
	messageSize     metric.Int64Histogram
	prepareDuration metric.Float64Histogram
	transitDuration metric.Float64Histogram
	totalDuration   metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
// A nil provider uses the global one.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter("github.com/absmach/nanobus"),
	}

	var err error

	m.messagesSent, err = m.meter.Int64Counter(
		"nanobus.messages.sent.total",
		metric.WithDescription("Total messages published"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.bytesSent, err = m.meter.Int64Counter(
		"nanobus.bytes.sent.total",
		metric.WithDescription("Total serialized bytes published"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.deliveriesTotal, err = m.meter.Int64Counter(
		"nanobus.deliveries.total",
		metric.WithDescription("Total deliveries consumed by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveriesTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"nanobus.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"nanobus.message.size.bytes",
		metric.WithDescription("Serialized message body size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.prepareDuration, err = m.meter.Float64Histogram(
		"nanobus.prepare.duration.ms",
		metric.WithDescription("Time from send call to publish"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prepareDuration histogram: %w", err)
	}

	m.transitDuration, err = m.meter.Float64Histogram(
		"nanobus.transit.duration.ms",
		metric.WithDescription("Time from publish to consumption"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitDuration histogram: %w", err)
	}

	m.totalDuration, err = m.meter.Float64Histogram(
		"nanobus.total.duration.ms",
		metric.WithDescription("Time from send call until the handler finished"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create totalDuration histogram: %w", err)
	}

	return m, nil
}

// RecordSent records a published message.
func (m *Metrics) RecordSent(ctx context.Context, messageType, engine string, size int) {
	attrs := metric.WithAttributes(
		attribute.String("message.type", messageType),
		attribute.String("serializer", engine),
	)
	m.messagesSent.Add(ctx, 1, attrs)
	m.bytesSent.Add(ctx, int64(size), attrs)
	m.messageSize.Record(ctx, int64(size), attrs)
}

// RecordDelivery records a consumed delivery and its outcome.
func (m *Metrics) RecordDelivery(ctx context.Context, messageType, outcome string) {
	m.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.type", messageType),
		attribute.String("outcome", outcome),
	))
}

// RecordLatency records the timing of a handled delivery. Zero timestamps
// are skipped.
func (m *Metrics) RecordLatency(ctx context.Context, messageType string, s bus.Statistics) {
	attrs := metric.WithAttributes(attribute.String("message.type", messageType))
	if !s.PrepareToSendAt.IsZero() && !s.SentAt.IsZero() {
		m.prepareDuration.Record(ctx, millis(s.PrepareDuration()), attrs)
	}
	if !s.SentAt.IsZero() {
		m.transitDuration.Record(ctx, millis(s.TransitDuration()), attrs)
	}
	if !s.PrepareToSendAt.IsZero() {
		m.totalDuration.Record(ctx, millis(s.TotalDuration()), attrs)
	}
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.type", errorType),
	))
}

// Observe records a bus event. It is meant to be passed to bus.WithObserver.
func (m *Metrics) Observe(e bus.Event) {
	ctx := context.Background()
	switch ev := e.(type) {
	case bus.MessageSent:
		m.RecordSent(ctx, ev.MessageType, ev.Engine.String(), ev.Size)
	case bus.DeliveryHandled:
		outcome := OutcomeHandled
		if !ev.Proceeded {
			outcome = OutcomeSkipped
		}
		m.RecordDelivery(ctx, ev.MessageType, outcome)
		m.RecordLatency(ctx, ev.MessageType, ev.Stats)
	case bus.DeliveryDropped:
		m.RecordDelivery(ctx, ev.MessageType, OutcomeDropped)
		m.RecordError(ctx, errorType(ev.Err))
	case bus.DeliveryFailed:
		m.RecordDelivery(ctx, ev.MessageType, OutcomeFailed)
		m.RecordError(ctx, errorType(ev.Err))
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, bus.ErrRouting):
		return "routing"
	case errors.Is(err, bus.ErrHandler):
		return "handler"
	case errors.Is(err, bus.ErrPublish):
		return "publish"
	default:
		return "unknown"
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
