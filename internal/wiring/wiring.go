// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring builds the bus components from configuration.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/absmach/nanobus/bus"
	amqpclient "github.com/absmach/nanobus/client/amqp091"
	"github.com/absmach/nanobus/config"
	nbtls "github.com/absmach/nanobus/pkg/tls"
	"github.com/absmach/nanobus/serializer"
	"github.com/absmach/nanobus/telemetry"
	"github.com/absmach/nanobus/webhook"
)

// NewLogger builds the slog logger described by cfg.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// ConnectionOptions maps the connection configuration to client options.
func ConnectionOptions(cfg config.ConnectionConfig) (*amqpclient.Options, error) {
	tlsCfg, err := nbtls.LoadClientConfig(nbtls.Config{
		Enabled:  cfg.TLSEnabled,
		CAFile:   cfg.TLSCAFile,
		CertFile: cfg.TLSCertFile,
		KeyFile:  cfg.TLSKeyFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS config: %w", err)
	}

	opts := amqpclient.NewOptions().
		SetCredentials(cfg.Username, cfg.Password).
		SetVhost(cfg.VirtualHost).
		SetTLSConfig(tlsCfg).
		SetConnectionName(cfg.ConnectionName)
	if cfg.Hostname != "" {
		opts.SetAddresses(cfg.Hostname)
	}
	if cfg.DialTimeout > 0 {
		opts.SetDialTimeout(cfg.DialTimeout)
	}
	if cfg.Heartbeat > 0 {
		opts.SetHeartbeat(cfg.Heartbeat)
	}
	opts.URL = cfg.URL

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Dial connects to the configured broker.
func Dial(cfg config.ConnectionConfig) (*amqpclient.Connection, error) {
	opts, err := ConnectionOptions(cfg)
	if err != nil {
		return nil, err
	}
	return amqpclient.Dial(opts)
}

// Serializers registers every engine with the configured one as default.
func Serializers(cfg config.BusConfig) (*serializer.Registry, error) {
	name := cfg.Serializer
	if name == "" {
		name = serializer.EngineJSON.String()
	}
	def, err := serializer.ParseEngine(name)
	if err != nil {
		return nil, err
	}
	return serializer.All(def)
}

// SenderConfig maps the bus configuration to sender settings.
func SenderConfig(cfg config.BusConfig) bus.SenderConfig {
	return bus.SenderConfig{
		Identification:  cfg.Identification,
		MaxShardingSize: cfg.MaxShardingSize,
		PublishChannels: cfg.PublishChannels,
		Breaker: bus.BreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		},
	}
}

// ReceiverConfig maps the bus configuration to receiver settings.
func ReceiverConfig(cfg config.BusConfig) (bus.ReceiverConfig, error) {
	policy, err := bus.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return bus.ReceiverConfig{}, err
	}
	return bus.ReceiverConfig{
		Identification:   cfg.Identification,
		MaxShardingSize:  cfg.MaxShardingSize,
		ListenedServices: cfg.ListenedServices,
		ListenedShards:   cfg.ListenedShards,
		PrefetchSize:     cfg.PrefetchSize,
		AutoAck:          cfg.AutoAck,
		FailurePolicy:    policy,
		Workers:          cfg.Workers,
		Strict:           cfg.Strict,
	}, nil
}

// Bus bundles a sender and a receiver sharing one connection.
type Bus struct {
	Sender   *bus.Sender
	Receiver *bus.Receiver
	Metrics  *telemetry.Metrics
	Webhooks *webhook.GenericNotifier
}

// New builds the sender and the receiver. Bus metrics and webhook
// notifications are attached when enabled in cfg. The connection stays
// owned by the caller.
func New(cfg *config.Config, conn amqpclient.Conn, regs []bus.Registration, logger *slog.Logger, opts ...bus.Option) (*Bus, error) {
	serializers, err := Serializers(cfg.Bus)
	if err != nil {
		return nil, err
	}

	b := &Bus{}
	opts = append([]bus.Option{bus.WithLogger(logger)}, opts...)
	if cfg.Telemetry.MetricsEnabled {
		b.Metrics, err = telemetry.NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bus.WithObserver(b.Metrics.Observe))
	}

	rcfg, err := ReceiverConfig(cfg.Bus)
	if err != nil {
		return nil, err
	}

	if cfg.Webhook.Enabled {
		b.Webhooks, err = webhook.NewNotifier(cfg.Webhook, cfg.Bus.Identification, webhook.NewHTTPSender(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		opts = append(opts, bus.WithObserver(b.Webhooks.Observe))
	}

	b.Sender, err = bus.NewSender(conn, SenderConfig(cfg.Bus), serializers, opts...)
	if err != nil {
		b.closeWebhooks()
		return nil, err
	}

	b.Receiver, err = bus.NewReceiver(conn, rcfg, serializers, regs, opts...)
	if err != nil {
		_ = b.Sender.Close()
		b.closeWebhooks()
		return nil, err
	}

	return b, nil
}

// Start starts consuming.
func (b *Bus) Start(ctx context.Context) error {
	return b.Receiver.Start(ctx)
}

// Close stops consuming, releases sender channels and stops webhook
// delivery.
func (b *Bus) Close() error {
	err := errors.Join(b.Receiver.Close(), b.Sender.Close())
	b.closeWebhooks()
	return err
}

func (b *Bus) closeWebhooks() {
	if b.Webhooks != nil {
		_ = b.Webhooks.Close()
	}
}
