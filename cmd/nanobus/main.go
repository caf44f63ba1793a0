// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/nanobus/config"
	"github.com/absmach/nanobus/examples/sample"
	"github.com/absmach/nanobus/internal/wiring"
	"github.com/absmach/nanobus/server/health"
	"github.com/absmach/nanobus/stats"
	"github.com/absmach/nanobus/telemetry"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	messages := flag.Int("messages", 10000, "Number of example messages to send")
	export := flag.String("export", "", "Write latency samples as CSV to this file on shutdown")
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		slog.Error("Invalid environment", "error", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(config.FlagLookup(flag.CommandLine)); err != nil {
		slog.Error("Invalid flags", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := wiring.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Starting nanobus service",
		"identification", cfg.Bus.Identification,
		"max_sharding_size", cfg.Bus.MaxShardingSize,
		"listened_services", cfg.Bus.ListenedServices,
		"listened_shards", cfg.Bus.ListenedShards,
		"hostname", cfg.Connection.Hostname,
		"serializer", cfg.Bus.Serializer,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var otelShutdown func(context.Context) error
	if cfg.Telemetry.TracesEnabled || cfg.Telemetry.MetricsEnabled {
		otelShutdown, err = telemetry.InitProvider(ctx, cfg.Telemetry, cfg.Bus.Identification+"-"+uuid.NewString())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)
	}

	var (
		store *stats.Store
		saver sample.SampleSaver
	)
	if cfg.Stats.Enabled {
		store, err = stats.Open(stats.Config{
			Dir:        cfg.Stats.Dir,
			InMemory:   cfg.Stats.InMemory,
			GCInterval: cfg.Stats.GCInterval,
		})
		if err != nil {
			slog.Error("Failed to open stats store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		saver = store
		slog.Info("Recording latency samples", "dir", cfg.Stats.Dir, "in_memory", cfg.Stats.InMemory)
	}

	conn, err := wiring.Dial(cfg.Connection)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	slog.Info("Connected to broker", "addr", conn.RemoteAddr())

	b, err := wiring.New(cfg, conn, sample.Registrations(logger, saver, nil), logger)
	if err != nil {
		slog.Error("Failed to create bus", "error", err)
		os.Exit(1)
	}

	if err := b.Start(ctx); err != nil {
		slog.Error("Failed to start consuming", "error", err)
		os.Exit(1)
	}

	if cfg.Health.Enabled {
		var sum health.Summarizer
		if store != nil {
			sum = store
		}
		hs := health.New(health.Config{
			Address:         cfg.Health.Address,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, cfg.Bus.Identification, conn, b.Receiver, sum, logger)
		go func() {
			if err := hs.Listen(ctx); err != nil {
				slog.Error("Health check server failed", "error", err)
			}
		}()
	}

	go func() {
		for i := range *messages {
			msg := sample.ExampleMessage{ID: i, Content: "Hello World!"}
			if err := b.Sender.Send(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("Failed to send message", "id", i, "error", err)
			}
		}
		slog.Info("Example messages sent", "count", *messages)
	}()

	connErr := conn.NotifyClose(make(chan *amqp.Error, 1))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-connErr:
		slog.Error("Broker connection closed", "error", err)
	}

	cancel()
	if err := b.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if store != nil && *export != "" {
		if err := exportCSV(store, *export); err != nil {
			slog.Error("Failed to export samples", "file", *export, "error", err)
		} else {
			slog.Info("Samples exported", "file", *export)
		}
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("nanobus service stopped")
}

func exportCSV(store *stats.Store, file string) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	if err := store.ExportCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
