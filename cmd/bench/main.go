// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/nanobus/bus"
	"github.com/absmach/nanobus/config"
	"github.com/absmach/nanobus/examples/sample"
	"github.com/absmach/nanobus/internal/wiring"
	"github.com/absmach/nanobus/ratelimit"
	"github.com/absmach/nanobus/serializer"
	"github.com/absmach/nanobus/stats"
	"golang.org/x/sync/errgroup"
)

type options struct {
	total    int
	warmup   int
	parallel int
	timeout  time.Duration
	out      string
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	var opts options
	flag.IntVar(&opts.total, "totalMessages", 100000, "Messages sent and measured per serializer engine")
	flag.IntVar(&opts.warmup, "warmupMessages", 500, "Unmeasured messages sent before each run")
	flag.IntVar(&opts.parallel, "parallel", runtime.NumCPU(), "Concurrent senders")
	rate := flag.Float64("rate", 0, "Messages per second per engine, 0 uses the ratelimit configuration")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Maximum time to wait for a run to be handled")
	flag.StringVar(&opts.out, "out", "", "Directory for per-engine CSV results")
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Bus.Identification == "" {
		cfg.Bus.Identification = "nanobus-bench"
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		slog.Error("Invalid environment", "error", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(config.FlagLookup(flag.CommandLine)); err != nil {
		slog.Error("Invalid flags", "error", err)
		os.Exit(1)
	}
	if *rate > 0 {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Rate = *rate
		cfg.RateLimit.Burst = max(opts.parallel, 1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := wiring.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, opts, logger); err != nil {
		slog.Error("Benchmark failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	storeCfg := stats.Config{InMemory: true}
	if cfg.Stats.Enabled {
		storeCfg = stats.Config{Dir: cfg.Stats.Dir, InMemory: cfg.Stats.InMemory, GCInterval: cfg.Stats.GCInterval}
	}
	store, err := stats.Open(storeCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	conn, err := wiring.Dial(cfg.Connection)
	if err != nil {
		return err
	}
	defer conn.Close()

	counter := sample.NewCounter(0)
	b, err := wiring.New(cfg, conn, sample.Registrations(logger, store, counter), logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Start(ctx); err != nil {
		return err
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	serializers, err := wiring.Serializers(cfg.Bus)
	if err != nil {
		return err
	}

	slog.Info("Benchmark starting",
		"warmup_messages", opts.warmup,
		"total_messages", opts.total,
		"parallel", opts.parallel,
		"rate_limited", limiter.Enabled())

	fmt.Printf("%-14s %12s %16s %16s\n", "engine", "messages", "avg travel (ms)", "avg total (ms)")
	for _, e := range serializers.Engines() {
		if err := store.Reset(); err != nil {
			return err
		}
		counter.Reset(opts.total)

		slog.Info("Warming up", "engine", e.String())
		if err := sendAll(ctx, b.Sender, limiter, e, opts.warmup, opts.parallel, false); err != nil {
			return err
		}

		slog.Info("Sending messages", "engine", e.String())
		start := time.Now()
		if err := sendAll(ctx, b.Sender, limiter, e, opts.total, opts.parallel, true); err != nil {
			return err
		}
		slog.Info("Every message was sent", "engine", e.String(), "duration", time.Since(start))

		waitCtx, waitCancel := context.WithTimeout(ctx, opts.timeout)
		err := counter.Wait(waitCtx)
		waitCancel()
		if err != nil {
			return fmt.Errorf("waiting for %s run: handled %d of %d: %w", e, counter.Count(), opts.total, err)
		}

		sum, err := store.Summarize(sample.BenchMessageType)
		if err != nil {
			return err
		}
		fmt.Printf("%-14s %12d %16.3f %16.3f\n", e, sum.Count, ms(sum.AvgTravel), ms(sum.AvgTotal))

		if opts.out != "" {
			file := filepath.Join(opts.out, e.String()+".csv")
			if err := exportCSV(store, file); err != nil {
				return err
			}
			slog.Info("Results exported", "engine", e.String(), "file", file)
		}
	}

	return nil
}

func sendAll(ctx context.Context, sender *bus.Sender, limiter *ratelimit.Manager, e serializer.Engine, n, parallel int, persist bool) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))

	for range n {
		if err := limiter.Wait(ctx, e.String()); err != nil {
			break
		}
		g.Go(func() error {
			return sender.Send(ctx, sample.NewBenchMessage(persist), bus.WithSerializer(e))
		})
	}
	return g.Wait()
}

func exportCSV(store *stats.Store, file string) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}
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

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
