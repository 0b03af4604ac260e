package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	promadapter "github.com/codewandler/esrt/adapters/prometheus"
	"github.com/codewandler/esrt/core/cache"
	"github.com/codewandler/esrt/core/es"
)

// NOTE: run nats: docker run --net=host nats:latest -js

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("load test failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg *Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := promadapter.NewESMetrics(reg)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info("serving metrics", slog.String("addr", cfg.MetricsAddr))
	}

	b, err := openBackend(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	opts := append(b.envOptions(),
		es.WithCtx(ctx),
		es.WithLog(log),
		es.WithMetrics(metrics),
		es.WithSnapshotConfig(cfg.Snapshot),
		es.WithAggregates(new(User)),
	)
	if !cfg.MemorySnapshots {
		opts = append(opts, es.WithRepoCache(cache.NewNop()))
	}
	env, err := es.NewEnv(opts...)
	if err != nil {
		return err
	}
	defer env.Shutdown()

	users, err := es.NewTypedRepository[*User](env.Repository())
	if err != nil {
		return err
	}

	log.Info(
		"starting",
		slog.String("backend", cfg.Backend),
		slog.String("snapshots", cfg.Snapshots),
		slog.Bool("memory_snapshots", cfg.MemorySnapshots),
		slog.Int("events", cfg.Events),
		slog.Int("aggregates", cfg.Aggregates),
		slog.Int("workers", cfg.Workers),
	)
	return runLoad(ctx, log, cfg, users)
}

func runLoad(ctx context.Context, log *slog.Logger, cfg *Config, users es.TypedRepository[*User]) error {
	var (
		done    atomic.Int64
		startAt = time.Now()
	)

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go report(reportCtx, log, cfg.ReportInterval, &done)

	g, gctx := errgroup.WithContext(ctx)
	for w := range cfg.Workers {
		g.Go(func() error {
			for i := w; i < cfg.Events; i += cfg.Workers {
				id := fmt.Sprintf("user-%d", i%cfg.Aggregates)
				c := es.CausedByCommand(gonanoid.Must(), "", "loadtest")
				err := users.Execute(gctx, id, func(u *User) error {
					return u.ChangeEmail(c, fmt.Sprintf("user@host-%d.com", i))
				})
				if err != nil {
					return fmt.Errorf("event %d on %s: %w", i, id, err)
				}
				if cfg.LoadAfterCommit {
					if _, err := users.GetByID(gctx, id); err != nil {
						return err
					}
				}
				done.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	took := time.Since(startAt)
	var changes int
	for u, err := range users.Stream(ctx) {
		if err != nil {
			return err
		}
		changes += u.Changes
	}
	if changes != cfg.Events {
		return fmt.Errorf("aggregates applied %d changes, want %d", changes, cfg.Events)
	}

	runtime.GC()
	mu := getMemUsage()
	fmt.Println("==========================================")
	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("       events: %d\n", cfg.Events)
	fmt.Printf("avg. writes/s: %d\n", int(float64(cfg.Events)/took.Seconds()))
	fmt.Printf("   heap (MiB): %d\n", mu.Alloc/1024/1024)
	return nil
}

func report(ctx context.Context, log *slog.Logger, every time.Duration, done *atomic.Int64) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := done.Load()
			mu := getMemUsage()
			log.Info(
				"progress",
				slog.Int64("events", n),
				slog.Int("events_per_s", int(float64(n-last)/every.Seconds())),
				slog.Uint64("heap_mib", mu.Alloc/1024/1024),
				slog.Uint64("sys_mib", mu.Sys/1024/1024),
			)
			last = n
		}
	}
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}
