package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"orbitguard/internal/ledger"
	ledgermetrics "orbitguard/internal/ledger/metrics"
	"orbitguard/internal/ledger/outbox"
	"orbitguard/internal/ledger/strategy"
	"orbitguard/internal/pipeline"
	"orbitguard/internal/platform/config"
	"orbitguard/internal/platform/httpserver"
	"orbitguard/internal/platform/kafka"
	"orbitguard/internal/platform/logger"
	"orbitguard/internal/platform/metrics"
	"orbitguard/internal/platform/redis"
	"orbitguard/internal/policy"
)

const shutdownGrace = 15 * time.Second

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pol := policy.Default()
	if cfg.PolicyFile != "" {
		if pol, err = policy.Load(cfg.PolicyFile); err != nil {
			return err
		}
	}

	store, closeStore, err := openStore(cfg.Ledger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := metrics.NewRegistry()
	checks := healthChecks{}
	if h, ok := store.(interface{ Health(context.Context) error }); ok {
		checks["ledger"] = h.Health
	}

	indexOpts := []strategy.Option{strategy.WithLogger(log)}
	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		checks["redis"] = rdb.Health
		indexOpts = append(indexOpts, strategy.WithCache(strategy.NewRedisCache(rdb, strategy.DefaultCacheKey, cfg.Redis.SnapshotTTL)))
	}
	index := strategy.NewIndex(store, indexOpts...)

	led := ledger.New(store,
		ledger.WithLogger(log),
		ledger.WithMetrics(ledgermetrics.NewWith(reg)),
		ledger.WithIndex(index),
		ledger.WithRetry(cfg.Ledger.MaxRetries, cfg.Ledger.RetryBackoff),
	)

	p, err := pipeline.New(pol, led,
		pipeline.WithLogger(log),
		pipeline.WithMetrics(pipeline.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}

	router := newRouter(cfg, log, reg, p, led, checks)
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	producer, err := kafka.NewProducer(cfg.Kafka)
	if err != nil {
		return err
	}
	if producer != nil {
		defer producer.Close()
		if err := producer.EnsureTopic(ctx, cfg.Kafka.Topic, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
			return err
		}
		checks["kafka"] = producer.Health
		relay := outbox.NewRelay(store, producer, cfg.Kafka.Topic,
			outbox.WithLogger(log),
			outbox.WithMetrics(outbox.NewMetrics(reg)),
			outbox.WithBatchSize(cfg.Kafka.RelayBatch),
			outbox.WithInterval(cfg.Kafka.RelayInterval),
		)
		g.Go(func() error {
			err := relay.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	log.Info("starting orbitguard",
		"addr", cfg.Addr,
		"ledger_driver", cfg.Ledger.Driver,
		"policy_hash", p.PolicyHash(),
		"auth", cfg.JWTSigningKey != "",
		"strategy_cache", rdb != nil,
		"outbox_relay", producer != nil,
	)

	g.Go(func() error {
		return httpserver.Run(gctx, srv, shutdownGrace)
	})

	if err := g.Wait(); err != nil {
		log.Error("orbitguard stopped with error", "error", err)
		return err
	}
	log.Info("orbitguard stopped")
	return nil
}

// healthChecks are probed by /healthz.
type healthChecks map[string]func(context.Context) error

func (h healthChecks) probe(ctx context.Context) map[string]string {
	out := make(map[string]string, len(h))
	for name, check := range h {
		if err := check(ctx); err != nil {
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	return out
}
