package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagematrix/internal/cache"
	"stagematrix/internal/config"
	"stagematrix/internal/consumer"
	"stagematrix/internal/db"
	"stagematrix/internal/matrix"
	"stagematrix/internal/metrics"
	"stagematrix/internal/notify"
	"stagematrix/internal/pgstore"
	"stagematrix/internal/stage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	catalog, err := stage.Load(cfg.StageCatalogPath)
	if err != nil {
		logger.Error("stage catalog load failed", "err", err)
		os.Exit(1)
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.MaxConns})
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Error("migrate failed", "err", err)
			os.Exit(1)
		}
	}

	m := metrics.New()
	var publisher matrix.Publisher = notify.LogPublisher{Logger: logger}
	if cfg.RabbitURL != "" {
		amqpPub, err := notify.DialPublisher(cfg.RabbitURL, cfg.EventsExchange, logger)
		if err != nil {
			logger.Error("rabbitmq publisher setup failed", "err", err)
			os.Exit(1)
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}
	engine := matrix.NewEngine(pgstore.New(pool, logger, m), matrix.Options{
		Catalog:   catalog,
		Publisher: publisher,
		Logger:    logger,
		Metrics:   m,
	})

	if cfg.RunOnce {
		res, err := engine.SweepProgression(ctx, cfg.SweepLimit)
		if err != nil {
			logger.Error("sweep failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed", "checked", res.Checked, "promoted", len(res.Promotions), "failed", res.Failed)
		return
	}

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer metricsServer.Close()
	}

	consumerDone := make(chan error, 1)
	if cfg.RabbitURL != "" {
		var dedupe consumer.Deduper
		if cfg.RedisURL != "" {
			rdb, err := cache.Connect(ctx, cfg.RedisURL)
			if err != nil {
				logger.Error("redis connect failed", "err", err)
				os.Exit(1)
			}
			defer rdb.Close()
			dedupe = cache.NewDeduper(rdb, "matrix:referral:", cfg.DedupeTTL)
		}
		c := consumer.New(consumer.Config{
			URL:      cfg.RabbitURL,
			Queue:    cfg.ReferralQueue,
			Prefetch: cfg.Prefetch,
			Workers:  cfg.Workers,
		}, engine, dedupe, logger, m)
		go func() { consumerDone <- c.Run(ctx) }()
	} else {
		logger.Warn("RABBITMQ_URL not set, running progression sweeps only")
	}

	ticker := time.NewTicker(cfg.SweepEvery)
	defer ticker.Stop()

	logger.Info("worker started", "sweep_every", cfg.SweepEvery.String(), "queue", cfg.ReferralQueue)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case err := <-consumerDone:
			if err != nil {
				logger.Error("consumer stopped", "err", err)
				os.Exit(1)
			}
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			if _, err := engine.SweepProgression(ctx, cfg.SweepLimit); err != nil {
				logger.Error("progression sweep failed", "err", err)
			}
		}
	}
}
