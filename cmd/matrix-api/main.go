package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagematrix/internal/api"
	"stagematrix/internal/auth"
	"stagematrix/internal/cache"
	"stagematrix/internal/config"
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
	cfg, err := config.LoadAPIFromEnv()
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
	verifier, err := auth.NewOperatorVerifier(cfg.OperatorToken, cfg.OperatorTokenHash)
	if err != nil {
		logger.Error("operator auth setup failed", "err", err)
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

	opts := api.Options{Logger: logger, Verifier: verifier, Metrics: m}
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("redis connect failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		opts.Responses = cache.NewResponses(rdb, "matrix:idem:", cfg.IdempotencyTTL)
	}

	engine := matrix.NewEngine(pgstore.New(pool, logger, m), matrix.Options{
		Catalog:   catalog,
		Publisher: publisher,
		Logger:    logger,
		Metrics:   m,
	})
	server := api.New(engine, opts)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("matrix api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
