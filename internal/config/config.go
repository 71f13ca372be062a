package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type APIConfig struct {
	Addr              string
	DatabaseURL       string
	OperatorToken     string
	OperatorTokenHash string
	StageCatalogPath  string
	AutoMigrate       bool
	RabbitURL         string
	EventsExchange    string
	RedisURL          string
	IdempotencyTTL    time.Duration
	MaxConns          int32
}

type WorkerConfig struct {
	DatabaseURL      string
	StageCatalogPath string
	AutoMigrate      bool
	RabbitURL        string
	ReferralQueue    string
	EventsExchange   string
	Prefetch         int
	Workers          int
	RedisURL         string
	DedupeTTL        time.Duration
	SweepEvery       time.Duration
	SweepLimit       int
	RunOnce          bool
	MetricsAddr      string
	MaxConns         int32
}

type CLIConfig struct {
	APIBaseURL  string
	DatabaseURL string
}

// LoadDotEnv reads a .env file from the working directory into the process
// environment. Variables already set win. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("MATRIX_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:              addr,
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		OperatorToken:     strings.TrimSpace(os.Getenv("MATRIX_OPERATOR_TOKEN")),
		OperatorTokenHash: strings.TrimSpace(os.Getenv("MATRIX_OPERATOR_TOKEN_HASH")),
		StageCatalogPath:  strings.TrimSpace(os.Getenv("MATRIX_STAGE_CATALOG")),
		AutoMigrate:       envBoolDefault("MATRIX_AUTO_MIGRATE", false),
		RabbitURL:         strings.TrimSpace(os.Getenv("RABBITMQ_URL")),
		EventsExchange:    envDefault("MATRIX_EVENTS_EXCHANGE", "matrix.events"),
		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		IdempotencyTTL:    envDurationDefault("MATRIX_IDEMPOTENCY_TTL", 24*time.Hour),
		MaxConns:          int32(envIntDefault("DATABASE_MAX_CONNS", 10)),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.OperatorToken == "" && cfg.OperatorTokenHash == "" {
		return cfg, fmt.Errorf("MATRIX_OPERATOR_TOKEN or MATRIX_OPERATOR_TOKEN_HASH is required")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		StageCatalogPath: strings.TrimSpace(os.Getenv("MATRIX_STAGE_CATALOG")),
		AutoMigrate:      envBoolDefault("MATRIX_AUTO_MIGRATE", false),
		RabbitURL:        strings.TrimSpace(os.Getenv("RABBITMQ_URL")),
		ReferralQueue:    envDefault("MATRIX_REFERRAL_QUEUE", "referral.paid"),
		EventsExchange:   envDefault("MATRIX_EVENTS_EXCHANGE", "matrix.events"),
		Prefetch:         envIntDefault("RABBITMQ_PREFETCH", 8),
		Workers:          envIntDefault("RABBITMQ_WORKERS", 4),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		DedupeTTL:        envDurationDefault("MATRIX_DEDUPE_TTL", 24*time.Hour),
		SweepEvery:       envDurationDefault("MATRIX_SWEEP_EVERY", 5*time.Minute),
		SweepLimit:       envIntDefault("MATRIX_SWEEP_LIMIT", 100),
		RunOnce:          envBoolDefault("MATRIX_WORKER_RUN_ONCE", false),
		MetricsAddr:      strings.TrimSpace(os.Getenv("MATRIX_WORKER_METRICS_ADDR")),
		MaxConns:         int32(envIntDefault("DATABASE_MAX_CONNS", 10)),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Workers < 1 {
		return cfg, fmt.Errorf("RABBITMQ_WORKERS must be positive, got %d", cfg.Workers)
	}
	if cfg.SweepEvery < time.Second {
		return cfg, fmt.Errorf("MATRIX_SWEEP_EVERY must be at least 1s, got %s", cfg.SweepEvery)
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL:  strings.TrimRight(envDefault("MATRIXCTL_API_BASE_URL", "http://localhost:8080"), "/"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
