package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAPIFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/matrix")
	t.Setenv("MATRIX_OPERATOR_TOKEN", "s3cret")
	t.Setenv("MATRIX_AUTO_MIGRATE", "true")

	cfg, err := LoadAPIFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, "matrix.events", cfg.EventsExchange)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.EqualValues(t, 10, cfg.MaxConns)
}

func TestLoadAPIFromEnvRequiresOperatorCredential(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/matrix")
	t.Setenv("MATRIX_OPERATOR_TOKEN", "")
	t.Setenv("MATRIX_OPERATOR_TOKEN_HASH", "")

	_, err := LoadAPIFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATRIX_OPERATOR_TOKEN")
}

func TestLoadAPIFromEnvRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := LoadAPIFromEnv()
	require.Error(t, err)
}

func TestLoadWorkerFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/matrix")
	t.Setenv("RABBITMQ_WORKERS", "6")
	t.Setenv("MATRIX_SWEEP_EVERY", "30s")
	t.Setenv("MATRIX_SWEEP_LIMIT", "not-a-number")
	t.Setenv("MATRIX_WORKER_RUN_ONCE", "1")

	cfg, err := LoadWorkerFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.SweepEvery)
	assert.Equal(t, 100, cfg.SweepLimit)
	assert.True(t, cfg.RunOnce)
	assert.Equal(t, "referral.paid", cfg.ReferralQueue)
}

func TestLoadWorkerFromEnvValidates(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/matrix")
	t.Setenv("RABBITMQ_WORKERS", "0")
	_, err := LoadWorkerFromEnv()
	require.Error(t, err)

	t.Setenv("RABBITMQ_WORKERS", "2")
	t.Setenv("MATRIX_SWEEP_EVERY", "10ms")
	_, err = LoadWorkerFromEnv()
	require.Error(t, err)
}

func TestLoadCLIFromEnv(t *testing.T) {
	t.Setenv("MATRIXCTL_API_BASE_URL", "https://matrix.example.com/")
	assert.Equal(t, "https://matrix.example.com", LoadCLIFromEnv().APIBaseURL)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MATRIX_TEST_DOTENV=from-file\nMATRIX_TEST_KEEP=file\n"), 0o600))
	t.Setenv("MATRIX_TEST_KEEP", "process")
	t.Cleanup(func() { os.Unsetenv("MATRIX_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("MATRIX_TEST_DOTENV"))
	assert.Equal(t, "process", os.Getenv("MATRIX_TEST_KEEP"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
