package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/johnayoung/go-crypto-pipeline/internal/errors"
	"github.com/johnayoung/go-crypto-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// clearAPIKeyEnv isolates tests from credentials present in the developer's shell.
func clearAPIKeyEnv(t *testing.T) {
	t.Helper()
	for _, name := range append([]string{"CRYPTOPIPE_API_KEY"}, APIKeyEnvVars...) {
		if value, ok := os.LookupEnv(name); ok {
			require.NoError(t, os.Unsetenv(name))
			t.Cleanup(func() { os.Setenv(name, value) })
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "https://api.coingecko.com/api/v3", config.API.BaseURL)
	assert.Equal(t, "usd", config.API.VSCurrency)
	assert.Equal(t, 30*time.Second, config.API.RequestTimeout())
	assert.Equal(t, 2*time.Second, config.API.RateLimitInterval())
	assert.Equal(t, 3, config.API.MaxRetries)
	assert.Equal(t, 1.5, config.API.RetryBackoffFactor)
	assert.Equal(t, "x-cg-api-key", config.API.KeyHeader)
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, 1, config.Extraction.StoreWorkers)
	assert.Len(t, config.Extraction.Tokens, 3)
	assert.Equal(t, "@daily", config.Schedule.Cron)
}

func TestConfigValidation(t *testing.T) {
	cm := NewConfigManager("", createTestLogger())

	t.Run("valid config passes validation", func(t *testing.T) {
		assert.NoError(t, cm.Validate(DefaultConfig()))
	})

	tests := []struct {
		name     string
		mutate   func(*AppConfig)
		expected string
	}{
		{
			name:     "unknown storage type",
			mutate:   func(c *AppConfig) { c.Storage.Type = "postgres" },
			expected: "storage.type must be one of: duckdb, memory",
		},
		{
			name:     "duckdb without path",
			mutate:   func(c *AppConfig) { c.Storage.DatabasePath = "" },
			expected: "storage.database_path is required",
		},
		{
			name:     "negative retries",
			mutate:   func(c *AppConfig) { c.API.MaxRetries = -1 },
			expected: "api.max_retries must be gte 0",
		},
		{
			name:     "zero timeout",
			mutate:   func(c *AppConfig) { c.API.RequestTimeoutSeconds = 0 },
			expected: "api.request_timeout_seconds must be gt 0",
		},
		{
			name:     "bad base url",
			mutate:   func(c *AppConfig) { c.API.BaseURL = "not a url" },
			expected: "api.base_url",
		},
		{
			name:     "invalid log level",
			mutate:   func(c *AppConfig) { c.Logging.Level = "verbose" },
			expected: "logging.level must be one of: debug, info, warn, error",
		},
		{
			name:     "file output without path",
			mutate:   func(c *AppConfig) { c.Logging.Output = "file"; c.Logging.FilePath = "" },
			expected: "logging.file_path is required",
		},
		{
			name:     "token with empty id",
			mutate:   func(c *AppConfig) { c.Extraction.Tokens = []models.Token{{Symbol: "aave"}} },
			expected: "extraction.tokens[0].id is required",
		},
		{
			name:     "only one window bound",
			mutate:   func(c *AppConfig) { c.Extraction.FromDate = "2024-01-01" },
			expected: "must be set together",
		},
		{
			name:     "zero store workers",
			mutate:   func(c *AppConfig) { c.Extraction.StoreWorkers = 0 },
			expected: "extraction.store_workers must be gte 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := cm.Validate(config)
			require.Error(t, err)
			assert.True(t, apperrors.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.expected)
		})
	}

	t.Run("violations are reported together", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Type = "postgres"
		config.Logging.Format = "xml"
		err := cm.Validate(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration validation errors:")
		assert.Contains(t, err.Error(), "storage.type")
		assert.Contains(t, err.Error(), "logging.format")
	})
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearAPIKeyEnv(t)
	cm := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"), createTestLogger(), filepath.Join(t.TempDir(), "missing.env"))

	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().API, config.API)
	assert.Equal(t, models.DefaultTokens(), config.Extraction.Tokens)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearAPIKeyEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cryptopipe.yaml")
	content := `
api:
  vs_currency: eur
  max_retries: 5
  rate_limit_interval_seconds: 0.5
extraction:
  from_date: "2024-01-01"
  to_date: "2024-01-31"
  store_workers: 4
  tokens:
    - symbol: btc
      id: bitcoin
    - symbol: eth
      id: ethereum
storage:
  type: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cm := NewConfigManager(path, createTestLogger(), filepath.Join(dir, "missing.env"))
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "eur", config.API.VSCurrency)
	assert.Equal(t, 5, config.API.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, config.API.RateLimitInterval())
	assert.Equal(t, 1.5, config.API.RetryBackoffFactor)
	assert.Equal(t, 4, config.Extraction.StoreWorkers)
	assert.Equal(t, "memory", config.Storage.Type)
	assert.Equal(t, []models.Token{{Symbol: "btc", ID: "bitcoin"}, {Symbol: "eth", ID: "ethereum"}}, config.Extraction.Tokens)

	window, err := config.Window(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), window.From)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearAPIKeyEnv(t)
	t.Setenv("CRYPTOPIPE_API_MAX_RETRIES", "7")
	t.Setenv("CRYPTOPIPE_STORAGE_TYPE", "memory")
	t.Setenv("COINGECKO_API_KEY", "env-secret")

	cm := NewConfigManager("", createTestLogger(), filepath.Join(t.TempDir(), "missing.env"))
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, config.API.MaxRetries)
	assert.Equal(t, "memory", config.Storage.Type)
	assert.Equal(t, "env-secret", config.API.Key)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	clearAPIKeyEnv(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("coinGeckoToken=dotenv-secret\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("coinGeckoToken") })

	cm := NewConfigManager("", createTestLogger(), envFile)
	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dotenv-secret", config.API.Key)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearAPIKeyEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: chatty\n"), 0o644))

	cm := NewConfigManager(path, createTestLogger())
	_, err := cm.LoadConfig(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "logging.level")
}

func TestWindowRequiresBothDates(t *testing.T) {
	config := DefaultConfig()
	_, err := config.Window(time.Now())
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestStringRedactsAPIKey(t *testing.T) {
	config := DefaultConfig()
	config.API.Key = "super-secret"

	out := config.String()
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "super-secret", config.API.Key)
}
