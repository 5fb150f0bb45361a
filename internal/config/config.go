// Package config loads the pipeline configuration from defaults, an optional
// YAML/JSON file, a .env file and the process environment, then validates it.
// Environment variables use the CRYPTOPIPE_ prefix with dots replaced by
// underscores (api.max_retries -> CRYPTOPIPE_API_MAX_RETRIES).
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/johnayoung/go-crypto-pipeline/internal/errors"
	"github.com/johnayoung/go-crypto-pipeline/internal/models"
)

const (
	// EnvPrefix is prepended to every environment override.
	EnvPrefix = "CRYPTOPIPE"

	// DefaultConfigPath is read when no --config flag is given; it may be absent.
	DefaultConfigPath = "cryptopipe.yaml"

	// DefaultBaseURL is the public CoinGecko v3 endpoint.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"
)

// APIKeyEnvVars are consulted, in order, when api.key is not set.
var APIKeyEnvVars = []string{"COINGECKO_API_KEY", "coinGeckoToken"}

// AppConfig represents the complete application configuration
type AppConfig struct {
	API        APIConfig        `mapstructure:"api" json:"api"`
	Extraction ExtractionConfig `mapstructure:"extraction" json:"extraction"`
	Storage    StorageConfig    `mapstructure:"storage" json:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics" json:"metrics"`
	Schedule   ScheduleConfig   `mapstructure:"schedule" json:"schedule"`
}

// APIConfig configures the remote market data API client
type APIConfig struct {
	BaseURL                  string  `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	Key                      string  `mapstructure:"key" json:"key"`
	KeyHeader                string  `mapstructure:"key_header" json:"key_header" validate:"required"`
	VSCurrency               string  `mapstructure:"vs_currency" json:"vs_currency" validate:"required,lowercase"`
	RequestTimeoutSeconds    float64 `mapstructure:"request_timeout_seconds" json:"request_timeout_seconds" validate:"gt=0"`
	RateLimitIntervalSeconds float64 `mapstructure:"rate_limit_interval_seconds" json:"rate_limit_interval_seconds" validate:"gte=0"`
	MaxRetries               int     `mapstructure:"max_retries" json:"max_retries" validate:"gte=0,lte=10"`
	RetryBackoffFactor       float64 `mapstructure:"retry_backoff_factor" json:"retry_backoff_factor" validate:"gt=0"`
}

// RequestTimeout returns the per-request timeout.
func (c APIConfig) RequestTimeout() time.Duration {
	return secondsToDuration(c.RequestTimeoutSeconds)
}

// RateLimitInterval returns the minimum spacing between outbound requests.
func (c APIConfig) RateLimitInterval() time.Duration {
	return secondsToDuration(c.RateLimitIntervalSeconds)
}

// ExtractionConfig configures what a bulk run extracts
type ExtractionConfig struct {
	FromDate        string         `mapstructure:"from_date" json:"from_date"`
	ToDate          string         `mapstructure:"to_date" json:"to_date"`
	Tokens          []models.Token `mapstructure:"tokens" json:"tokens" validate:"dive"`
	StoreWorkers    int            `mapstructure:"store_workers" json:"store_workers" validate:"gte=1,lte=32"`
	StrictAlignment bool           `mapstructure:"strict_alignment" json:"strict_alignment"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type         string `mapstructure:"type" json:"type" validate:"oneof=duckdb memory"`
	DatabasePath string `mapstructure:"database_path" json:"database_path" validate:"required_if=Type duckdb"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
	Format        string            `mapstructure:"format" json:"format" validate:"oneof=json text"`
	Output        string            `mapstructure:"output" json:"output" validate:"oneof=stdout stderr file"`
	FilePath      string            `mapstructure:"file_path" json:"file_path" validate:"required_if=Output file"`
	MaxSize       int               `mapstructure:"max_size" json:"max_size" validate:"gte=0"`    // MB
	MaxBackups    int               `mapstructure:"max_backups" json:"max_backups" validate:"gte=0"`
	MaxAge        int               `mapstructure:"max_age" json:"max_age" validate:"gte=0"`      // days
	Compress      bool              `mapstructure:"compress" json:"compress"`
	ContextFields map[string]string `mapstructure:"context_fields" json:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr" validate:"required_if=Enabled true"`
}

// ScheduleConfig configures recurring extraction
type ScheduleConfig struct {
	Cron         string `mapstructure:"cron" json:"cron" validate:"required"`
	LookbackDays int    `mapstructure:"lookback_days" json:"lookback_days" validate:"gte=1,lte=365"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	configPath string
	envFiles   []string
	logger     *slog.Logger
	validate   *validator.Validate
}

// NewConfigManager creates a new configuration manager. envFiles are dotenv
// files loaded before the environment is read; missing ones are skipped.
func NewConfigManager(configPath string, logger *slog.Logger, envFiles ...string) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	return &ConfigManager{
		configPath: configPath,
		envFiles:   envFiles,
		logger:     logger,
		validate:   newValidator(),
	}
}

// LoadConfig loads configuration with priority order:
// 1. Environment variables (highest priority, including .env files)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	if err := cm.loadDotEnv(); err != nil {
		return nil, apperrors.NewConfigurationError("load_dotenv", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := cm.loadFromFile(v); err != nil {
		return nil, apperrors.NewConfigurationError("load_file", err)
	}

	config := &AppConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, apperrors.NewConfigurationError("unmarshal", err)
	}

	if config.API.Key == "" {
		config.API.Key = apiKeyFromEnv()
	}
	if len(config.Extraction.Tokens) == 0 {
		config.Extraction.Tokens = models.DefaultTokens()
	}

	if err := cm.Validate(config); err != nil {
		return nil, err
	}

	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"tokens", len(config.Extraction.Tokens),
		"log_level", config.Logging.Level)

	return config, nil
}

func (cm *ConfigManager) loadDotEnv() error {
	for _, path := range cm.envFiles {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
		cm.logger.Debug("loaded env file", "path", path)
	}
	return nil
}

// loadFromFile merges the config file into v. A missing file is not an error.
func (cm *ConfigManager) loadFromFile(v *viper.Viper) error {
	if cm.configPath == "" {
		return nil
	}
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	v.SetConfigFile(cm.configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

func apiKeyFromEnv() string {
	for _, name := range APIKeyEnvVars {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.key", "")
	v.SetDefault("api.key_header", d.API.KeyHeader)
	v.SetDefault("api.vs_currency", d.API.VSCurrency)
	v.SetDefault("api.request_timeout_seconds", d.API.RequestTimeoutSeconds)
	v.SetDefault("api.rate_limit_interval_seconds", d.API.RateLimitIntervalSeconds)
	v.SetDefault("api.max_retries", d.API.MaxRetries)
	v.SetDefault("api.retry_backoff_factor", d.API.RetryBackoffFactor)

	v.SetDefault("extraction.from_date", "")
	v.SetDefault("extraction.to_date", "")
	v.SetDefault("extraction.store_workers", d.Extraction.StoreWorkers)
	v.SetDefault("extraction.strict_alignment", d.Extraction.StrictAlignment)

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.database_path", d.Storage.DatabasePath)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("schedule.cron", d.Schedule.Cron)
	v.SetDefault("schedule.lookback_days", d.Schedule.LookbackDays)
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return validate
}

// Validate checks the configuration for consistency and required fields.
// All violations are reported together.
func (cm *ConfigManager) Validate(config *AppConfig) error {
	var problems []string

	if err := cm.validate.Struct(config); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return apperrors.NewConfigurationError("validate", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	if (config.Extraction.FromDate == "") != (config.Extraction.ToDate == "") {
		problems = append(problems, "extraction.from_date and extraction.to_date must be set together")
	}

	if len(problems) > 0 {
		return apperrors.NewConfigurationError("validate",
			fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- ")))
	}

	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed the %q check", field, fe.Tag())
	}
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		API: APIConfig{
			BaseURL:                  DefaultBaseURL,
			KeyHeader:                "x-cg-api-key",
			VSCurrency:               "usd",
			RequestTimeoutSeconds:    30,
			RateLimitIntervalSeconds: 2.0,
			MaxRetries:               3,
			RetryBackoffFactor:       1.5,
		},
		Extraction: ExtractionConfig{
			Tokens:       models.DefaultTokens(),
			StoreWorkers: 1,
		},
		Storage: StorageConfig{
			Type:         "duckdb",
			DatabasePath: "data/crypto_data.duckdb",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/cryptopipe.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Schedule: ScheduleConfig{
			Cron:         "@daily",
			LookbackDays: 7,
		},
	}
}

// Window parses and validates the configured extraction range against now.
func (c *AppConfig) Window(now time.Time) (models.Window, error) {
	if c.Extraction.FromDate == "" || c.Extraction.ToDate == "" {
		return models.Window{}, apperrors.NewConfigurationErrorf("window",
			"extraction.from_date and extraction.to_date are required")
	}
	return models.ParseWindow(c.Extraction.FromDate, c.Extraction.ToDate, now)
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.API.Key != "" {
		sanitized.API.Key = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
