package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	MetricsAddr     string        `mapstructure:"METRICS_ADDR" validate:"omitempty,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB" validate:"gte=0,lte=15"`

	AsynqConcurrency int           `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`
	TaskRetention    time.Duration `mapstructure:"TASK_RETENTION"`

	WorkingDir     string        `mapstructure:"WORKING_DIR"`
	TemplatesDir   string        `mapstructure:"TEMPLATES_DIR" validate:"required"`
	CommandTimeout time.Duration `mapstructure:"COMMAND_TIMEOUT" validate:"required"`
	TerraformBin   string        `mapstructure:"TERRAFORM_BIN" validate:"required"`
	AzBin          string        `mapstructure:"AZ_BIN" validate:"required"`

	Azure AzureCredentials `mapstructure:",squash"`

	GoogleProjectID string `mapstructure:"GOOGLE_PROJECT_ID"`

	StateS3Bucket       string `mapstructure:"TERRAFORM_STATE_S3_BUCKET"`
	StateGCSBucket      string `mapstructure:"TERRAFORM_STATE_GCS_BUCKET"`
	StateStorageAccount string `mapstructure:"TERRAFORM_STATE_STORAGE_ACCOUNT"`
	StateResourceGroup  string `mapstructure:"TERRAFORM_STATE_RESOURCE_GROUP"`

	JWTSecret      string  `mapstructure:"JWT_SECRET"`
	APIKeyHash     string  `mapstructure:"API_KEY_HASH"`
	AuthEnabled    bool    `mapstructure:"AUTH_ENABLED"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST" validate:"gte=1"`
	CORSOrigins    string  `mapstructure:"CORS_ALLOWED_ORIGINS"`

	CleanupAfter       time.Duration `mapstructure:"CLEANUP_AFTER"`
	StreamMaxPolls     int           `mapstructure:"STREAM_MAX_POLLS" validate:"gte=1"`
	StreamPollInterval time.Duration `mapstructure:"STREAM_POLL_INTERVAL"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

// AzureCredentials are bound into generated provider blocks and passed to the az CLI.
type AzureCredentials struct {
	SubscriptionID string `mapstructure:"AZURE_SUBSCRIPTION_ID"`
	TenantID       string `mapstructure:"AZURE_TENANT_ID"`
	ClientID       string `mapstructure:"AZURE_CLIENT_ID"`
	ClientSecret   string `mapstructure:"AZURE_CLIENT_SECRET"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

var keys = []string{
	"APP_ENV",
	"HTTP_ADDR",
	"METRICS_ADDR",
	"SHUTDOWN_TIMEOUT",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"DATABASE_URL",
	"REDIS_ADDR",
	"REDIS_PASSWORD",
	"REDIS_DB",
	"ASYNQ_CONCURRENCY",
	"TASK_RETENTION",
	"WORKING_DIR",
	"TEMPLATES_DIR",
	"COMMAND_TIMEOUT",
	"TERRAFORM_BIN",
	"AZ_BIN",
	"AZURE_SUBSCRIPTION_ID",
	"AZURE_TENANT_ID",
	"AZURE_CLIENT_ID",
	"AZURE_CLIENT_SECRET",
	"GOOGLE_PROJECT_ID",
	"TERRAFORM_STATE_S3_BUCKET",
	"TERRAFORM_STATE_GCS_BUCKET",
	"TERRAFORM_STATE_STORAGE_ACCOUNT",
	"TERRAFORM_STATE_RESOURCE_GROUP",
	"JWT_SECRET",
	"API_KEY_HASH",
	"AUTH_ENABLED",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"CORS_ALLOWED_ORIGINS",
	"CLEANUP_AFTER",
	"STREAM_MAX_POLLS",
	"STREAM_POLL_INTERVAL",
	"GOMAXPROCS",
}

// durations may arrive as plain strings from the environment.
var durationKeys = map[string]func(*Config, time.Duration){
	"SHUTDOWN_TIMEOUT":     func(c *Config, d time.Duration) { c.ShutdownTimeout = d },
	"TASK_RETENTION":       func(c *Config, d time.Duration) { c.TaskRetention = d },
	"COMMAND_TIMEOUT":      func(c *Config, d time.Duration) { c.CommandTimeout = d },
	"CLEANUP_AFTER":        func(c *Config, d time.Duration) { c.CleanupAfter = d },
	"STREAM_POLL_INTERVAL": func(c *Config, d time.Duration) { c.StreamPollInterval = d },
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("METRICS_ADDR", "0.0.0.0:9091")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("TASK_RETENTION", "168h")
	v.SetDefault("TEMPLATES_DIR", "./templates")
	v.SetDefault("COMMAND_TIMEOUT", "10m")
	v.SetDefault("TERRAFORM_BIN", "terraform")
	v.SetDefault("AZ_BIN", "az")
	v.SetDefault("AUTH_ENABLED", false)
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("CLEANUP_AFTER", "720h")
	v.SetDefault("STREAM_MAX_POLLS", 300)
	v.SetDefault("STREAM_POLL_INTERVAL", "1s")
	v.SetDefault("GOMAXPROCS", 0)

	_ = v.ReadInConfig()

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	for key, set := range durationKeys {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		set(&c, d)
	}

	if c.WorkingDir == "" {
		c.WorkingDir = os.TempDir()
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// IsDevelopment reports whether verbose diagnostics should be enabled.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "test"
}
