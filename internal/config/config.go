package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"freight"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"freight"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Engine
	WorkerConcurrency    int     `envconfig:"WORKER_CONCURRENCY" default:"8"`
	TenantConcurrency    int     `envconfig:"TENANT_CONCURRENCY" default:"4"`
	TenantRateLimit      float64 `envconfig:"TENANT_RATE_LIMIT" default:"0"`
	HighLaneBurst        int     `envconfig:"HIGH_LANE_BURST" default:"4"`
	BatchTimeoutSeconds  int     `envconfig:"BATCH_TIMEOUT_SECONDS" default:"300"`
	RetryBackoffBaseMS   int     `envconfig:"RETRY_BACKOFF_BASE_MS" default:"2000"`
	RetryBackoffCapMS    int     `envconfig:"RETRY_BACKOFF_CAP_MS" default:"60000"`
	CircuitBreakerRatio  float64 `envconfig:"CIRCUIT_BREAKER_RATIO" default:"0.5"`
	DefaultBatchSize     int     `envconfig:"DEFAULT_BATCH_SIZE" default:"1000"`
	DefaultMaxRetries    int     `envconfig:"DEFAULT_MAX_RETRIES" default:"3"`
	RecordFetchTimeoutMS int     `envconfig:"RECORD_FETCH_TIMEOUT_MS" default:"30000"`

	// Server
	ServerPort int `envconfig:"SERVER_PORT" default:"8080"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root.
	// Ignore errors, as env vars might be set in the shell.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("%w: WORKER_CONCURRENCY must be positive", ErrMissingRequired)
	}
	if c.CircuitBreakerRatio <= 0 || c.CircuitBreakerRatio > 1 {
		return fmt.Errorf("%w: CIRCUIT_BREAKER_RATIO must be in (0,1]", ErrMissingRequired)
	}
	return nil
}
