package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/zerverless/jobqueue/internal/backoff"
)

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	NodeID   string `yaml:"node_id"`
	HTTPPort int    `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Store StoreConfig `yaml:"store"`
	Pool  PoolConfig  `yaml:"pool"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	// RecoverOnStart requeues jobs left active by a previous process.
	RecoverOnStart bool `yaml:"recover_on_start"`
}

type PoolConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	MaxAttempts   int           `yaml:"max_attempts"`
	IdleBackoff   time.Duration `yaml:"idle_backoff"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	RetryBackoff  string        `yaml:"retry_backoff"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
	ClaimRate     float64       `yaml:"claim_rate"`
}

func Default() *Config {
	return &Config{
		NodeID:   "node-default",
		HTTPPort: 8000,
		LogLevel: "info",
		Store: StoreConfig{
			Backend:     BackendMemory,
			DataDir:     "./data",
			SQLitePath:  "./data/jobs.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "jobqueue:",
		},
		Pool: PoolConfig{
			Concurrency:   1,
			MaxAttempts:   3,
			IdleBackoff:   200 * time.Millisecond,
			RetryBackoff:  "none",
			RetryDelay:    time.Second,
			RetryMaxDelay: time.Minute,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads defaults, then the YAML file at path if path is not empty, then
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.NodeID = getEnv("NODE_ID", c.NodeID)
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogJSON = getEnvBool("LOG_JSON", c.LogJSON)

	c.Store.Backend = getEnv("JOBQUEUE_STORE", c.Store.Backend)
	c.Store.DataDir = getEnv("JOBQUEUE_DATA_DIR", c.Store.DataDir)
	c.Store.SQLitePath = getEnv("JOBQUEUE_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.RedisAddr = getEnv("JOBQUEUE_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPrefix = getEnv("JOBQUEUE_REDIS_PREFIX", c.Store.RedisPrefix)
	c.Store.RecoverOnStart = getEnvBool("JOBQUEUE_RECOVER_ON_START", c.Store.RecoverOnStart)

	c.Pool.Concurrency = getEnvInt("JOBQUEUE_CONCURRENCY", c.Pool.Concurrency)
	c.Pool.MaxAttempts = getEnvInt("JOBQUEUE_MAX_ATTEMPTS", c.Pool.MaxAttempts)
	c.Pool.IdleBackoff = getEnvDuration("JOBQUEUE_IDLE_BACKOFF", c.Pool.IdleBackoff)
	c.Pool.JobTimeout = getEnvDuration("JOBQUEUE_JOB_TIMEOUT", c.Pool.JobTimeout)
	c.Pool.RetryBackoff = getEnv("JOBQUEUE_RETRY_BACKOFF", c.Pool.RetryBackoff)
	c.Pool.RetryDelay = getEnvDuration("JOBQUEUE_RETRY_DELAY", c.Pool.RetryDelay)
	c.Pool.RetryMaxDelay = getEnvDuration("JOBQUEUE_RETRY_MAX_DELAY", c.Pool.RetryMaxDelay)
	c.Pool.ClaimRate = getEnvFloat("JOBQUEUE_CLAIM_RATE", c.Pool.ClaimRate)

	c.ShutdownTimeout = getEnvDuration("JOBQUEUE_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendBadger, BackendSQLite, BackendRedis:
	default:
		return errors.Newf("unknown store backend %q", c.Store.Backend)
	}
	if c.Pool.Concurrency < 1 {
		return errors.Newf("pool concurrency must be at least 1, got %d", c.Pool.Concurrency)
	}
	if c.Pool.MaxAttempts < 1 {
		return errors.Newf("pool max_attempts must be at least 1, got %d", c.Pool.MaxAttempts)
	}
	if _, err := c.Pool.Retry(); err != nil {
		return err
	}
	return nil
}

// Retry builds the retry strategy named by RetryBackoff.
func (p PoolConfig) Retry() (backoff.Strategy, error) {
	return backoff.Parse(p.RetryBackoff, p.RetryDelay, p.RetryMaxDelay)
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
