package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"echoattime/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

type Config struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	QueueKey       string
	BatchSize      int
	WorkerCount    int
	PollInterval   time.Duration
	ErrorPause     time.Duration
	TaskTimeout    time.Duration
	LockTTL        time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	HTTPAddr       string
	TLSCertFile    string
	TLSKeyFile     string
	MetricsAddr    string
	HealthInterval time.Duration
	RateLimit      int
	DatabaseURL    string
	DeliveryLogDir string
	LogLevel       string
	LogFormat      string
}

// Default returns the configuration the dispatcher runs with when no
// environment overrides are present.
func Default() *Config {
	return &Config{
		RedisAddr:      "localhost:6379",
		QueueKey:       "scheduled_messages",
		BatchSize:      100,
		WorkerCount:    10,
		PollInterval:   100 * time.Millisecond,
		ErrorPause:     time.Second,
		TaskTimeout:    30 * time.Second,
		LockTTL:        10 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   time.Second,
		HTTPAddr:       ":3000",
		MetricsAddr:    ":2112",
		HealthInterval: 5 * time.Second,
		RateLimit:      100,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load reads an optional .env file and then the process environment on top
// of Default.
func Load(logger *log.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := Default()
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)
	str("QUEUE_KEY", &cfg.QueueKey)
	num("BATCH_SIZE", &cfg.BatchSize)
	num("WORKER_COUNT", &cfg.WorkerCount)
	dur("POLL_INTERVAL", &cfg.PollInterval)
	dur("ERROR_PAUSE", &cfg.ErrorPause)
	dur("TASK_TIMEOUT", &cfg.TaskTimeout)
	dur("LOCK_TTL", &cfg.LockTTL)
	num("MAX_ATTEMPTS", &cfg.MaxAttempts)
	dur("RETRY_BACKOFF", &cfg.RetryBackoff)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("TLS_CERT_FILE", &cfg.TLSCertFile)
	str("TLS_KEY_FILE", &cfg.TLSKeyFile)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	dur("HEALTH_INTERVAL", &cfg.HealthInterval)
	num("RATE_LIMIT", &cfg.RateLimit)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("DELIVERY_LOG_DIR", &cfg.DeliveryLogDir)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// Validate rejects configurations the dispatcher cannot run with.
func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.QueueKey == "" {
		return fmt.Errorf("QUEUE_KEY is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive, got %s", c.TaskTimeout)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// Normalize clamps tunables that have a sane floor rather than a hard
// validity rule.
func (c *Config) Normalize() {
	c.MaxAttempts = atLeast(c.MaxAttempts, 1)
	c.RateLimit = atLeast(c.RateLimit, 1)
	c.PollInterval = atLeast(c.PollInterval, time.Millisecond)
	c.ErrorPause = atLeast(c.ErrorPause, c.PollInterval)
	c.RetryBackoff = atLeast(c.RetryBackoff, 0)
	c.HealthInterval = atLeast(c.HealthInterval, 100*time.Millisecond)
}

func atLeast[T constraints.Ordered](v, floor T) T {
	if v < floor {
		return floor
	}
	return v
}
