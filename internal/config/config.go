// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBPoolSize  int

	// Redis (job queue + cross-node pub/sub)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Event bus (AMQP)
	EventBusURL string // amqp:// URL; empty disables the dispatcher/consumer

	// File storage
	StoragePath string

	// Transcoder binary invoked by workers
	TranscoderBin string

	// Queue
	QueueConcurrency int           // per-type worker concurrency
	JobAttempts      int           // max delivery attempts per job
	JobTimeout       time.Duration // wall-clock limit for video transcodes
	ImageJobTimeout  time.Duration // wall-clock limit for image operations

	// Outbox dispatcher
	DispatcherPollInterval time.Duration
	DispatcherBatchSize    int
	DispatcherLease        time.Duration
	DispatcherMaxAttempts  int
	OutboxRetentionDays    int

	// Reservation janitor
	JanitorInterval time.Duration
	ReservationTTL  time.Duration

	// Billing
	CreditCosts map[string]int64 // per-operation-type credit cost

	// Upload limits (bytes)
	MaxUploadFree int64
	MaxUploadPro  int64

	// AdminSecret gates the admin endpoints. Empty means admin access is
	// only allowed outside production.
	AdminSecret string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultRedisAddr        = "localhost:6379"
	DefaultStoragePath      = "storage"
	DefaultQueueConcurrency = 5
	DefaultJobAttempts      = 3
	DefaultDBPoolSize       = 25
)

// operationTypes are the operation types with a configurable cost. The
// synchronous extract-audio path bills through the same map.
var operationTypes = []string{"resize", "convert", "crop", "resize-image", "convert-image", "extract-audio"}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DBPoolSize:  int(getEnvInt64("DB_POOL_SIZE", DefaultDBPoolSize)),

		RedisAddr:     getEnv("REDIS_ADDR", DefaultRedisAddr),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       int(getEnvInt64("REDIS_DB", 0)),

		EventBusURL: os.Getenv("EVENT_BUS_URL"),

		StoragePath: getEnv("STORAGE_PATH", DefaultStoragePath),

		TranscoderBin: getEnv("TRANSCODER_BIN", "ffmpeg"),

		QueueConcurrency: int(getEnvInt64("QUEUE_CONCURRENCY", DefaultQueueConcurrency)),
		JobAttempts:      int(getEnvInt64("JOB_ATTEMPTS", DefaultJobAttempts)),
		JobTimeout:       getEnvDuration("JOB_TIMEOUT", 5*time.Minute),
		ImageJobTimeout:  getEnvDuration("IMAGE_JOB_TIMEOUT", 45*time.Second),

		DispatcherPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
		DispatcherBatchSize:    int(getEnvInt64("OUTBOX_BATCH_SIZE", 10)),
		DispatcherLease:        getEnvDuration("OUTBOX_LEASE", 60*time.Second),
		DispatcherMaxAttempts:  int(getEnvInt64("OUTBOX_MAX_ATTEMPTS", 5)),
		OutboxRetentionDays:    int(getEnvInt64("OUTBOX_RETENTION_DAYS", 7)),

		JanitorInterval: getEnvDuration("JANITOR_INTERVAL", 30*time.Minute),
		ReservationTTL:  getEnvDuration("RESERVATION_TTL", 30*time.Minute),

		CreditCosts: loadCostMap(),

		MaxUploadFree: getEnvInt64("MAX_UPLOAD_FREE", 50<<20),
		MaxUploadPro:  getEnvInt64("MAX_UPLOAD_PRO", 500<<20),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StoragePath == "" {
		return fmt.Errorf("STORAGE_PATH must not be empty")
	}
	if c.QueueConcurrency <= 0 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be positive, got %d", c.QueueConcurrency)
	}
	if c.JobAttempts <= 0 {
		return fmt.Errorf("JOB_ATTEMPTS must be positive, got %d", c.JobAttempts)
	}
	if c.DispatcherBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", c.DispatcherBatchSize)
	}
	for opType, cost := range c.CreditCosts {
		if cost <= 0 {
			return fmt.Errorf("credit cost for %s must be positive, got %d", opType, cost)
		}
	}
	return nil
}

// Cost returns the credit cost for an operation type (default 1).
func (c *Config) Cost(opType string) int64 {
	if cost, ok := c.CreditCosts[opType]; ok {
		return cost
	}
	return 1
}

// MaxUpload returns the upload limit in bytes for a user tier.
func (c *Config) MaxUpload(tier string) int64 {
	if tier == "pro" {
		return c.MaxUploadPro
	}
	return c.MaxUploadFree
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// loadCostMap reads COST_<TYPE> overrides (e.g. COST_RESIZE=2). Every
// operation type defaults to 1 credit.
func loadCostMap() map[string]int64 {
	costs := make(map[string]int64, len(operationTypes))
	for _, opType := range operationTypes {
		key := "COST_" + strings.ReplaceAll(strings.ToUpper(opType), "-", "_")
		costs[opType] = getEnvInt64(key, 1)
	}
	return costs
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
