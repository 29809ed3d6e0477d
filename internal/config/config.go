package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the pipeline. The routing thresholds
// and lease durations are product tuning values, not invariants; every one
// of them can be overridden from the environment.
type Config struct {
	Port        string
	Env         string
	RedisURL    string
	DatabaseURL string
	SQLitePath  string

	// Worker pools, one per lane.
	UrgentWorkers int
	NormalWorkers int
	BufferWorkers int

	// Session lock leases. LockTTL covers dequeue and setup; GenerationLease
	// must be generously longer than the completion service's expected
	// latency, since failing to extend in time opens a duplicate-processing
	// race.
	LockTTL         time.Duration
	GenerationLease time.Duration

	// Router thresholds.
	FrequencyThreshold int
	FrequencyWindow    time.Duration
	FollowUpWindow     time.Duration

	// Buffer lane behaviour.
	BufferDelay        time.Duration
	BufferWaitBound    time.Duration
	BufferPollInterval time.Duration

	// Urgent-lane lock acquisition retries before falling back to buffer.
	AcquireRetries int
	AcquireBackoff time.Duration

	// Circuit breaker.
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerRecovery  time.Duration

	// Retry / dead-letter.
	MaxRetries       int
	RetryBackoffBase time.Duration
	DeadLetterSweep  string // cron spec

	// Per-lane queue TTLs. Urgent is short so stale urgent work is handed
	// to the retry path rather than served late.
	UrgentTTL time.Duration
	NormalTTL time.Duration
	BufferTTL time.Duration

	// Idle worker poll interval between dequeue attempts.
	DequeuePoll time.Duration

	// Claim lease on dequeued tasks. A task stays parked in its lane's
	// pending set from claim to ack; if the worker dies in between, the
	// lapsed claim is redelivered. Must outlast the longest processing
	// path (buffer wait bound plus generation lease), or live tasks get
	// redelivered mid-flight.
	PendingLease time.Duration

	// External completion service.
	CompletionTimeout time.Duration
	CompletionURL     string
	AnthropicAPIKey   string
	AnthropicModel    string

	// Ingest dedup marker lifetime.
	DedupTTL time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		RedisURL:    os.Getenv("REDIS_URL"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/convoq.db"),

		UrgentWorkers: getEnvInt("URGENT_WORKERS", 4),
		NormalWorkers: getEnvInt("NORMAL_WORKERS", 4),
		BufferWorkers: getEnvInt("BUFFER_WORKERS", 2),

		LockTTL:         getEnvDuration("LOCK_TTL", 15*time.Second),
		GenerationLease: getEnvDuration("GENERATION_LEASE", 30*time.Second),

		FrequencyThreshold: getEnvInt("FREQUENCY_THRESHOLD", 3),
		FrequencyWindow:    getEnvDuration("FREQUENCY_WINDOW", 5*time.Minute),
		FollowUpWindow:     getEnvDuration("FOLLOWUP_WINDOW", 2*time.Minute),

		BufferDelay:        getEnvDuration("BUFFER_DELAY", 5*time.Second),
		BufferWaitBound:    getEnvDuration("BUFFER_WAIT_BOUND", 30*time.Second),
		BufferPollInterval: getEnvDuration("BUFFER_POLL_INTERVAL", 500*time.Millisecond),

		AcquireRetries: getEnvInt("ACQUIRE_RETRIES", 3),
		AcquireBackoff: getEnvDuration("ACQUIRE_BACKOFF", 200*time.Millisecond),

		BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerWindow:    getEnvDuration("BREAKER_WINDOW", time.Minute),
		BreakerRecovery:  getEnvDuration("BREAKER_RECOVERY", 30*time.Second),

		MaxRetries:       getEnvInt("MAX_RETRIES", 3),
		RetryBackoffBase: getEnvDuration("RETRY_BACKOFF_BASE", 2*time.Second),
		DeadLetterSweep:  getEnv("DEADLETTER_SWEEP", "@every 1m"),

		UrgentTTL: getEnvDuration("URGENT_QUEUE_TTL", time.Minute),
		NormalTTL: getEnvDuration("NORMAL_QUEUE_TTL", 10*time.Minute),
		BufferTTL: getEnvDuration("BUFFER_QUEUE_TTL", 5*time.Minute),

		DequeuePoll: getEnvDuration("DEQUEUE_POLL", 250*time.Millisecond),

		PendingLease: getEnvDuration("PENDING_LEASE", 2*time.Minute),

		CompletionTimeout: getEnvDuration("COMPLETION_TIMEOUT", 25*time.Second),
		CompletionURL:     os.Getenv("COMPLETION_URL"),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:    getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),

		DedupTTL: getEnvDuration("DEDUP_TTL", time.Hour),
	}

	// In production, require redis and one completion backend
	if cfg.Env == "production" {
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.AnthropicAPIKey == "" && cfg.CompletionURL == "" {
			panic("ANTHROPIC_API_KEY or COMPLETION_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// QueueTTL returns the configured message TTL for a lane.
func (c *Config) QueueTTL(lane string) time.Duration {
	switch lane {
	case "urgent":
		return c.UrgentTTL
	case "buffer":
		return c.BufferTTL
	default:
		return c.NormalTTL
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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
