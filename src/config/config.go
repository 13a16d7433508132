package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/stake-plus/govengine/src/data"
	"gorm.io/gorm"
)

// Config holds the engine's runtime knobs.
type Config struct {
	RedisURL string

	// Worker cadence
	LifecycleInterval time.Duration
	SchedulerInterval time.Duration

	// Safety window after which a stalled non-terminal proposal is expired
	SafetyWindow time.Duration

	// External collaborator budgets
	ProviderTimeout time.Duration
	SignatureWait   time.Duration

	// Execution retry backoff bounds
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Default retry budget for execution records
	MaxRetries int

	// Identity recorded on execution records
	ExecutorID string

	// TTL for cached tally snapshots
	TallyCacheTTL time.Duration
}

// Load reads configuration from the settings table with env fallback.
func Load(db *gorm.DB) Config {
	if err := data.LoadSettings(db); err != nil {
		log.Printf("config: settings load failed, using env/defaults: %v", err)
	}

	return Config{
		RedisURL:          getSetting("redis_url", "REDIS_URL", "redis://localhost:6379/0"),
		LifecycleInterval: getDuration("lifecycle_interval", "LIFECYCLE_INTERVAL", 15*time.Second),
		SchedulerInterval: getDuration("scheduler_interval", "SCHEDULER_INTERVAL", 30*time.Second),
		SafetyWindow:      getDuration("safety_window", "SAFETY_WINDOW", 72*time.Hour),
		ProviderTimeout:   getDuration("provider_timeout", "PROVIDER_TIMEOUT", 10*time.Second),
		SignatureWait:     getDuration("signature_wait", "SIGNATURE_WAIT", 30*time.Second),
		BackoffMin:        getDuration("backoff_min", "BACKOFF_MIN", time.Minute),
		BackoffMax:        getDuration("backoff_max", "BACKOFF_MAX", time.Hour),
		MaxRetries:        getInt("max_retries", "MAX_RETRIES", 3),
		ExecutorID:        getSetting("executor_id", "EXECUTOR_ID", "govengine"),
		TallyCacheTTL:     getDuration("tally_cache_ttl", "TALLY_CACHE_TTL", 30*time.Second),
	}
}

// Setting retrieves a setting with env fallback
func Setting(name, envKey, defaultValue string) string {
	return getSetting(name, envKey, defaultValue)
}

// getSetting retrieves a setting with env fallback
func getSetting(name, envKey, defaultValue string) string {
	val := data.GetSetting(name)
	if val == "" {
		val = os.Getenv(envKey)
	}
	if val == "" {
		val = defaultValue
	}
	return val
}

func getDuration(name, envKey string, def time.Duration) time.Duration {
	raw := getSetting(name, envKey, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config: bad duration for %s: %q", name, raw)
		return def
	}
	return d
}

func getInt(name, envKey string, def int) int {
	raw := getSetting(name, envKey, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: bad integer for %s: %q", name, raw)
		return def
	}
	return n
}
