package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/joho/godotenv"
)

// Existence match modes, see dynamo.MatchMode.
const (
	MatchExact  = "exact"
	MatchPrefix = "prefix"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	DatabaseURL       string
	SourceTable       string
	DynamoTable       string
	DynamoRegion      string
	AWSProfile        string
	DynamoEndpoint    string // Optional endpoint override, e.g. DynamoDB Local
	ExistenceMatch    string // "exact" or "prefix"
	WindowMinutes     int
	IntervalMinutes   int
	FetchTimeout      time.Duration
	CallTimeout       time.Duration
	WorkerConcurrency int
	RunLockEnabled    bool
	RedisURL          string // Empty falls back to a Postgres advisory lock
	RunLockTTL        time.Duration
	TelegramToken     string
	AlertChatID       int64 // Zero disables alerts
	LogLevel          string
	Environment       string
}

// Interval returns the schedule interval as a duration.
func (c *AppConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// AlertsEnabled reports whether both the bot token and a chat are configured.
func (c *AppConfig) AlertsEnabled() bool {
	return c.TelegramToken != "" && c.AlertChatID != 0
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.SourceTable = getenvDefault("OPTOUT_SOURCE_TABLE", "optout")
	if err := cfg.loadStore(); err != nil {
		return nil, err
	}

	if cfg.WindowMinutes, err = getenvInt("LOOKBACK_WINDOW_MINUTES", 60); err != nil {
		return nil, err
	}
	if cfg.IntervalMinutes, err = getenvInt("SCHEDULE_INTERVAL_MINUTES", 15); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = getenvDuration("FETCH_TIMEOUT", time.Minute); err != nil {
		return nil, err
	}
	if cfg.CallTimeout, err = getenvDuration("CALL_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = getenvInt("WORKER_CONCURRENCY", 4); err != nil {
		return nil, err
	}

	cfg.RunLockEnabled, err = strconv.ParseBool(getenvDefault("RUN_LOCK_ENABLED", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_LOCK_ENABLED: %w", err)
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RunLockTTL, err = getenvDuration("RUN_LOCK_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.RunLockTTL == 0 {
		// Long enough to cover a full run, short enough to free a crashed holder
		// before the next trigger.
		cfg.RunLockTTL = time.Duration(cfg.IntervalMinutes) * time.Minute
	}

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if chatIDStr := os.Getenv("ALERT_TELEGRAM_CHAT_ID"); chatIDStr != "" {
		cfg.AlertChatID, err = strconv.ParseInt(chatIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ALERT_TELEGRAM_CHAT_ID: %w", err)
		}
	}

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	cfg.Environment = strings.ToLower(getenvDefault("ENVIRONMENT", "development"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStore reads only the DynamoDB settings, for commands that never touch
// the source database.
func LoadStore() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := &AppConfig{
		LogLevel:    strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
		Environment: strings.ToLower(getenvDefault("ENVIRONMENT", "development")),
	}
	if err := cfg.loadStore(); err != nil {
		return nil, err
	}
	if cfg.ExistenceMatch != MatchExact && cfg.ExistenceMatch != MatchPrefix {
		return nil, fmt.Errorf("EXISTENCE_MATCH must be %q or %q, got %q", MatchExact, MatchPrefix, cfg.ExistenceMatch)
	}
	return cfg, nil
}

func (c *AppConfig) loadStore() error {
	c.DynamoTable = getenvDefault("DYNAMODB_TABLE", "DynamoDBTable")
	c.DynamoRegion = os.Getenv("DYNAMODB_REGION")
	if c.DynamoRegion == "" {
		c.DynamoRegion = os.Getenv("AWS_REGION")
	}
	if c.DynamoRegion == "" {
		return fmt.Errorf("DYNAMODB_REGION (or AWS_REGION) is not set")
	}
	c.AWSProfile = os.Getenv("AWS_PROFILE")
	c.DynamoEndpoint = os.Getenv("DYNAMODB_ENDPOINT")
	c.ExistenceMatch = strings.ToLower(getenvDefault("EXISTENCE_MATCH", MatchExact))
	return nil
}

// Validate checks the values that must hold together. The lookback window
// must cover at least one schedule interval, otherwise records changed between
// two runs could fall out of the window unseen.
func (c *AppConfig) Validate() error {
	if c.IntervalMinutes <= 0 {
		return fmt.Errorf("SCHEDULE_INTERVAL_MINUTES must be positive, got %d", c.IntervalMinutes)
	}
	if c.WindowMinutes <= 0 {
		return fmt.Errorf("LOOKBACK_WINDOW_MINUTES must be positive, got %d", c.WindowMinutes)
	}
	if c.WindowMinutes < c.IntervalMinutes {
		return fmt.Errorf("LOOKBACK_WINDOW_MINUTES (%d) must be >= SCHEDULE_INTERVAL_MINUTES (%d)", c.WindowMinutes, c.IntervalMinutes)
	}
	if c.FetchTimeout <= 0 || c.CallTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT and CALL_TIMEOUT must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.ExistenceMatch != MatchExact && c.ExistenceMatch != MatchPrefix {
		return fmt.Errorf("EXISTENCE_MATCH must be %q or %q, got %q", MatchExact, MatchPrefix, c.ExistenceMatch)
	}
	if c.RunLockTTL <= 0 {
		return fmt.Errorf("RUN_LOCK_TTL must be positive")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
