// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger backends accepted by LEDGER_BACKEND.
const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	SessionTTL  time.Duration
	Ledger      LedgerConfig
	Chat        ChatConfig
	Transcript  TranscriptConfig
}

// LedgerConfig selects the balance store and the credit rules.
type LedgerConfig struct {
	Backend         string
	DBPath          string
	RedisURL        string
	PostgresURL     string
	DefaultCredits  int
	RedemptionCode  string
	RedemptionBonus int
}

// ChatConfig points at the external chat and checkout endpoints.
type ChatConfig struct {
	EndpointURL    string
	RequestTimeout time.Duration // 0 = no timeout
	CheckoutURL    string
}

// TranscriptConfig controls NDJSON transcript logging.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		SessionTTL:  getEnvDuration("SESSION_TTL", 60*time.Minute),
		Ledger: LedgerConfig{
			Backend:         strings.ToLower(getEnv("LEDGER_BACKEND", BackendSQLite)),
			DBPath:          getEnv("DB_PATH", "./data/beatdown.db"),
			RedisURL:        getEnv("REDIS_URL", ""),
			PostgresURL:     getEnv("POSTGRES_URL", ""),
			DefaultCredits:  getEnvInt("DEFAULT_CREDITS", 10),
			RedemptionCode:  getEnv("REDEMPTION_CODE", "xyz"),
			RedemptionBonus: getEnvInt("REDEMPTION_BONUS", 50),
		},
		Chat: ChatConfig{
			EndpointURL:    getEnv("CHAT_ENDPOINT_URL", "http://localhost:3000/api/beatdown-chat"),
			RequestTimeout: getEnvDuration("CHAT_REQUEST_TIMEOUT", 0),
			CheckoutURL:    getEnv("CHECKOUT_URL", "/api/stripe-checkout"),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", false),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}

	switch c.Ledger.Backend {
	case BackendSQLite:
		if c.Ledger.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case BackendRedis:
		if c.Ledger.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LEDGER_BACKEND=redis")
		}
	case BackendPostgres:
		if c.Ledger.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required when LEDGER_BACKEND=postgres")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.Ledger.Backend)
	}

	if c.Ledger.DefaultCredits <= 0 {
		return fmt.Errorf("DEFAULT_CREDITS must be > 0")
	}
	if c.Ledger.RedemptionCode == "" {
		return fmt.Errorf("REDEMPTION_CODE cannot be empty")
	}
	if c.Ledger.RedemptionBonus <= 0 {
		return fmt.Errorf("REDEMPTION_BONUS must be > 0")
	}

	if c.Chat.EndpointURL == "" {
		return fmt.Errorf("CHAT_ENDPOINT_URL cannot be empty")
	}
	if _, err := url.Parse(c.Chat.EndpointURL); err != nil {
		return fmt.Errorf("CHAT_ENDPOINT_URL is not a valid url: %w", err)
	}
	if c.Chat.RequestTimeout < 0 {
		return fmt.Errorf("CHAT_REQUEST_TIMEOUT must be >= 0")
	}
	if c.Chat.CheckoutURL == "" {
		return fmt.Errorf("CHECKOUT_URL cannot be empty")
	}

	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the widget API.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	origins := strings.Split(c.FrontendURL, ",")
	out := origins[:0]
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, strings.TrimRight(o, "/"))
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s", "1h") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
