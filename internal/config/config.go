// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	StoreDriver    string // "sqlite" or "memory"
	DBPath         string
	WelcomeMessage string

	TypingExpiry     time.Duration
	BroadcastTimeout time.Duration
	SendBuffer       int
	EventRate        float64
	EventBurst       int

	IdleSessionTTL time.Duration
	SweepInterval  time.Duration

	Responder ResponderConfig
	Redis     RedisConfig
	Log       LogConfig
}

// ResponderConfig controls automated replies.
type ResponderConfig struct {
	Enabled     bool
	Addr        string // empty uses the keyword fallback
	Timeout     time.Duration
	Workers     int
	QueueSize   int
	CatalogFile string
}

// RedisConfig enables the cross-instance admin alert relay.
type RedisConfig struct {
	Addr          string
	ChannelPrefix string
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		StoreDriver:      strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		DBPath:           getEnv("DB_PATH", "./data/shopchat.db"),
		WelcomeMessage:   getEnv("WELCOME_MESSAGE", "Hi! How can I help you today?"),
		TypingExpiry:     getEnvDuration("TYPING_EXPIRY", 3*time.Second),
		BroadcastTimeout: getEnvDuration("BROADCAST_TIMEOUT", 2*time.Second),
		SendBuffer:       getEnvInt("SEND_BUFFER", 64),
		EventRate:        getEnvFloat("EVENT_RATE", 10),
		EventBurst:       getEnvInt("EVENT_BURST", 20),
		IdleSessionTTL:   getEnvDuration("IDLE_SESSION_TTL", 24*time.Hour),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		Responder: ResponderConfig{
			Enabled:     getEnvBool("RESPONDER_ENABLED", true),
			Addr:        getEnv("RESPONDER_ADDR", ""),
			Timeout:     getEnvDuration("RESPONDER_TIMEOUT", 20*time.Second),
			Workers:     getEnvInt("RESPONDER_WORKERS", 4),
			QueueSize:   getEnvInt("RESPONDER_QUEUE", 100),
			CatalogFile: getEnv("CATALOG_FILE", ""),
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", ""),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "shopchat"),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
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
	switch c.StoreDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or memory, got %q", c.StoreDriver)
	}
	if c.TypingExpiry <= 0 {
		return fmt.Errorf("TYPING_EXPIRY must be > 0")
	}
	if c.BroadcastTimeout <= 0 {
		return fmt.Errorf("BROADCAST_TIMEOUT must be > 0")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be > 0")
	}
	if c.EventRate <= 0 || c.EventBurst <= 0 {
		return fmt.Errorf("EVENT_RATE and EVENT_BURST must be > 0")
	}
	if c.IdleSessionTTL <= 0 {
		return fmt.Errorf("IDLE_SESSION_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Responder.Workers <= 0 {
		return fmt.Errorf("RESPONDER_WORKERS must be > 0")
	}
	if c.Responder.QueueSize <= 0 {
		return fmt.Errorf("RESPONDER_QUEUE must be > 0")
	}
	if c.Responder.Timeout <= 0 {
		return fmt.Errorf("RESPONDER_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigin is the origin accepted for WebSocket and CORS requests.
// Development mode accepts any origin.
func (c *Config) AllowedOrigin() string {
	if c.IsDevelopment() {
		return "*"
	}
	return c.FrontendURL
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
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
