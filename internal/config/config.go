// Package config provides client configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all chat core configuration.
type Config struct {
	BackendBaseURL    string
	WSChatPath        string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	SessionSkew       time.Duration
	LogLevel          slog.Level
	Poll              PollConfig
	Reconnect         ReconnectConfig
	Retry             RetryConfig
	Cache             CacheConfig
	Mock              MockConfig
}

// PollConfig controls the Task Poller.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// ReconnectConfig controls socket reconnect backoff.
type ReconnectConfig struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int
}

// RetryConfig controls the HTTP retry layer and the offline probe.
type RetryConfig struct {
	MaxAttempts   int
	Base          time.Duration
	Max           time.Duration
	Jitter        float64 // 0 disables jitter
	ProbeInterval time.Duration
}

// CacheConfig selects the offline read cache backend.
type CacheConfig struct {
	Driver        string // "memory" or "sqlite"
	DSN           string
	Retention     time.Duration
	SweepInterval time.Duration
}

// MockConfig configures the bundled mock backend.
type MockConfig struct {
	Port       string
	SigningKey string
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		BackendBaseURL:    "http://localhost:8080",
		WSChatPath:        "/ws/chat",
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		SessionSkew:       30 * time.Second,
		LogLevel:          slog.LevelInfo,
		Poll: PollConfig{
			Interval:    time.Second,
			MaxAttempts: 30,
		},
		Reconnect: ReconnectConfig{
			Base:        500 * time.Millisecond,
			Max:         30 * time.Second,
			Jitter:      0.2,
			MaxAttempts: 10,
		},
		Retry: RetryConfig{
			MaxAttempts:   4,
			Base:          500 * time.Millisecond,
			Max:           30 * time.Second,
			Jitter:        0.2,
			ProbeInterval: 5 * time.Second,
		},
		Cache: CacheConfig{
			Driver:        "memory",
			Retention:     24 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Mock: MockConfig{
			Port:       "8080",
			SigningKey: "dev-signing-key",
		},
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	d := Default()
	cfg := &Config{
		BackendBaseURL:    strings.TrimRight(getEnv("BACKEND_BASE_URL", d.BackendBaseURL), "/"),
		WSChatPath:        getEnv("WS_CHAT_PATH", d.WSChatPath),
		HandshakeTimeout:  getEnvDuration("HANDSHAKE_TIMEOUT", d.HandshakeTimeout),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", d.HeartbeatInterval),
		SessionSkew:       getEnvDuration("SESSION_SKEW_BUFFER", d.SessionSkew),
		LogLevel:          parseLevel(getEnv("LOG_LEVEL", "info")),
		Poll: PollConfig{
			Interval:    getEnvDuration("POLL_INTERVAL", d.Poll.Interval),
			MaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", d.Poll.MaxAttempts),
		},
		Reconnect: ReconnectConfig{
			Base:        getEnvDuration("RECONNECT_BASE", d.Reconnect.Base),
			Max:         getEnvDuration("RECONNECT_MAX", d.Reconnect.Max),
			Jitter:      getEnvFloat("RECONNECT_JITTER", d.Reconnect.Jitter),
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", d.Reconnect.MaxAttempts),
		},
		Retry: RetryConfig{
			MaxAttempts:   getEnvInt("RETRY_MAX_ATTEMPTS", d.Retry.MaxAttempts),
			Base:          getEnvDuration("RETRY_BASE", d.Retry.Base),
			Max:           getEnvDuration("RETRY_MAX", d.Retry.Max),
			Jitter:        getEnvFloat("RETRY_JITTER", d.Retry.Jitter),
			ProbeInterval: getEnvDuration("OFFLINE_PROBE_INTERVAL", d.Retry.ProbeInterval),
		},
		Cache: CacheConfig{
			Driver:        strings.ToLower(getEnv("CACHE_DRIVER", d.Cache.Driver)),
			DSN:           getEnv("CACHE_DSN", ""),
			Retention:     getEnvDuration("CACHE_RETENTION", d.Cache.Retention),
			SweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", d.Cache.SweepInterval),
		},
		Mock: MockConfig{
			Port:       getEnv("MOCK_PORT", d.Mock.Port),
			SigningKey: getEnv("MOCK_SIGNING_KEY", d.Mock.SigningKey),
		},
	}

	if !getEnvBool("ALLOW_SHORT_HEARTBEAT", false) {
		if err := validateHeartbeat(cfg.HeartbeatInterval); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL must be an absolute URL, got %q", c.BackendBaseURL)
	}
	if !strings.HasPrefix(c.WSChatPath, "/") {
		return fmt.Errorf("WS_CHAT_PATH must start with /")
	}
	if c.HandshakeTimeout <= 0 || c.HandshakeTimeout > 10*time.Second {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be in (0, 10s]")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Poll.Interval <= 0 || c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_INTERVAL and POLL_MAX_ATTEMPTS must be > 0")
	}
	if c.Reconnect.Base <= 0 || c.Reconnect.Max < c.Reconnect.Base {
		return fmt.Errorf("RECONNECT_BASE must be > 0 and <= RECONNECT_MAX")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("RECONNECT_JITTER must be in [0, 1)")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.Retry.Base <= 0 || c.Retry.Max < c.Retry.Base {
		return fmt.Errorf("RETRY_BASE must be > 0 and <= RETRY_MAX")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1)")
	}
	if c.Retry.ProbeInterval <= 0 {
		return fmt.Errorf("OFFLINE_PROBE_INTERVAL must be > 0")
	}
	switch c.Cache.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("CACHE_DRIVER must be memory or sqlite, got %q", c.Cache.Driver)
	}
	if c.Cache.Retention <= 0 || c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("CACHE_RETENTION and CACHE_SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// WebSocketURL derives the ws(s):// URL of the chat socket from the HTTP origin.
func (c *Config) WebSocketURL() string {
	u, err := url.Parse(c.BackendBaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.WSChatPath
	return u.String()
}

func validateHeartbeat(h time.Duration) error {
	if h < 20*time.Second || h > 30*time.Second {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be between 20s and 30s, got %s", h)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
