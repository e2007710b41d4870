// Package config provides configuration loading from environment variables and flags.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// Redis settings. An empty RedisURL disables the account store.
	RedisURL       string
	RedisKeyPrefix string
	RedisPoolSize  int
	RedisTimeout   time.Duration

	// API settings
	APIKey string

	// HTTP client settings
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Proxy               string

	// Upstream timeouts
	AuthTimeout    time.Duration
	SessionTimeout time.Duration
	ChatTimeout    time.Duration
	ImageTimeout   time.Duration
	VideoTimeout   time.Duration

	// Accounts
	TokenTTL          time.Duration
	DefaultCooldown   time.Duration
	AuthCooldown      time.Duration
	RateLimitCooldown time.Duration
	MaxRetries        int

	// Sessions
	SessionTTL time.Duration

	// Background jobs
	KeepaliveEnabled  bool
	KeepaliveInterval time.Duration

	// Media cache
	MediaDir      string
	ImageCacheTTL time.Duration
	VideoCacheTTL time.Duration

	// Logging
	LogLevel string
	LogJSON  bool

	// Debug dumps
	DebugDump bool
	ErrorDump bool
	DebugDir  string
}

// Load reads configuration from environment variables and command-line flags.
// Environment variables take precedence over defaults.
// Command-line flags take precedence over environment variables.
func Load() *Config {
	cfg := Default()

	// Load from environment
	cfg.loadFromEnv(os.Getenv)

	// Parse command-line flags (override env)
	cfg.parseFlags()

	return cfg
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:                5000,
		Host:                "0.0.0.0",
		GracefulTimeout:     30 * time.Second,
		RedisURL:            "redis://localhost:6379",
		RedisKeyPrefix:      "gateway:",
		RedisPoolSize:       20,
		RedisTimeout:        3 * time.Second,
		MaxConns:            100,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		AuthTimeout:         30 * time.Second,
		SessionTimeout:      60 * time.Second,
		ChatTimeout:         600 * time.Second,
		ImageTimeout:        120 * time.Second,
		VideoTimeout:        300 * time.Second,
		TokenTTL:            270 * time.Second,
		DefaultCooldown:     300 * time.Second,
		AuthCooldown:        900 * time.Second,
		RateLimitCooldown:   300 * time.Second,
		MaxRetries:          3,
		SessionTTL:          3600 * time.Second,
		KeepaliveEnabled:    true,
		KeepaliveInterval:   30 * time.Minute,
		MediaDir:            "data/media",
		ImageCacheTTL:       24 * time.Hour,
		VideoCacheTTL:       24 * time.Hour,
		LogLevel:            "info",
		LogJSON:             true,
		ErrorDump:           true,
	}
}

func (c *Config) loadFromEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := getenv("HOST"); v != "" {
		c.Host = v
	}
	if v, ok := lookup(getenv, "REDIS_URL"); ok {
		c.RedisURL = v
	}
	if v := getenv("REDIS_KEY_PREFIX"); v != "" {
		c.RedisKeyPrefix = v
	}
	setInt(getenv, "REDIS_POOL_SIZE", &c.RedisPoolSize)
	if v := getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := getenv("PROXY"); v != "" {
		c.Proxy = v
	}
	setInt(getenv, "MAX_CONNS", &c.MaxConns)

	setSeconds(getenv, "TIMEOUT_SECONDS", &c.ChatTimeout)
	setSeconds(getenv, "IMAGE_TIMEOUT_SECONDS", &c.ImageTimeout)
	setSeconds(getenv, "VIDEO_TIMEOUT_SECONDS", &c.VideoTimeout)
	setSeconds(getenv, "JWT_TTL_SECONDS", &c.TokenTTL)
	setSeconds(getenv, "ACCOUNT_COOLDOWN_SECONDS", &c.DefaultCooldown)
	setSeconds(getenv, "AUTH_ERROR_COOLDOWN_SECONDS", &c.AuthCooldown)
	setSeconds(getenv, "RATE_LIMIT_COOLDOWN_SECONDS", &c.RateLimitCooldown)
	setSeconds(getenv, "SESSION_TTL_SECONDS", &c.SessionTTL)
	setInt(getenv, "MAX_RETRIES", &c.MaxRetries)

	setBool(getenv, "KEEPALIVE_ENABLED", &c.KeepaliveEnabled)
	if v := getenv("KEEPALIVE_INTERVAL_MINUTES"); v != "" {
		if m, err := strconv.Atoi(v); err == nil && m > 0 {
			c.KeepaliveInterval = time.Duration(m) * time.Minute
		}
	}

	if v := getenv("MEDIA_DIR"); v != "" {
		c.MediaDir = v
	}
	setHours(getenv, "IMAGE_CACHE_HOURS", &c.ImageCacheTTL)
	setHours(getenv, "VIDEO_CACHE_HOURS", &c.VideoCacheTTL)

	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	setBool(getenv, "LOG_JSON", &c.LogJSON)
	if v := getenv("GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GracefulTimeout = d
		}
	}

	setBool(getenv, "GATEWAY_DEBUG_DUMP", &c.DebugDump)
	setBool(getenv, "GATEWAY_ERROR_DUMP", &c.ErrorDump)
	if v := getenv("GATEWAY_DEBUG_DIR"); v != "" {
		c.DebugDir = v
	}
}

// lookup treats the literal value "none" as an explicit empty setting.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	if v == "" {
		return "", false
	}
	if strings.EqualFold(v, "none") {
		return "", true
	}
	return v, true
}

func setInt(getenv func(string) string, key string, dst *int) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setSeconds(getenv func(string) string, key string, dst *time.Duration) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func setHours(getenv func(string) string, key string, dst *time.Duration) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Hour
		}
	}
}

func setBool(getenv func(string) string, key string, dst *bool) {
	if v := getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse flags once to avoid "flag redefined" panic in tests
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL (empty disables the account store)")
	flag.StringVar(&c.RedisKeyPrefix, "redis-prefix", c.RedisKeyPrefix, "Redis key prefix")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "API key for authentication")
	flag.StringVar(&c.Proxy, "proxy", c.Proxy, "Outbound proxy URL")
	flag.StringVar(&c.MediaDir, "media-dir", c.MediaDir, "Directory for generated media")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
}
