// Package config loads relay settings from environment variables with
// defaults and validation.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the relay server.
type Config struct {
	// Server
	Addr            string        // RELAY_ADDR, e.g. ":8080"
	ShutdownTimeout time.Duration // SHUTDOWN_TIMEOUT

	Socket SocketConfig

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // console output instead of JSON

	// Rate limiting, per connection
	RateRPS   float64 // tokens per second, 0 disables
	RateBurst int     // bucket size (>= 1)

	// Multi-instance
	RedisEnabled bool // REDIS_ENABLED; connection settings come from bridge.RedisConfigFromEnv
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	def := DefaultConfig()
	cfg := Config{
		Addr:            getenv("RELAY_ADDR", ":8080"),
		ShutdownTimeout: getdur("SHUTDOWN_TIMEOUT", 15*time.Second),

		Socket: SocketConfig{
			PingInterval:    getdur("PING_INTERVAL", def.PingInterval),
			PongWait:        getdur("PONG_WAIT", def.PongWait),
			WriteTimeout:    getdur("WRITE_TIMEOUT", def.WriteTimeout),
			SendBuffer:      getint("SEND_BUFFER", def.SendBuffer),
			ReadBufferSize:  getint("READ_BUFFER_SIZE", def.ReadBufferSize),
			WriteBufferSize: getint("WRITE_BUFFER_SIZE", def.WriteBufferSize),
			MaxMessageBytes: int64(getint("MAX_MESSAGE_BYTES", int(def.MaxMessageBytes))),
		},

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		RateRPS:   getfloat("RATE_RPS", 10),
		RateBurst: getint("RATE_BURST", 20),

		RedisEnabled: getbool("REDIS_ENABLED", false),
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.Addr != "" && !strings.Contains(cfg.Addr, ":") {
		cfg.Addr = ":" + cfg.Addr
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return cfg, errors.New("RELAY_ADDR must not be empty")
	}
	s := cfg.Socket
	if s.PingInterval <= 0 || s.PongWait <= 0 || s.WriteTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if s.PongWait <= s.PingInterval {
		return cfg, errors.New("PONG_WAIT must be greater than PING_INTERVAL")
	}
	if s.SendBuffer < 1 {
		return cfg, errors.New("SEND_BUFFER must be >= 1")
	}
	if s.ReadBufferSize <= 0 || s.WriteBufferSize <= 0 {
		return cfg, errors.New("READ_BUFFER_SIZE and WRITE_BUFFER_SIZE must be > 0")
	}
	if s.MaxMessageBytes <= 0 {
		return cfg, errors.New("MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
