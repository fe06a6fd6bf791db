// Package config loads server configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

// AuthConfig holds token validation configuration
type AuthConfig struct {
	Required  bool   `yaml:"required" env:"AUTH_REQUIRED"`
	JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
}

// RedisConfig holds the optional Redis backend for connection rate limiting.
// An empty Addr disables Redis and the limiter falls back to in-memory state.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// WebSocketConfig holds collaboration subsystem tunables
type WebSocketConfig struct {
	AllowedOrigins       []string      `yaml:"allowed_origins" env:"WS_ALLOWED_ORIGINS"`
	MaxMessageBytes      int64         `yaml:"max_message_bytes" env:"WS_MAX_MESSAGE_BYTES"`
	MessageRateLimit     int           `yaml:"message_rate_limit" env:"WS_MESSAGE_RATE_LIMIT"`
	MessageRateWindow    time.Duration `yaml:"message_rate_window" env:"WS_MESSAGE_RATE_WINDOW"`
	ConnectionRateLimit  int           `yaml:"connection_rate_limit" env:"WS_CONNECTION_RATE_LIMIT"`
	ConnectionRateWindow time.Duration `yaml:"connection_rate_window" env:"WS_CONNECTION_RATE_WINDOW"`
	MaxSessionsPerRoom   int           `yaml:"max_sessions_per_room" env:"WS_MAX_SESSIONS_PER_ROOM"`
	SessionIdleTimeout   time.Duration `yaml:"session_idle_timeout" env:"WS_SESSION_IDLE_TIMEOUT"`
	RoomIdleTimeout      time.Duration `yaml:"room_idle_timeout" env:"WS_ROOM_IDLE_TIMEOUT"`
	RoomMaxAge           time.Duration `yaml:"room_max_age" env:"WS_ROOM_MAX_AGE"`
	SweepInterval        time.Duration `yaml:"sweep_interval" env:"WS_SWEEP_INTERVAL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOG_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOG_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOG_ALSO_CONSOLE"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Auth: AuthConfig{
			Required: false,
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:       []string{"*"},
			MaxMessageBytes:      64 * 1024,
			MessageRateLimit:     120,
			MessageRateWindow:    10 * time.Second,
			ConnectionRateLimit:  20,
			ConnectionRateWindow: time.Minute,
			MaxSessionsPerRoom:   32,
			SessionIdleTimeout:   5 * time.Minute,
			RoomIdleTimeout:      30 * time.Minute,
			RoomMaxAge:           12 * time.Hour,
			SweepInterval:        30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:            "info",
			LogDir:           "logs",
			AlsoLogToConsole: true,
		},
	}
}

// Load reads configuration from the given YAML file (if path is non-empty and
// the file exists) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration values from the environment
func (c *Config) applyEnv() {
	envString(&c.Server.Port, "SERVER_PORT")
	envString(&c.Server.Interface, "SERVER_INTERFACE")
	envDuration(&c.Server.ReadTimeout, "SERVER_READ_TIMEOUT")
	envDuration(&c.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT")
	envDuration(&c.Server.IdleTimeout, "SERVER_IDLE_TIMEOUT")

	envBool(&c.Auth.Required, "AUTH_REQUIRED")
	envString(&c.Auth.JWTSecret, "AUTH_JWT_SECRET")

	envString(&c.Redis.Addr, "REDIS_ADDR")
	envString(&c.Redis.Password, "REDIS_PASSWORD")
	envInt(&c.Redis.DB, "REDIS_DB")

	if v := os.Getenv("WS_ALLOWED_ORIGINS"); v != "" {
		c.WebSocket.AllowedOrigins = strings.Split(v, ",")
	}
	envInt64(&c.WebSocket.MaxMessageBytes, "WS_MAX_MESSAGE_BYTES")
	envInt(&c.WebSocket.MessageRateLimit, "WS_MESSAGE_RATE_LIMIT")
	envDuration(&c.WebSocket.MessageRateWindow, "WS_MESSAGE_RATE_WINDOW")
	envInt(&c.WebSocket.ConnectionRateLimit, "WS_CONNECTION_RATE_LIMIT")
	envDuration(&c.WebSocket.ConnectionRateWindow, "WS_CONNECTION_RATE_WINDOW")
	envInt(&c.WebSocket.MaxSessionsPerRoom, "WS_MAX_SESSIONS_PER_ROOM")
	envDuration(&c.WebSocket.SessionIdleTimeout, "WS_SESSION_IDLE_TIMEOUT")
	envDuration(&c.WebSocket.RoomIdleTimeout, "WS_ROOM_IDLE_TIMEOUT")
	envDuration(&c.WebSocket.RoomMaxAge, "WS_ROOM_MAX_AGE")
	envDuration(&c.WebSocket.SweepInterval, "WS_SWEEP_INTERVAL")

	envString(&c.Logging.Level, "LOG_LEVEL")
	envBool(&c.Logging.IsDev, "LOG_IS_DEV")
	envString(&c.Logging.LogDir, "LOG_DIR")
	envInt(&c.Logging.MaxAgeDays, "LOG_MAX_AGE_DAYS")
	envInt(&c.Logging.MaxSizeMB, "LOG_MAX_SIZE_MB")
	envInt(&c.Logging.MaxBackups, "LOG_MAX_BACKUPS")
	envBool(&c.Logging.AlsoLogToConsole, "LOG_ALSO_CONSOLE")
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.required is set but auth.jwt_secret is empty")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("websocket.max_message_bytes must be positive")
	}
	if c.WebSocket.MessageRateLimit <= 0 || c.WebSocket.MessageRateWindow <= 0 {
		return fmt.Errorf("websocket message rate limit and window must be positive")
	}
	if c.WebSocket.ConnectionRateLimit <= 0 || c.WebSocket.ConnectionRateWindow <= 0 {
		return fmt.Errorf("websocket connection rate limit and window must be positive")
	}
	if c.WebSocket.MaxSessionsPerRoom <= 0 {
		return fmt.Errorf("websocket.max_sessions_per_room must be positive")
	}
	if c.WebSocket.SweepInterval <= 0 {
		return fmt.Errorf("websocket.sweep_interval must be positive")
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
