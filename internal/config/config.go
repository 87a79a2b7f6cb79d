// Package config holds runtime settings for every subsystem, loaded from
// defaults, environment variables, or a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Broker drivers accepted by Validate.
const (
	BrokerDriverMemory = "memory"
	BrokerDriverRedis  = "redis"
)

type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Broker    *BrokerConfig    `json:"broker"`
	Queue     *QueueConfig     `json:"queue"`
	Breaker   *BreakerConfig   `json:"breaker"`
	Database  *DatabaseConfig  `json:"database"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	StaleTimeout time.Duration `json:"stale_timeout"`
	SweepEvery   time.Duration `json:"sweep_every"`
}

type BrokerConfig struct {
	Driver         string        `json:"driver"`
	RedisAddr      string        `json:"redis_addr"`
	RedisPassword  string        `json:"redis_password"`
	RedisDB        int           `json:"redis_db"`
	PollTimeout    time.Duration `json:"poll_timeout"`
	ReconnectDelay time.Duration `json:"reconnect_delay"`
}

type QueueConfig struct {
	Capacity           int           `json:"capacity"`
	MaxRetryAttempts   int           `json:"max_retry_attempts"`
	RetryBaseDelay     time.Duration `json:"retry_base_delay"`
	RetryBackoffFactor float64       `json:"retry_backoff_factor"`
	BatchSize          int           `json:"batch_size"`
	BatchPause         time.Duration `json:"batch_pause"`
	RetentionWindow    time.Duration `json:"retention_window"`
	SyncEvery          time.Duration `json:"sync_every"`
}

type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

// DefaultConfig matches a single-classroom deployment on one host.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Second,
			StaleTimeout: 2 * time.Minute,
			SweepEvery:   time.Minute,
		},
		Broker: &BrokerConfig{
			Driver:         BrokerDriverMemory,
			RedisAddr:      "localhost:6379",
			PollTimeout:    time.Second,
			ReconnectDelay: time.Second,
		},
		Queue: &QueueConfig{
			Capacity:           1000,
			MaxRetryAttempts:   5,
			RetryBaseDelay:     time.Second,
			RetryBackoffFactor: 2.0,
			BatchSize:          10,
			BatchPause:         50 * time.Millisecond,
			RetentionWindow:    time.Hour,
			SyncEvery:          15 * time.Second,
		},
		Breaker: &BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Database: &DatabaseConfig{
			Path: "./classwatch.db",
		},
	}
}

func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.StaleTimeout <= 0 || c.WebSocket.SweepEvery <= 0 {
		return fmt.Errorf("WebSocket sweep settings must be positive")
	}

	if c.Broker == nil {
		return fmt.Errorf("broker configuration is required")
	}
	switch c.Broker.Driver {
	case BrokerDriverMemory:
	case BrokerDriverRedis:
		if c.Broker.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis broker")
		}
	default:
		return fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
	}

	if c.Queue == nil {
		return fmt.Errorf("queue configuration is required")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.Queue.MaxRetryAttempts <= 0 {
		return fmt.Errorf("queue retry attempts must be positive")
	}
	if c.Queue.RetryBackoffFactor < 1 {
		return fmt.Errorf("queue backoff factor must be at least 1")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue batch size must be positive")
	}
	if c.Queue.BatchPause < 0 {
		return fmt.Errorf("queue batch pause cannot be negative")
	}
	if c.Queue.RetentionWindow <= 0 {
		return fmt.Errorf("queue retention window must be positive")
	}

	if c.Breaker == nil {
		return fmt.Errorf("breaker configuration is required")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker recovery timeout must be positive")
	}

	if c.Database == nil || c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	return nil
}

// LoadFromEnv applies CLASSWATCH_* environment overrides on top of the
// defaults. Unparseable values are ignored and the default kept.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envString("CLASSWATCH_HTTP_HOST", &config.HTTP.Host)
	envInt("CLASSWATCH_HTTP_PORT", &config.HTTP.Port)
	envDuration("CLASSWATCH_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("CLASSWATCH_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envDuration("CLASSWATCH_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("CLASSWATCH_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("CLASSWATCH_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envDuration("CLASSWATCH_WEBSOCKET_STALE_TIMEOUT", &config.WebSocket.StaleTimeout)
	envDuration("CLASSWATCH_WEBSOCKET_SWEEP_EVERY", &config.WebSocket.SweepEvery)

	envString("CLASSWATCH_BROKER_DRIVER", &config.Broker.Driver)
	envString("CLASSWATCH_BROKER_REDIS_ADDR", &config.Broker.RedisAddr)
	envString("CLASSWATCH_BROKER_REDIS_PASSWORD", &config.Broker.RedisPassword)
	envInt("CLASSWATCH_BROKER_REDIS_DB", &config.Broker.RedisDB)
	envDuration("CLASSWATCH_BROKER_POLL_TIMEOUT", &config.Broker.PollTimeout)
	envDuration("CLASSWATCH_BROKER_RECONNECT_DELAY", &config.Broker.ReconnectDelay)

	envInt("CLASSWATCH_QUEUE_CAPACITY", &config.Queue.Capacity)
	envInt("CLASSWATCH_QUEUE_MAX_RETRY_ATTEMPTS", &config.Queue.MaxRetryAttempts)
	envDuration("CLASSWATCH_QUEUE_RETRY_BASE_DELAY", &config.Queue.RetryBaseDelay)
	envFloat("CLASSWATCH_QUEUE_RETRY_BACKOFF_FACTOR", &config.Queue.RetryBackoffFactor)
	envInt("CLASSWATCH_QUEUE_BATCH_SIZE", &config.Queue.BatchSize)
	envDuration("CLASSWATCH_QUEUE_BATCH_PAUSE", &config.Queue.BatchPause)
	envDuration("CLASSWATCH_QUEUE_RETENTION_WINDOW", &config.Queue.RetentionWindow)
	envDuration("CLASSWATCH_QUEUE_SYNC_EVERY", &config.Queue.SyncEvery)

	envInt("CLASSWATCH_BREAKER_FAILURE_THRESHOLD", &config.Breaker.FailureThreshold)
	envDuration("CLASSWATCH_BREAKER_RECOVERY_TIMEOUT", &config.Breaker.RecoveryTimeout)

	envString("CLASSWATCH_DATABASE_PATH", &config.Database.Path)

	return config
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// fileConfig mirrors Config with string durations, so files can spell
// timeouts as "30s" instead of nanosecond counts.
type fileConfig struct {
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		StaleTimeout string `json:"stale_timeout"`
		SweepEvery   string `json:"sweep_every"`
	} `json:"websocket"`
	Broker *struct {
		Driver         string `json:"driver"`
		RedisAddr      string `json:"redis_addr"`
		RedisPassword  string `json:"redis_password"`
		RedisDB        int    `json:"redis_db"`
		PollTimeout    string `json:"poll_timeout"`
		ReconnectDelay string `json:"reconnect_delay"`
	} `json:"broker"`
	Queue *struct {
		Capacity           int     `json:"capacity"`
		MaxRetryAttempts   int     `json:"max_retry_attempts"`
		RetryBaseDelay     string  `json:"retry_base_delay"`
		RetryBackoffFactor float64 `json:"retry_backoff_factor"`
		BatchSize          int     `json:"batch_size"`
		BatchPause         string  `json:"batch_pause"`
		RetentionWindow    string  `json:"retention_window"`
		SyncEvery          string  `json:"sync_every"`
	} `json:"queue"`
	Breaker *struct {
		FailureThreshold int    `json:"failure_threshold"`
		RecoveryTimeout  string `json:"recovery_timeout"`
	} `json:"breaker"`
	Database *struct {
		Path string `json:"path"`
	} `json:"database"`
}

// LoadFromFile reads a JSON config, applies it over the defaults, and
// validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file fileConfig
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := DefaultConfig()

	if file.HTTP != nil {
		setString(file.HTTP.Host, &config.HTTP.Host)
		setInt(file.HTTP.Port, &config.HTTP.Port)
		setDuration(file.HTTP.ReadTimeout, &config.HTTP.ReadTimeout)
		setDuration(file.HTTP.WriteTimeout, &config.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		setDuration(file.WebSocket.PingInterval, &config.WebSocket.PingInterval)
		setDuration(file.WebSocket.ReadTimeout, &config.WebSocket.ReadTimeout)
		setDuration(file.WebSocket.WriteTimeout, &config.WebSocket.WriteTimeout)
		setDuration(file.WebSocket.StaleTimeout, &config.WebSocket.StaleTimeout)
		setDuration(file.WebSocket.SweepEvery, &config.WebSocket.SweepEvery)
	}
	if file.Broker != nil {
		setString(file.Broker.Driver, &config.Broker.Driver)
		setString(file.Broker.RedisAddr, &config.Broker.RedisAddr)
		setString(file.Broker.RedisPassword, &config.Broker.RedisPassword)
		if file.Broker.RedisDB > 0 {
			config.Broker.RedisDB = file.Broker.RedisDB
		}
		setDuration(file.Broker.PollTimeout, &config.Broker.PollTimeout)
		setDuration(file.Broker.ReconnectDelay, &config.Broker.ReconnectDelay)
	}
	if file.Queue != nil {
		setInt(file.Queue.Capacity, &config.Queue.Capacity)
		setInt(file.Queue.MaxRetryAttempts, &config.Queue.MaxRetryAttempts)
		setDuration(file.Queue.RetryBaseDelay, &config.Queue.RetryBaseDelay)
		setFloat(file.Queue.RetryBackoffFactor, &config.Queue.RetryBackoffFactor)
		setInt(file.Queue.BatchSize, &config.Queue.BatchSize)
		setDuration(file.Queue.BatchPause, &config.Queue.BatchPause)
		setDuration(file.Queue.RetentionWindow, &config.Queue.RetentionWindow)
		setDuration(file.Queue.SyncEvery, &config.Queue.SyncEvery)
	}
	if file.Breaker != nil {
		setInt(file.Breaker.FailureThreshold, &config.Breaker.FailureThreshold)
		setDuration(file.Breaker.RecoveryTimeout, &config.Breaker.RecoveryTimeout)
	}
	if file.Database != nil {
		setString(file.Database.Path, &config.Database.Path)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func setString(v string, dst *string) {
	if v != "" {
		*dst = v
	}
}

func setInt(v int, dst *int) {
	if v > 0 {
		*dst = v
	}
}

func setFloat(v float64, dst *float64) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(v string, dst *time.Duration) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

// Load resolves configuration with precedence file > environment > defaults.
// A missing or broken file falls back to the environment result.
func Load(path string) *Config {
	config := LoadFromEnv()

	if path != "" {
		if fileConfig, err := LoadFromFile(path); err == nil {
			config = fileConfig
		}
	}

	return config
}
