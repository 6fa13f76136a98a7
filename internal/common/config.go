package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Platform    PlatformConfig  `toml:"platform"`
	Stream      StreamConfig    `toml:"stream"`
	Session     SessionConfig   `toml:"session"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

// ServerConfig configures the local dashboard HTTP server
type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// PlatformConfig configures access to the remote backtest platform
type PlatformConfig struct {
	BaseURL        string `toml:"base_url" validate:"required,url"` // REST base URL, e.g. "http://localhost:9000"
	APIKey         string `toml:"api_key"`                          // Optional bearer token for platform requests
	RequestTimeout string `toml:"request_timeout"`                  // e.g. "30s" - timeout for submit/list/delete calls
}

// StreamConfig configures the persistent event-stream connection
type StreamConfig struct {
	URL          string `toml:"url" validate:"required"`       // WebSocket endpoint, e.g. "ws://localhost:9000/stream"
	MaxRetries   int    `toml:"max_retries" validate:"gte=0"`  // Reconnect attempts before settling disconnected
	RetryDelay   string `toml:"retry_delay"`                   // Fixed linear delay between attempts, e.g. "3s"
	PingInterval string `toml:"ping_interval"`                 // Keepalive ping interval, e.g. "30s"
	WriteTimeout string `toml:"write_timeout"`                 // Deadline for control/subscription writes
}

// SessionConfig configures the session-scoped job tracking core
type SessionConfig struct {
	OwnerID           string `toml:"owner_id"`           // Subscription owner; usually supplied at login, not in config
	SubmissionTimeout string `toml:"submission_timeout"` // Warn if a submitted job never emits a started event, e.g. "30s"
	RefreshSchedule   string `toml:"refresh_schedule"`   // Cron expression for periodic registry reseed from the job list API
}

// LoggingConfig configures arbor log output
type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// WebSocketConfig configures the local dashboard fanout socket
type WebSocketConfig struct {
	// Whitelist of event types to broadcast to browser clients. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"job_progress": "500ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig creates a configuration with default values.
// Only user-facing settings should be exposed in vigil.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Platform: PlatformConfig{
			BaseURL:        "http://localhost:9000",
			RequestTimeout: "30s",
		},
		Stream: StreamConfig{
			URL:          "ws://localhost:9000/stream",
			MaxRetries:   5,    // Fixed retry budget; a new session start is required once exhausted
			RetryDelay:   "3s", // Fixed linear delay - not computed, not exponential
			PingInterval: "30s",
			WriteTimeout: "10s",
		},
		Session: SessionConfig{
			SubmissionTimeout: "30s",
			RefreshSchedule:   "@every 5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			AllowedEvents: []string{},
			ThrottleIntervals: map[string]string{
				"job_progress": "500ms", // Max 2 progress broadcasts per second per dashboard socket
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies VIGIL_* environment variables over file config
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("VIGIL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("VIGIL_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("VIGIL_PLATFORM_URL"); v != "" {
		config.Platform.BaseURL = v
	}
	if v := os.Getenv("VIGIL_PLATFORM_API_KEY"); v != "" {
		config.Platform.APIKey = v
	}
	if v := os.Getenv("VIGIL_STREAM_URL"); v != "" {
		config.Stream.URL = v
	}
	if v := os.Getenv("VIGIL_OWNER_ID"); v != "" {
		config.Session.OwnerID = v
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host, ownerID string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if ownerID != "" {
		config.Session.OwnerID = ownerID
	}
}

// Validate checks the configuration using go-playground/validator tags
// plus duration-string parsing for the fields that carry them.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"platform.request_timeout":   c.Platform.RequestTimeout,
		"stream.retry_delay":         c.Stream.RetryDelay,
		"stream.ping_interval":       c.Stream.PingInterval,
		"stream.write_timeout":       c.Stream.WriteTimeout,
		"session.submission_timeout": c.Session.SubmissionTimeout,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s %q is not a duration: %w", field, value, err)
		}
	}

	return nil
}

// ParseDuration parses a duration string from config, falling back to a default
// when the value is empty or malformed.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
