// Package config loads replica configuration. Ambient settings (logging,
// metrics, limits) come from the environment with .env convenience;
// cluster topology comes from the CLI flags wired up in cmd/replichat.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/replichat/internal/types"
)

// Config holds all server configuration.
type Config struct {
	// Cluster topology (CLI flags; defaults mirror the flag defaults)
	NumServers        int    `env:"CHAT_NUM_SERVERS" envDefault:"2"`
	StartServerPort   int    `env:"CHAT_START_SERVER_PORT" envDefault:"50000"`
	StartInternalPort int    `env:"CHAT_START_INTERNAL_PORT" envDefault:"60000"`
	Host              string `env:"CHAT_HOST" envDefault:"localhost"`
	OtherServers      string `env:"CHAT_INTERNAL_OTHER_SERVERS" envDefault:"localhost"`
	OtherPorts        string `env:"CHAT_INTERNAL_OTHER_PORTS" envDefault:"60000"`
	MaxPorts          string `env:"CHAT_INTERNAL_MAX_PORTS" envDefault:"10"`

	// Optional WebSocket gateway; 0 disables it.
	StartGatewayPort int `env:"CHAT_START_GATEWAY_PORT" envDefault:"0"`

	// Storage
	DatabaseDir string `env:"CHAT_DATABASE_DIR" envDefault:"database"`

	// Timing
	HeartbeatInterval time.Duration `env:"CHAT_HEARTBEAT_INTERVAL" envDefault:"1s"`
	MetricsInterval   time.Duration `env:"CHAT_METRICS_INTERVAL" envDefault:"15s"`

	// Client limits
	LiveQueueSize int     `env:"CHAT_LIVE_QUEUE_SIZE" envDefault:"64"`
	ConnRate      float64 `env:"CHAT_CONN_RATE" envDefault:"50.0"`
	ConnBurst     int     `env:"CHAT_CONN_BURST" envDefault:"100"`

	// Observability
	MetricsAddr string `env:"CHAT_METRICS_ADDR" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults. CLI flags are applied on top
// by the caller.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.NumServers < 1 {
		return fmt.Errorf("num_servers must be > 0, got %d", c.NumServers)
	}
	if c.StartServerPort < 1 || c.StartServerPort > 65535 {
		return fmt.Errorf("start_server_port out of range: %d", c.StartServerPort)
	}
	if c.StartInternalPort < 1 || c.StartInternalPort > 65535 {
		return fmt.Errorf("start_internal_port out of range: %d", c.StartInternalPort)
	}
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.LiveQueueSize < 1 {
		return fmt.Errorf("live queue size must be > 0, got %d", c.LiveQueueSize)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}

	hosts := c.PeerHosts()
	maxPorts, err := c.PeerMaxPorts()
	if err != nil {
		return err
	}
	if _, err := c.PeerStartPorts(); err != nil {
		return err
	}
	if len(maxPorts) != len(hosts) {
		return fmt.Errorf("internal_max_ports has %d entries for %d hosts", len(maxPorts), len(hosts))
	}
	if startPorts, _ := c.PeerStartPorts(); len(hosts) > 0 && len(startPorts) == 0 {
		return fmt.Errorf("internal_other_ports is required when peer hosts are configured")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// PeerHosts returns the configured peer host list.
func (c *Config) PeerHosts() []string {
	return splitList(c.OtherServers)
}

// PeerStartPorts returns the configured peer starting ports.
func (c *Config) PeerStartPorts() ([]int, error) {
	return splitInts(c.OtherPorts, "internal_other_ports")
}

// PeerMaxPorts returns the per-host candidate port counts.
func (c *Config) PeerMaxPorts() ([]int, error) {
	return splitInts(c.MaxPorts, "internal_max_ports")
}

// LoggerConfig maps the raw strings onto the typed logger settings.
func (c *Config) LoggerConfig() (types.LogLevel, types.LogFormat) {
	return types.LogLevel(c.LogLevel), types.LogFormat(c.LogFormat)
}

// LogConfig logs the effective configuration.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("num_servers", c.NumServers).
		Int("start_server_port", c.StartServerPort).
		Int("start_internal_port", c.StartInternalPort).
		Str("host", c.Host).
		Str("internal_other_servers", c.OtherServers).
		Str("internal_other_ports", c.OtherPorts).
		Str("internal_max_ports", c.MaxPorts).
		Int("start_gateway_port", c.StartGatewayPort).
		Str("database_dir", c.DatabaseDir).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func splitInts(s, name string) ([]int, error) {
	parts := splitList(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", name, p)
		}
		out = append(out, n)
	}
	return out, nil
}
