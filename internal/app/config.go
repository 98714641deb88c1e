package app

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the TOML configuration file at the project root.
type Config struct {
	API           APIConfig           `toml:"api"`
	Server        ServerConfig        `toml:"server"`
	Observability ObservabilityConfig `toml:"observability"`
}

// APIConfig describes how clients reach the service.
type APIConfig struct {
	Domain string `toml:"domain"`
	Secure bool   `toml:"secure"`
	Local  bool   `toml:"local"`
}

type ServerConfig struct {
	API      ListenConfig   `toml:"api"`
	Postgres PostgresConfig `toml:"postgres"`
}

// ListenConfig carries the [server.api] settings. Durations are whole
// seconds in the file.
type ListenConfig struct {
	Host  string `toml:"host"`
	Port  int    `toml:"port"`
	Proxy bool   `toml:"proxy"`

	AccessTime       int `toml:"access_time"`
	RefreshTime      int `toml:"refresh_time"`
	MaxTokensPerUser int `toml:"max_tokens_per_user"`
	TaskInterval     int `toml:"task_interval"`

	WSHeartbeat       int `toml:"ws_heartbeat"`
	WSMaxMessageSize  int `toml:"ws_max_message_size"` // KiB
	WSMessageLimit    int `toml:"ws_message_limit"`
	WSMessageInterval int `toml:"ws_message_interval"`

	ResourceGrace int `toml:"resource_grace"`
}

type PostgresConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Database    string `toml:"database"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
	MinPoolSize int    `toml:"min_pool_size"`
	MaxPoolSize int    `toml:"max_pool_size"`
}

type ObservabilityConfig struct {
	LogLevel     string `toml:"log_level"`
	OTelEnabled  bool   `toml:"otel_enabled"`
	OTelEndpoint string `toml:"otel_endpoint"`
}

// LoadConfig reads and validates the TOML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		API: APIConfig{Domain: "localhost", Local: true},
		Server: ServerConfig{
			API: ListenConfig{
				Host:              "127.0.0.1",
				Port:              8080,
				AccessTime:        900,
				RefreshTime:       86400,
				MaxTokensPerUser:  10,
				TaskInterval:      60,
				WSHeartbeat:       30,
				WSMaxMessageSize:  64,
				WSMessageLimit:    30,
				WSMessageInterval: 60,
				ResourceGrace:     300,
			},
			Postgres: PostgresConfig{
				Host:        "127.0.0.1",
				Port:        5432,
				MinPoolSize: 1,
				MaxPoolSize: 4,
			},
		},
		Observability: ObservabilityConfig{LogLevel: "info"},
	}
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	api := c.Server.API
	if api.Port <= 0 || api.Port > 65535 {
		return fmt.Errorf("server.api.port must be 1-65535, got %d", api.Port)
	}
	if api.AccessTime <= 0 {
		return fmt.Errorf("server.api.access_time must be > 0, got %d", api.AccessTime)
	}
	if api.RefreshTime < api.AccessTime {
		return fmt.Errorf("server.api.refresh_time must be >= access_time, got %d", api.RefreshTime)
	}
	if api.MaxTokensPerUser <= 0 {
		return fmt.Errorf("server.api.max_tokens_per_user must be > 0, got %d", api.MaxTokensPerUser)
	}
	if api.TaskInterval <= 0 {
		return fmt.Errorf("server.api.task_interval must be > 0, got %d", api.TaskInterval)
	}
	if api.WSHeartbeat <= 0 {
		return fmt.Errorf("server.api.ws_heartbeat must be > 0, got %d", api.WSHeartbeat)
	}
	if api.WSMaxMessageSize <= 0 {
		return fmt.Errorf("server.api.ws_max_message_size must be > 0, got %d", api.WSMaxMessageSize)
	}
	if api.WSMessageLimit <= 0 || api.WSMessageInterval <= 0 {
		return fmt.Errorf("server.api ws_message_limit and ws_message_interval must be > 0")
	}
	if api.ResourceGrace <= 0 {
		return fmt.Errorf("server.api.resource_grace must be > 0, got %d", api.ResourceGrace)
	}

	pg := c.Server.Postgres
	if pg.Database == "" || pg.User == "" {
		return fmt.Errorf("server.postgres.database and user are required")
	}
	if pg.MinPoolSize <= 0 || pg.MaxPoolSize < pg.MinPoolSize {
		return fmt.Errorf("server.postgres pool sizes invalid: min %d, max %d", pg.MinPoolSize, pg.MaxPoolSize)
	}

	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level must be debug/info/warn/error, got %q", c.Observability.LogLevel)
	}
	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("observability.otel_endpoint is required when otel_enabled")
	}
	return nil
}

// AccessTTL returns the access key lifetime.
func (l ListenConfig) AccessTTL() time.Duration { return time.Duration(l.AccessTime) * time.Second }

// RefreshTTL returns the refresh key lifetime.
func (l ListenConfig) RefreshTTL() time.Duration { return time.Duration(l.RefreshTime) * time.Second }

// SweepInterval returns the background task tick.
func (l ListenConfig) SweepInterval() time.Duration {
	return time.Duration(l.TaskInterval) * time.Second
}

// Grace returns the idle eviction grace period.
func (l ListenConfig) Grace() time.Duration { return time.Duration(l.ResourceGrace) * time.Second }

// Addr returns the listen address.
func (l ListenConfig) Addr() string { return fmt.Sprintf("%s:%d", l.Host, l.Port) }
