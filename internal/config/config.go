package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Backend names accepted by the database, lease, and notify sections.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendStore    = "store"
	BackendRedis    = "redis"
	BackendAMQP     = "amqp"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Lease    LeaseConfig    `toml:"lease"`
	Sync     SyncConfig     `toml:"sync"`
	Notify   NotifyConfig   `toml:"notify"`
	Server   ServerConfig   `toml:"server"`
	Logging  LoggingConfig  `toml:"logging"`
}

type DatabaseConfig struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// LeaseConfig selects where the edit lease lives. "store" keeps it in the database backend.
type LeaseConfig struct {
	Backend   string `toml:"backend"`
	TTL       string `toml:"ttl"`
	RedisAddr string `toml:"redis_addr"`
}

type SyncConfig struct {
	AutosaveInterval string `toml:"autosave_interval"`
}

type NotifyConfig struct {
	Backend      string `toml:"backend"`
	Buffer       int    `toml:"buffer"`
	RedisAddr    string `toml:"redis_addr"`
	AMQPURL      string `toml:"amqp_url"`
	AMQPExchange string `toml:"amqp_exchange"`
}

type ServerConfig struct {
	HTTPBind        string `toml:"http_bind"`
	APIEndpoint     string `toml:"api_endpoint"`
	MCPEndpoint     string `toml:"mcp_endpoint"`
	MetricsEndpoint string `toml:"metrics_endpoint"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Backend: BackendSQLite,
			Path:    dbPath,
		},
		Lease: LeaseConfig{
			Backend: BackendStore,
			TTL:     "5m",
		},
		Sync: SyncConfig{
			AutosaveInterval: "30s",
		},
		Notify: NotifyConfig{
			Backend:      BackendMemory,
			Buffer:       64,
			AMQPExchange: "waypoint.changes",
		},
		Server: ServerConfig{
			HTTPBind:        "127.0.0.1:8080",
			APIEndpoint:     "/api/v1",
			MCPEndpoint:     "/mcp",
			MetricsEndpoint: "/metrics",
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".waypoint/log",
			},
		},
	}
}

// Load overlays the TOML file at path onto defaults. A missing or empty file yields defaults.
func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	decoder := toml.NewDecoder(bytes.NewReader(content))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Database.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return errors.New("database path is required")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Database.PostgresDSN) == "" {
			return errors.New("database.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid database.backend: %q", c.Database.Backend)
	}

	switch c.Lease.Backend {
	case BackendStore:
	case BackendRedis:
		if strings.TrimSpace(c.Lease.RedisAddr) == "" {
			return errors.New("lease.redis_addr is required for the redis lease backend")
		}
	default:
		return fmt.Errorf("invalid lease.backend: %q", c.Lease.Backend)
	}
	if _, err := c.LeaseTTL(); err != nil {
		return err
	}
	if _, err := c.AutosaveInterval(); err != nil {
		return err
	}

	switch c.Notify.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Notify.RedisAddr) == "" {
			return errors.New("notify.redis_addr is required for the redis notify backend")
		}
	case BackendAMQP:
		if strings.TrimSpace(c.Notify.AMQPURL) == "" {
			return errors.New("notify.amqp_url is required for the amqp notify backend")
		}
	default:
		return fmt.Errorf("invalid notify.backend: %q", c.Notify.Backend)
	}
	if c.Notify.Buffer < 0 {
		return errors.New("notify.buffer must be >= 0")
	}

	switch strings.TrimSpace(strings.ToLower(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if c.Logging.DevFile.Enabled && strings.TrimSpace(c.Logging.DevFile.Dir) == "" {
		return errors.New("logging.dev_file.dir is required when the dev file is enabled")
	}
	return nil
}

// LeaseTTL parses lease.ttl.
func (c Config) LeaseTTL() (time.Duration, error) {
	return positiveDuration("lease.ttl", c.Lease.TTL)
}

// AutosaveInterval parses sync.autosave_interval.
func (c Config) AutosaveInterval() (time.Duration, error) {
	return positiveDuration("sync.autosave_interval", c.Sync.AutosaveInterval)
}

// positiveDuration parses one duration string that must be greater than zero.
func positiveDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", field)
	}
	return d, nil
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
