/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults below
  2. sitebook.yaml in the working directory, or the file given by --config
  3. .env in the working directory (never overrides a variable already set)
  4. SITEBOOK_* environment variables, "." replaced by "_"
     e.g. SITEBOOK_STORE_DSN, SITEBOOK_LOCK_REDIS_ADDR

SEE ALSO:
  - cmd/server/main.go: builds stores, lockers and the HTTP server from Config
*/
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "SITEBOOK"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Lock drivers.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config holds the full application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Lock    LockConfig    `yaml:"lock" mapstructure:"lock"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// StoreConfig selects the database backend.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN      string        `yaml:"dsn" mapstructure:"dsn"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxConns int32         `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32         `yaml:"min_conns" mapstructure:"min_conns"`
}

// LockConfig selects how stock updates are serialized.
type LockConfig struct {
	Driver        string        `yaml:"driver" mapstructure:"driver"`
	RedisAddr     string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int           `yaml:"redis_db" mapstructure:"redis_db"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Wait          time.Duration `yaml:"wait" mapstructure:"wait"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitorConfig configures the background stock monitor.
type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// Load reads configuration from defaults, an optional file, .env and the
// environment. An empty path searches for sitebook.yaml in the working
// directory; a missing search result is not an error, a missing explicit
// path is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sitebook")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.addr", ":8001")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "sitebook.db")
	v.SetDefault("store.timeout", 10*time.Second)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("lock.driver", LockLocal)
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.wait", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", 5*time.Minute)
	v.SetDefault("metrics.enabled", true)

	// Read config file (optional unless named)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown drivers and settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return eris.New("config: store.dsn is required for postgres")
		}
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Lock.Driver {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return eris.New("config: lock.redis_addr is required for redis")
		}
	default:
		return eris.Errorf("config: unknown lock.driver %q", c.Lock.Driver)
	}
	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		return eris.New("config: monitor.interval must be positive")
	}
	return nil
}

// NewLogger builds a zap logger from cfg and installs it as the global
// logger. Format "console" selects the development encoder.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return logger, nil
}
