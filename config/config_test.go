package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// inTempDir runs the test from an empty directory so no sitebook.yaml or
// .env from the repo is picked up.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8001", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "sitebook.db", cfg.Store.DSN)
	assert.Equal(t, 10*time.Second, cfg.Store.Timeout)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, LockLocal, cfg.Lock.Driver)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Interval)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadFromYAML(t *testing.T) {
	dir := inTempDir(t)

	yaml := `
server:
  addr: ":9000"
  request_timeout: 5s
store:
  driver: postgres
  dsn: postgres://localhost/sitebook
  max_conns: 4
lock:
  driver: redis
  redis_addr: redis:6379
log:
  level: debug
  format: console
monitor:
  enabled: false
`
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/sitebook", cfg.Store.DSN)
	assert.Equal(t, int32(4), cfg.Store.MaxConns)
	assert.Equal(t, LockRedis, cfg.Lock.Driver)
	assert.Equal(t, "redis:6379", cfg.Lock.RedisAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Monitor.Enabled)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	dir := inTempDir(t)
	_, err := Load(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	// GIVEN: A YAML file choosing sqlite and env vars choosing memory
	// WHEN: Loading
	// THEN: The environment wins
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sitebook.yaml"),
		[]byte("store:\n  driver: sqlite\n"), 0o644))

	t.Setenv("SITEBOOK_STORE_DRIVER", "memory")
	t.Setenv("SITEBOOK_SERVER_ALLOWED_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("SITEBOOK_MONITOR_INTERVAL", "1m")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, time.Minute, cfg.Monitor.Interval)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("SITEBOOK_LOG_LEVEL=warn\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("SITEBOOK_LOG_LEVEL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Store:   StoreConfig{Driver: DriverSQLite},
			Lock:    LockConfig{Driver: LockLocal},
			Monitor: MonitorConfig{Enabled: true, Interval: time.Minute},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown store", func(c *Config) { c.Store.Driver = "mysql" }, "unknown store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.dsn"},
		{"unknown lock", func(c *Config) { c.Lock.Driver = "etcd" }, "unknown lock.driver"},
		{"redis without addr", func(c *Config) { c.Lock.Driver = LockRedis }, "lock.redis_addr"},
		{"zero interval", func(c *Config) { c.Monitor.Interval = 0 }, "monitor.interval"},
		{"disabled monitor ignores interval", func(c *Config) {
			c.Monitor = MonitorConfig{}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	logger, err := NewLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
	assert.Same(t, logger, zap.L())

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
