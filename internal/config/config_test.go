package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crusterrors "github.com/felixgeelhaar/crust/internal/errors"
)

func valid() *Config {
	cfg := Default()
	cfg.Backend.URL = "https://pizza.example.co"
	cfg.Backend.AnonKey = "anon-key-for-tests"
	return cfg
}

func TestDefaultNeedsBackend(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.True(t, crusterrors.HasCode(err, crusterrors.ErrCodeConfigInvalid))
	assert.Contains(t, err.Error(), "backend.url is required")
	assert.Contains(t, err.Error(), "backend.anon_key is required")

	assert.NoError(t, valid().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad store", func(c *Config) { c.Session.Store = "cookie" }, "session.store must be one of [file redis memory]"},
		{"bad source", func(c *Config) { c.Profiles.Source = "graphql" }, "profiles.source must be one of"},
		{"bad url", func(c *Config) { c.Backend.URL = "not a url" }, "backend.url must be a URL"},
		{"postgres needs url", func(c *Config) { c.Profiles.Source = "postgres" }, "database.url is required"},
		{"redis needs addr", func(c *Config) { c.Session.Store = "redis"; c.Redis.Addr = "" }, "redis.addr is required"},
		{"file needs path", func(c *Config) { c.Session.ArtifactPath = "" }, "session.artifact_path is required"},
		{"telemetry needs endpoint", func(c *Config) { c.Telemetry.Enabled = true }, "telemetry.endpoint is required"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, "telemetry.sample_rate failed lte 1"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level must be one of"},
		{"redis ttl", func(c *Config) { c.Session.RedisTTL = -time.Second }, "session.redis_ttl failed gte 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  url: https://pizza.example.co
  anon_key: from-file
  timeout: 3s
session:
  store: redis
profiles:
  source: postgres
database:
  url: postgres://crust@localhost:5432/crust
`), 0o600))

	t.Setenv("CRUST_BACKEND_ANON_KEY", "from-env")
	t.Setenv("CRUST_REDIS_ADDR", "cache:6380")

	cfg, used, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)

	assert.Equal(t, "https://pizza.example.co", cfg.Backend.URL)
	assert.Equal(t, "from-env", cfg.Backend.AnonKey)
	assert.Equal(t, 3*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "redis", cfg.Session.Store)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, "profiles", cfg.Profiles.Table)
	assert.Equal(t, 7*24*time.Hour, cfg.Session.RedisTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, crusterrors.HasCode(err, crusterrors.ErrCodeConfigLoad))
}

func TestLoadWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, used, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "rest", cfg.Profiles.Source)
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := valid()
	cfg.Server.ShutdownTimeout = 45 * time.Second

	require.NoError(t, WriteFile(path, cfg, false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	err = WriteFile(path, cfg, false)
	assert.True(t, crusterrors.HasCode(err, crusterrors.ErrCodeConfigWrite))
	require.NoError(t, WriteFile(path, cfg, true))

	loaded, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Backend, loaded.Backend)
	assert.Equal(t, 45*time.Second, loaded.Server.ShutdownTimeout)
}

func TestRedacted(t *testing.T) {
	cfg := valid()
	cfg.Redis.Password = "hunter2"
	cfg.Database.URL = "postgres://crust:secret@db:5432/crust"

	r := cfg.Redacted()
	assert.Equal(t, "anon****", r.Backend.AnonKey)
	assert.Equal(t, "****", r.Redis.Password)
	assert.NotContains(t, r.Database.URL, "secret")
	assert.Equal(t, "anon-key-for-tests", cfg.Backend.AnonKey)
}

func TestSnake(t *testing.T) {
	for in, want := range map[string]string{
		"AnonKey":      "anon_key",
		"URL":          "url",
		"RedisTTL":     "redis_ttl",
		"ArtifactPath": "artifact_path",
		"Backend":      "backend",
	} {
		assert.Equal(t, want, snake(in))
	}
}
