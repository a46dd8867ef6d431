// Package config loads crust configuration from config.yaml and CRUST_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	crusterrors "github.com/felixgeelhaar/crust/internal/errors"
)

// EnvPrefix is the prefix for environment overrides, e.g. CRUST_BACKEND_URL.
const EnvPrefix = "CRUST"

// Config holds all configuration for crust.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Profiles  ProfilesConfig  `mapstructure:"profiles" yaml:"profiles"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// BackendConfig points at the hosted backend project.
type BackendConfig struct {
	URL     string        `mapstructure:"url" yaml:"url" validate:"required,url"`
	AnonKey string        `mapstructure:"anon_key" yaml:"anon_key" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// SessionConfig selects where the session artifact is persisted.
type SessionConfig struct {
	Store        string        `mapstructure:"store" yaml:"store" validate:"oneof=file redis memory"`
	ArtifactPath string        `mapstructure:"artifact_path" yaml:"artifact_path"`
	RedisKey     string        `mapstructure:"redis_key" yaml:"redis_key"`
	RedisTTL     time.Duration `mapstructure:"redis_ttl" yaml:"redis_ttl" validate:"gte=0"`
}

// ProfilesConfig selects where profile rows are read from.
type ProfilesConfig struct {
	Source string `mapstructure:"source" yaml:"source" validate:"oneof=rest postgres"`
	Table  string `mapstructure:"table" yaml:"table" validate:"required"`
}

// DatabaseConfig is only used when profiles.source is postgres.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=0"`
}

// RedisConfig is only used when session.store is redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
}

// ServerConfig holds HTTP server configuration for `crust serve`.
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// TelemetryConfig holds tracing configuration.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
	Runtime    bool    `mapstructure:"runtime" yaml:"runtime"`
}

// Dir returns the per-user config directory, $HOME/.crust.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crust"
	}
	return filepath.Join(home, ".crust")
}

// Default returns the configuration used when nothing is set. Backend URL
// and anon key have no usable default.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Timeout: 10 * time.Second,
		},
		Session: SessionConfig{
			Store:        "file",
			ArtifactPath: filepath.Join(Dir(), "session.json"),
			RedisKey:     "crust:session",
			RedisTTL:     7 * 24 * time.Hour,
		},
		Profiles: ProfilesConfig{
			Source: "rest",
			Table:  "profiles",
		},
		Database: DatabaseConfig{
			MaxConns: 4,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			SampleRate: 1.0,
			Runtime:    true,
		},
	}
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("backend.url", d.Backend.URL)
	v.SetDefault("backend.anon_key", d.Backend.AnonKey)
	v.SetDefault("backend.timeout", d.Backend.Timeout)

	v.SetDefault("session.store", d.Session.Store)
	v.SetDefault("session.artifact_path", d.Session.ArtifactPath)
	v.SetDefault("session.redis_key", d.Session.RedisKey)
	v.SetDefault("session.redis_ttl", d.Session.RedisTTL)

	v.SetDefault("profiles.source", d.Profiles.Source)
	v.SetDefault("profiles.table", d.Profiles.Table)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
	v.SetDefault("telemetry.runtime", d.Telemetry.Runtime)
}

// Load reads configuration. An explicit path must exist; otherwise
// config.yaml is searched in ., ./.crust and $HOME/.crust and may be absent.
// The result is not validated; call Validate before using it.
func Load(path string) (*Config, string, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(".crust")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, "", crusterrors.Wrap(crusterrors.ErrCodeConfigLoad, "failed to read config file", err).
				WithSuggestion("Run 'crust config init' to write a fresh config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", crusterrors.Wrap(crusterrors.ErrCodeConfigLoad, "failed to decode config", err)
	}
	return &cfg, v.ConfigFileUsed(), nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-section requirements
// of the selected stores.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return crusterrors.NewConfigInvalidError(err.Error())
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if c.Profiles.Source == "postgres" && c.Database.URL == "" {
		problems = append(problems, "database.url is required when profiles.source is postgres")
	}
	if c.Session.Store == "redis" && c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required when session.store is redis")
	}
	if c.Session.Store == "file" && c.Session.ArtifactPath == "" {
		problems = append(problems, "session.artifact_path is required when session.store is file")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		problems = append(problems, "telemetry.endpoint is required when telemetry is enabled")
	}

	if len(problems) > 0 {
		return crusterrors.NewConfigInvalidError(strings.Join(problems, "; "))
	}
	return nil
}

// describe renders a validator error with the yaml key path.
func describe(fe validator.FieldError) string {
	parts := strings.Split(fe.Namespace(), ".")
	if len(parts) > 0 && parts[0] == "Config" {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	key := strings.Join(parts, ".")

	switch fe.Tag() {
	case "required":
		return key + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", key, fe.Param())
	case "url":
		return key + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %s %s", key, fe.Tag(), fe.Param())
	}
}

// snake converts a Go field name like AnonKey or RedisTTL to anon_key or
// redis_ttl.
func snake(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUpper(c) {
			if i > 0 && !isUpper(s[i-1]) {
				b.WriteByte('_')
			}
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, crusterrors.Wrap(crusterrors.ErrCodeFileMarshal, "failed to encode config", err)
	}
	return data, nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Backend.AnonKey = mask(out.Backend.AnonKey)
	out.Redis.Password = mask(out.Redis.Password)
	if out.Database.URL != "" {
		out.Database.URL = redactURL(out.Database.URL)
	}
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "****"
	}
	return u.Redacted()
}

// WriteFile writes cfg to path as YAML with 0600 permissions. It refuses
// to overwrite an existing file unless force is set.
func WriteFile(path string, cfg *Config, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return crusterrors.New(crusterrors.ErrCodeConfigWrite, fmt.Sprintf("config file already exists: %s", path)).
			WithSuggestion("Pass --force to overwrite it")
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return crusterrors.Wrap(crusterrors.ErrCodeDirectoryFailed, "failed to create config directory", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return crusterrors.Wrap(crusterrors.ErrCodeFileWriteFailed, "failed to write config file", err)
	}
	return nil
}
