// Package config loads the mcpd configuration from a YAML file, MCPD_ environment variables
// and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the effective configuration of mcpd.
type Config struct {
	Server    ServerConfig  `mapstructure:"server" yaml:"server"`
	Transport string        `mapstructure:"transport" yaml:"transport"`
	HTTP      HTTPConfig    `mapstructure:"http" yaml:"http"`
	Store     StoreConfig   `mapstructure:"store" yaml:"store"`
	Session   SessionConfig `mapstructure:"session" yaml:"session"`
	Tasks     TasksConfig   `mapstructure:"tasks" yaml:"tasks"`
	Log       LogConfig     `mapstructure:"log" yaml:"log"`
}

// ServerConfig describes the server to clients.
type ServerConfig struct {
	Name         string `mapstructure:"name" yaml:"name"`
	Version      string `mapstructure:"version" yaml:"version"`
	Instructions string `mapstructure:"instructions" yaml:"instructions"`
}

// HTTPConfig configures the streamable HTTP transport.
type HTTPConfig struct {
	Addr               string        `mapstructure:"addr" yaml:"addr"`
	Path               string        `mapstructure:"path" yaml:"path"`
	MetricsPath        string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	ResponseMode       string        `mapstructure:"response_mode" yaml:"response_mode"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatThreshold int           `mapstructure:"heartbeat_threshold" yaml:"heartbeat_threshold"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxBodySize        int64         `mapstructure:"max_body_size" yaml:"max_body_size"`
	// Tokens, when not empty, are the only bearer tokens accepted.
	Tokens []string `mapstructure:"tokens" yaml:"tokens"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// SessionConfig bounds session and event lifetimes.
type SessionConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	EventRetention  time.Duration `mapstructure:"event_retention" yaml:"event_retention"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`
	SendTimeout     time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
}

// TasksConfig configures the task engine.
type TasksConfig struct {
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Transports.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// EnvPrefix prefixes every environment variable read by Load, e.g. MCPD_HTTP_ADDR.
const EnvPrefix = "MCPD"

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:    "mcpd",
			Version: "dev",
		},
		Transport: TransportHTTP,
		HTTP: HTTPConfig{
			Addr:               ":8080",
			Path:               "/mcp",
			MetricsPath:        "/metrics",
			ResponseMode:       "json",
			HeartbeatInterval:  30 * time.Second,
			HeartbeatThreshold: 3,
			WriteTimeout:       10 * time.Second,
			MaxBodySize:        4 << 20,
			Tokens:             []string{},
		},
		Store: StoreConfig{
			Driver: DriverMemory,
		},
		Session: SessionConfig{
			IdleTimeout:     time.Hour,
			EventRetention:  24 * time.Hour,
			JanitorInterval: time.Minute,
			SendTimeout:     30 * time.Second,
		},
		Tasks: TasksConfig{
			Workers:      4,
			QueueSize:    256,
			PollInterval: time.Second,
			MaxAttempts:  3,
			BaseDelay:    200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every key of Default with v. Keys unknown to v are invisible to the
// environment lookup, so this must run before Load.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.name", d.Server.Name)
	v.SetDefault("server.version", d.Server.Version)
	v.SetDefault("server.instructions", d.Server.Instructions)
	v.SetDefault("transport", d.Transport)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.path", d.HTTP.Path)
	v.SetDefault("http.metrics_path", d.HTTP.MetricsPath)
	v.SetDefault("http.response_mode", d.HTTP.ResponseMode)
	v.SetDefault("http.heartbeat_interval", d.HTTP.HeartbeatInterval)
	v.SetDefault("http.heartbeat_threshold", d.HTTP.HeartbeatThreshold)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.max_body_size", d.HTTP.MaxBodySize)
	v.SetDefault("http.tokens", d.HTTP.Tokens)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("session.idle_timeout", d.Session.IdleTimeout)
	v.SetDefault("session.event_retention", d.Session.EventRetention)
	v.SetDefault("session.janitor_interval", d.Session.JanitorInterval)
	v.SetDefault("session.send_timeout", d.Session.SendTimeout)
	v.SetDefault("tasks.workers", d.Tasks.Workers)
	v.SetDefault("tasks.queue_size", d.Tasks.QueueSize)
	v.SetDefault("tasks.poll_interval", d.Tasks.PollInterval)
	v.SetDefault("tasks.max_attempts", d.Tasks.MaxAttempts)
	v.SetDefault("tasks.base_delay", d.Tasks.BaseDelay)
	v.SetDefault("tasks.max_delay", d.Tasks.MaxDelay)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads file, or mcpd.yaml from $HOME/.mcpd or the working directory when file is
// empty, applies MCPD_ environment variables, and returns the validated result. A missing
// default config file is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath("$HOME/.mcpd")
		v.AddConfigPath(".")
		v.SetConfigName("mcpd")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Name == "" {
		errs = append(errs, errors.New("server.name is required"))
	}

	switch c.Transport {
	case TransportHTTP:
		if c.HTTP.Addr == "" {
			errs = append(errs, errors.New("http.addr is required"))
		}
		if !strings.HasPrefix(c.HTTP.Path, "/") {
			errs = append(errs, fmt.Errorf("http.path must start with /, got %q", c.HTTP.Path))
		}
		if c.HTTP.MetricsPath != "" && c.HTTP.MetricsPath == c.HTTP.Path {
			errs = append(errs, errors.New("http.metrics_path must differ from http.path"))
		}
		if c.HTTP.ResponseMode != "json" && c.HTTP.ResponseMode != "sse" {
			errs = append(errs, fmt.Errorf("http.response_mode must be json or sse, got %q", c.HTTP.ResponseMode))
		}
		if c.HTTP.HeartbeatInterval < 0 {
			errs = append(errs, errors.New("http.heartbeat_interval must not be negative"))
		}
		if c.HTTP.HeartbeatThreshold < 1 {
			errs = append(errs, errors.New("http.heartbeat_threshold must be at least 1"))
		}
		if c.HTTP.MaxBodySize <= 0 {
			errs = append(errs, errors.New("http.max_body_size must be positive"))
		}
	case TransportStdio:
	default:
		errs = append(errs, fmt.Errorf("transport must be %s or %s, got %q", TransportHTTP, TransportStdio, c.Transport))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be one of %s, %s, %s, got %q",
			DriverMemory, DriverSQLite, DriverPostgres, c.Store.Driver))
	}

	if c.Session.JanitorInterval <= 0 {
		errs = append(errs, errors.New("session.janitor_interval must be positive"))
	}
	if c.Session.SendTimeout <= 0 {
		errs = append(errs, errors.New("session.send_timeout must be positive"))
	}
	if c.Tasks.Workers < 1 {
		errs = append(errs, errors.New("tasks.workers must be at least 1"))
	}
	if c.Tasks.MaxAttempts < 1 {
		errs = append(errs, errors.New("tasks.max_attempts must be at least 1"))
	}
	if c.Tasks.MaxDelay < c.Tasks.BaseDelay {
		errs = append(errs, errors.New("tasks.max_delay must not be below tasks.base_delay"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// YAML renders c as a config file Load accepts.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger returns a logger writing to w in the configured format. Invalid levels fall
// back to info; Validate rejects them earlier.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
