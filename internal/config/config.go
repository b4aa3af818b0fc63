// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

// Config represents the complete sessiond configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Listen        ListenConfig        `yaml:"listen"`
	Backend       BackendConfig       `yaml:"backend"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Session       SessionConfig       `yaml:"session"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`

	// DataDir holds the sqlite database and other daemon state.
	DataDir string `yaml:"data_dir,omitempty"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the log format (json, text).
	Format string `yaml:"format"`

	// AddSource adds file and line to every entry.
	AddSource bool `yaml:"add_source"`
}

// ListenConfig configures how the daemon listens for connections.
type ListenConfig struct {
	// SocketPath is the Unix socket path (default).
	SocketPath string `yaml:"socket_path,omitempty"`

	// TCPAddr is an optional TCP address to listen on (e.g., ":8080").
	TCPAddr string `yaml:"tcp_addr,omitempty"`

	// AllowRemote must be true to bind to non-localhost TCP addresses.
	AllowRemote bool `yaml:"allow_remote"`

	// TLSCert is the path to TLS certificate for HTTPS.
	TLSCert string `yaml:"tls_cert,omitempty"`

	// TLSKey is the path to TLS key for HTTPS.
	TLSKey string `yaml:"tls_key,omitempty"`
}

// BackendConfig selects and configures the session store.
type BackendConfig struct {
	// Type is the backend type: "sqlite" or "postgres".
	Type string `yaml:"type,omitempty"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains the embedded database settings.
type SQLiteConfig struct {
	// Path to the database file. Defaults to <data_dir>/sessions.db.
	Path string `yaml:"path,omitempty"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// ConnectionString is the PostgreSQL connection URL.
	ConnectionString string `yaml:"connection_string,omitempty"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`

	// ConnectTimeout bounds the initial ping retries.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// SchedulerConfig configures the background job scheduler.
type SchedulerConfig struct {
	// Workers is the number of jobs executed concurrently.
	Workers int `yaml:"workers,omitempty"`

	// QueueSize caps pending jobs. Zero means unbounded.
	QueueSize int `yaml:"queue_size,omitempty"`

	// DrainTimeout is how long shutdown waits for running jobs.
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// SessionConfig configures the lifecycle operations.
type SessionConfig struct {
	// WaitTimeout bounds how long a stop job waits for an in-flight launch.
	WaitTimeout time.Duration `yaml:"wait_timeout,omitempty"`

	// WaitInterval is the poll interval of that wait.
	WaitInterval time.Duration `yaml:"wait_interval,omitempty"`

	// LaunchTimeout bounds a single runtime launch.
	LaunchTimeout time.Duration `yaml:"launch_timeout,omitempty"`

	// Subresource is the component restarted by PUT /sessions/{project}/{pipeline}.
	Subresource string `yaml:"subresource,omitempty"`

	// ReconcileOnStart retires sessions left in a transitional state by a
	// previous process.
	ReconcileOnStart bool `yaml:"reconcile_on_start"`
}

// RuntimeConfig selects the resource runtime adapter.
type RuntimeConfig struct {
	// Type is "docker" or "noop".
	Type string `yaml:"type,omitempty"`

	Docker DockerConfig `yaml:"docker,omitempty"`
}

// DockerConfig configures the docker runtime adapter.
type DockerConfig struct {
	// Host overrides DOCKER_HOST when set.
	Host string `yaml:"host,omitempty"`

	// Network is the docker network the session containers join.
	Network string `yaml:"network,omitempty"`

	MemoryServerImage  string `yaml:"memory_server_image,omitempty"`
	KernelGatewayImage string `yaml:"kernel_gateway_image,omitempty"`
	JupyterServerImage string `yaml:"jupyter_server_image,omitempty"`

	// JupyterPort is the port the notebook server listens on inside its container.
	JupyterPort int `yaml:"jupyter_port,omitempty"`

	// Labels are added to every container created for a session.
	Labels map[string]string `yaml:"labels,omitempty"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	// LaunchRate limits POST /sessions requests per second. Zero disables limiting.
	LaunchRate float64 `yaml:"launch_rate,omitempty"`

	// LaunchBurst is the burst size of the launch limiter.
	LaunchBurst int `yaml:"launch_burst,omitempty"`

	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsEnabled serves Prometheus metrics on /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is "stdout", "otlp" (gRPC) or "otlphttp".
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRatio is the fraction of traces recorded.
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	cfg := &Config{
		Session: SessionConfig{ReconcileOnStart: true},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from configPath (optional), applies defaults and
// environment overrides, then validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &sessionerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Listen.SocketPath == "" && c.Listen.TCPAddr == "" {
		c.Listen.SocketPath = defaultSocketPath()
	}

	if c.Backend.Type == "" {
		c.Backend.Type = "sqlite"
	}
	if c.Backend.Postgres.MaxOpenConns == 0 {
		c.Backend.Postgres.MaxOpenConns = 25
	}
	if c.Backend.Postgres.MaxIdleConns == 0 {
		c.Backend.Postgres.MaxIdleConns = 5
	}
	if c.Backend.Postgres.ConnMaxLifetime == 0 {
		c.Backend.Postgres.ConnMaxLifetime = 5 * time.Minute
	}
	if c.Backend.Postgres.ConnectTimeout == 0 {
		c.Backend.Postgres.ConnectTimeout = 30 * time.Second
	}

	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.DrainTimeout == 0 {
		c.Scheduler.DrainTimeout = 30 * time.Second
	}

	if c.Session.WaitTimeout == 0 {
		c.Session.WaitTimeout = 10 * time.Minute
	}
	if c.Session.WaitInterval == 0 {
		c.Session.WaitInterval = time.Second
	}
	if c.Session.LaunchTimeout == 0 {
		c.Session.LaunchTimeout = 5 * time.Minute
	}
	if c.Session.Subresource == "" {
		c.Session.Subresource = "memory-server"
	}

	if c.Runtime.Type == "" {
		c.Runtime.Type = "docker"
	}
	if c.Runtime.Docker.Network == "" {
		c.Runtime.Docker.Network = "orchest"
	}
	if c.Runtime.Docker.MemoryServerImage == "" {
		c.Runtime.Docker.MemoryServerImage = "orchest/memory-server:latest"
	}
	if c.Runtime.Docker.KernelGatewayImage == "" {
		c.Runtime.Docker.KernelGatewayImage = "orchest/jupyter-enterprise-gateway:latest"
	}
	if c.Runtime.Docker.JupyterServerImage == "" {
		c.Runtime.Docker.JupyterServerImage = "orchest/jupyter-server:latest"
	}
	if c.Runtime.Docker.JupyterPort == 0 {
		c.Runtime.Docker.JupyterPort = 8888
	}

	if c.API.LaunchBurst == 0 {
		c.API.LaunchBurst = 10
	}

	if c.Observability.Tracing.Exporter == "" {
		c.Observability.Tracing.Exporter = "stdout"
	}
	if c.Observability.Tracing.SampleRatio == 0 {
		c.Observability.Tracing.SampleRatio = 1.0
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies SESSIOND_* environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}

	if val := os.Getenv("SESSIOND_SOCKET"); val != "" {
		c.Listen.SocketPath = val
	}
	if val := os.Getenv("SESSIOND_TCP_ADDR"); val != "" {
		c.Listen.TCPAddr = val
	}
	if val := os.Getenv("SESSIOND_DATA_DIR"); val != "" {
		c.DataDir = val
	}

	if val := os.Getenv("SESSIOND_BACKEND"); val != "" {
		c.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("SESSIOND_SQLITE_PATH"); val != "" {
		c.Backend.SQLite.Path = val
	}
	if val := os.Getenv("SESSIOND_POSTGRES_URL"); val != "" {
		c.Backend.Postgres.ConnectionString = val
	}

	if val := os.Getenv("SESSIOND_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Scheduler.Workers = n
		}
	}
	if val := os.Getenv("SESSIOND_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Scheduler.DrainTimeout = d
		}
	}
	if val := os.Getenv("SESSIOND_WAIT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Session.WaitTimeout = d
		}
	}
	if val := os.Getenv("SESSIOND_WAIT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Session.WaitInterval = d
		}
	}

	if val := os.Getenv("SESSIOND_RUNTIME"); val != "" {
		c.Runtime.Type = strings.ToLower(val)
	}
	if val := os.Getenv("SESSIOND_DOCKER_NETWORK"); val != "" {
		c.Runtime.Docker.Network = val
	}

	if val := os.Getenv("SESSIOND_METRICS_ENABLED"); val != "" {
		c.Observability.MetricsEnabled = parseBool(val)
	}
	if val := os.Getenv("SESSIOND_TRACING_ENABLED"); val != "" {
		c.Observability.Tracing.Enabled = parseBool(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Observability.Tracing.Endpoint = val
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "sqlite":
	case "postgres":
		if c.Backend.Postgres.ConnectionString == "" {
			return &sessionerrors.ConfigError{Key: "backend.postgres.connection_string", Reason: "required when backend.type is postgres"}
		}
	default:
		return &sessionerrors.ConfigError{Key: "backend.type", Reason: fmt.Sprintf("unsupported backend %q (want sqlite or postgres)", c.Backend.Type)}
	}

	switch c.Runtime.Type {
	case "docker", "noop":
	default:
		return &sessionerrors.ConfigError{Key: "runtime.type", Reason: fmt.Sprintf("unsupported runtime %q (want docker or noop)", c.Runtime.Type)}
	}

	if c.Scheduler.Workers < 1 {
		return &sessionerrors.ConfigError{Key: "scheduler.workers", Reason: "must be at least 1"}
	}
	if c.Scheduler.QueueSize < 0 {
		return &sessionerrors.ConfigError{Key: "scheduler.queue_size", Reason: "must not be negative"}
	}
	if c.Session.WaitInterval <= 0 || c.Session.WaitTimeout <= 0 {
		return &sessionerrors.ConfigError{Key: "session.wait_timeout", Reason: "wait timeout and interval must be positive"}
	}
	if c.Session.WaitInterval > c.Session.WaitTimeout {
		return &sessionerrors.ConfigError{Key: "session.wait_interval", Reason: "must not exceed session.wait_timeout"}
	}
	if c.API.LaunchRate < 0 {
		return &sessionerrors.ConfigError{Key: "api.launch_rate", Reason: "must not be negative"}
	}

	if (c.Listen.TLSCert == "") != (c.Listen.TLSKey == "") {
		return &sessionerrors.ConfigError{Key: "listen.tls_cert", Reason: "tls_cert and tls_key must be set together"}
	}

	switch c.Observability.Tracing.Exporter {
	case "stdout", "otlp", "otlphttp":
	default:
		return &sessionerrors.ConfigError{Key: "observability.tracing.exporter", Reason: fmt.Sprintf("unsupported exporter %q", c.Observability.Tracing.Exporter)}
	}
	if r := c.Observability.Tracing.SampleRatio; r < 0 || r > 1 {
		return &sessionerrors.ConfigError{Key: "observability.tracing.sample_ratio", Reason: "must be between 0 and 1"}
	}

	return nil
}

func parseBool(val string) bool {
	return val == "1" || strings.ToLower(val) == "true"
}

// defaultSocketPath returns the default Unix socket path.
func defaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "sessiond", "sessiond.sock")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/sessiond.sock"
	}

	return filepath.Join(homeDir, ".sessiond", "sessiond.sock")
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "sessiond")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/sessiond-data"
	}

	return filepath.Join(homeDir, ".sessiond", "data")
}

// SQLitePath returns the configured database path, falling back to a file
// under DataDir.
func (c *Config) SQLitePath() string {
	if c.Backend.SQLite.Path != "" {
		return c.Backend.SQLite.Path
	}
	return filepath.Join(c.DataDir, "sessions.db")
}

// DefaultSocketPath is exported for the CLI client.
func DefaultSocketPath() string {
	return defaultSocketPath()
}
