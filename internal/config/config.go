// Package config loads the agentbridge configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/agentbridge/internal/contentpolicy"
	"github.com/haasonsaas/agentbridge/internal/ratelimit"
	"github.com/haasonsaas/agentbridge/internal/retry"
)

// Config is the main configuration structure for agentbridge.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Agents        AgentsConfig        `yaml:"agents"`
	Artifacts     ArtifactsConfig     `yaml:"artifacts"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the MCP transports.
type ServerConfig struct {
	// HTTPAddr is the listen address for the MCP endpoint, the agent hub and
	// /metrics. Empty disables HTTP.
	HTTPAddr string `yaml:"http_addr"`
	MCPPath  string `yaml:"mcp_path"`
	// Stdio serves one MCP session over stdin/stdout.
	Stdio           bool          `yaml:"stdio"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// SessionIdleTimeout closes HTTP sessions that sent no request for this
	// long, as if the client had sent DELETE.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

// BridgeConfig tunes tool invocations.
type BridgeConfig struct {
	CallTimeout       time.Duration        `yaml:"call_timeout"`
	MaterializerGrace time.Duration        `yaml:"materializer_grace"`
	InlineLimits      contentpolicy.Limits `yaml:"inline_limits"`
}

// AgentsConfig configures the agent hub.
type AgentsConfig struct {
	Path             string            `yaml:"path"`
	JWTSecret        string            `yaml:"jwt_secret"`
	TokenExpiry      time.Duration     `yaml:"token_expiry"`
	Tokens           map[string]string `yaml:"tokens"`
	AllowAny         bool              `yaml:"allow_any"`
	MaxFrameBytes    int64             `yaml:"max_frame_bytes"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`

	// RegisterRateLimit throttles connection attempts per remote address.
	RegisterRateLimit ratelimit.Config `yaml:"register_rate_limit"`
}

// ArtifactsConfig configures artifact storage and retention.
type ArtifactsConfig struct {
	// Backend is one of memory, local, s3, sql or redis.
	Backend   string `yaml:"backend"`
	LocalPath string `yaml:"local_path"`

	S3    S3Config    `yaml:"s3"`
	SQL   SQLConfig   `yaml:"sql"`
	Redis RedisConfig `yaml:"redis"`

	// ConnectRetry governs startup connection attempts to s3, sql and redis.
	ConnectRetry retry.Policy `yaml:"connect_retry"`

	// PruneSchedule is a cron expression for the cleanup job.
	PruneSchedule string        `yaml:"prune_schedule"`
	MaxAge        time.Duration `yaml:"max_age"`

	// DeleteOnSessionEnd drops a session's artifacts when its MCP session
	// closes.
	DeleteOnSessionEnd bool `yaml:"delete_on_session_end"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type SQLConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
	// RedactPatterns are extra regular expressions masked in log output.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.MCPPath == "" {
		cfg.Server.MCPPath = "/mcp"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.SessionIdleTimeout == 0 {
		cfg.Server.SessionIdleTimeout = 30 * time.Minute
	}
	if cfg.Server.HTTPAddr == "" && !cfg.Server.Stdio {
		cfg.Server.HTTPAddr = ":8080"
	}

	if cfg.Bridge.CallTimeout == 0 {
		cfg.Bridge.CallTimeout = 120 * time.Second
	}
	if cfg.Bridge.MaterializerGrace == 0 {
		cfg.Bridge.MaterializerGrace = 2 * time.Second
	}
	defaults := contentpolicy.DefaultLimits()
	if cfg.Bridge.InlineLimits.Image == 0 {
		cfg.Bridge.InlineLimits.Image = defaults.Image
	}
	if cfg.Bridge.InlineLimits.Audio == 0 {
		cfg.Bridge.InlineLimits.Audio = defaults.Audio
	}
	if cfg.Bridge.InlineLimits.Text == 0 {
		cfg.Bridge.InlineLimits.Text = defaults.Text
	}
	if cfg.Bridge.InlineLimits.Binary == 0 {
		cfg.Bridge.InlineLimits.Binary = defaults.Binary
	}

	if cfg.Agents.Path == "" {
		cfg.Agents.Path = "/agents/ws"
	}
	if cfg.Agents.MaxFrameBytes == 0 {
		cfg.Agents.MaxFrameBytes = 16 << 20
	}
	if cfg.Agents.HandshakeTimeout == 0 {
		cfg.Agents.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Agents.RegisterRateLimit.Rate == 0 {
		cfg.Agents.RegisterRateLimit.Rate = ratelimit.DefaultConfig().Rate
	}
	if cfg.Agents.RegisterRateLimit.Burst == 0 {
		cfg.Agents.RegisterRateLimit.Burst = ratelimit.DefaultConfig().Burst
	}
	if cfg.Agents.TokenExpiry == 0 {
		cfg.Agents.TokenExpiry = 30 * 24 * time.Hour
	}

	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = "memory"
	}
	if cfg.Artifacts.PruneSchedule == "" {
		cfg.Artifacts.PruneSchedule = "@hourly"
	}
	if cfg.Artifacts.MaxAge == 0 {
		cfg.Artifacts.MaxAge = 24 * time.Hour
	}
	if cfg.Artifacts.ConnectRetry.MaxAttempts == 0 {
		cfg.Artifacts.ConnectRetry = retry.DefaultPolicy()
	}
	if cfg.Artifacts.S3.Region == "" {
		cfg.Artifacts.S3.Region = "us-east-1"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "agentbridge"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}
