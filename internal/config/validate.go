package config

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/agentbridge/internal/artifacts"
)

// ConfigValidationError lists every problem found in a configuration.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("version: %v", err)
	}

	if strings.TrimSpace(c.Server.HTTPAddr) == "" && !c.Server.Stdio {
		add("server: http_addr or stdio must be set")
	}
	if !strings.HasPrefix(c.Server.MCPPath, "/") {
		add("server.mcp_path must start with /")
	}
	if !strings.HasPrefix(c.Agents.Path, "/") {
		add("agents.path must start with /")
	}
	if c.Agents.Path == c.Server.MCPPath {
		add("agents.path and server.mcp_path must differ")
	}
	if c.Observability.Metrics.Enabled && (c.Observability.Metrics.Path == c.Server.MCPPath || c.Observability.Metrics.Path == c.Agents.Path) {
		add("observability.metrics.path collides with another endpoint")
	}

	if c.Server.SessionIdleTimeout < c.Bridge.CallTimeout {
		add("server.session_idle_timeout must be at least bridge.call_timeout")
	}
	if c.Bridge.CallTimeout <= 0 {
		add("bridge.call_timeout must be positive")
	}
	if c.Bridge.MaterializerGrace < 0 {
		add("bridge.materializer_grace must not be negative")
	}
	limits := c.Bridge.InlineLimits
	if limits.Image < 0 || limits.Audio < 0 || limits.Text < 0 || limits.Binary < 0 {
		add("bridge.inline_limits must not be negative")
	}

	if !c.Agents.AllowAny && c.Agents.JWTSecret == "" && len(c.Agents.Tokens) == 0 {
		add("agents: jwt_secret or tokens are required unless allow_any is set")
	}
	for id, token := range c.Agents.Tokens {
		if strings.TrimSpace(id) == "" || strings.TrimSpace(token) == "" {
			add("agents.tokens entries need a non-empty agent id and token")
			break
		}
	}
	if rl := c.Agents.RegisterRateLimit; rl.Enabled && (rl.Rate <= 0 || rl.Burst <= 0) {
		add("agents.register_rate_limit needs a positive rate and burst")
	}
	if c.Agents.MaxFrameBytes < 0 {
		add("agents.max_frame_bytes must not be negative")
	}

	issues = append(issues, c.Artifacts.issues()...)

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}

	tracing := c.Observability.Tracing
	if tracing.SamplingRate < 0 || tracing.SamplingRate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}
	if tracing.Enabled && strings.TrimSpace(tracing.Endpoint) == "" {
		add("observability.tracing.endpoint is required when tracing is enabled")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func (a ArtifactsConfig) issues() []string {
	var issues []string
	switch strings.ToLower(strings.TrimSpace(a.Backend)) {
	case "memory":
	case "local":
		if strings.TrimSpace(a.LocalPath) == "" {
			issues = append(issues, "artifacts.local_path is required for the local backend")
		}
	case "s3":
		if strings.TrimSpace(a.S3.Bucket) == "" {
			issues = append(issues, "artifacts.s3.bucket is required for the s3 backend")
		}
	case "sql":
		switch a.SQL.Driver {
		case "sqlite", "postgres":
		default:
			issues = append(issues, "artifacts.sql.driver must be sqlite or postgres")
		}
		if strings.TrimSpace(a.SQL.DSN) == "" {
			issues = append(issues, "artifacts.sql.dsn is required for the sql backend")
		}
	case "redis":
		if strings.TrimSpace(a.Redis.Addr) == "" {
			issues = append(issues, "artifacts.redis.addr is required for the redis backend")
		}
	default:
		issues = append(issues, fmt.Sprintf("artifacts.backend %q is not one of memory, local, s3, sql, redis", a.Backend))
	}
	if err := artifacts.ValidateSchedule(a.PruneSchedule); err != nil {
		issues = append(issues, "artifacts.prune_schedule: "+err.Error())
	}
	if a.MaxAge <= 0 {
		issues = append(issues, "artifacts.max_age must be positive")
	}
	return issues
}

// StoreOptions converts the artifacts section for artifacts.Open.
func (a ArtifactsConfig) StoreOptions() artifacts.Options {
	return artifacts.Options{
		Backend:   a.Backend,
		LocalPath: a.LocalPath,
		S3: artifacts.S3StoreConfig{
			Bucket:          a.S3.Bucket,
			Region:          a.S3.Region,
			Endpoint:        a.S3.Endpoint,
			Prefix:          a.S3.Prefix,
			AccessKeyID:     a.S3.AccessKeyID,
			SecretAccessKey: a.S3.SecretAccessKey,
			UsePathStyle:    a.S3.UsePathStyle,
		},
		SQL: artifacts.SQLStoreConfig{
			Driver: a.SQL.Driver,
			DSN:    a.SQL.DSN,
		},
		Redis: artifacts.RedisStoreConfig{
			Addr:     a.Redis.Addr,
			Password: a.Redis.Password,
			DB:       a.Redis.DB,
			Prefix:   a.Redis.Prefix,
			TTL:      a.Redis.TTL,
		},
		Retry: a.ConnectRetry,
	}
}
