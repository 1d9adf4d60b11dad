// Package config handles loading and validating Warp configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Warp.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"` // debug, info, warn, error. Default: info.
	Server        ServerConfig         `json:"server" yaml:"server" toml:"server"`
	Workspace     WorkspaceConfig      `json:"workspace" yaml:"workspace" toml:"workspace"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Session       SessionConfig        `json:"session" yaml:"session" toml:"session"`
	Heavy         HeavyConfig          `json:"heavy" yaml:"heavy" toml:"heavy"`
	Preview       PreviewConfig        `json:"preview" yaml:"preview" toml:"preview"`
	Agent         AgentConfig          `json:"agent" yaml:"agent" toml:"agent"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers" toml:"providers"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty"`                   // nil = SQLite under the data directory
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the public HTTP API.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"` // Default: ":8080".
	PublicURL           string            `json:"public_url" yaml:"public_url" toml:"public_url"`    // Base URL used in preview links. Default: http://localhost<listen_addr>.
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes" toml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys" toml:"api_keys"` // API key → user ID. Override: WARP_API_KEYS ("key:user,key2:user2").
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// BaseURL returns the URL clients use to reach this server.
func (s ServerConfig) BaseURL() string {
	if s.PublicURL != "" {
		return strings.TrimRight(s.PublicURL, "/")
	}
	addr := s.Addr()
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// RateLimitConfig configures per-user rate limiting on execute endpoints.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size" toml:"burst_size"`
}

// WorkspaceConfig configures per-user workspace directories.
type WorkspaceConfig struct {
	Root    string `json:"root,omitempty" yaml:"root,omitempty" toml:"root,omitempty"` // Default: ~/.warp/efs. Override: WARP_WORKSPACE_ROOT.
	QuotaMB int    `json:"quota_mb" yaml:"quota_mb" toml:"quota_mb"`                   // Default: 500. Override: WARP_STORAGE_QUOTA_MB.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir,omitempty"`
}

// QuotaBytes returns the per-user storage quota with a default of 500 MiB.
func (w WorkspaceConfig) QuotaBytes() int64 {
	if w.QuotaMB > 0 {
		return int64(w.QuotaMB) << 20
	}
	return 500 << 20
}

// ResolvedRoot returns the workspace root, resolving ~ if needed.
func (w WorkspaceConfig) ResolvedRoot() string {
	if w.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "efs"
		}
		return filepath.Join(home, ".warp", "efs")
	}
	resolved, err := resolvePath(w.Root)
	if err != nil {
		return w.Root
	}
	return resolved
}

// ResolvedDataDir returns the data directory used for the history database.
func (w WorkspaceConfig) ResolvedDataDir() string {
	if w.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".warp", "data")
	}
	resolved, err := resolvePath(w.DataDir)
	if err != nil {
		return w.DataDir
	}
	return resolved
}

// SandboxConfig configures the light execution path.
type SandboxConfig struct {
	Type           string              `json:"type" yaml:"type" toml:"type"`                                  // "process" (default) or "docker".
	TimeoutSeconds int                 `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"` // Default: 120. Override: WARP_LIGHT_TIMEOUT.
	MaxMemoryMB    int                 `json:"max_memory_mb" yaml:"max_memory_mb" toml:"max_memory_mb"`
	MaxCPUSeconds  int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds" toml:"max_cpu_seconds"`
	BlockedExtra   []string            `json:"blocked_extra,omitempty" yaml:"blocked_extra,omitempty" toml:"blocked_extra,omitempty"` // Extra blocked regexes.
	Docker         DockerSandboxConfig `json:"docker" yaml:"docker" toml:"docker"`
}

// Timeout returns the light-path timeout with a default of 120s.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image          string  `json:"image" yaml:"image" toml:"image"`                // Default: "warp-runtime:latest".
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores" toml:"cpu_cores"`    // 0 = 1.0 default.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit" toml:"pids_limit"` // 0 = 256 default.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed" toml:"network_allowed"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	IdleTimeoutSeconds     int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds"`             // Default: 1800. Override: WARP_SESSION_IDLE_TIMEOUT.
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds" toml:"cleanup_interval_seconds"` // Default: 60.
}

// IdleTimeout returns the session idle timeout with a default of 30m.
func (s SessionConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds > 0 {
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// CleanupInterval returns the sweep interval with a default of 60s.
func (s SessionConfig) CleanupInterval() time.Duration {
	if s.CleanupIntervalSeconds > 0 {
		return time.Duration(s.CleanupIntervalSeconds) * time.Second
	}
	return time.Minute
}

// HeavyConfig configures the heavy compute backend.
type HeavyConfig struct {
	Endpoint               string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint,omitempty"` // Empty = heavy path disabled. Override: WARP_HEAVY_ENDPOINT.
	TimeoutSeconds         int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`          // Default: 1800. Override: WARP_HEAVY_TIMEOUT.
	CapacityCeilingSeconds int    `json:"capacity_ceiling_seconds" yaml:"capacity_ceiling_seconds" toml:"capacity_ceiling_seconds"`
	Scaler                 string `json:"scaler" yaml:"scaler" toml:"scaler"` // "health" (default) or "docker".
	ScalerLabel            string `json:"scaler_label,omitempty" yaml:"scaler_label,omitempty" toml:"scaler_label,omitempty"`
	PreviewHost            string `json:"preview_host,omitempty" yaml:"preview_host,omitempty" toml:"preview_host,omitempty"` // Host the dev servers listen on. Default: endpoint host.

	// Heavy server side.
	ListenAddr  string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`    // Default: ":8090".
	ProjectsDir string `json:"projects_dir" yaml:"projects_dir" toml:"projects_dir"` // Default: /tmp/projects.
	Runner      string `json:"runner" yaml:"runner" toml:"runner"`                   // "process" (default) or "docker".
}

// Enabled reports whether a heavy endpoint is configured.
func (h HeavyConfig) Enabled() bool { return h.Endpoint != "" }

// Timeout returns the heavy-path timeout with a default of 30m.
func (h HeavyConfig) Timeout() time.Duration {
	if h.TimeoutSeconds > 0 {
		return time.Duration(h.TimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// CapacityCeiling returns how long EnsureCapacity may wait, default 2m.
func (h HeavyConfig) CapacityCeiling() time.Duration {
	if h.CapacityCeilingSeconds > 0 {
		return time.Duration(h.CapacityCeilingSeconds) * time.Second
	}
	return 2 * time.Minute
}

// Addr returns the heavy server listen address with a default of ":8090".
func (h HeavyConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8090"
}

// Projects returns the directory heavy commands run under.
func (h HeavyConfig) Projects() string {
	if h.ProjectsDir != "" {
		return h.ProjectsDir
	}
	return "/tmp/projects"
}

// PreviewConfig configures the preview reverse proxy.
type PreviewConfig struct {
	IdleTimeoutSeconds     int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds"` // Default: 1800. Override: WARP_PREVIEW_IDLE_TIMEOUT.
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds" toml:"cleanup_interval_seconds"`
}

// IdleTimeout returns the preview idle timeout with a default of 30m.
func (p PreviewConfig) IdleTimeout() time.Duration {
	if p.IdleTimeoutSeconds > 0 {
		return time.Duration(p.IdleTimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// CleanupInterval returns the preview sweep interval with a default of 5m.
func (p PreviewConfig) CleanupInterval() time.Duration {
	if p.CleanupIntervalSeconds > 0 {
		return time.Duration(p.CleanupIntervalSeconds) * time.Second
	}
	return 5 * time.Minute
}

// AgentConfig configures the autonomous agent loop.
type AgentConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	MaxIterations  int  `json:"max_iterations" yaml:"max_iterations" toml:"max_iterations"`    // Default: 10. Override: AGENT_MAX_ITERATIONS.
	TimeoutSeconds int  `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"` // Default: 300. Override: AGENT_TIMEOUT_SECONDS.
}

// Iterations returns the iteration cap with a default of 10.
func (a AgentConfig) Iterations() int {
	if a.MaxIterations > 0 {
		return a.MaxIterations
	}
	return 10
}

// Timeout returns the wall-clock budget of one agent run, default 300s.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return 300 * time.Second
}

// ProvidersConfig configures the LLM providers used by the agent.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default" toml:"default"`                                  // "openai" or "anthropic". Empty = "openai".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty" toml:"fallback,omitempty"` // Tried in order when default fails.
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic" toml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai" toml:"openai"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model  string `json:"model" yaml:"model" toml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model   string `json:"model" yaml:"model" toml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"` // Optional. OpenAI-compatible endpoints such as Ollama.
}

// StorageConfig configures the history backend.
type StorageConfig struct {
	Driver        string                 `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" (default) or "postgres".
	SQLite        *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty" toml:"sqlite,omitempty"`
	Postgres      *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty" toml:"postgres,omitempty"`
	RetentionDays int                    `json:"retention_days" yaml:"retention_days" toml:"retention_days"` // Default: 30.
	PruneSchedule string                 `json:"prune_schedule" yaml:"prune_schedule" toml:"prune_schedule"` // Cron expression. Default: "0 3 * * *".
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// Retention returns how long history rows are kept.
func (s *StorageConfig) Retention() time.Duration {
	if s != nil && s.RetentionDays > 0 {
		return time.Duration(s.RetentionDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// Schedule returns the prune cron expression.
func (s *StorageConfig) Schedule() string {
	if s != nil && s.PruneSchedule != "" {
		return s.PruneSchedule
	}
	return "0 3 * * *"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"` // Default: <data_dir>/warp.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"`       // "wal" (default).
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn" toml:"dsn"`                                                 // Override: WARP_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`                // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`                // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" toml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
// When nil, observability is disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly,omitempty"`
}

// AnomalyConfig configures error-rate alerting on execution backends.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Sliding window. Default: 300
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "warp"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// Load reads a YAML, TOML or JSON config file and returns a validated Config.
// The format is detected by extension. Environment variables take precedence
// over file values. A missing file is not an error: defaults plus environment
// are used.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	var cfg Config
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := decode(resolved, data, &cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing TOML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("WARP_HEAVY_ENDPOINT"); v != "" {
		c.Heavy.Endpoint = v
	}
	if v := os.Getenv("WARP_WORKSPACE_ROOT"); v != "" {
		c.Workspace.Root = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("WARP_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("WARP_API_KEYS"); v != "" {
		keys, err := parseAPIKeys(v)
		if err != nil {
			return err
		}
		c.Server.APIKeys = keys
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"AGENT_MAX_ITERATIONS", &c.Agent.MaxIterations},
		{"AGENT_TIMEOUT_SECONDS", &c.Agent.TimeoutSeconds},
		{"WARP_LIGHT_TIMEOUT", &c.Sandbox.TimeoutSeconds},
		{"WARP_HEAVY_TIMEOUT", &c.Heavy.TimeoutSeconds},
		{"WARP_SESSION_IDLE_TIMEOUT", &c.Session.IdleTimeoutSeconds},
		{"WARP_PREVIEW_IDLE_TIMEOUT", &c.Preview.IdleTimeoutSeconds},
		{"WARP_STORAGE_QUOTA_MB", &c.Workspace.QuotaMB},
	}
	for _, e := range ints {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", e.name, v)
		}
		*e.dst = n
	}
	return nil
}

// parseAPIKeys parses "key:user,key2:user2".
func parseAPIKeys(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, user, ok := strings.Cut(pair, ":")
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("WARP_API_KEYS: malformed entry %q (want key:user)", pair)
		}
		out[key] = user
	}
	return out, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.Workspace.ResolvedDataDir(), "warp.db")
}

// Level returns the configured log level, defaulting to "info".
func (c *Config) Level() string {
	if c.LogLevel != "" {
		return strings.ToLower(c.LogLevel)
	}
	return "info"
}

func (c *Config) validate() error {
	switch c.Level() {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", c.LogLevel)
	}
	if c.Workspace.QuotaMB < 0 {
		return fmt.Errorf("workspace.quota_mb must not be negative")
	}
	if c.Sandbox.TimeoutSeconds < 0 || c.Heavy.TimeoutSeconds < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Agent.MaxIterations < 0 || c.Agent.TimeoutSeconds < 0 {
		return fmt.Errorf("agent limits must not be negative")
	}
	switch c.Sandbox.Type {
	case "", "process", "docker":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	switch c.Heavy.Scaler {
	case "", "health", "docker":
	default:
		return fmt.Errorf("heavy.scaler %q is not supported (use health or docker)", c.Heavy.Scaler)
	}
	switch c.Heavy.Runner {
	case "", "process", "docker":
	default:
		return fmt.Errorf("heavy.runner %q is not supported (use process or docker)", c.Heavy.Runner)
	}
	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set WARP_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Agent.Enabled {
		if err := c.validateProvider(); err != nil {
			return err
		}
	}
	return nil
}

// validateProvider checks that the selected LLM provider has the required fields.
func (c *Config) validateProvider() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	switch c.Providers.Default {
	case "openai":
		if c.Providers.OpenAI.APIKey == "" && c.Providers.OpenAI.BaseURL == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "anthropic":
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	default:
		return fmt.Errorf("providers.default %q is not supported (use openai or anthropic)", c.Providers.Default)
	}
	return nil
}
