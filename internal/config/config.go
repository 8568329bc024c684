package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Server contains the HTTP API bind address and access controls.
type Server struct {
	Bind               string  `toml:"bind"`
	APIToken           string  `toml:"api_token"`
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
	RateLimitBurst     int     `toml:"rate_limit_burst"`
}

// Pool contains the bounded worker pool settings.
type Pool struct {
	Size                int `toml:"size"`
	PhaseTimeoutSeconds int `toml:"phase_timeout_seconds"`
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
}

// Retry contains the transient-failure retry policy.
type Retry struct {
	BackoffBaseMS int     `toml:"backoff_base_ms"`
	BackoffFactor float64 `toml:"backoff_factor"`
	MaxAttempts   int     `toml:"max_attempts"`
	JitterMS      int     `toml:"jitter_ms"`
}

// Progress contains streaming and phase-weight settings.
type Progress struct {
	HeartbeatIntervalSeconds int            `toml:"heartbeat_interval_seconds"`
	SubscriberQueueSize      int            `toml:"subscriber_queue_size"`
	Weights                  map[string]int `toml:"weights"`
}

// Cache contains the result cache settings.
type Cache struct {
	Path                 string `toml:"path"`
	TTLHours             int    `toml:"ttl_hours"`
	SweepIntervalMinutes int    `toml:"sweep_interval_minutes"`
}

// Registry contains job registry persistence and eviction settings.
type Registry struct {
	Path                 string `toml:"path"`
	EvictionGraceMinutes int    `toml:"eviction_grace_minutes"`
	EvictIntervalMinutes int    `toml:"evict_interval_minutes"`
}

// Pipeline contains settings consumed by the reference analysis pipeline.
type Pipeline struct {
	StrategyVersion       string `toml:"strategy_version"`
	MetadataEndpoint      string `toml:"metadata_endpoint"`
	GeocodeEndpoint       string `toml:"geocode_endpoint"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Notify contains webhook notification settings.
type Notify struct {
	WebhookURL            string `toml:"webhook_url"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Daemon contains process-level paths for the daemon runtime.
type Daemon struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Config encapsulates all configuration values for vidatlas.
//
// Configuration sections by subsystem:
//   - Server: HTTP bind address, API token, poll rate limiting
//   - Pool: worker pool size and per-phase timeout
//   - Retry: transient-failure backoff policy
//   - Progress: heartbeat interval, subscriber queues, phase weights
//   - Cache: result cache path and TTL
//   - Registry: job database path and terminal-job eviction
//   - Pipeline: strategy version and analysis endpoints
//   - Notify: terminal-state webhook
//   - Logging: log format and level
//   - Daemon: data and log directories
type Config struct {
	Server   Server   `toml:"server"`
	Pool     Pool     `toml:"pool"`
	Retry    Retry    `toml:"retry"`
	Progress Progress `toml:"progress"`
	Cache    Cache    `toml:"cache"`
	Registry Registry `toml:"registry"`
	Pipeline Pipeline `toml:"pipeline"`
	Notify   Notify   `toml:"notify"`
	Logging  Logging  `toml:"logging"`
	Daemon   Daemon   `toml:"daemon"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/vidatlas/config.toml")
}

// Load locates and parses a configuration file, then validates it. The
// returned config has all path fields expanded and derived defaults filled in.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vidatlas.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Daemon.DataDir, c.Daemon.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	for _, path := range []string{c.Registry.Path, c.Cache.Path} {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create directory for %q: %w", path, err)
		}
	}
	return nil
}

// PhaseTimeout returns the per-phase execution deadline.
func (c *Config) PhaseTimeout() time.Duration {
	return time.Duration(c.Pool.PhaseTimeoutSeconds) * time.Second
}

// PollInterval returns how long idle pool runners wait between queue checks.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pool.PollIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the SSE keep-alive interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Progress.HeartbeatIntervalSeconds) * time.Second
}

// RetryBackoffBase returns the first retry delay.
func (c *Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseMS) * time.Millisecond
}

// RetryJitter returns the upper bound of random delay added to each retry.
func (c *Config) RetryJitter() time.Duration {
	return time.Duration(c.Retry.JitterMS) * time.Millisecond
}

// CacheTTL returns the default lifetime of cached results.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// CacheSweepInterval returns how often expired cache entries are swept.
func (c *Config) CacheSweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalMinutes) * time.Minute
}

// EvictionGrace returns how long terminal jobs stay readable in the registry.
func (c *Config) EvictionGrace() time.Duration {
	return time.Duration(c.Registry.EvictionGraceMinutes) * time.Minute
}

// EvictInterval returns how often the registry eviction pass runs.
func (c *Config) EvictInterval() time.Duration {
	return time.Duration(c.Registry.EvictIntervalMinutes) * time.Minute
}

// PipelineRequestTimeout returns the HTTP timeout used by analysis phases.
func (c *Config) PipelineRequestTimeout() time.Duration {
	return time.Duration(c.Pipeline.RequestTimeoutSeconds) * time.Second
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Daemon.DataDir, "vidatlasd.lock")
}

// PIDPath returns the daemon PID file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Daemon.DataDir, "vidatlasd.pid")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
