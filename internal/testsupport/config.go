package testsupport

import (
	"path/filepath"
	"testing"

	"vidatlas/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Daemon.DataDir = filepath.Join(base, "data")
	cfgVal.Daemon.LogDir = filepath.Join(base, "logs")
	cfgVal.Registry.Path = filepath.Join(base, "data", "jobs.db")
	cfgVal.Cache.Path = filepath.Join(base, "data", "results.json")
	cfgVal.Server.Bind = "127.0.0.1:0"
	cfgVal.Pool.PollIntervalSeconds = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithPoolSize sets the worker pool size on the test config.
func WithPoolSize(size int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pool.Size = size
	}
}

// WithWeights overrides the phase weight table on the test config.
func WithWeights(weights map[string]int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Progress.Weights = weights
	}
}

// WithStrategyVersion overrides the analysis strategy version.
func WithStrategyVersion(version string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.StrategyVersion = version
	}
}

// WithAPIToken enables bearer authentication on the test config.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.APIToken = token
	}
}

// WithRateLimit overrides the polling rate limit on the test config.
func WithRateLimit(perSecond float64, burst int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.RateLimitPerSecond = perSecond
		b.cfg.Server.RateLimitBurst = burst
	}
}

// WithHeartbeatSeconds shortens the SSE heartbeat interval for stream tests.
func WithHeartbeatSeconds(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Progress.HeartbeatIntervalSeconds = seconds
	}
}

// WithFastRetry shrinks retry backoff so transient-failure tests finish
// quickly.
func WithFastRetry(maxAttempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Retry.BackoffBaseMS = 1
		b.cfg.Retry.BackoffFactor = 1
		b.cfg.Retry.MaxAttempts = maxAttempts
		b.cfg.Retry.JitterMS = 0
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Daemon.DataDir)
}
