package preflight

import (
	"context"
	"path/filepath"
	"strings"

	"vidatlas/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckConfig(cfg))
	results = append(results, CheckDirectoryAccess("Data directory", cfg.Daemon.DataDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Daemon.LogDir))

	// Registry and cache files may live outside the data dir; check their
	// parents when they do.
	for _, extra := range []struct {
		name string
		path string
	}{
		{"Registry directory", cfg.Registry.Path},
		{"Cache directory", cfg.Cache.Path},
	} {
		dir := filepath.Dir(extra.path)
		if dir != cfg.Daemon.DataDir {
			results = append(results, CheckDirectoryAccess(extra.name, dir))
		}
	}

	if strings.TrimSpace(cfg.Notify.WebhookURL) != "" {
		results = append(results, CheckWebhook(ctx, cfg.Notify.WebhookURL))
	}

	return results
}

// Failed filters a result set down to its failures.
func Failed(results []Result) []Result {
	var failed []Result
	for _, result := range results {
		if !result.Passed {
			failed = append(failed, result)
		}
	}
	return failed
}
