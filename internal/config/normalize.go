package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeDaemon(); err != nil {
		return err
	}
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeProgress()
	c.normalizeLogging()
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	c.Pipeline.StrategyVersion = strings.TrimSpace(c.Pipeline.StrategyVersion)
	c.Notify.WebhookURL = strings.TrimSpace(c.Notify.WebhookURL)
	return nil
}

func (c *Config) normalizeDaemon() error {
	var err error
	if strings.TrimSpace(c.Daemon.DataDir) == "" {
		c.Daemon.DataDir = defaultDataDir
	}
	if c.Daemon.DataDir, err = expandPath(c.Daemon.DataDir); err != nil {
		return fmt.Errorf("daemon.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Daemon.LogDir) == "" {
		c.Daemon.LogDir = filepath.Join(c.Daemon.DataDir, "logs")
	}
	if c.Daemon.LogDir, err = expandPath(c.Daemon.LogDir); err != nil {
		return fmt.Errorf("daemon.log_dir: %w", err)
	}
	return nil
}

// normalizeStorage derives registry and cache file locations from the data
// directory when they are not set explicitly.
func (c *Config) normalizeStorage() error {
	var err error
	if strings.TrimSpace(c.Registry.Path) == "" {
		c.Registry.Path = filepath.Join(c.Daemon.DataDir, "jobs.db")
	}
	if c.Registry.Path, err = expandPath(c.Registry.Path); err != nil {
		return fmt.Errorf("registry.path: %w", err)
	}
	if strings.TrimSpace(c.Cache.Path) == "" {
		c.Cache.Path = filepath.Join(c.Daemon.DataDir, "results.json")
	}
	if c.Cache.Path, err = expandPath(c.Cache.Path); err != nil {
		return fmt.Errorf("cache.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeProgress() {
	if len(c.Progress.Weights) == 0 {
		c.Progress.Weights = DefaultWeights()
	}
	trimmed := make(map[string]int, len(c.Progress.Weights))
	for name, weight := range c.Progress.Weights {
		trimmed[strings.TrimSpace(name)] = weight
	}
	c.Progress.Weights = trimmed
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
