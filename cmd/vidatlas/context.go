package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"vidatlas/internal/client"
	"vidatlas/internal/config"
)

type commandContext struct {
	serverFlag *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(serverFlag, configFlag *string) *commandContext {
	return &commandContext{
		serverFlag: serverFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) baseURL() string {
	if c.serverFlag != nil {
		if server := strings.TrimSpace(*c.serverFlag); server != "" {
			return server
		}
	}
	bind := ""
	if cfg := c.configValue(); cfg != nil {
		bind = cfg.Server.Bind
	}
	return baseURLFromBind(bind)
}

// apiClient builds an HTTP client for the daemon API. Construction never
// dials; connection failures surface on the first request.
func (c *commandContext) apiClient() *client.Client {
	token := ""
	if cfg := c.configValue(); cfg != nil {
		token = cfg.Server.APIToken
	}
	return client.New(c.baseURL(), token)
}

func (c *commandContext) wrapRequestError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("connect to daemon at %s: connection refused; start it with `vidatlas daemon start`", c.baseURL())
	}
	return err
}

// baseURLFromBind turns a listener bind address into a dialable base URL.
// Wildcard hosts bind every interface but cannot be dialed, so they map to
// loopback.
func baseURLFromBind(bind string) string {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return "http://127.0.0.1:7641"
	}
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return "http://" + bind
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
