package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"routinesync/internal/api"
	"routinesync/internal/config"
	"routinesync/internal/logging"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// agentClient returns a client for the configured agent. A nil client means
// no bind address is configured.
func (c *commandContext) agentClient() (*api.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	client, err := api.NewClient(cfg.Agent.Bind, cfg.Agent.Token)
	if err != nil {
		return nil, fmt.Errorf("agent client: %w", err)
	}
	return client, nil
}

// quietLogger logs warnings and errors only; direct store access from the
// CLI should not drown command output in info lines.
func (c *commandContext) quietLogger() *slog.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return logging.NewNop()
	}
	logger, err := logging.New(logging.Options{
		Level:            "warn",
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// withAgent runs online against the agent and falls back to offline when no
// agent is listening. A nil offline means the command requires the agent.
func withAgent[T any](ctx context.Context, c *commandContext, online func(*api.Client) (T, error), offline func() (T, error)) (T, error) {
	client, err := c.agentClient()
	if err != nil {
		var zero T
		return zero, err
	}
	result, err := online(client)
	if err == nil || !api.IsUnavailable(err) {
		return result, err
	}
	if offline == nil {
		var zero T
		return zero, fmt.Errorf("agent not reachable at %s; start it with `routinesync agent run`", c.config.Agent.Bind)
	}
	return offline()
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
