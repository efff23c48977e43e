package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"routinesync/internal/agent"
	"routinesync/internal/logging"
)

func newAgentCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the local sync agent",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentProcess(cmd.Context(), ctx, cmd)
		},
	})

	return cmd
}

func runAgentProcess(cmdCtx context.Context, ctx *commandContext, cmd *cobra.Command) error {
	if ctx == nil {
		return fmt.Errorf("command context is required")
	}
	if cmdCtx == nil {
		cmdCtx = context.Background()
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewFromConfig(cfg, true)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if ctx.configExists {
		logger.Info("configuration loaded", logging.String("path", ctx.configPath))
	} else {
		logger.Info("no configuration file found; using defaults", logging.String("expected", ctx.configPath))
	}

	a, err := agent.New(signalCtx, cfg, agent.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close agent stores", logging.Error(err))
		}
	}()

	if err := a.Start(signalCtx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "routinesync agent listening on http://%s (Ctrl+C to stop)\n", a.Addr())

	<-signalCtx.Done()
	logger.Info("shutdown requested", logging.String(logging.FieldEventType, "agent_shutdown"))
	a.Stop()
	return nil
}
