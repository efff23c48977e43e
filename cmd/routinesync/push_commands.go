package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"routinesync/internal/api"
	"routinesync/internal/backend"
	"routinesync/internal/notifications"
	"routinesync/internal/push"
	"routinesync/internal/session"
)

func newPushCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Manage the push subscription",
	}

	cmd.AddCommand(newPushSubscribeCommand(ctx))
	cmd.AddCommand(newPushTestCommand(ctx))

	return cmd
}

func newPushSubscribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe",
		Short: "Create or reuse the push subscription and forward it to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := withAgent(cmd.Context(), ctx,
				func(client *api.Client) (*push.Subscription, error) {
					return client.SubscribePush(cmd.Context())
				},
				func() (*push.Subscription, error) {
					cfg := ctx.config
					client, err := backend.NewFromConfig(cfg)
					if err != nil {
						return nil, err
					}
					sess, err := session.NewResolver(cfg).Current()
					if err != nil {
						return nil, err
					}
					logger := ctx.quietLogger()
					mgr := push.NewManager(cfg, push.Options{
						Forwarder: client,
						Notifier:  notifications.NewService(cfg, logger),
						Prompter:  push.NewTerminalPrompter(),
						Logger:    logger,
					})
					return mgr.Subscribe(cmd.Context(), sess)
				},
			)
			if err != nil {
				return describeSubmitError(err)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, sub)
			}
			if sub == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Notification permission denied; no subscription created")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscribed: %s\n", sub.Endpoint)
			return nil
		},
	}
}

func newPushTestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Send a test notification through the configured display",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			notifier := notifications.NewService(cfg, ctx.quietLogger())
			if err := notifier.Publish(cmd.Context(), notifications.EventTest, nil); err != nil {
				return err
			}
			if cfg.Notifications.NtfyTopic == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No ntfy topic configured; notification logged only")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
			return nil
		},
	}
}
