package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"routinesync/internal/api"
	"routinesync/internal/outbox"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [tag]",
		Short: "Register a background sync (dispatched when the agent is online)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			tag := cfg.Sync.Tag
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				tag = strings.TrimSpace(args[0])
			}

			resp, err := withAgent(cmd.Context(), ctx,
				func(client *api.Client) (api.SyncResponse, error) {
					return client.RequestSync(cmd.Context(), tag)
				},
				func() (api.SyncResponse, error) {
					store, err := outbox.OpenFromConfig(cmd.Context(), cfg)
					if err != nil {
						return api.SyncResponse{}, err
					}
					defer store.Close()
					if err := store.RegisterSync(cmd.Context(), tag); err != nil {
						return api.SyncResponse{}, err
					}
					return api.SyncResponse{Tag: tag, Registered: true}, nil
				},
			)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			if resp.Dispatched {
				fmt.Fprintf(cmd.OutOrStdout(), "Sync %q dispatched\n", resp.Tag)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sync %q registered; it runs when connectivity returns\n", resp.Tag)
			return nil
		},
	}
}
