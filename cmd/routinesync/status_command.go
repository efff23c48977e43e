package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"routinesync/internal/api"
	"routinesync/internal/backend"
	"routinesync/internal/config"
	"routinesync/internal/connectivity"
	"routinesync/internal/outbox"
	"routinesync/internal/push"
	"routinesync/internal/session"
	"routinesync/internal/shellcache"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent, outbox, cache, and push status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := withAgent(cmd.Context(), ctx,
				func(client *api.Client) (api.Status, error) {
					return client.Status(cmd.Context())
				},
				func() (api.Status, error) {
					return localStatus(cmd.Context(), ctx.config, ctx.quietLogger())
				},
			)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

// localStatus assembles status from on-disk state when no agent is running.
func localStatus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (api.Status, error) {
	client, err := backend.NewFromConfig(cfg)
	if err != nil {
		return api.Status{}, err
	}
	st := api.Status{
		Backend:      client.BaseURL().String(),
		Online:       connectivity.New(cfg, client, logger).ProbeNow(ctx),
		Session:      api.FromSession(session.NewResolver(cfg).Current()),
		OutboxPath:   cfg.OutboxPath(),
		LockFilePath: cfg.LockPath(),
	}

	store, err := outbox.OpenFromConfig(ctx, cfg)
	if err != nil {
		return api.Status{}, err
	}
	defer store.Close()
	stats, err := store.Stats(ctx)
	if err != nil {
		return api.Status{}, err
	}
	st.Outbox = api.FromStats(stats)
	if st.SyncTags, err = store.SyncTags(ctx); err != nil {
		return api.Status{}, err
	}

	cacheStore, err := shellcache.OpenFromConfig(ctx, cfg)
	if err != nil {
		return api.Status{}, err
	}
	defer cacheStore.Close()
	cache, err := shellcache.NewManager(cfg, cacheStore, logger)
	if err != nil {
		return api.Status{}, err
	}
	if st.Cache, err = cache.Status(ctx); err != nil {
		return api.Status{}, err
	}

	pushState, err := push.NewManager(cfg, push.Options{Logger: logger}).State()
	if err != nil {
		return api.Status{}, err
	}
	st.Push = api.FromPushState(cfg.Push.Enabled, cfg.Push.Permission, pushState)
	return st, nil
}
