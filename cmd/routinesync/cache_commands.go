package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"routinesync/internal/api"
	"routinesync/internal/shellcache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and reinstall the app shell cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List cache generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := withAgent(cmd.Context(), ctx,
				func(client *api.Client) (shellcache.Status, error) {
					return client.CacheStatus(cmd.Context())
				},
				func() (shellcache.Status, error) {
					return withLocalCache(cmd.Context(), ctx, func(mgr *shellcache.Manager) (shellcache.Status, error) {
						return mgr.Status(cmd.Context())
					})
				},
			)
			if err != nil {
				return err
			}
			return printCacheStatus(cmd, ctx, st)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Fetch the shell assets into a fresh generation and activate it",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := withAgent(cmd.Context(), ctx,
				func(client *api.Client) (shellcache.Status, error) {
					return client.InstallCache(cmd.Context())
				},
				func() (shellcache.Status, error) {
					return withLocalCache(cmd.Context(), ctx, func(mgr *shellcache.Manager) (shellcache.Status, error) {
						if err := mgr.Install(cmd.Context()); err != nil {
							return shellcache.Status{}, err
						}
						if _, err := mgr.Activate(cmd.Context()); err != nil {
							return shellcache.Status{}, err
						}
						return mgr.Status(cmd.Context())
					})
				},
			)
			if err != nil {
				return fmt.Errorf("install cache: %w", err)
			}
			return printCacheStatus(cmd, ctx, st)
		},
	})

	return cmd
}

func withLocalCache(ctx context.Context, c *commandContext, fn func(*shellcache.Manager) (shellcache.Status, error)) (shellcache.Status, error) {
	store, err := shellcache.OpenFromConfig(ctx, c.config)
	if err != nil {
		return shellcache.Status{}, err
	}
	defer store.Close()
	mgr, err := shellcache.NewManager(c.config, store, c.quietLogger())
	if err != nil {
		return shellcache.Status{}, err
	}
	return fn(mgr)
}

func printCacheStatus(cmd *cobra.Command, ctx *commandContext, st shellcache.Status) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, st)
	}
	writeCacheStatus(cmd.OutOrStdout(), st)
	return nil
}

func writeCacheStatus(out io.Writer, st shellcache.Status) {
	fmt.Fprintf(out, "Shell cache: %s (installed %s, active %s)\n", st.Shell, yesNo(st.Installed), yesNo(st.Activated))
	if len(st.Generations) == 0 {
		fmt.Fprintln(out, "No cache generations stored")
		return
	}
	rows := make([][]string, 0, len(st.Generations))
	for _, gen := range st.Generations {
		current := ""
		if gen.Name == st.Shell || gen.Name == st.Dynamic {
			current = "current"
		}
		rows = append(rows, []string{gen.Name, strconv.Itoa(gen.Entries), strconv.FormatInt(gen.Bytes, 10), current})
	}
	fmt.Fprintln(out, renderTable([]column{
		{header: "Generation"},
		{header: "Entries", align: alignRight},
		{header: "Bytes", align: alignRight},
		{header: ""},
	}, rows))
}
