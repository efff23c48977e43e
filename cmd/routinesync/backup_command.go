package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"routinesync/internal/backend"
	"routinesync/internal/config"
	"routinesync/internal/logging"
	"routinesync/internal/notifications"
	"routinesync/internal/session"
)

func newBackupCommand(ctx *commandContext) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Download the account archive (respaldo-YYYY-MM-DD.zip)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			target := strings.TrimSpace(dir)
			if target == "" {
				target = cfg.Paths.DownloadDir
			} else if target, err = config.ExpandPath(target); err != nil {
				return fmt.Errorf("resolve backup directory: %w", err)
			}

			sess, err := session.NewResolver(cfg).Current()
			if err != nil {
				return err
			}
			if err := sess.Validate(); err != nil {
				return describeSubmitError(err)
			}
			client, err := backend.NewFromConfig(cfg)
			if err != nil {
				return err
			}
			result, err := client.Backup(cmd.Context(), sess, target, time.Now())
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}

			logger := ctx.quietLogger()
			notifier := notifications.NewService(cfg, logger)
			if err := notifier.Publish(cmd.Context(), notifications.EventBackupSaved, notifications.Payload{"path": result.Path}); err != nil {
				logger.Warn("backup notification failed", logging.Error(err))
			}

			if ctx.jsonOutput() {
				return writeJSON(cmd, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes, sha256 %s)\n", result.Path, result.Bytes, result.SHA256)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Target directory (default [paths].download_dir)")
	return cmd
}
