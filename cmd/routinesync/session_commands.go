package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"routinesync/internal/api"
	"routinesync/internal/session"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the signed-in identity used for writes",
	}

	cmd.AddCommand(newSessionSetCommand(ctx))
	cmd.AddCommand(newSessionShowCommand(ctx))
	cmd.AddCommand(newSessionClearCommand(ctx))

	return cmd
}

func newSessionSetCommand(ctx *commandContext) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Store the user id (and optional token) for subsequent writes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			resolver := session.NewResolver(cfg)
			sess := session.Session{UserID: args[0], Token: token, Source: session.SourceFile}
			if err := resolver.Save(sess); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, api.FromSession(sess, nil))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session saved to %s\n", resolver.Path())
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Bearer token sent with backend requests")
	return cmd
}

func newSessionShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			status := api.FromSession(session.NewResolver(cfg).Current())
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:   %s\n", orDash(status.UserID))
			fmt.Fprintf(out, "Token:  %s\n", orDash(status.Token))
			fmt.Fprintf(out, "Source: %s\n", status.Source)
			fmt.Fprintf(out, "Valid:  %s\n", yesNo(status.Valid))
			if status.Error != "" {
				fmt.Fprintf(out, "Error:  %s\n", status.Error)
			}
			return nil
		},
	}
}

func newSessionClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored session file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := session.NewResolver(cfg).Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Session cleared")
			return nil
		},
	}
}
