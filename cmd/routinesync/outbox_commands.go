package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"routinesync/internal/api"
	"routinesync/internal/outbox"
	"routinesync/internal/syncer"
)

func newOutboxCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and manage queued writes",
	}

	cmd.AddCommand(newOutboxListCommand(ctx))
	cmd.AddCommand(newOutboxDrainCommand(ctx))
	cmd.AddCommand(newOutboxRetryCommand(ctx))
	cmd.AddCommand(newOutboxRemoveCommand(ctx))
	cmd.AddCommand(newOutboxClearCommand(ctx))

	return cmd
}

func newOutboxListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and dead-lettered writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make(map[string]bool, len(statuses))
			for _, raw := range statuses {
				status, ok := outbox.ParseStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q (use queued or dead)", raw)
				}
				filter[string(status)] = true
			}

			return ctx.withOutbox(cmd.Context(), cmd.ErrOrStderr(), func(ob outboxAPI) error {
				list, err := ob.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(filter) > 0 {
					kept := list.Records[:0]
					for _, rec := range list.Records {
						if filter[rec.Status] {
							kept = append(kept, rec)
						}
					}
					list.Records = kept
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, list)
				}
				printOutboxList(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (queued, dead)")
	return cmd
}

func printOutboxList(out io.Writer, list api.OutboxList) {
	if len(list.Records) == 0 {
		fmt.Fprintln(out, "Outbox is empty")
		return
	}
	rows := make([][]string, 0, len(list.Records))
	for _, rec := range list.Records {
		rows = append(rows, []string{
			strconv.FormatInt(rec.ID, 10),
			rec.Kind,
			rec.Status,
			rec.Title,
			strconv.Itoa(rec.Attempts),
			orDash(rec.NextAttemptAt),
			orDash(rec.LastError),
		})
	}
	fmt.Fprintln(out, renderTable([]column{
		{header: "ID", align: alignRight},
		{header: "Kind"},
		{header: "Status"},
		{header: "Title", maxWidth: 32},
		{header: "Attempts", align: alignRight},
		{header: "Next attempt"},
		{header: "Last error", maxWidth: 40},
	}, rows))
	fmt.Fprintf(out, "%d queued (%d due), %d dead\n", list.Stats.Queued, list.Stats.Due, list.Stats.Dead)
}

func newOutboxDrainCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send queued writes to the backend now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withOutbox(cmd.Context(), cmd.ErrOrStderr(), func(ob outboxAPI) error {
				result, err := ob.Drain(cmd.Context(), force)
				if err != nil {
					return describeSubmitError(err)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				printDrainResult(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Ignore retry backoff and try every queued write")
	return cmd
}

func printDrainResult(out io.Writer, result syncer.DrainResult) {
	if result.Offline {
		fmt.Fprintln(out, "Backend unreachable; nothing sent")
		return
	}
	fmt.Fprintf(out, "Attempted %d: %d delivered, %d failed, %d dead, %d deferred\n",
		result.Attempted, result.Delivered, result.Failed, result.Dead, result.Deferred)
	if len(result.Records) == 0 {
		return
	}
	rows := make([][]string, 0, len(result.Records))
	for _, rec := range result.Records {
		rows = append(rows, []string{strconv.FormatInt(rec.ID, 10), rec.Kind, rec.Outcome, orDash(rec.Error)})
	}
	fmt.Fprintln(out, renderTable([]column{
		{header: "ID", align: alignRight},
		{header: "Kind"},
		{header: "Outcome"},
		{header: "Error", maxWidth: 48},
	}, rows))
}

func newOutboxRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Requeue dead-lettered writes (all of them when no id is given)",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return ctx.withOutbox(cmd.Context(), cmd.ErrOrStderr(), func(ob outboxAPI) error {
				n, err := ob.Retry(cmd.Context(), ids...)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.CountResponse{Count: n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d write(s)\n", n)
				return nil
			})
		},
	}
}

func newOutboxRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete one queued write",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return ctx.withOutbox(cmd.Context(), cmd.ErrOrStderr(), func(ob outboxAPI) error {
				removed, err := ob.Remove(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.RemoveResponse{ID: ids[0], Removed: removed})
				}
				if !removed {
					fmt.Fprintf(cmd.OutOrStdout(), "Write %d not found\n", ids[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed write %d\n", ids[0])
				return nil
			})
		},
	}
}

func newOutboxClearCommand(ctx *commandContext) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every queued and dead-lettered write",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("clearing discards writes that were never delivered; pass --yes to confirm")
			}
			return ctx.withOutbox(cmd.Context(), cmd.ErrOrStderr(), func(ob outboxAPI) error {
				n, err := ob.Clear(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.CountResponse{Count: n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d write(s)\n", n)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid write id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
