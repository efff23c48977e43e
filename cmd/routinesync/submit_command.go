package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"routinesync/internal/outbox"
	"routinesync/internal/syncer"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		kind     string
		title    string
		weekdays []string
		fields   []string
		rawJSON  string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a resource, queueing it when the backend is unreachable",
		Example: `  routinesync submit --kind habito --title "Leer 20 minutos" --weekday lunes --weekday jueves
  routinesync submit --kind tarea --payload '{"titulo":"Comprar pan","prioridad":"alta"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := buildPayload(rawJSON, title, weekdays, fields)
			if err != nil {
				return err
			}
			req := syncer.Request{Kind: kind, Payload: payload}

			return ctx.withOutbox(cmd.Context(), cmd.ErrOrStderr(), func(ob outboxAPI) error {
				outcome, err := ob.Submit(cmd.Context(), req)
				if err != nil {
					return describeSubmitError(err)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, outcome)
				}
				out := cmd.OutOrStdout()
				switch {
				case outcome.Delivered:
					fmt.Fprintf(out, "Created %s\n", outcome.Kind)
				case outcome.Queued && outcome.Operation != nil:
					fmt.Fprintf(out, "Queued %s as write %d (%s)\n", outcome.Kind, outcome.Operation.ID, orDash(outcome.Reason))
				default:
					fmt.Fprintf(out, "Queued %s (%s)\n", outcome.Kind, orDash(outcome.Reason))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Resource kind (mapped through [outbox.kinds])")
	cmd.Flags().StringVarP(&title, "title", "t", "", "Resource title")
	cmd.Flags().StringSliceVarP(&weekdays, "weekday", "w", nil, "Weekday tag (repeatable)")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "Extra payload field as key=value (repeatable)")
	cmd.Flags().StringVar(&rawJSON, "payload", "", "Full JSON payload; flags override its fields")
	return cmd
}

func buildPayload(rawJSON, title string, weekdays, fields []string) (outbox.Payload, error) {
	payload := outbox.Payload{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &payload); err != nil {
			return nil, fmt.Errorf("parse --payload: %w", err)
		}
		if payload == nil {
			payload = outbox.Payload{}
		}
	}
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --field %q (want key=value)", field)
		}
		payload[key] = value
	}
	if strings.TrimSpace(title) != "" {
		payload[outbox.FieldTitle] = title
	}
	if len(weekdays) > 0 {
		payload[outbox.FieldWeekdays] = weekdays
	}
	return payload, nil
}
