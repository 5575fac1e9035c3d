package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xnotify"
	"github.com/trickstertwo/xnotify/dispatch"
)

func newSubmitCmd(g *globalFlags) *cobra.Command {
	var (
		subject string
		message string
		raw     string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish one notification and print the result",
		Example: `  xnotify submit --subject "Disk" --message "disk 95% full on db-1"
  xnotify submit --event '{"subject":"Deploy","message":"v2 rolled out","service":"api"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := buildEvent(raw, subject, message, cmd.Flags().Changed("subject"), cmd.Flags().Changed("message"))
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := g.build(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			receipt, err := a.Dispatcher.Submit(ctx, ev)
			if err != nil {
				return fmt.Errorf("%w (retryable: %t)", err, xnotify.Retryable(err))
			}
			out, err := json.MarshalIndent(receipt.Result(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "notification subject")
	cmd.Flags().StringVar(&message, "message", "", "notification body")
	cmd.Flags().StringVar(&raw, "event", "", "full event as a JSON object")
	return cmd
}

// buildEvent merges --event with the explicit --subject and --message flags,
// which take precedence.
func buildEvent(raw, subject, message string, hasSubject, hasMessage bool) (dispatch.Event, error) {
	ev := dispatch.Event{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("%w: --event: %w", xnotify.ErrMalformed, err)
		}
		if ev == nil {
			return nil, fmt.Errorf("%w: --event must be a JSON object", xnotify.ErrMalformed)
		}
	}
	if hasSubject {
		ev["subject"] = subject
	}
	if hasMessage {
		ev["message"] = message
	}
	return ev, nil
}
