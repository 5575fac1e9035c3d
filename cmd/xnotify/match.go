package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xnotify/config"
)

func newMatchCmd(g *globalFlags) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Run only the log matcher and escalation forwarder",
		Long: `Runs the log matcher against the configured log store until interrupted.
Only useful with a shared store (log.store: redis) that a separate
"serve" process writes to.

The checkpoint logged on shutdown can be passed back with --from to resume
without skipping lines written in between.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := g.build(ctx, cmd, func(c *config.Config) {
				if cmd.Flags().Changed("from") {
					c.Log.Checkpoint = from
				}
			})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			a.Logger.Info().
				Str("source", a.Config.Log.Source).
				Str("target", a.Forwarder.Target()).
				Str("from", a.Matcher.Checkpoint()).
				Msg("matching")
			err = a.Matcher.Run(ctx)
			st := a.Matcher.Stats()
			a.Logger.Info().
				Str("checkpoint", a.Matcher.Checkpoint()).
				Str("scanned", strconv.FormatUint(st.Scanned, 10)).
				Str("matched", strconv.FormatUint(st.Matched, 10)).
				Str("failed", strconv.FormatUint(st.Failed, 10)).
				Msg("matcher stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", `checkpoint to resume from ("$" for new lines, "0" for all retained); overrides log.checkpoint`)
	return cmd
}
