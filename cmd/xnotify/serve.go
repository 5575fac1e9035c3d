package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the log matcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := g.build(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			srv := &http.Server{
				Addr:              a.Config.HTTP.Addr,
				Handler:           a.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error { return a.Matcher.Run(ctx) })
			eg.Go(func() error {
				a.Logger.Info().Str("addr", srv.Addr).Str("topic", a.Config.Topic).Msg("listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			err = eg.Wait()
			a.Logger.Info().Msg("stopped")
			return err
		},
	}
}
