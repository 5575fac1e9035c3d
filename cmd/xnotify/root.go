package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xnotify/config"
	"github.com/trickstertwo/xnotify/internal/app"
)

type globalFlags struct {
	configFile string
	envFiles   []string
	debug      bool
	console    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "xnotify",
		Short: "Notification dispatcher with log-driven escalation",
		Long: `xnotify publishes notification events to a topic, records the outcome of
every publish on a log stream, and escalates matching log lines to a
remediation target.

Configuration comes from --config (YAML), .env files and XNOTIFY_*
environment variables.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", []string{".env"}, ".env files to load (missing files are skipped)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&g.console, "console", false, "human-readable log output")

	root.AddCommand(
		newServeCmd(g),
		newSubmitCmd(g),
		newMatchCmd(g),
		newConfigCmd(g),
	)
	return root
}

func (g *globalFlags) load() (config.Config, error) {
	return config.Load(g.configFile, g.envFiles...)
}

func (g *globalFlags) logger(w io.Writer) *xlog.Logger {
	level := xlog.LevelInfo
	if g.debug {
		level = xlog.LevelDebug
	}
	return zerolog.Use(zerolog.Config{
		MinLevel:          level,
		Console:           g.console,
		ConsoleTimeFormat: time.RFC3339,
		Caller:            g.debug,
		CallerSkip:        5,
		Writer:            w,
	}).With(xlog.Str("app", "xnotify"))
}

// build loads and validates configuration and wires the application.
// Overrides apply command-line flags on top of the loaded configuration.
func (g *globalFlags) build(ctx context.Context, cmd *cobra.Command, overrides ...func(*config.Config)) (*app.App, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	return app.New(ctx, cfg, g.logger(cmd.ErrOrStderr()))
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
