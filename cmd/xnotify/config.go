package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	var show bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Load and validate configuration, failing on unresolved identities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if show {
				if cfg.Redis.Password != "" {
					cfg.Redis.Password = "********"
				}
				out, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: topic=%s transport=%s remediation=%s:%s grants=%d\n",
				cfg.Topic, cfg.Transport, cfg.Remediation.Kind, cfg.Remediation.Target, len(cfg.Grants))
			return nil
		},
	}
	check.Flags().BoolVar(&show, "show", false, "print the resolved configuration")
	cmd.AddCommand(check)
	return cmd
}
