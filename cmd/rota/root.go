package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/rota/internal/config"
)

type rootOptions struct {
	configPath string
}

// newRootCmd builds the noun/verb command tree:
//
//	rota system start
//	rota config check
//	rota worker run
//	rota job submit
//	rota version
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "rota",
		Short:         "Capability-routed job dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "configuration file (default: $ROTA_CONFIG, ./rota.yaml, ~/.config/rota/config.yaml)")

	system := &cobra.Command{Use: "system", Short: "Dispatcher lifecycle"}
	system.AddCommand(newSystemStartCmd(opts))

	cfg := &cobra.Command{Use: "config", Short: "Configuration validation"}
	cfg.AddCommand(newConfigCheckCmd(opts))

	worker := &cobra.Command{Use: "worker", Short: "Run a worker that serves jobs"}
	worker.AddCommand(newWorkerRunCmd(opts))

	job := &cobra.Command{Use: "job", Short: "Submit jobs to the dispatcher"}
	job.AddCommand(newJobSubmitCmd(opts))

	root.AddCommand(system, cfg, worker, job, &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rota version %s\n", version)
		},
	})
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
