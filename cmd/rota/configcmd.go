package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCheckCmd(opts *rootOptions) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			source := cfg.SourcePath
			if source == "" {
				source = "(built-in defaults)"
			}
			fmt.Fprintf(out, "Configuration valid: %s\n", source)
			if cfg.Digest != "" {
				fmt.Fprintf(out, "BLAKE3: %s\n", cfg.Digest)
			}

			if show {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("render config: %w", err)
				}
				fmt.Fprintf(out, "---\n%s", data)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print the effective configuration")
	return cmd
}
