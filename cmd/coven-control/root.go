// ABOUTME: Root cobra command and the flags shared by every subcommand
// ABOUTME: Resolves the config path from --config or the environment

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/2389/coven-control/internal/config"
)

type options struct {
	configPath string
}

// path returns the --config value, or the default location when unset.
func (o *options) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath()
}

func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.path())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "coven-control",
		Short:         "Remote command gateway for coven agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default $COVEN_CONTROL_CONFIG or ~/.config/coven/control.yaml)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newTokenCmd(opts),
		newHashTokenCmd(),
		newHealthCmd(opts),
		newAgentsCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
