// ABOUTME: serve subcommand: prints the banner, loads config and runs the gateway
// ABOUTME: Blocks until the command context is canceled by SIGINT or SIGTERM

package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-control/internal/config"
	"github.com/2389/coven-control/internal/gateway"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			configPath := opts.path()

			color.New(color.FgCyan).Fprint(out, banner)
			color.New(color.FgHiBlack).Fprintf(out, "    version: %s\n\n", version)

			cfg, err := opts.load()
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.Logging, out)
			printStartup(out, configPath, cfg)

			logger.Info("starting coven-control",
				"config", configPath,
				"http_addr", cfg.Server.HTTPAddr,
				"generator", cfg.Generator.Provider,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func printStartup(out io.Writer, configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	line("Database", cfg.Database.Path)
	line("Generator", cfg.Generator.Provider)

	if cfg.Server.TLSEnabled() {
		gray.Fprintln(out, "      tls enabled")
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Fprintln(out, "    ! API authentication disabled (no jwt_secret)")
	}
	if cfg.Agents.RequireConfirmation {
		gray.Fprintln(out, "      commands require agent confirmation")
	}
	fmt.Fprintln(out)
}
