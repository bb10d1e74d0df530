package main

import (
	"fmt"

	"github.com/Sternrassler/gh-harvester/pkg/config"
	"github.com/Sternrassler/gh-harvester/pkg/logging"
	"github.com/spf13/cobra"
)

// newRootCmd creates the root command. Configuration is loaded once in
// PersistentPreRunE and shared with the subcommands through cfg.
func newRootCmd() *cobra.Command {
	var (
		cfg        config.Config
		configPath string
		logLevel   string
		logPretty  bool
	)

	cmd := &cobra.Command{
		Use:   "gh-harvest",
		Short: "Harvest GitHub collections across a rotating credential pool",
		Long: `gh-harvest pages through GitHub pull requests, issues, commits and comments.

Credentials come from the token service (TEAM_IDS + GHTOKEN_SERVICE_BEARER),
from GITHUB_TOKENS, or from a single GITHUB_TOKEN. Rate limited credentials are
rotated, revoked ones are refreshed once and then dropped from the pool.`,
		Example: `  # Harvest closed pull requests of two repositories
  gh-harvest harvest --repo octo/hello --repo octo/world > pulls.jsonl

  # Harvest issues and comments with settings from a file
  gh-harvest harvest --config harvest.yaml --resource issues --resource comments

  # Show the quota of every credential
  gh-harvest tokens`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				loaded.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-pretty") {
				loaded.LogPretty = logPretty
			}

			level, err := logging.ParseLevel(loaded.LogLevel)
			if err != nil {
				return err
			}
			logging.Setup(logging.Config{
				Level:  level,
				Pretty: loaded.LogPretty,
				Output: cmd.ErrOrStderr(),
			})

			cfg = loaded
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML file overlaid on the environment")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&logPretty, "log-pretty", false, "human-readable log output")

	cmd.AddCommand(newHarvestCmd(&cfg), newTokensCmd(&cfg))

	return cmd
}
