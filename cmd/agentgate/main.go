package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/config"
	"github.com/erkineren/agentgate/internal/logging"
)

type app struct {
	configFile string
	settings   *config.Settings
	logger     *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "agentgate",
		Short:         "Webhook gateway that turns GitHub, Jira, Slack and Sentry events into agent tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(a.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := logging.New(settings.LogLevel, settings.LogJSON)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			a.settings = settings
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "path to a YAML config file (default $"+config.EnvConfigFile+")")

	root.AddCommand(
		newServeCommand(a),
		newValidateTokenCommand(a),
		newWebhooksCommand(a),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
