// Package cli implements runctl, the operator tool for the run pipeline.
// Commands talk to Redis and Postgres directly so they keep working while
// the conductor daemon is down.
package cli

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"majordomo.app/conductor/core/config"
)

// Execute runs the CLI
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runctl",
		Short: "Operator tooling for the automation run pipeline",
		Long: `runctl publishes events, inspects runs and manages the dead letter
stream. Connection settings come from the environment (EVENT_LOG_URL,
RUN_STORE_URL) or a local .env file.

Examples:
  runctl publish research.market.competitors
  runctl handler-event completed 4f2c9a
  runctl run get 4f2c9a
  runctl dlq list
  runctl dlq requeue 1718900000000-0
  runctl schema status_event`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		NewPublishCommand(),
		NewHandlerEventCommand(),
		NewRunCommand(),
		NewDLQCommand(),
		NewSchemaCommand(),
	)

	return cmd
}

// openEventLog loads configuration and connects to Redis. Callers own the
// returned client.
func openEventLog(ctx context.Context) (config.Config, *redis.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}

	opts, err := redis.ParseURL(cfg.EventLog.URL)
	if err != nil {
		return config.Config{}, nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return config.Config{}, nil, err
	}

	return cfg, client, nil
}
