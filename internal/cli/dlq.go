package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"majordomo.app/conductor/internal/eventlog"
	"majordomo.app/conductor/internal/idempotency"
)

// NewDLQCommand creates the dlq command group
func NewDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead lettered events",
	}

	cmd.AddCommand(newDLQListCommand(), newDLQShowCommand(), newDLQRequeueCommand())
	return cmd
}

func newDLQListCommand() *cobra.Command {
	var limit int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, client, err := openEventLog(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := eventlog.ListDeadLetters(ctx, client, cfg.EventLog.DLQStream, limit)
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "dead letter stream is empty")
				return nil
			}

			for _, entry := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  kind=%s key=%s attempts=%d error=%q\n",
					entry.ID, entry.Kind, entry.IdempotencyKey, entry.AttemptCount, entry.LastError)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&limit, "limit", 0, "Maximum entries to return (default 50)")

	return cmd
}

func newDLQShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <entry-id>",
		Short: "Show one dead letter entry including its original payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, client, err := openEventLog(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			entry, err := eventlog.GetDeadLetter(ctx, client, cfg.EventLog.DLQStream, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, entry)
		},
	}
}

func newDLQRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <entry-id>",
		Short: "Move a dead letter entry back onto the run stream",
		Long: `Republish a dead lettered event with a fresh retry budget. The entry's
idempotency marker is cleared first so the conductor processes the
redelivery instead of skipping it as a duplicate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, client, err := openEventLog(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			guard := idempotency.NewRedisGuard(client, cfg.Idem.TTL)
			messageID, err := eventlog.RequeueDeadLetter(ctx, client, cfg.EventLog.DLQStream, cfg.EventLog.RunStream, args[0], guard)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "requeued as %s\n", messageID)
			return nil
		},
	}
}
