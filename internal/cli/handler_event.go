package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"majordomo.app/conductor/internal/eventlog"
	"majordomo.app/conductor/internal/model"
)

// handlerEventKinds maps the CLI shorthand to the wire event kind.
var handlerEventKinds = map[string]model.EventKind{
	"begun":     model.EventKindExecutionBegun,
	"completed": model.EventKindExecutionCompleted,
	"failed":    model.EventKindExecutionFailed,
}

// NewHandlerEventCommand creates the handler-event command
func NewHandlerEventCommand() *cobra.Command {
	var correlationID string
	var department string
	var reason string

	cmd := &cobra.Command{
		Use:   "handler-event <begun|completed|failed> <run-id>",
		Short: "Publish a department handler report for a run",
		Long: `Publish the event a department handler would emit at each stage of
execution. Useful for driving a run through its lifecycle without a real
handler attached.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			kind, ok := handlerEventKinds[args[0]]
			if !ok {
				return fmt.Errorf("unknown handler event %q (want begun, completed or failed)", args[0])
			}
			runID := args[1]

			cfg, client, err := openEventLog(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			ev := model.HandlerEvent{
				SchemaVersion: model.SchemaVersion,
				RunID:         runID,
				CorrelationID: correlationID,
				Department:    model.Department(department),
				EmittedAt:     time.Now().UTC(),
			}
			if reason != "" {
				ev.Reason = &reason
			}

			body, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encoding handler event: %w", err)
			}

			values := eventlog.EncodeMessage(kind, runID, body, 0, time.Now().UTC())
			messageID, err := client.XAdd(ctx, &redis.XAddArgs{
				Stream: cfg.EventLog.RunStream,
				Values: values,
			}).Result()
			if err != nil {
				return fmt.Errorf("publishing handler event: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s (%s for run %s)\n", messageID, kind, runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID carried through from the request")
	cmd.Flags().StringVar(&department, "department", "", "Department reporting the event")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason (failed events only)")

	return cmd
}
