package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"majordomo.app/conductor/internal/eventlog"
	"majordomo.app/conductor/internal/model"
)

// NewPublishCommand creates the publish command
func NewPublishCommand() *cobra.Command {
	var runID string
	var correlationID string
	var idempotencyKey string
	var payload string

	cmd := &cobra.Command{
		Use:   "publish <intent>",
		Short: "Publish a run request onto the run stream",
		Long: `Publish a run request the way a producer service would. Generated
run and correlation IDs are printed so follow-up commands can reference
them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if payload != "" && !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload must be valid JSON")
			}

			cfg, client, err := openEventLog(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if runID == "" {
				runID = uuid.NewString()
			}
			if correlationID == "" {
				correlationID = uuid.NewString()
			}

			req := model.RunRequest{
				SchemaVersion:  model.SchemaVersion,
				RunID:          runID,
				Intent:         args[0],
				CorrelationID:  correlationID,
				IdempotencyKey: idempotencyKey,
				CreatedAt:      time.Now().UTC(),
			}
			if payload != "" {
				req.Payload = json.RawMessage(payload)
			}

			body, err := json.Marshal(req)
			if err != nil {
				return fmt.Errorf("encoding run request: %w", err)
			}

			values := eventlog.EncodeMessage(model.EventKindRunRequested, req.Key(), body, 0, time.Now().UTC())
			messageID, err := client.XAdd(ctx, &redis.XAddArgs{
				Stream: cfg.EventLog.RunStream,
				Values: values,
			}).Result()
			if err != nil {
				return fmt.Errorf("publishing run request: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", messageID)
			fmt.Fprintf(cmd.OutOrStdout(), "run_id:         %s\n", runID)
			fmt.Fprintf(cmd.OutOrStdout(), "correlation_id: %s\n", correlationID)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run ID (default: random UUID)")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID (default: random UUID)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key (default: the run ID)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload forwarded to the department handler")

	return cmd
}
