// Package status publishes run transitions back onto the log. The producer
// API, the dashboard and the department handlers all observe runs through
// this stream rather than querying the orchestrator.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"majordomo.app/conductor/common/logger"
	"majordomo.app/conductor/internal/eventlog"
	"majordomo.app/conductor/internal/model"
)

type Emitter struct {
	log    eventlog.Log
	stream string
}

func NewEmitter(log eventlog.Log, stream string) *Emitter {
	return &Emitter{log: log, stream: stream}
}

// Emit publishes the run's current status. Reason is carried only on
// failure events.
func (e *Emitter) Emit(ctx context.Context, r *model.Run, reason *string) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:         &r.RunID,
		CorrelationID: &r.CorrelationID,
		Component:     "conductor.status",
	})

	event := model.StatusEvent{
		SchemaVersion: model.SchemaVersion,
		RunID:         r.RunID,
		Status:        r.Status,
		CorrelationID: r.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Reason:        reason,
	}

	id, err := e.log.Publish(ctx, e.stream, eventlog.EncodeStatus(event))
	if err != nil {
		return fmt.Errorf("publishing status event: %w", err)
	}

	slog.InfoContext(ctx, "status event published",
		"status", string(r.Status),
		"stream", e.stream,
		"message_id", id)
	return nil
}
