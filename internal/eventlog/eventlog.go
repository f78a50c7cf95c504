// Package eventlog abstracts the durable, ordered, replayable log the
// orchestrator consumes from and publishes to. The interface deliberately
// hides the log technology so the orchestration logic and its tests never
// touch a live broker.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"majordomo.app/conductor/internal/model"
)

// Message is one parsed envelope delivered from the run stream.
type Message struct {
	ID             string
	Kind           model.EventKind
	SchemaVersion  int
	IdempotencyKey string
	Retries        int
	Payload        json.RawMessage
	FirstSeenAt    time.Time

	// NotBefore is set on requeued messages. Consumers hold the message
	// unacked until this instant so backoff survives a crash.
	NotBefore time.Time
}

// Log is the durable log client. Consumer group and consumer name are bound
// at construction; messages are delivered to exactly one group member at a
// time but possibly more than once overall, so every consumer must be
// idempotent.
type Log interface {
	// Read blocks up to the configured block timeout and returns whatever
	// is available up to the configured batch size. An empty result is not
	// an error.
	Read(ctx context.Context) ([]Message, error)

	// Ack marks a message durably processed for the group. Acking twice is
	// a no-op.
	Ack(ctx context.Context, messageID string) error

	// ClaimStale reassigns messages delivered to some consumer but not
	// acked within the configured idle window. This is what makes delivery
	// at-least-once across process crashes.
	ClaimStale(ctx context.Context) ([]Message, error)

	// Publish appends an event to a stream, preserving order within it.
	Publish(ctx context.Context, stream string, values map[string]any) (string, error)
}

// HealthReporter receives connection outcomes and backlog gauges from the
// log client. Mirrors health.Tracker - defined here so the client stays
// broker-agnostic.
type HealthReporter interface {
	ReportLogFailure(err error)
	ReportLogSuccess()
	SetConsumerLag(d time.Duration)
	SetReclaimBacklog(n int)
}

// Stream envelope field names. Payload carries the JSON event document; the
// rest are flat so requeue and DLQ handling never need a full decode.
const (
	fieldKind           = "kind"
	fieldSchemaVersion  = "schema_version"
	fieldIdempotencyKey = "idempotency_key"
	fieldRetries        = "retries"
	fieldPayload        = "payload"
	fieldFirstSeenAt    = "first_seen_at"
	fieldNotBefore      = "not_before"
)

// EncodeMessage builds the stream values map for a run-stream envelope.
func EncodeMessage(kind model.EventKind, idempotencyKey string, payload []byte, retries int, firstSeen time.Time) map[string]any {
	return map[string]any{
		fieldKind:           string(kind),
		fieldSchemaVersion:  model.SchemaVersion,
		fieldIdempotencyKey: idempotencyKey,
		fieldRetries:        retries,
		fieldPayload:        string(payload),
		fieldFirstSeenAt:    firstSeen.UTC().Format(time.RFC3339Nano),
	}
}

// EncodeRequeue builds the stream values for a retry redelivery of msg. The
// retry count is bumped and NotBefore tells consumers how long to hold the
// message before the next attempt.
func EncodeRequeue(msg Message, retries int, notBefore time.Time) map[string]any {
	values := EncodeMessage(msg.Kind, msg.IdempotencyKey, msg.Payload, retries, msg.FirstSeenAt)
	values[fieldNotBefore] = notBefore.UTC().Format(time.RFC3339Nano)
	return values
}

// ParseMessage decodes raw stream values into a Message. A parse failure
// marks the envelope poison: the caller acks it and moves on.
func ParseMessage(id string, values map[string]any) (Message, error) {
	kindStr, err := stringValue(values, fieldKind)
	if err != nil {
		return Message{}, err
	}
	kind := model.EventKind(kindStr)
	if !kind.IsValid() {
		return Message{}, fmt.Errorf("unknown kind %q", kindStr)
	}

	version, err := intValue(values, fieldSchemaVersion)
	if err != nil {
		return Message{}, err
	}

	key, err := stringValue(values, fieldIdempotencyKey)
	if err != nil {
		return Message{}, err
	}

	payload, err := stringValue(values, fieldPayload)
	if err != nil {
		return Message{}, err
	}

	retries, err := optionalIntValue(values, fieldRetries)
	if err != nil {
		return Message{}, err
	}

	firstSeen, err := optionalTimeValue(values, fieldFirstSeenAt)
	if err != nil {
		return Message{}, err
	}

	notBefore, err := optionalTimeValue(values, fieldNotBefore)
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:             id,
		Kind:           kind,
		SchemaVersion:  version,
		IdempotencyKey: key,
		Retries:        retries,
		Payload:        json.RawMessage(payload),
		FirstSeenAt:    firstSeen,
		NotBefore:      notBefore,
	}, nil
}

// EncodeStatus builds flat stream values for a StatusEvent so dashboards can
// tail the status stream without decoding nested JSON.
func EncodeStatus(ev model.StatusEvent) map[string]any {
	values := map[string]any{
		fieldSchemaVersion: ev.SchemaVersion,
		"run_id":           ev.RunID,
		"status":           string(ev.Status),
		"correlation_id":   ev.CorrelationID,
		"timestamp":        ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if ev.Reason != nil {
		values["reason"] = *ev.Reason
	}
	return values
}

// ParseStatus decodes status stream values back into a StatusEvent.
func ParseStatus(values map[string]any) (model.StatusEvent, error) {
	runID, err := stringValue(values, "run_id")
	if err != nil {
		return model.StatusEvent{}, err
	}
	status, err := stringValue(values, "status")
	if err != nil {
		return model.StatusEvent{}, err
	}
	correlationID, err := stringValue(values, "correlation_id")
	if err != nil {
		return model.StatusEvent{}, err
	}
	version, err := optionalIntValue(values, fieldSchemaVersion)
	if err != nil {
		return model.StatusEvent{}, err
	}
	timestamp, err := optionalTimeValue(values, "timestamp")
	if err != nil {
		return model.StatusEvent{}, err
	}

	ev := model.StatusEvent{
		SchemaVersion: version,
		RunID:         runID,
		Status:        model.RunStatus(status),
		CorrelationID: correlationID,
		Timestamp:     timestamp,
	}
	if raw, ok := values["reason"]; ok {
		if reason, ok := raw.(string); ok && reason != "" {
			ev.Reason = &reason
		}
	}
	return ev, nil
}

// EncodeDeadLetter builds stream values for a DeadLetterEntry. The original
// payload travels verbatim.
func EncodeDeadLetter(msg Message, attemptCount int, lastError string, movedAt time.Time) map[string]any {
	return map[string]any{
		fieldSchemaVersion:  model.SchemaVersion,
		fieldKind:           string(msg.Kind),
		fieldIdempotencyKey: msg.IdempotencyKey,
		"original_event":    string(msg.Payload),
		"attempt_count":     attemptCount,
		"last_error":        lastError,
		fieldFirstSeenAt:    msg.FirstSeenAt.UTC().Format(time.RFC3339Nano),
		"moved_at":          movedAt.UTC().Format(time.RFC3339Nano),
	}
}

func stringValue(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return fmt.Sprint(raw), nil
}

func intValue(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func optionalIntValue(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func optionalTimeValue(values map[string]any, key string) (time.Time, error) {
	raw, ok := values[key]
	if !ok {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, fmt.Sprint(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", key, err)
	}
	return t, nil
}
