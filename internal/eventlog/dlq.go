package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"majordomo.app/conductor/internal/idempotency"
	"majordomo.app/conductor/internal/model"
)

// ErrDeadLetterNotFound is returned when the requested stream ID has no
// entry, usually because it was already requeued or deleted.
var ErrDeadLetterNotFound = errors.New("dead letter entry not found")

// DeadLetter is one parsed entry from the dead letter stream.
type DeadLetter struct {
	ID             string          `json:"id"`
	Kind           model.EventKind `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	OriginalEvent  string          `json:"original_event"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      string          `json:"last_error"`
	FirstSeenAt    time.Time       `json:"first_seen_at"`
	MovedAt        time.Time       `json:"moved_at"`
}

// ParseDeadLetter decodes raw dead letter stream values.
func ParseDeadLetter(id string, values map[string]any) (DeadLetter, error) {
	kindStr, err := stringValue(values, fieldKind)
	if err != nil {
		return DeadLetter{}, err
	}

	key, err := stringValue(values, fieldIdempotencyKey)
	if err != nil {
		return DeadLetter{}, err
	}

	original, err := stringValue(values, "original_event")
	if err != nil {
		return DeadLetter{}, err
	}

	attempts, err := optionalIntValue(values, "attempt_count")
	if err != nil {
		return DeadLetter{}, err
	}

	lastError, _ := stringValue(values, "last_error")

	firstSeen, err := optionalTimeValue(values, fieldFirstSeenAt)
	if err != nil {
		return DeadLetter{}, err
	}

	movedAt, err := optionalTimeValue(values, "moved_at")
	if err != nil {
		return DeadLetter{}, err
	}

	return DeadLetter{
		ID:             id,
		Kind:           model.EventKind(kindStr),
		IdempotencyKey: key,
		OriginalEvent:  original,
		AttemptCount:   attempts,
		LastError:      lastError,
		FirstSeenAt:    firstSeen,
		MovedAt:        movedAt,
	}, nil
}

// ListDeadLetters returns up to limit entries from the dead letter stream,
// oldest first. Entries that fail to parse are returned with the raw error
// in LastError so operators can still see and delete them.
func ListDeadLetters(ctx context.Context, client *redis.Client, stream string, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}

	raw, err := client.XRangeN(ctx, stream, "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("reading dead letter stream: %w", err)
	}

	entries := make([]DeadLetter, 0, len(raw))
	for _, msg := range raw {
		entry, parseErr := ParseDeadLetter(msg.ID, msg.Values)
		if parseErr != nil {
			entries = append(entries, DeadLetter{
				ID:        msg.ID,
				LastError: fmt.Sprintf("unparseable entry: %v", parseErr),
			})
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetDeadLetter fetches a single entry by stream ID.
func GetDeadLetter(ctx context.Context, client *redis.Client, stream, id string) (DeadLetter, error) {
	raw, err := client.XRange(ctx, stream, id, id).Result()
	if err != nil {
		return DeadLetter{}, fmt.Errorf("reading dead letter entry: %w", err)
	}
	if len(raw) == 0 {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return ParseDeadLetter(raw[0].ID, raw[0].Values)
}

// RequeueDeadLetter republishes a dead lettered event onto the run stream
// with a fresh retry budget, clears its idempotency marker so the
// redelivery is processed, and removes the entry from the dead letter
// stream. Returns the new run stream message ID.
func RequeueDeadLetter(ctx context.Context, client *redis.Client, dlqStream, runStream, id string, guard idempotency.Guard) (string, error) {
	entry, err := GetDeadLetter(ctx, client, dlqStream, id)
	if err != nil {
		return "", err
	}
	if !entry.Kind.IsValid() {
		return "", fmt.Errorf("dead letter entry %s has no usable event kind", id)
	}

	if guard != nil {
		if err := guard.Forget(ctx, idempotency.Key(entry.IdempotencyKey, entry.Kind)); err != nil {
			return "", fmt.Errorf("clearing idempotency marker: %w", err)
		}
	}

	values := EncodeMessage(entry.Kind, entry.IdempotencyKey, []byte(entry.OriginalEvent), 0, time.Now().UTC())
	newID, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: runStream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("republishing dead letter entry: %w", err)
	}

	if err := client.XDel(ctx, dlqStream, id).Err(); err != nil {
		return newID, fmt.Errorf("removing requeued entry %s: %w", id, err)
	}

	return newID, nil
}
