package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"majordomo.app/conductor/common/logger"
	"majordomo.app/conductor/internal/backoff"
	"majordomo.app/conductor/internal/metrics"
)

type RedisConfig struct {
	Stream     string        // stream this consumer group reads
	Group      string        // consumer group name
	Consumer   string        // this process's consumer name
	BatchSize  int64         // messages per Read
	Block      time.Duration // how long Read blocks waiting for messages
	MinIdle    time.Duration // pending age before a message counts as stale
	ClaimBatch int64         // stale messages claimed per ClaimStale call
}

// RedisLog implements Log on Redis streams with consumer group semantics.
// Every operation retries with full-jitter backoff while the connection is
// down, reporting each failure to the health tracker; nothing is dropped,
// the caller's context is the only way out.
type RedisLog struct {
	client  *redis.Client
	cfg     RedisConfig
	policy  backoff.Policy
	health  HealthReporter
	metrics *metrics.Metrics
}

func NewRedisLog(client *redis.Client, cfg RedisConfig, health HealthReporter, met *metrics.Metrics) (*RedisLog, error) {
	log := &RedisLog{
		client:  client,
		cfg:     cfg,
		policy:  backoff.Connection(),
		health:  health,
		metrics: met,
	}

	if err := log.ensureGroup(context.Background()); err != nil { //nolint:contextcheck
		return nil, err
	}

	return log, nil
}

func (l *RedisLog) ensureGroup(ctx context.Context) error {
	// Consumer groups are just readers, messages live in the stream itself.
	// Starting from "0" instead of "$" means a recreated group sees
	// everything already in the stream, so nothing is lost across restarts.
	if err := l.client.XGroupCreateMkStream(ctx, l.cfg.Stream, l.cfg.Group, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (l *RedisLog) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.eventlog",
	})

	var raw []redis.XMessage
	err := l.withRetry(ctx, "read", func() error {
		streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    l.cfg.Group,
			Consumer: l.cfg.Consumer,
			// > = messages not yet delivered to any group member. Unacked
			// messages are recovered separately via ClaimStale.
			Streams: []string{l.cfg.Stream, ">"},
			Count:   l.cfg.BatchSize,
			Block:   l.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				raw = nil
				return nil
			}
			return fmt.Errorf("reading from stream: %w", err)
		}

		raw = nil
		for _, stream := range streams {
			raw = append(raw, stream.Messages...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(raw))
	for _, msg := range raw {
		parsed, parseErr := ParseMessage(msg.ID, msg.Values)
		if parseErr != nil {
			l.ackPoison(ctx, msg.ID, parseErr)
			continue
		}
		messages = append(messages, parsed)
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read messages from stream",
			"count", len(messages),
			"stream", l.cfg.Stream,
			"consumer", l.cfg.Consumer)
	}

	return messages, nil
}

func (l *RedisLog) Ack(ctx context.Context, messageID string) error {
	return l.withRetry(ctx, "ack", func() error {
		if err := l.client.XAck(ctx, l.cfg.Stream, l.cfg.Group, messageID).Err(); err != nil {
			return fmt.Errorf("xack (stream=%s): %w", l.cfg.Stream, err)
		}
		return nil
	})
}

// ClaimStale reassigns messages pending longer than MinIdle to this
// consumer. It also refreshes the lag and backlog gauges since it already
// has the pending summary in hand.
func (l *RedisLog) ClaimStale(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.eventlog",
	})

	l.observeLag(ctx)

	var pending []redis.XPendingExt
	err := l.withRetry(ctx, "claim_stale", func() error {
		var err error
		pending, err = l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: l.cfg.Stream,
			Group:  l.cfg.Group,
			Idle:   l.cfg.MinIdle,
			Start:  "-",
			End:    "+",
			Count:  l.cfg.ClaimBatch,
		}).Result()
		if err != nil {
			return fmt.Errorf("xpending: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.health.SetReclaimBacklog(len(pending))
	l.metrics.SetReclaimBacklog(len(pending))

	if len(pending) == 0 {
		return nil, nil
	}

	slog.InfoContext(ctx, "found stale pending messages", "count", len(pending))

	var claimed []Message
	for _, p := range pending {
		msg, ok := l.claimOne(ctx, p)
		if ok {
			claimed = append(claimed, msg)
		}
	}

	return claimed, nil
}

func (l *RedisLog) claimOne(ctx context.Context, pending redis.XPendingExt) (Message, bool) {
	msgID := pending.ID
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: &msgID,
	})

	messages, err := l.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   l.cfg.Stream,
		Group:    l.cfg.Group,
		Consumer: l.cfg.Consumer,
		MinIdle:  l.cfg.MinIdle,
		Messages: []string{pending.ID},
	}).Result()
	if err != nil {
		slog.ErrorContext(ctx, "failed to claim stale message",
			"error", err,
			"original_consumer", pending.Consumer,
			"idle_time", pending.Idle)
		return Message{}, false
	}

	if len(messages) == 0 {
		// Another group member claimed it first.
		slog.DebugContext(ctx, "message already reclaimed elsewhere")
		return Message{}, false
	}

	raw := messages[0]
	parsed, err := ParseMessage(raw.ID, raw.Values)
	if err != nil {
		l.ackPoison(ctx, raw.ID, err)
		return Message{}, false
	}

	slog.InfoContext(ctx, "reclaimed stale message",
		"original_consumer", pending.Consumer,
		"idle_time", pending.Idle,
		"delivery_count", pending.RetryCount)

	return parsed, true
}

func (l *RedisLog) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	var id string
	err := l.withRetry(ctx, "publish", func() error {
		var err error
		id, err = l.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: values,
		}).Result()
		if err != nil {
			return fmt.Errorf("xadd (stream=%s): %w", stream, err)
		}
		return nil
	})
	return id, err
}

// ackPoison acknowledges an unparseable message so it cannot loop through
// redelivery forever.
func (l *RedisLog) ackPoison(ctx context.Context, messageID string, cause error) {
	slog.ErrorContext(ctx, "failed to parse message, acknowledging to prevent loop",
		"error", cause,
		"raw_message_id", messageID,
		"stream", l.cfg.Stream)
	l.metrics.RecordPoisonMessage()
	if err := l.client.XAck(ctx, l.cfg.Stream, l.cfg.Group, messageID).Err(); err != nil {
		slog.WarnContext(ctx, "failed to ack poison message", "error", err, "raw_message_id", messageID)
	}
}

// observeLag estimates consumer lag from the oldest pending entry ID, which
// encodes its append time in milliseconds.
func (l *RedisLog) observeLag(ctx context.Context) {
	summary, err := l.client.XPending(ctx, l.cfg.Stream, l.cfg.Group).Result()
	if err != nil || summary == nil || summary.Count == 0 {
		l.health.SetConsumerLag(0)
		l.metrics.SetConsumerLag(0)
		return
	}

	appended, ok := streamIDTime(summary.Lower)
	if !ok {
		return
	}

	lag := time.Since(appended)
	if lag < 0 {
		lag = 0
	}
	l.health.SetConsumerLag(lag)
	l.metrics.SetConsumerLag(lag)
}

// withRetry runs fn until it succeeds or ctx is cancelled, backing off with
// full jitter between attempts. Every failure is reported so the health
// endpoint can surface a broken connection.
func (l *RedisLog) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			l.health.ReportLogSuccess()
			return nil
		}

		if ctx.Err() != nil {
			return err
		}

		l.health.ReportLogFailure(err)
		l.metrics.RecordLogFailure()

		slog.WarnContext(ctx, "event log call failed, backing off",
			"op", op,
			"attempt", attempt,
			"error", err)

		if sleepErr := l.policy.Sleep(ctx, attempt); sleepErr != nil {
			return err
		}
	}
}

func streamIDTime(id string) (time.Time, bool) {
	msStr, _, found := strings.Cut(id, "-")
	if !found {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
