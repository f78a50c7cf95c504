package eventlog

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// StoredMessage is one raw entry appended to a MemoryLog stream.
type StoredMessage struct {
	ID     string
	Values map[string]any
}

type pendingEntry struct {
	values      map[string]any
	deliveredAt time.Time
}

// MemoryLog is an in-process Log used by tests and local development. It
// keeps consumer group semantics: each entry on the consumed stream is
// delivered once until acked, and unacked entries become claimable again
// after the idle window.
type MemoryLog struct {
	mu sync.Mutex

	stream    string
	batchSize int
	minIdle   time.Duration

	streams map[string][]StoredMessage
	cursor  int
	pending map[string]pendingEntry
	nextSeq int64
}

func NewMemoryLog(stream string, batchSize int, minIdle time.Duration) *MemoryLog {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &MemoryLog{
		stream:    stream,
		batchSize: batchSize,
		minIdle:   minIdle,
		streams:   make(map[string][]StoredMessage),
		pending:   make(map[string]pendingEntry),
	}
}

// Read returns the next undelivered entries, never blocking. Unparseable
// entries are dropped the way the broker-backed client acks poison.
func (m *MemoryLog) Read(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.streams[m.stream]
	var out []Message
	for m.cursor < len(entries) && len(out) < m.batchSize {
		entry := entries[m.cursor]
		m.cursor++

		parsed, err := ParseMessage(entry.ID, entry.Values)
		if err != nil {
			continue
		}

		m.pending[entry.ID] = pendingEntry{
			values:      entry.Values,
			deliveredAt: time.Now(),
		}
		out = append(out, parsed)
	}

	return out, nil
}

func (m *MemoryLog) Ack(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, messageID)
	return nil
}

// ClaimStale redelivers entries that have been pending longer than the idle
// window, refreshing their delivery time.
func (m *MemoryLog) ClaimStale(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	ids := make([]string, 0, len(m.pending))
	for id, entry := range m.pending {
		if now.Sub(entry.deliveredAt) >= m.minIdle {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []Message
	for _, id := range ids {
		entry := m.pending[id]
		parsed, err := ParseMessage(id, entry.values)
		if err != nil {
			delete(m.pending, id)
			continue
		}
		m.pending[id] = pendingEntry{values: entry.values, deliveredAt: now}
		out = append(out, parsed)
	}

	return out, nil
}

func (m *MemoryLog) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), m.nextSeq)
	m.streams[stream] = append(m.streams[stream], StoredMessage{
		ID:     id,
		Values: maps.Clone(values),
	})
	return id, nil
}

// Entries returns a copy of everything appended to a stream, in order.
func (m *MemoryLog) Entries(stream string) []StoredMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.streams[stream]
	out := make([]StoredMessage, len(entries))
	for i, entry := range entries {
		out[i] = StoredMessage{ID: entry.ID, Values: maps.Clone(entry.Values)}
	}
	return out
}

// PendingCount reports entries delivered but not yet acked.
func (m *MemoryLog) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}
