package worker

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"majordomo.app/conductor/common/logger"
	"majordomo.app/conductor/internal/eventlog"
)

type PoolConfig struct {
	// Lanes is the number of concurrent processing lanes. Sized to I/O
	// parallelism: the dominant cost per message is store and log calls.
	Lanes int
}

// Pool reads batches from the log and fans them out across lanes. Messages
// sharing an idempotency key always hash to the same lane, so per-run
// processing stays in order while unrelated runs proceed in parallel.
type Pool struct {
	log       eventlog.Log
	processor *Processor
	cfg       PoolConfig

	lanes []chan eventlog.Message

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewPool(log eventlog.Log, processor *Processor, cfg PoolConfig) *Pool {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 8
	}

	lanes := make([]chan eventlog.Message, cfg.Lanes)
	for i := range lanes {
		lanes[i] = make(chan eventlog.Message, 16)
	}

	return &Pool{
		log:       log,
		processor: processor,
		cfg:       cfg,
		lanes:     lanes,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run consumes the stream until the context is cancelled or Stop is called.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.worker",
	})

	var wg sync.WaitGroup
	for i, lane := range p.lanes {
		wg.Add(1)
		go func(laneNum int, lane chan eventlog.Message) {
			defer wg.Done()
			p.runLane(ctx, laneNum, lane)
		}(i, lane)
	}

	slog.InfoContext(ctx, "worker pool started", "lanes", p.cfg.Lanes)

	err := p.readLoop(ctx)

	for _, lane := range p.lanes {
		close(lane)
	}
	wg.Wait()

	return err
}

// Stop signals the pool to stop and waits for in-flight messages to drain.
func (p *Pool) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
}

func (p *Pool) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			slog.InfoContext(ctx, "worker pool stopping")
			return nil
		default:
			messages, err := p.log.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.ErrorContext(ctx, "read error", "error", err)
				time.Sleep(time.Second)
				continue
			}
			p.Submit(ctx, messages)
		}
	}
}

// Submit routes messages to their lanes. Shared with the reclaimer so
// reclaimed messages obey the same per-run ordering as fresh ones.
func (p *Pool) Submit(ctx context.Context, messages []eventlog.Message) {
	for _, msg := range messages {
		lane := p.lanes[laneFor(msg.IdempotencyKey, len(p.lanes))]
		select {
		case lane <- msg:
		case <-ctx.Done():
			return
		case <-p.stopCh:
			// Undelivered messages stay pending and come back via
			// reclaim after restart.
			return
		}
	}
}

func (p *Pool) runLane(ctx context.Context, laneNum int, lane chan eventlog.Message) {
	for msg := range lane {
		if !p.waitNotBefore(ctx, msg) {
			// Shutdown while holding a delayed retry. The message stays
			// unacked so its backoff survives into the next process.
			continue
		}
		if err := p.processor.Process(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message left pending for reclaim",
				"error", err,
				"message_id", msg.ID,
				"lane", laneNum)
		}
	}
}

// waitNotBefore holds a requeued message until its backoff expires. The
// lane blocks, which is exactly the per-run ordering we want: later events
// for the same run must not overtake the retry.
func (p *Pool) waitNotBefore(ctx context.Context, msg eventlog.Message) bool {
	if msg.NotBefore.IsZero() {
		return true
	}

	wait := time.Until(msg.NotBefore)
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	}
}

func laneFor(key string, lanes int) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(lanes))
}
