package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"majordomo.app/conductor/internal/eventlog"
	"majordomo.app/conductor/internal/http/dto"
	"majordomo.app/conductor/internal/idempotency"
)

// DLQHandler exposes the dead letter stream for inspection and manual
// requeue. It talks to Redis directly rather than through the consumer so
// the endpoints keep working while the worker pool is stopped.
type DLQHandler struct {
	client    *redis.Client
	guard     idempotency.Guard
	dlqStream string
	runStream string
}

func NewDLQHandler(client *redis.Client, guard idempotency.Guard, dlqStream, runStream string) *DLQHandler {
	return &DLQHandler{client: client, guard: guard, dlqStream: dlqStream, runStream: runStream}
}

func (h *DLQHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	var limit int64
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := eventlog.ListDeadLetters(ctx, h.client, h.dlqStream, limit)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list dead letters", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead letters"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *DLQHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	entry, err := eventlog.GetDeadLetter(ctx, h.client, h.dlqStream, id)
	if err != nil {
		if errors.Is(err, eventlog.ErrDeadLetterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter entry not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load dead letter", slog.String("id", id), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load dead letter"})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// Requeue moves one entry back onto the run stream with a fresh retry
// budget and clears its idempotency marker.
func (h *DLQHandler) Requeue(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	messageID, err := eventlog.RequeueDeadLetter(ctx, h.client, h.dlqStream, h.runStream, id, h.guard)
	if err != nil {
		if errors.Is(err, eventlog.ErrDeadLetterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter entry not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to requeue dead letter", slog.String("id", id), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to requeue dead letter"})
		return
	}

	slog.InfoContext(ctx, "dead letter requeued",
		slog.String("id", id),
		slog.String("message_id", messageID))
	c.JSON(http.StatusOK, dto.Requeued{MessageID: messageID})
}
