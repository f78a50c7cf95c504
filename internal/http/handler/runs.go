package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"majordomo.app/conductor/internal/http/dto"
	"majordomo.app/conductor/internal/model"
	"majordomo.app/conductor/internal/run"
)

type RunHandler struct {
	store run.Store
}

func NewRunHandler(store run.Store) *RunHandler {
	return &RunHandler{store: store}
}

// List returns recent runs, optionally filtered by ?status= and capped by
// ?limit=.
func (h *RunHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	filter := run.ListFilter{}
	if status := c.Query("status"); status != "" {
		s := model.RunStatus(status)
		if !s.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + status})
			return
		}
		filter.Status = s
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = int32(limit)
	}

	runs, err := h.store.List(ctx, filter)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list runs", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}

	out := dto.RunList{Runs: make([]dto.Run, 0, len(runs))}
	for i := range runs {
		out.Runs = append(out.Runs, dto.FromRun(&runs[i]))
	}
	c.JSON(http.StatusOK, out)
}

// Get returns one run together with its transition audit trail.
func (h *RunHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("run_id")

	r, err := h.store.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load run", slog.String("run_id", runID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}

	transitions, err := h.store.Transitions(ctx, runID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load transitions", slog.String("run_id", runID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transitions"})
		return
	}

	detail := dto.RunDetail{
		Run:         dto.FromRun(r),
		Transitions: make([]dto.Transition, 0, len(transitions)),
	}
	for _, t := range transitions {
		detail.Transitions = append(detail.Transitions, dto.FromTransition(t))
	}
	c.JSON(http.StatusOK, detail)
}
