package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quietfund/alphasift/internal/store"
)

// RunStore exposes checkpoint lookups for run inspection.
type RunStore interface {
	GetCheckpoint(ctx context.Context, runID string) (store.ResearchCheckpoint, bool, error)
	ListCheckpointsByStatus(ctx context.Context, statuses ...string) ([]store.ResearchCheckpoint, error)
}

// RunsHandler exposes run state and manual sweep triggering.
type RunsHandler struct {
	Store  RunStore
	Engine EngineAPI
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.GET("/:id", h.get)
	g.GET("", h.list)
	g.POST("/sweep", h.sweep)
}

func (h *RunsHandler) get(c echo.Context) error {
	cp, ok, err := h.Store.GetCheckpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, checkpointView(cp))
}

func (h *RunsHandler) list(c echo.Context) error {
	status := c.QueryParam("status")
	if status == "" {
		status = store.RunStatusRunning
	}
	cps, err := h.Store.ListCheckpointsByStatus(c.Request().Context(), status)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]map[string]interface{}, 0, len(cps))
	for _, cp := range cps {
		out = append(out, checkpointView(cp))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *RunsHandler) sweep(c echo.Context) error {
	if h.Engine == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "engine not attached")
	}
	if err := h.Engine.Sweep(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "swept"})
}

func checkpointView(cp store.ResearchCheckpoint) map[string]interface{} {
	return map[string]interface{}{
		"run_id":         cp.RunID,
		"signal_id":      cp.SignalID,
		"status":         cp.Status,
		"stage":          cp.Stage,
		"research_path":  cp.Path,
		"failure_reason": cp.FailureReason,
		"updated_at":     cp.UpdatedAt,
	}
}
