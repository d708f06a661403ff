package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/quietfund/alphasift/internal/store"
)

// InsightStore backs the morning digest endpoints.
type InsightStore interface {
	GetInsight(ctx context.Context, id string) (store.InsightRecord, bool, error)
	ListUnshownInsights(ctx context.Context, minScore float64, limit int) ([]store.InsightRecord, error)
	MarkInsightShown(ctx context.Context, id string) error
}

// DigestHandler serves persisted insights to the user-facing digest.
type DigestHandler struct {
	Store    InsightStore
	MinScore float64
}

func (h *DigestHandler) Register(g *echo.Group) {
	g.GET("/digest", h.digest)
	g.GET("/:id", h.get)
	g.POST("/:id/shown", h.markShown)
}

// digest returns the unshown insights above the quality floor, best first.
func (h *DigestHandler) digest(c echo.Context) error {
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	items, err := h.Store.ListUnshownInsights(c.Request().Context(), h.MinScore, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.InsightRecord{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *DigestHandler) get(c echo.Context) error {
	rec, ok, err := h.Store.GetInsight(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "insight not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *DigestHandler) markShown(c echo.Context) error {
	if err := h.Store.MarkInsightShown(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "shown"})
}
