package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quietfund/alphasift/internal/store"
)

// SignalStore is the signal surface the collector-facing endpoints use.
type SignalStore interface {
	CreateSignal(ctx context.Context, rec store.SignalRecord) (store.SignalRecord, error)
	GetSignal(ctx context.Context, id string) (store.SignalRecord, bool, error)
	ListUnprocessedSignals(ctx context.Context, limit int) ([]store.SignalRecord, error)
}

// SignalsHandler ingests raw signals from the external collector and lets
// operators inspect the backlog.
type SignalsHandler struct {
	Store  SignalStore
	Engine EngineAPI
}

func (h *SignalsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.GET("/pending", h.pending)
}

func (h *SignalsHandler) create(c echo.Context) error {
	var req struct {
		SignalType string          `json:"signal_type"`
		Symbol     string          `json:"symbol"`
		Company    string          `json:"company"`
		Priority   int             `json:"priority"`
		Payload    json.RawMessage `json:"payload"`
		Research   bool            `json:"research"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SignalType == "" || req.Symbol == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "signal_type and symbol required")
	}
	rec, err := h.Store.CreateSignal(c.Request().Context(), store.SignalRecord{
		SignalType: req.SignalType,
		Symbol:     req.Symbol,
		Company:    req.Company,
		Priority:   req.Priority,
		Payload:    req.Payload,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// Optional synchronous research for low-latency callers; normal intake
	// waits for the next sweep.
	if req.Research && h.Engine != nil {
		runID, err := h.Engine.ProcessSignal(c.Request().Context(), rec.ID)
		if err != nil {
			return c.JSON(http.StatusCreated, map[string]interface{}{"signal": rec, "run_error": err.Error()})
		}
		return c.JSON(http.StatusCreated, map[string]interface{}{"signal": rec, "run_id": runID})
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"signal": rec})
}

func (h *SignalsHandler) get(c echo.Context) error {
	rec, ok, err := h.Store.GetSignal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "signal not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *SignalsHandler) pending(c echo.Context) error {
	items, err := h.Store.ListUnprocessedSignals(c.Request().Context(), 100)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.SignalRecord{}
	}
	return c.JSON(http.StatusOK, items)
}
