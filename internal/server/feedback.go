package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/quietfund/alphasift/internal/gate"
	"github.com/quietfund/alphasift/internal/store"
)

// FeedbackStore is the learning-loop surface: feedback recording plus the
// pattern statistics it feeds.
type FeedbackStore interface {
	GetInsight(ctx context.Context, id string) (store.InsightRecord, bool, error)
	RecordFeedback(ctx context.Context, fb store.FeedbackRecord, features []float64) (store.FeedbackRecord, error)
	GetPattern(ctx context.Context, name string) (store.PatternRecord, bool, error)
	UpsertPattern(ctx context.Context, rec store.PatternRecord) error
	ApplyPatternFeedback(ctx context.Context, name string, rating int) error
}

// FeedbackHandler records user ratings and exposes retraining.
type FeedbackHandler struct {
	Store   FeedbackStore
	Gate    *gate.Gate
	Trainer *gate.Trainer
}

func (h *FeedbackHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.POST("/train", h.train)
}

func (h *FeedbackHandler) create(c echo.Context) error {
	var req struct {
		InsightID      string   `json:"insight_id"`
		StarRating     int      `json:"star_rating"`
		Tags           []string `json:"tags"`
		Comment        string   `json:"comment"`
		Invested       bool     `json:"invested"`
		RealizedReturn *float64 `json:"realized_return"`
		OutcomeDate    string   `json:"outcome_date"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.InsightID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "insight_id required")
	}
	if req.StarRating < 1 || req.StarRating > 5 {
		return echo.NewHTTPError(http.StatusBadRequest, "star_rating must be between 1 and 5")
	}

	ctx := c.Request().Context()
	insight, ok, err := h.Store.GetInsight(ctx, req.InsightID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "insight not found")
	}

	fb := store.FeedbackRecord{
		InsightID:  req.InsightID,
		StarRating: req.StarRating,
		Tags:       req.Tags,
		Comment:    req.Comment,
		Invested:   req.Invested,
	}
	fb.RealizedReturn = req.RealizedReturn
	if req.OutcomeDate != "" {
		d, err := time.Parse("2006-01-02", req.OutcomeDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "outcome_date must be YYYY-MM-DD")
		}
		fb.OutcomeDate = &d
	}

	rec, err := h.Store.RecordFeedback(ctx, fb, insightFeatures(insight))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// Pattern statistics keyed by signal type.
	if insight.SignalType != "" {
		if _, ok, err := h.Store.GetPattern(ctx, insight.SignalType); err == nil {
			if !ok {
				err = h.Store.UpsertPattern(ctx, store.PatternRecord{Name: insight.SignalType})
			}
			if err == nil {
				_ = h.Store.ApplyPatternFeedback(ctx, insight.SignalType, req.StarRating)
			}
		}
	}
	return c.JSON(http.StatusCreated, rec)
}

// train refits the persistence scorer from accumulated feedback and swaps it
// into the live gate.
func (h *FeedbackHandler) train(c echo.Context) error {
	if h.Trainer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trainer not attached")
	}
	scorer, err := h.Trainer.Train(c.Request().Context())
	if err != nil {
		if errors.Is(err, gate.ErrNotEnoughSamples) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Gate.Swap(scorer)
	return c.JSON(http.StatusOK, map[string]string{"status": "trained"})
}

// insightFeatures recovers the gate feature vector stored with the insight.
// Older insights without one yield an empty vector, which training skips.
func insightFeatures(rec store.InsightRecord) []float64 {
	raw, ok := rec.Metadata["features"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []float64:
		return v
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := item.(float64)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	}
	return nil
}
