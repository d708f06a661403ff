package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quietfund/alphasift/internal/gate"
)

// EngineAPI is the slice of the pipeline engine the API exposes.
type EngineAPI interface {
	ProcessSignal(ctx context.Context, signalID string) (string, error)
	Sweep(ctx context.Context) error
}

// Deps carries everything the HTTP layer needs. Store slices are narrow so
// handler tests run against in-memory doubles.
type Deps struct {
	Signals  SignalStore
	Runs     RunStore
	Insights InsightStore
	Feedback FeedbackStore
	Engine   EngineAPI
	Gate     *gate.Gate
	Trainer  *gate.Trainer
}

// New assembles the HTTP API. The caller starts the returned echo instance,
// so tests can drive it through httptest instead.
func New(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")

	sh := &SignalsHandler{Store: deps.Signals, Engine: deps.Engine}
	sh.Register(api.Group("/signals"))

	rh := &RunsHandler{Store: deps.Runs, Engine: deps.Engine}
	rh.Register(api.Group("/runs"))

	dh := &DigestHandler{Store: deps.Insights, MinScore: deps.Gate.Threshold()}
	dh.Register(api.Group("/insights"))

	fh := &FeedbackHandler{Store: deps.Feedback, Gate: deps.Gate, Trainer: deps.Trainer}
	fh.Register(api.Group("/feedback"))

	return e
}
