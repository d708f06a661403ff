package main

import (
	"context"
	"log"

	"github.com/quietfund/alphasift/config"
	"github.com/quietfund/alphasift/internal/analysis"
	"github.com/quietfund/alphasift/internal/cache"
	"github.com/quietfund/alphasift/internal/gate"
	"github.com/quietfund/alphasift/internal/pipeline"
	"github.com/quietfund/alphasift/internal/stage"
	"github.com/quietfund/alphasift/internal/store"
)

// app holds the wired dependencies every command starts from.
type app struct {
	cfg     *config.Config
	store   *store.Store
	gate    *gate.Gate
	trainer *gate.Trainer
	engine  *pipeline.Engine
}

func buildApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, err
	}

	// Redis backs the response cache; without it the process degrades to an
	// in-memory cache that does not survive restarts.
	var responseCache cache.Cache
	if rdb, err := cache.Conn(ctx, cfg.Storage.Redis); err != nil {
		log.Printf("[MAIN] redis unavailable, using in-memory cache: %v", err)
		responseCache = cache.NewMemoryCache()
	} else {
		responseCache = cache.NewRedisCache(rdb)
	}

	provider, err := analysis.NewProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}

	gateLogger := log.New(log.Writer(), "[GATE] ", log.LstdFlags)
	trainer := gate.NewTrainer(st, cfg.Gate.MinTrainingSamples, gateLogger)
	scorer, err := trainer.LoadLatest(ctx)
	if err != nil {
		return nil, err
	}
	g := gate.New(scorer, cfg.Gate.PersistThreshold)

	exec := stage.NewExecutor(responseCache, stage.Config{
		Timeout:     cfg.Pipeline.StageTimeout,
		MaxRetries:  cfg.Pipeline.MaxRetries,
		BackoffBase: cfg.Pipeline.RetryBackoff,
		BackoffMax:  cfg.Pipeline.RetryBackoffMax,
		DefaultTTL:  cfg.Pipeline.CacheTTL,
		StageTTL:    cfg.Pipeline.StageCacheTTL,
	}, log.New(log.Writer(), "[STAGE] ", log.LstdFlags))

	engine := pipeline.NewEngine(st, exec, g, provider, cfg.Pipeline, cfg.Memory,
		log.New(log.Writer(), "[PIPE] ", log.LstdFlags))

	return &app{cfg: cfg, store: st, gate: g, trainer: trainer, engine: engine}, nil
}
