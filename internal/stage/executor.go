package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/quietfund/alphasift/internal/cache"
	"github.com/quietfund/alphasift/internal/metrics"
)

// Request is one normalized invocation of an opaque analysis function.
type Request struct {
	Stage string
	Input json.RawMessage
}

// Result carries the stage output and whether it was served from cache.
type Result struct {
	Output json.RawMessage
	Cached bool
}

// Runner is the opaque analysis function behind a stage: LLM-backed or
// deterministic, the executor only holds it to its timeout/error contract.
type Runner interface {
	Run(ctx context.Context, req Request) (json.RawMessage, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Config tunes the executor's cross-cutting behaviour.
type Config struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	DefaultTTL  time.Duration
	StageTTL    map[string]time.Duration
}

// Executor wraps one opaque analysis call with uniform caching, timeout and
// classified retry behaviour. It never mutates run state; the engine merges
// outputs after the call returns.
type Executor struct {
	cache  cache.Cache
	cfg    Config
	logger *log.Logger
	sleep  func(time.Duration)
}

// NewExecutor builds an executor over the given cache. A nil cache disables
// caching entirely (every request calls through).
func NewExecutor(c cache.Cache, cfg Config, logger *log.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STAGE] ", log.LstdFlags)
	}
	return &Executor{cache: c, cfg: cfg, logger: logger, sleep: time.Sleep}
}

// Execute runs one stage request: cache check, bounded call, classified
// retries, cache fill. Cache backend failures degrade to calling through;
// the cache must never change a stage's visible output, only whether the
// external call is skipped.
func (e *Executor) Execute(ctx context.Context, runner Runner, req Request) (Result, error) {
	key, err := cache.Fingerprint(req.Stage, req.Input)
	if err != nil {
		return Result{}, Permanent(req.Stage, err)
	}

	if e.cache != nil {
		if val, ok, err := e.cache.Get(ctx, key); err != nil {
			e.logger.Printf("warn: cache get failed for %s, treating as miss: %v", req.Stage, err)
			metrics.CacheRequests.WithLabelValues(req.Stage, "miss").Inc()
		} else if ok {
			metrics.CacheRequests.WithLabelValues(req.Stage, "hit").Inc()
			return Result{Output: val, Cached: true}, nil
		} else {
			metrics.CacheRequests.WithLabelValues(req.Stage, "miss").Inc()
		}
	}

	out, err := e.callWithRetry(ctx, runner, req)
	if err != nil {
		return Result{}, err
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, key, out, e.ttlFor(req.Stage)); err != nil {
			e.logger.Printf("warn: cache put failed for %s: %v", req.Stage, err)
		}
	}
	return Result{Output: out}, nil
}

func (e *Executor) callWithRetry(ctx context.Context, runner Runner, req Request) (json.RawMessage, error) {
	backoff := e.cfg.BackoffBase
	var lastErr *Error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Printf("retrying %s (attempt %d/%d) after %v: %v", req.Stage, attempt, e.cfg.MaxRetries, backoff, lastErr)
			metrics.StageRetries.WithLabelValues(req.Stage).Inc()
			e.sleep(backoff)
			backoff *= 2
			if backoff > e.cfg.BackoffMax {
				backoff = e.cfg.BackoffMax
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, Transient(req.Stage, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		start := time.Now()
		out, err := runner.Run(callCtx, req)
		cancel()
		metrics.StageDuration.WithLabelValues(req.Stage).Observe(time.Since(start).Seconds())
		if err == nil {
			return out, nil
		}
		lastErr = classify(req.Stage, err)
		if lastErr.Kind == KindPermanent {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (e *Executor) ttlFor(stageName string) time.Duration {
	if ttl, ok := e.cfg.StageTTL[stageName]; ok {
		return ttl
	}
	return e.cfg.DefaultTTL
}

// DecodeStrict unmarshals a stage output into its typed variant, rejecting
// unknown fields. A decode failure is a permanent error: malformed model
// output is never retried or best-effort parsed.
func DecodeStrict(stageName string, data json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return Permanent(stageName, err)
	}
	return nil
}
