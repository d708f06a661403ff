package stage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/quietfund/alphasift/internal/cache"
	"github.com/quietfund/alphasift/internal/metrics"
)

type countingRunner struct {
	calls int
	out   json.RawMessage
	errs  []error
}

func (r *countingRunner) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return r.out, nil
}

type failingCache struct{}

func (failingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("redis down")
}
func (failingCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("redis down")
}
func (failingCache) Invalidate(ctx context.Context, key string) error {
	return errors.New("redis down")
}

func testExecutor(c cache.Cache, cfg Config) *Executor {
	e := NewExecutor(c, cfg, log.New(io.Discard, "", 0))
	e.sleep = func(time.Duration) {}
	return e
}

func TestExecuteCachesSecondCall(t *testing.T) {
	mem := cache.NewMemoryCache()
	exec := testExecutor(mem, Config{})
	runner := &countingRunner{out: json.RawMessage(`{"score":8.2}`)}
	req := Request{Stage: "discovery", Input: json.RawMessage(`{"symbol":"ACME"}`)}

	first, err := exec.Execute(context.Background(), runner, req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Cached {
		t.Fatalf("first call should not be cached")
	}

	second, err := exec.Execute(context.Background(), runner, req)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Cached {
		t.Fatalf("second identical call should hit the cache")
	}
	if string(second.Output) != string(first.Output) {
		t.Fatalf("cached output %s differs from original %s", second.Output, first.Output)
	}
	if runner.calls != 1 {
		t.Fatalf("expected exactly one external call, got %d", runner.calls)
	}
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	exec := testExecutor(cache.NewMemoryCache(), Config{MaxRetries: 3})
	runner := &countingRunner{
		out:  json.RawMessage(`{"ok":true}`),
		errs: []error{errors.New("rate limited"), errors.New("rate limited"), nil},
	}

	res, err := exec.Execute(context.Background(), runner, Request{Stage: "research_level1", Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if runner.calls != 3 {
		t.Fatalf("expected 3 calls (2 failures + success), got %d", runner.calls)
	}
	if res.Cached {
		t.Fatalf("fresh result should not be marked cached")
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	exec := testExecutor(cache.NewMemoryCache(), Config{MaxRetries: 3})
	runner := &countingRunner{errs: []error{
		errors.New("timeout"), errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
	}}

	_, err := exec.Execute(context.Background(), runner, Request{Stage: "synthesis", Input: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if IsPermanent(err) {
		t.Fatalf("exhausted transient retries should stay transient: %v", err)
	}
	if runner.calls != 4 {
		t.Fatalf("expected 4 calls (initial + 3 retries), got %d", runner.calls)
	}
}

func TestExecutePermanentNeverRetries(t *testing.T) {
	exec := testExecutor(cache.NewMemoryCache(), Config{MaxRetries: 3})
	runner := &countingRunner{errs: []error{Permanent("validation", errors.New("schema mismatch"))}}

	_, err := exec.Execute(context.Background(), runner, Request{Stage: "validation", Input: json.RawMessage(`{}`)})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("permanent error must not be retried, got %d calls", runner.calls)
	}
}

func TestExecuteCacheFailureDegradesToCallThrough(t *testing.T) {
	exec := testExecutor(failingCache{}, Config{})
	runner := &countingRunner{out: json.RawMessage(`{"ok":true}`)}

	res, err := exec.Execute(context.Background(), runner, Request{Stage: "context", Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("cache failure must not fail the stage: %v", err)
	}
	if string(res.Output) != `{"ok":true}` {
		t.Fatalf("unexpected output %s", res.Output)
	}
	if runner.calls != 1 {
		t.Fatalf("expected call-through on cache failure, got %d calls", runner.calls)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	exec := testExecutor(nil, Config{MaxRetries: 3})
	runner := &countingRunner{errs: []error{errors.New("flaky")}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, runner, Request{Stage: "discovery", Input: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected error with cancelled context")
	}
	if runner.calls != 0 {
		t.Fatalf("cancelled context must not invoke the runner, got %d calls", runner.calls)
	}
}

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	var out struct {
		Score float64 `json:"score"`
	}
	err := DecodeStrict("synthesis", json.RawMessage(`{"score":7.5,"extra":true}`), &out)
	if !IsPermanent(err) {
		t.Fatalf("unknown fields should be a permanent error, got %v", err)
	}
	if err := DecodeStrict("synthesis", json.RawMessage(`{"score":7.5}`), &out); err != nil {
		t.Fatalf("clean decode: %v", err)
	}
	if out.Score != 7.5 {
		t.Fatalf("score = %v", out.Score)
	}
}

func TestExecuteRecordsCacheAndRetryMetrics(t *testing.T) {
	mem := cache.NewMemoryCache()
	exec := testExecutor(mem, Config{MaxRetries: 2})
	runner := &countingRunner{
		out:  json.RawMessage(`{"ok":true}`),
		errs: []error{Transient("metered", errors.New("rate limited")), nil},
	}
	req := Request{Stage: "metered", Input: json.RawMessage(`{"n":1}`)}

	hits := metrics.CacheRequests.WithLabelValues("metered", "hit")
	misses := metrics.CacheRequests.WithLabelValues("metered", "miss")
	retries := metrics.StageRetries.WithLabelValues("metered")
	hitsBefore := testutil.ToFloat64(hits)
	missesBefore := testutil.ToFloat64(misses)
	retriesBefore := testutil.ToFloat64(retries)

	if _, err := exec.Execute(context.Background(), runner, req); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := exec.Execute(context.Background(), runner, req); err != nil {
		t.Fatalf("second execute: %v", err)
	}

	if got := testutil.ToFloat64(misses) - missesBefore; got != 1 {
		t.Fatalf("cache misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(hits) - hitsBefore; got != 1 {
		t.Fatalf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(retries) - retriesBefore; got != 1 {
		t.Fatalf("stage retries = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(metrics.StageDuration); got == 0 {
		t.Fatal("stage durations not observed")
	}
}
