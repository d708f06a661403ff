package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/quietfund/alphasift/internal/gate"
	"github.com/quietfund/alphasift/internal/store"
)

type fakeAPIStore struct {
	signals      map[string]store.SignalRecord
	insights     map[string]store.InsightRecord
	checkpoints  map[string]store.ResearchCheckpoint
	patterns     map[string]store.PatternRecord
	feedback     []store.FeedbackRecord
	feedbackVecs [][]float64
	shown        []string
	ratings      map[string][]int
	nextID       int
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{
		signals:     map[string]store.SignalRecord{},
		insights:    map[string]store.InsightRecord{},
		checkpoints: map[string]store.ResearchCheckpoint{},
		patterns:    map[string]store.PatternRecord{},
		ratings:     map[string][]int{},
	}
}

func (f *fakeAPIStore) CreateSignal(ctx context.Context, rec store.SignalRecord) (store.SignalRecord, error) {
	f.nextID++
	rec.ID = fmt.Sprintf("sig-%d", f.nextID)
	f.signals[rec.ID] = rec
	return rec, nil
}

func (f *fakeAPIStore) GetSignal(ctx context.Context, id string) (store.SignalRecord, bool, error) {
	rec, ok := f.signals[id]
	return rec, ok, nil
}

func (f *fakeAPIStore) ListUnprocessedSignals(ctx context.Context, limit int) ([]store.SignalRecord, error) {
	var out []store.SignalRecord
	for _, rec := range f.signals {
		if !rec.Processed {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeAPIStore) GetCheckpoint(ctx context.Context, runID string) (store.ResearchCheckpoint, bool, error) {
	cp, ok := f.checkpoints[runID]
	return cp, ok, nil
}

func (f *fakeAPIStore) ListCheckpointsByStatus(ctx context.Context, statuses ...string) ([]store.ResearchCheckpoint, error) {
	var out []store.ResearchCheckpoint
	for _, cp := range f.checkpoints {
		for _, s := range statuses {
			if cp.Status == s {
				out = append(out, cp)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeAPIStore) GetInsight(ctx context.Context, id string) (store.InsightRecord, bool, error) {
	rec, ok := f.insights[id]
	return rec, ok, nil
}

func (f *fakeAPIStore) ListUnshownInsights(ctx context.Context, minScore float64, limit int) ([]store.InsightRecord, error) {
	var out []store.InsightRecord
	for _, rec := range f.insights {
		if !rec.ShownToUser && rec.Score >= minScore {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeAPIStore) MarkInsightShown(ctx context.Context, id string) error {
	rec, ok := f.insights[id]
	if !ok {
		return fmt.Errorf("insight %s not found", id)
	}
	rec.ShownToUser = true
	f.insights[id] = rec
	f.shown = append(f.shown, id)
	return nil
}

func (f *fakeAPIStore) RecordFeedback(ctx context.Context, fb store.FeedbackRecord, features []float64) (store.FeedbackRecord, error) {
	fb.ID = int64(len(f.feedback) + 1)
	f.feedback = append(f.feedback, fb)
	f.feedbackVecs = append(f.feedbackVecs, features)
	return fb, nil
}

func (f *fakeAPIStore) GetPattern(ctx context.Context, name string) (store.PatternRecord, bool, error) {
	rec, ok := f.patterns[name]
	return rec, ok, nil
}

func (f *fakeAPIStore) UpsertPattern(ctx context.Context, rec store.PatternRecord) error {
	f.patterns[rec.Name] = rec
	return nil
}

func (f *fakeAPIStore) ApplyPatternFeedback(ctx context.Context, name string, rating int) error {
	f.ratings[name] = append(f.ratings[name], rating)
	return nil
}

type fakeEngine struct {
	runs   []string
	sweeps int
}

func (f *fakeEngine) ProcessSignal(ctx context.Context, signalID string) (string, error) {
	f.runs = append(f.runs, signalID)
	return "run-" + signalID, nil
}

func (f *fakeEngine) Sweep(ctx context.Context) error {
	f.sweeps++
	return nil
}

func jsonRequest(method, target, body string) (*http.Request, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req, httptest.NewRecorder()
}

func TestCreateSignal(t *testing.T) {
	e := echo.New()
	st := newFakeAPIStore()
	handler := &SignalsHandler{Store: st}

	req, rec := jsonRequest(http.MethodPost, "/api/signals", `{"signal_type":"volume_spike","symbol":"ACME","company":"Acme Industries","priority":7}`)
	if err := handler.create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
	if len(st.signals) != 1 {
		t.Fatalf("signal not stored")
	}
}

func TestCreateSignalValidation(t *testing.T) {
	e := echo.New()
	handler := &SignalsHandler{Store: newFakeAPIStore()}

	req, rec := jsonRequest(http.MethodPost, "/api/signals", `{"symbol":"ACME"}`)
	err := handler.create(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}
}

func TestCreateSignalSynchronousResearch(t *testing.T) {
	e := echo.New()
	st := newFakeAPIStore()
	eng := &fakeEngine{}
	handler := &SignalsHandler{Store: st, Engine: eng}

	req, rec := jsonRequest(http.MethodPost, "/api/signals", `{"signal_type":"volume_spike","symbol":"ACME","research":true}`)
	if err := handler.create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(eng.runs) != 1 {
		t.Fatalf("expected synchronous run, got %v", eng.runs)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["run_id"] != "run-sig-1" {
		t.Fatalf("run_id missing in response: %v", resp)
	}
}

func TestGetRun(t *testing.T) {
	e := echo.New()
	st := newFakeAPIStore()
	st.checkpoints["run-1"] = store.ResearchCheckpoint{
		RunID: "run-1", SignalID: "sig-1", Status: store.RunStatusRunning,
		Stage: "validation", Path: []string{"discovery"},
	}
	handler := &RunsHandler{Store: st}

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")
	if err := handler.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["stage"] != "validation" || resp["status"] != "running" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestGetRunNotFound(t *testing.T) {
	e := echo.New()
	handler := &RunsHandler{Store: newFakeAPIStore()}

	req := httptest.NewRequest(http.MethodGet, "/api/runs/absent", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("id")
	ctx.SetParamValues("absent")
	err := handler.get(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}

func TestSweepEndpoint(t *testing.T) {
	e := echo.New()
	eng := &fakeEngine{}
	handler := &RunsHandler{Store: newFakeAPIStore(), Engine: eng}

	req, rec := jsonRequest(http.MethodPost, "/api/runs/sweep", "")
	if err := handler.sweep(e.NewContext(req, rec)); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if eng.sweeps != 1 {
		t.Fatalf("sweep not triggered")
	}
}

func TestDigestFiltersByScore(t *testing.T) {
	e := echo.New()
	st := newFakeAPIStore()
	st.insights["ins-1"] = store.InsightRecord{ID: "ins-1", Score: 8.1}
	st.insights["ins-2"] = store.InsightRecord{ID: "ins-2", Score: 6.5}
	handler := &DigestHandler{Store: st, MinScore: 7.0}

	req := httptest.NewRequest(http.MethodGet, "/api/insights/digest", nil)
	rec := httptest.NewRecorder()
	if err := handler.digest(e.NewContext(req, rec)); err != nil {
		t.Fatalf("digest: %v", err)
	}
	var items []store.InsightRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].ID != "ins-1" {
		t.Fatalf("digest must only carry insights above the floor: %+v", items)
	}
}

func TestMarkInsightShown(t *testing.T) {
	e := echo.New()
	st := newFakeAPIStore()
	st.insights["ins-1"] = store.InsightRecord{ID: "ins-1", Score: 8.1}
	handler := &DigestHandler{Store: st, MinScore: 7.0}

	req, rec := jsonRequest(http.MethodPost, "/api/insights/ins-1/shown", "")
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("ins-1")
	if err := handler.markShown(ctx); err != nil {
		t.Fatalf("markShown: %v", err)
	}
	if len(st.shown) != 1 || st.shown[0] != "ins-1" {
		t.Fatalf("insight not marked shown")
	}
}

func TestFeedbackRecordsSampleAndPattern(t *testing.T) {
	e := echo.New()
	st := newFakeAPIStore()
	st.insights["ins-1"] = store.InsightRecord{
		ID:         "ins-1",
		SignalType: "promoter_activity",
		Metadata:   map[string]interface{}{"features": []interface{}{8.2, 1.0, 1.0, 2.0, 8.0, 3.0, 1.2}},
	}
	handler := &FeedbackHandler{Store: st, Gate: gate.New(nil, 7.0)}

	req, rec := jsonRequest(http.MethodPost, "/api/feedback", `{"insight_id":"ins-1","star_rating":5,"tags":["actionable"],"invested":true,"realized_return":0.12}`)
	if err := handler.create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
	if len(st.feedback) != 1 || st.feedback[0].StarRating != 5 {
		t.Fatalf("feedback not recorded: %+v", st.feedback)
	}
	// The realized return serializes as a plain number, not a wrapper struct.
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got, ok := resp["RealizedReturn"].(float64); !ok || got != 0.12 {
		t.Fatalf("RealizedReturn = %v (%T), want 0.12", resp["RealizedReturn"], resp["RealizedReturn"])
	}
	if len(st.feedbackVecs[0]) != gate.FeatureCount {
		t.Fatalf("feature vector not recovered from metadata: %v", st.feedbackVecs[0])
	}
	if got := st.ratings["promoter_activity"]; len(got) != 1 || got[0] != 5 {
		t.Fatalf("pattern feedback not applied: %v", st.ratings)
	}
}

func TestFeedbackRejectsBadRating(t *testing.T) {
	e := echo.New()
	handler := &FeedbackHandler{Store: newFakeAPIStore(), Gate: gate.New(nil, 7.0)}

	req, rec := jsonRequest(http.MethodPost, "/api/feedback", `{"insight_id":"ins-1","star_rating":6}`)
	err := handler.create(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestFeedbackUnknownInsight(t *testing.T) {
	e := echo.New()
	handler := &FeedbackHandler{Store: newFakeAPIStore(), Gate: gate.New(nil, 7.0)}

	req, rec := jsonRequest(http.MethodPost, "/api/feedback", `{"insight_id":"absent","star_rating":4}`)
	err := handler.create(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}
