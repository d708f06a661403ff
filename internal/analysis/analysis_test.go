package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quietfund/alphasift/config"
	"github.com/quietfund/alphasift/internal/stage"
)

type fakeProvider struct {
	reply      string
	lastSystem string
	lastUser   string
	err        error
}

func (f *fakeProvider) Generate(ctx context.Context, system, user string) (string, error) {
	f.lastSystem = system
	f.lastUser = user
	return f.reply, f.err
}

func (f *fakeProvider) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"Here you go:\n{\"a\": {\"b\": 2}}\nHope that helps!", `{"a": {"b": 2}}`, false},
		{"no object here", "", true},
		{`{"broken":`, "", true},
	}
	for _, tc := range cases {
		got, err := extractJSON(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("extractJSON(%q) expected error, got %s", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("extractJSON(%q): %v", tc.in, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("extractJSON(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestDiscoveryRunner(t *testing.T) {
	p := &fakeProvider{reply: `{"interesting": true, "assessment": "promoter buying into weakness", "initial_score": 7.5}`}
	runner := NewDiscoveryRunner(p)

	input, _ := json.Marshal(DiscoveryInput{Signal: SignalBrief{
		SignalType: "promoter_activity", Symbol: "ACME", Company: "Acme Industries", Priority: 8,
	}})
	raw, err := runner.Run(context.Background(), stage.Request{Stage: "discovery", Input: input})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var out DiscoveryOutput
	if err := stage.DecodeStrict("discovery", raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Interesting || out.InitialScore != 7.5 {
		t.Fatalf("unexpected output: %+v", out)
	}
	if !strings.Contains(p.lastUser, "ACME") || !strings.Contains(p.lastUser, "promoter_activity") {
		t.Fatalf("signal not described in prompt:\n%s", p.lastUser)
	}
}

func TestResearchRunnerLevelFour(t *testing.T) {
	p := &fakeProvider{reply: `{"summary": "confluence across levels", "facts": [{"fact": "delivery volume tripled", "source": "exchange data"}], "confidence": 0.8}`}
	runner := NewResearchRunner(p, 4)

	input, _ := json.Marshal(ResearchInput{
		Signal: SignalBrief{Symbol: "ACME"},
		Level:  4,
		Findings: []LevelFindings{
			{Level: 1, Summary: "volume breakout"},
			{Level: 2, Summary: "promoter stake up 2%"},
			{Level: 3, Summary: "no adverse news"},
		},
	})
	raw, err := runner.Run(context.Background(), stage.Request{Stage: "research_level4", Input: input})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var out ResearchOutput
	if err := stage.DecodeStrict("research_level4", raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Facts) != 1 || out.Facts[0].Source != "exchange data" {
		t.Fatalf("unexpected facts: %+v", out.Facts)
	}
	if !strings.Contains(p.lastUser, "Level 2: promoter stake up 2%") {
		t.Fatalf("prior findings missing from prompt:\n%s", p.lastUser)
	}
}

func TestResearchRunnerUnknownLevel(t *testing.T) {
	runner := NewResearchRunner(&fakeProvider{}, 9)
	input, _ := json.Marshal(ResearchInput{Signal: SignalBrief{Symbol: "ACME"}})
	_, err := runner.Run(context.Background(), stage.Request{Stage: "research_level9", Input: input})
	if !stage.IsPermanent(err) {
		t.Fatalf("unknown level must be permanent, got %v", err)
	}
}

func TestRunnerInvalidModelOutputIsTransient(t *testing.T) {
	p := &fakeProvider{reply: "I cannot answer that."}
	runner := NewContextRunner(p)
	input, _ := json.Marshal(ContextInput{Signal: SignalBrief{Symbol: "ACME"}})

	_, err := runner.Run(context.Background(), stage.Request{Stage: "context", Input: input})
	if err == nil || stage.IsPermanent(err) {
		t.Fatalf("invalid model output should be transient, got %v", err)
	}
}

func TestOpenAIClientGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "gpt-4o" || len(req.Messages) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": `{"ok":true}`}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "gpt-4o"})
	out, err := c.Generate(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("out = %q", out)
	}
}

func TestOpenAIClientClassifiesStatuses(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})

	_, err := c.Generate(context.Background(), "", "hi")
	if err == nil || stage.IsPermanent(err) {
		t.Fatalf("429 should be transient, got %v", err)
	}

	status = http.StatusUnauthorized
	_, err = c.Generate(context.Background(), "", "hi")
	if !stage.IsPermanent(err) {
		t.Fatalf("401 should be permanent, got %v", err)
	}

	status = http.StatusBadGateway
	_, err = c.Generate(context.Background(), "", "hi")
	if err == nil || stage.IsPermanent(err) {
		t.Fatalf("502 should be transient, got %v", err)
	}
}

func TestOpenAIClientEmbeddingOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		// Out-of-order indices must still land in request order.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 1, "embedding": []float32{0.2}},
				{"index": 0, "embedding": []float32{0.1}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL, Model: "m", EmbeddingModel: "e"})
	vecs, err := c.CreateEmbedding(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.2 {
		t.Fatalf("unexpected vectors: %v", vecs)
	}
}
