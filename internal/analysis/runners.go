package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/quietfund/alphasift/internal/stage"
)

// jsonRunner wraps one prompt pair and expects a JSON object back from the
// model. Model output that is not valid JSON is a transient failure: a fresh
// completion usually comes back clean.
type jsonRunner struct {
	provider Provider
	build    func(req stage.Request) (system string, user string, err error)
}

func (r jsonRunner) Run(ctx context.Context, req stage.Request) (json.RawMessage, error) {
	system, user, err := r.build(req)
	if err != nil {
		return nil, stage.Permanent(req.Stage, err)
	}
	out, err := r.provider.Generate(ctx, system, user)
	if err != nil {
		return nil, err
	}
	raw, err := extractJSON(out)
	if err != nil {
		return nil, stage.Transient(req.Stage, fmt.Errorf("model output: %w", err))
	}
	return raw, nil
}

// extractJSON pulls the JSON object out of a completion, tolerating markdown
// code fences and surrounding chatter.
func extractJSON(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object found")
	}
	raw := json.RawMessage(s[start : end+1])
	if !json.Valid(raw) {
		return nil, errors.New("invalid JSON object")
	}
	return raw, nil
}

func decodeInput(req stage.Request, v interface{}) error {
	if err := json.Unmarshal(req.Input, v); err != nil {
		return fmt.Errorf("decoding %s input: %w", req.Stage, err)
	}
	return nil
}

func describeSignal(sig SignalBrief) string {
	payload := "{}"
	if len(sig.Payload) > 0 {
		payload = string(sig.Payload)
	}
	return fmt.Sprintf("Type: %s\nSymbol: %s\nCompany: %s\nPriority: %d\nDetails: %s",
		sig.SignalType, sig.Symbol, sig.Company, sig.Priority, payload)
}

func describeFindings(findings []LevelFindings) string {
	var parts []string
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("Level %d: %s", f.Level, f.Summary))
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, "\n")
}

// NewDiscoveryRunner builds the cheap triage stage: one completion deciding
// whether a raw signal deserves the full research fan-out.
func NewDiscoveryRunner(p Provider) stage.Runner {
	return jsonRunner{provider: p, build: func(req stage.Request) (string, string, error) {
		var in DiscoveryInput
		if err := decodeInput(req, &in); err != nil {
			return "", "", err
		}
		system := `You are an equity research triage analyst. You receive one raw market signal and decide whether it justifies a full multi-level research run.

RULES:
1. Most signals are noise. Only unusual, actionable setups are interesting.
2. Score on a 0-10 scale where 10 is a rare, high-conviction setup.
3. Keep the assessment to two sentences at most.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "interesting": true,
  "assessment": "why this signal does or does not matter",
  "initial_score": 0.0
}
Do not include any other text or explanation.`
		user := fmt.Sprintf("MARKET SIGNAL:\n%s", describeSignal(in.Signal))
		return system, user, nil
	}}
}

var levelFocus = map[int]string{
	1: "price and volume action: unusual moves, delivery volumes, breakout or breakdown structure",
	2: "fundamentals and filings: earnings trajectory, balance sheet, promoter and institutional holdings changes",
	3: "news flow and sentiment: recent announcements, management commentary, sector narratives",
	4: "a deep synthesis across the earlier findings: contradictions, confluence, what the combined picture implies",
}

// NewResearchRunner builds one research level. Levels 1-3 look at the signal
// from independent angles; level 4 digests their combined findings.
func NewResearchRunner(p Provider, level int) stage.Runner {
	return jsonRunner{provider: p, build: func(req stage.Request) (string, string, error) {
		var in ResearchInput
		if err := decodeInput(req, &in); err != nil {
			return "", "", err
		}
		focus, ok := levelFocus[level]
		if !ok {
			return "", "", fmt.Errorf("unknown research level %d", level)
		}
		system := fmt.Sprintf(`You are an equity research analyst performing level %d research on a market signal. Your focus for this level is %s.

RULES:
1. Every fact must carry a source attribution, even if approximate.
2. Confidence is on a 0-1 scale and reflects how well supported the summary is.
3. Do not repeat the signal back; add information.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "summary": "concise findings for this level",
  "facts": [{"fact": "...", "source": "..."}],
  "confidence": 0.0
}
Do not include any other text or explanation.`, level, focus)
		user := fmt.Sprintf("MARKET SIGNAL:\n%s\n\nTRIAGE ASSESSMENT:\n%s\n\nPRIOR FINDINGS:\n%s",
			describeSignal(in.Signal), in.Assessment, describeFindings(in.Findings))
		return system, user, nil
	}}
}

// NewContextRunner builds the industry/peer/macro contextualization stage.
func NewContextRunner(p Provider) stage.Runner {
	return jsonRunner{provider: p, build: func(req stage.Request) (string, string, error) {
		var in ContextInput
		if err := decodeInput(req, &in); err != nil {
			return "", "", err
		}
		system := `You are an equity research analyst placing company-level findings in their wider context.

RULES:
1. Name the industry precisely, not a broad sector label.
2. List at most five directly comparable peers by symbol or name.
3. The macro note covers only forces that change the thesis.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "industry": "...",
  "peers": ["..."],
  "macro": "..."
}
Do not include any other text or explanation.`
		var similar []string
		for _, s := range in.SimilarInsights {
			similar = append(similar, fmt.Sprintf("- %s (score %.1f, similarity %.2f)", s.Headline, s.Score, s.Similarity))
		}
		similarBlock := "(none)"
		if len(similar) > 0 {
			similarBlock = strings.Join(similar, "\n")
		}
		user := fmt.Sprintf("MARKET SIGNAL:\n%s\n\nRESEARCH FINDINGS:\n%s\n\nPRIOR RELATED INSIGHTS:\n%s",
			describeSignal(in.Signal), describeFindings(in.Findings), similarBlock)
		return system, user, nil
	}}
}

// NewValidationRunner builds the cross-checking stage: it hunts for
// contradictions between levels and flags fundamental confluence.
func NewValidationRunner(p Provider) stage.Runner {
	return jsonRunner{provider: p, build: func(req stage.Request) (string, string, error) {
		var in ValidationInput
		if err := decodeInput(req, &in); err != nil {
			return "", "", err
		}
		system := `You are a skeptical equity research reviewer. You receive the accumulated findings for one signal and look for holes.

RULES:
1. "verified" is false whenever levels contradict each other or the evidence is thin.
2. "fundamental_confluence" is true only when the technical signal and the fundamentals independently point the same way.
3. Notes must name the specific weakness or the specific confluence.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "verified": true,
  "fundamental_confluence": false,
  "notes": "..."
}
Do not include any other text or explanation.`
		facts, _ := json.Marshal(in.Facts)
		contextJSON, _ := json.Marshal(in.Context)
		user := fmt.Sprintf("MARKET SIGNAL:\n%s\n\nRESEARCH FINDINGS:\n%s\n\nEVIDENCE:\n%s\n\nCONTEXT:\n%s",
			describeSignal(in.Signal), describeFindings(in.Findings), facts, contextJSON)
		return system, user, nil
	}}
}

// NewSynthesisRunner builds the final stage: everything collapses into one
// scored insight.
func NewSynthesisRunner(p Provider) stage.Runner {
	return jsonRunner{provider: p, build: func(req stage.Request) (string, string, error) {
		var in SynthesisInput
		if err := decodeInput(req, &in); err != nil {
			return "", "", err
		}
		system := `You are a senior equity analyst writing the final note on a researched signal.

RULES:
1. The headline is one sentence a portfolio manager would read first.
2. The analysis is three to six paragraphs, self-contained, no bullet lists.
3. Carry only the evidence that survived validation; keep source attributions.
4. "interestingness_score" is on a 0-10 scale; be conservative, most researched signals still end below 7.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "headline": "...",
  "analysis": "...",
  "evidence": [{"fact": "...", "source": "..."}],
  "interestingness_score": 0.0
}
Do not include any other text or explanation.`
		facts, _ := json.Marshal(in.Facts)
		contextJSON, _ := json.Marshal(in.Context)
		validationJSON, _ := json.Marshal(in.Validation)
		user := fmt.Sprintf("MARKET SIGNAL:\n%s\n\nTRIAGE ASSESSMENT:\n%s\n\nRESEARCH FINDINGS:\n%s\n\nEVIDENCE:\n%s\n\nCONTEXT:\n%s\n\nVALIDATION:\n%s",
			describeSignal(in.Signal), in.Assessment, describeFindings(in.Findings), facts, contextJSON, validationJSON)
		return system, user, nil
	}}
}
