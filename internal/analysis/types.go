package analysis

import "encoding/json"

// SignalBrief is the slice of a market signal the prompts need.
type SignalBrief struct {
	SignalType string          `json:"signal_type"`
	Symbol     string          `json:"symbol"`
	Company    string          `json:"company"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Fact is one piece of evidence with its source attribution.
type Fact struct {
	Fact   string `json:"fact"`
	Source string `json:"source"`
}

// LevelFindings is a completed research level's summary, fed forward into
// later stages.
type LevelFindings struct {
	Level   int    `json:"level"`
	Summary string `json:"summary"`
}

// SimilarInsight is a prior conclusion retrieved from memory for the same or
// related companies.
type SimilarInsight struct {
	Headline   string  `json:"headline"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
}

type DiscoveryInput struct {
	Signal SignalBrief `json:"signal"`
}

type DiscoveryOutput struct {
	Interesting  bool    `json:"interesting"`
	Assessment   string  `json:"assessment"`
	InitialScore float64 `json:"initial_score"`
}

type ResearchInput struct {
	Signal     SignalBrief     `json:"signal"`
	Assessment string          `json:"assessment"`
	Level      int             `json:"level"`
	Findings   []LevelFindings `json:"findings,omitempty"`
}

type ResearchOutput struct {
	Summary    string  `json:"summary"`
	Facts      []Fact  `json:"facts"`
	Confidence float64 `json:"confidence"`
}

type ContextInput struct {
	Signal          SignalBrief      `json:"signal"`
	Findings        []LevelFindings  `json:"findings"`
	SimilarInsights []SimilarInsight `json:"similar_insights,omitempty"`
}

type ContextOutput struct {
	Industry string   `json:"industry"`
	Peers    []string `json:"peers"`
	Macro    string   `json:"macro"`
}

type ValidationInput struct {
	Signal   SignalBrief     `json:"signal"`
	Findings []LevelFindings `json:"findings"`
	Facts    []Fact          `json:"facts"`
	Context  ContextOutput   `json:"context"`
}

type ValidationOutput struct {
	Verified              bool   `json:"verified"`
	FundamentalConfluence bool   `json:"fundamental_confluence"`
	Notes                 string `json:"notes"`
}

type SynthesisInput struct {
	Signal     SignalBrief      `json:"signal"`
	Assessment string           `json:"assessment"`
	Findings   []LevelFindings  `json:"findings"`
	Facts      []Fact           `json:"facts"`
	Context    ContextOutput    `json:"context"`
	Validation ValidationOutput `json:"validation"`
}

type SynthesisOutput struct {
	Headline string  `json:"headline"`
	Analysis string  `json:"analysis"`
	Evidence []Fact  `json:"evidence"`
	Score    float64 `json:"interestingness_score"`
}
