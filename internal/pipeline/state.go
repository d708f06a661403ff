package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/quietfund/alphasift/internal/analysis"
)

// Stage names, in execution order. Levels 1-3 run as a parallel group; the
// checkpoint stage pointer for the whole group is StageResearchLevel1.
const (
	StageDiscovery      = "discovery"
	StageResearchLevel1 = "research_level1"
	StageResearchLevel2 = "research_level2"
	StageResearchLevel3 = "research_level3"
	StageResearchLevel4 = "research_level4"
	StageContext        = "context"
	StageValidation     = "validation"
	StageSynthesis      = "synthesis"
	StagePersist        = "persist"
	StageDone           = "done"
)

// fanOutStages is the independent research group joined before level 4.
var fanOutStages = []string{StageResearchLevel1, StageResearchLevel2, StageResearchLevel3}

func pathContains(path []string, name string) bool {
	for _, s := range path {
		if s == name {
			return true
		}
	}
	return false
}

// nextStage maps a stage pointer to its successor once the stage completes.
var nextStage = map[string]string{
	StageDiscovery:      StageResearchLevel1,
	StageResearchLevel1: StageResearchLevel4,
	StageResearchLevel4: StageContext,
	StageContext:        StageValidation,
	StageValidation:     StageSynthesis,
	StageSynthesis:      StagePersist,
	StagePersist:        StageDone,
}

// State is the full accumulated picture of one research run. It round-trips
// through the checkpoint row, so every field must survive JSON.
type State struct {
	SignalID string               `json:"signal_id"`
	Signal   analysis.SignalBrief `json:"signal"`

	Interesting  bool    `json:"interesting"`
	Assessment   string  `json:"assessment"`
	InitialScore float64 `json:"initial_score"`

	Level1 *analysis.ResearchOutput `json:"level1,omitempty"`
	Level2 *analysis.ResearchOutput `json:"level2,omitempty"`
	Level3 *analysis.ResearchOutput `json:"level3,omitempty"`
	Level4 *analysis.ResearchOutput `json:"level4,omitempty"`

	SimilarInsights []analysis.SimilarInsight `json:"similar_insights,omitempty"`
	Context         *analysis.ContextOutput   `json:"context,omitempty"`
	Validation      *analysis.ValidationOutput `json:"validation,omitempty"`
	Synthesis       *analysis.SynthesisOutput  `json:"synthesis,omitempty"`

	HistoricalMentions int     `json:"historical_mentions"`
	FinalScore         float64 `json:"final_score"`
	InsightID          string  `json:"insight_id,omitempty"`
}

func (s *State) encode() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding run state: %w", err)
	}
	return raw, nil
}

func decodeState(raw json.RawMessage) (*State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding run state: %w", err)
	}
	return &s, nil
}

// findings collects the completed research level summaries in level order.
func (s *State) findings() []analysis.LevelFindings {
	var out []analysis.LevelFindings
	for i, lvl := range []*analysis.ResearchOutput{s.Level1, s.Level2, s.Level3, s.Level4} {
		if lvl != nil {
			out = append(out, analysis.LevelFindings{Level: i + 1, Summary: lvl.Summary})
		}
	}
	return out
}

// facts merges the evidence from every completed level, level 4 last so the
// synthesis sees the cross-checked facts after the raw ones.
func (s *State) facts() []analysis.Fact {
	var out []analysis.Fact
	for _, lvl := range []*analysis.ResearchOutput{s.Level1, s.Level2, s.Level3, s.Level4} {
		if lvl != nil {
			out = append(out, lvl.Facts...)
		}
	}
	return out
}
