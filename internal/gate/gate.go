package gate

import (
	"fmt"
	"sync"

	"github.com/quietfund/alphasift/internal/metrics"
)

// Verdict is the outcome of a gate evaluation. Score is only meaningful for
// the persistence gate; the discovery gate is a plain boolean triage.
type Verdict struct {
	Pass   bool    `json:"pass"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Gate holds the two decision points of a research run: the cheap discovery
// triage and the learned persistence threshold. The scorer can be swapped at
// runtime after retraining without restarting in-flight runs.
type Gate struct {
	mu        sync.RWMutex
	scorer    Scorer
	threshold float64
}

// New builds a gate with the given persistence threshold. Scores on the 0-10
// scale that are greater than or equal to the threshold pass.
func New(scorer Scorer, threshold float64) *Gate {
	if scorer == nil {
		scorer = &LinearScorer{}
	}
	return &Gate{scorer: scorer, threshold: threshold}
}

// Discovery triages a signal straight after the discovery stage. Rejections
// are terminal for the run but still recorded as processed signals.
func (g *Gate) Discovery(interesting bool, assessment string) Verdict {
	if !interesting {
		metrics.GateDecisions.WithLabelValues("discovery", "reject").Inc()
		return Verdict{Pass: false, Reason: "discovery triage rejected signal"}
	}
	metrics.GateDecisions.WithLabelValues("discovery", "pass").Inc()
	reason := assessment
	if reason == "" {
		reason = "discovery triage passed"
	}
	return Verdict{Pass: true, Reason: reason}
}

// Persistence scores a finished insight and decides whether it reaches the
// user. A score exactly at the threshold passes.
func (g *Gate) Persistence(f Features) Verdict {
	g.mu.RLock()
	scorer := g.scorer
	threshold := g.threshold
	g.mu.RUnlock()

	score := scorer.Score(f)
	if score < 0 {
		score = 0
	} else if score > 10 {
		score = 10
	}
	if score >= threshold {
		metrics.GateDecisions.WithLabelValues("persistence", "pass").Inc()
		return Verdict{Pass: true, Score: score, Reason: fmt.Sprintf("score %.2f >= threshold %.2f", score, threshold)}
	}
	metrics.GateDecisions.WithLabelValues("persistence", "reject").Inc()
	return Verdict{Pass: false, Score: score, Reason: fmt.Sprintf("score %.2f below threshold %.2f", score, threshold)}
}

// Threshold returns the configured persistence cutoff.
func (g *Gate) Threshold() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.threshold
}

// Swap replaces the persistence scorer. Callers install a freshly trained
// model here; evaluations in progress keep the scorer they already read.
func (g *Gate) Swap(scorer Scorer) {
	if scorer == nil {
		return
	}
	g.mu.Lock()
	g.scorer = scorer
	g.mu.Unlock()
}
