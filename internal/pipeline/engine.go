package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quietfund/alphasift/config"
	"github.com/quietfund/alphasift/internal/analysis"
	"github.com/quietfund/alphasift/internal/gate"
	"github.com/quietfund/alphasift/internal/metrics"
	"github.com/quietfund/alphasift/internal/stage"
	"github.com/quietfund/alphasift/internal/store"
)

// StoreAPI is the slice of the store the engine needs.
type StoreAPI interface {
	GetSignal(ctx context.Context, id string) (store.SignalRecord, bool, error)
	ListUnprocessedSignals(ctx context.Context, limit int) ([]store.SignalRecord, error)
	MarkSignalProcessed(ctx context.Context, id string, resultedInInsight bool, insightID string) error

	SaveCheckpoint(ctx context.Context, cp store.ResearchCheckpoint) error
	GetCheckpoint(ctx context.Context, runID string) (store.ResearchCheckpoint, bool, error)
	LatestCheckpointForSignal(ctx context.Context, signalID string) (store.ResearchCheckpoint, bool, error)
	ListCheckpointsByStatus(ctx context.Context, statuses ...string) ([]store.ResearchCheckpoint, error)

	InsertInsight(ctx context.Context, rec store.InsightRecord) (store.InsightRecord, error)
	SearchSimilarInsights(ctx context.Context, vector []float32, topK int, minSimilarity float64) ([]store.InsightSearchResult, error)
	CountInsightsBySymbol(ctx context.Context, symbol string) (int, error)

	UpsertCompany(ctx context.Context, rec store.CompanyRecord) error
}

// Engine drives signals through the staged research graph. All durable state
// lives in the checkpoint row; the engine itself can die at any point and a
// resume picks up from the stage pointer, with completed stages served from
// cache.
type Engine struct {
	store    StoreAPI
	executor *stage.Executor
	runners  map[string]stage.Runner
	gate     *gate.Gate
	provider analysis.Provider
	cfg      config.PipelineConfig
	memory   config.MemoryConfig
	logger   *log.Logger
}

// NewEngine wires the stage runners to the provider and returns a ready
// engine.
func NewEngine(st StoreAPI, exec *stage.Executor, g *gate.Gate, provider analysis.Provider, cfg config.PipelineConfig, memory config.MemoryConfig, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPE] ", log.LstdFlags)
	}
	runners := map[string]stage.Runner{
		StageDiscovery:      analysis.NewDiscoveryRunner(provider),
		StageResearchLevel1: analysis.NewResearchRunner(provider, 1),
		StageResearchLevel2: analysis.NewResearchRunner(provider, 2),
		StageResearchLevel3: analysis.NewResearchRunner(provider, 3),
		StageResearchLevel4: analysis.NewResearchRunner(provider, 4),
		StageContext:        analysis.NewContextRunner(provider),
		StageValidation:     analysis.NewValidationRunner(provider),
		StageSynthesis:      analysis.NewSynthesisRunner(provider),
	}
	return &Engine{
		store:    st,
		executor: exec,
		runners:  runners,
		gate:     g,
		provider: provider,
		cfg:      cfg,
		memory:   memory,
		logger:   logger,
	}
}

// ProcessSignal runs one signal through the pipeline. If a run for the
// signal already exists it is resumed instead; a terminal run makes this a
// no-op. Returns the run id.
func (e *Engine) ProcessSignal(ctx context.Context, signalID string) (string, error) {
	sig, ok, err := e.store.GetSignal(ctx, signalID)
	if err != nil {
		return "", fmt.Errorf("loading signal %s: %w", signalID, err)
	}
	if !ok {
		return "", fmt.Errorf("signal %s not found", signalID)
	}

	if cp, ok, err := e.store.LatestCheckpointForSignal(ctx, signalID); err != nil {
		return "", fmt.Errorf("checking for existing run: %w", err)
	} else if ok {
		switch cp.Status {
		case store.RunStatusCompleted, store.RunStatusStoppedByGate:
			return cp.RunID, nil
		default:
			return cp.RunID, e.resumeFrom(ctx, cp)
		}
	}

	st := &State{
		SignalID: sig.ID,
		Signal: analysis.SignalBrief{
			SignalType: sig.SignalType,
			Symbol:     sig.Symbol,
			Company:    sig.Company,
			Priority:   sig.Priority,
			Payload:    sig.Payload,
		},
	}
	cp := store.ResearchCheckpoint{
		RunID:    uuid.NewString(),
		SignalID: sig.ID,
		Status:   store.RunStatusRunning,
		Stage:    StageDiscovery,
	}
	if err := e.checkpoint(ctx, &cp, st); err != nil {
		return "", err
	}
	return cp.RunID, e.run(ctx, cp, st)
}

// Resume picks up an interrupted run at its stage pointer. Runs that already
// reached a terminal status are left alone.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	cp, ok, err := e.store.GetCheckpoint(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading checkpoint %s: %w", runID, err)
	}
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	switch cp.Status {
	case store.RunStatusCompleted, store.RunStatusStoppedByGate:
		return nil
	}
	return e.resumeFrom(ctx, cp)
}

func (e *Engine) resumeFrom(ctx context.Context, cp store.ResearchCheckpoint) error {
	st, err := decodeState(cp.State)
	if err != nil {
		return fmt.Errorf("run %s: %w", cp.RunID, err)
	}
	cp.Status = store.RunStatusRunning
	cp.FailureReason = ""
	e.logger.Printf("resuming run %s at stage %s", cp.RunID, cp.Stage)
	return e.run(ctx, cp, st)
}

// ResumeIncomplete restarts every run left in a non-terminal status, oldest
// first. Called on worker startup.
func (e *Engine) ResumeIncomplete(ctx context.Context) error {
	cps, err := e.store.ListCheckpointsByStatus(ctx, store.RunStatusRunning, store.RunStatusFailed)
	if err != nil {
		return fmt.Errorf("listing incomplete runs: %w", err)
	}
	for _, cp := range cps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.resumeFrom(ctx, cp); err != nil {
			e.logger.Printf("resume of run %s failed: %v", cp.RunID, err)
		}
	}
	return nil
}

// Sweep pulls a batch of unprocessed signals and runs them through a bounded
// worker pool. Individual run failures are logged, not fatal to the sweep.
func (e *Engine) Sweep(ctx context.Context) error {
	signals, err := e.store.ListUnprocessedSignals(ctx, e.cfg.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("listing unprocessed signals: %w", err)
	}
	if len(signals) == 0 {
		return nil
	}
	e.logger.Printf("sweep: %d signals, %d workers", len(signals), e.cfg.Workers)

	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(sig store.SignalRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := e.ProcessSignal(ctx, sig.ID); err != nil {
				e.logger.Printf("signal %s: %v", sig.ID, err)
			}
		}(sig)
	}
	wg.Wait()
	return ctx.Err()
}

// run executes stages from the checkpoint pointer until the run terminates.
// The wall-clock budget covers stage execution; terminal bookkeeping uses a
// detached context so a blown budget still leaves a consistent checkpoint.
func (e *Engine) run(ctx context.Context, cp store.ResearchCheckpoint, st *State) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunBudget)
	defer cancel()

	for cp.Stage != StageDone {
		if err := runCtx.Err(); err != nil {
			return e.fail(ctx, &cp, st, fmt.Errorf("run budget exhausted at %s: %w", cp.Stage, err))
		}

		var err error
		switch cp.Stage {
		case StageDiscovery:
			var stopped bool
			stopped, err = e.runDiscovery(runCtx, &cp, st)
			if stopped {
				return err
			}
		case StageResearchLevel1:
			err = e.runFanOut(runCtx, &cp, st)
		case StageResearchLevel4:
			err = e.runLevel4(runCtx, &cp, st)
		case StageContext:
			err = e.runContext(runCtx, &cp, st)
		case StageValidation:
			err = e.runValidation(runCtx, &cp, st)
		case StageSynthesis:
			err = e.runSynthesis(runCtx, &cp, st)
		case StagePersist:
			return e.runPersist(runCtx, &cp, st)
		default:
			err = stage.Permanent(cp.Stage, fmt.Errorf("unknown stage pointer %q", cp.Stage))
		}
		if err != nil {
			return e.fail(ctx, &cp, st, err)
		}
	}
	return nil
}

// execute marshals a typed input, runs the stage through the executor and
// strictly decodes the typed output.
func (e *Engine) execute(ctx context.Context, stageName string, input, output interface{}) error {
	runner, ok := e.runners[stageName]
	if !ok {
		return stage.Permanent(stageName, fmt.Errorf("no runner registered"))
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return stage.Permanent(stageName, err)
	}
	res, err := e.executor.Execute(ctx, runner, stage.Request{Stage: stageName, Input: raw})
	if err != nil {
		return err
	}
	if res.Cached {
		e.logger.Printf("stage %s served from cache", stageName)
	}
	return stage.DecodeStrict(stageName, res.Output, output)
}

func (e *Engine) runDiscovery(ctx context.Context, cp *store.ResearchCheckpoint, st *State) (stopped bool, err error) {
	var out analysis.DiscoveryOutput
	if err := e.execute(ctx, StageDiscovery, analysis.DiscoveryInput{Signal: st.Signal}, &out); err != nil {
		return false, err
	}
	st.Interesting = out.Interesting
	st.Assessment = out.Assessment
	st.InitialScore = out.InitialScore

	verdict := e.gate.Discovery(out.Interesting, out.Assessment)
	if !verdict.Pass {
		e.logger.Printf("run %s: discovery gate rejected signal %s (%s)", cp.RunID, st.SignalID, verdict.Reason)
		// The stage did execute; a rejected run still records it.
		cp.Path = append(cp.Path, StageDiscovery)
		return true, e.terminate(ctx, cp, st, store.RunStatusStoppedByGate, verdict.Reason, false, "")
	}
	return false, e.advance(ctx, cp, st, StageDiscovery)
}

// runFanOut executes research levels 1-3 concurrently. A failing level does
// not cancel its siblings: they finish, their completions are recorded in
// the path and their outputs land in the cache, so a retry of the group only
// re-pays the failed one.
func (e *Engine) runFanOut(ctx context.Context, cp *store.ResearchCheckpoint, st *State) error {
	var outs [3]analysis.ResearchOutput
	var errs [3]error
	var g errgroup.Group
	for i, name := range fanOutStages {
		i, name := i, name
		g.Go(func() error {
			errs[i] = e.execute(ctx, name, analysis.ResearchInput{
				Signal:     st.Signal,
				Assessment: st.Assessment,
				Level:      i + 1,
			}, &outs[i])
			return errs[i]
		})
	}
	if err := g.Wait(); err != nil {
		for i, lvlErr := range errs {
			if lvlErr == nil && !pathContains(cp.Path, fanOutStages[i]) {
				cp.Path = append(cp.Path, fanOutStages[i])
			}
		}
		return err
	}
	st.Level1, st.Level2, st.Level3 = &outs[0], &outs[1], &outs[2]

	// On a retry of the group, siblings recorded by the failed attempt were
	// replayed from cache; only the newly completed levels join the path.
	completed := make([]string, 0, len(fanOutStages))
	for _, name := range fanOutStages {
		if !pathContains(cp.Path, name) {
			completed = append(completed, name)
		}
	}
	return e.advance(ctx, cp, st, completed...)
}

func (e *Engine) runLevel4(ctx context.Context, cp *store.ResearchCheckpoint, st *State) error {
	var out analysis.ResearchOutput
	err := e.execute(ctx, StageResearchLevel4, analysis.ResearchInput{
		Signal:     st.Signal,
		Assessment: st.Assessment,
		Level:      4,
		Findings:   st.findings(),
	}, &out)
	if err != nil {
		return err
	}
	st.Level4 = &out
	return e.advance(ctx, cp, st, StageResearchLevel4)
}

func (e *Engine) runContext(ctx context.Context, cp *store.ResearchCheckpoint, st *State) error {
	// Memory lookups enrich the prompt but never block the run.
	e.recallMemory(ctx, st)

	var out analysis.ContextOutput
	err := e.execute(ctx, StageContext, analysis.ContextInput{
		Signal:          st.Signal,
		Findings:        st.findings(),
		SimilarInsights: st.SimilarInsights,
	}, &out)
	if err != nil {
		return err
	}
	st.Context = &out
	return e.advance(ctx, cp, st, StageContext)
}

func (e *Engine) runValidation(ctx context.Context, cp *store.ResearchCheckpoint, st *State) error {
	var out analysis.ValidationOutput
	err := e.execute(ctx, StageValidation, analysis.ValidationInput{
		Signal:   st.Signal,
		Findings: st.findings(),
		Facts:    st.facts(),
		Context:  *st.Context,
	}, &out)
	if err != nil {
		return err
	}
	st.Validation = &out
	return e.advance(ctx, cp, st, StageValidation)
}

func (e *Engine) runSynthesis(ctx context.Context, cp *store.ResearchCheckpoint, st *State) error {
	var out analysis.SynthesisOutput
	err := e.execute(ctx, StageSynthesis, analysis.SynthesisInput{
		Signal:     st.Signal,
		Assessment: st.Assessment,
		Findings:   st.findings(),
		Facts:      st.facts(),
		Context:    *st.Context,
		Validation: *st.Validation,
	}, &out)
	if err != nil {
		return err
	}
	st.Synthesis = &out
	return e.advance(ctx, cp, st, StageSynthesis)
}

// runPersist scores the finished insight against the persistence gate and,
// on a pass, writes it to memory.
func (e *Engine) runPersist(ctx context.Context, cp *store.ResearchCheckpoint, st *State) error {
	features := e.extractFeatures(st)
	verdict := e.gate.Persistence(features)
	st.FinalScore = verdict.Score

	if !verdict.Pass {
		e.logger.Printf("run %s: persistence gate rejected insight (%s)", cp.RunID, verdict.Reason)
		return e.terminate(ctx, cp, st, store.RunStatusStoppedByGate, verdict.Reason, false, "")
	}

	rec, err := e.persistInsight(ctx, st, features)
	if err != nil {
		return e.fail(ctx, cp, st, err)
	}
	st.InsightID = rec.ID
	e.logger.Printf("run %s: persisted insight %s for %s (score %.2f)", cp.RunID, rec.ID, st.Signal.Symbol, verdict.Score)
	return e.terminate(ctx, cp, st, store.RunStatusCompleted, "", true, rec.ID)
}

func (e *Engine) persistInsight(ctx context.Context, st *State, features gate.Features) (store.InsightRecord, error) {
	var embedding []float32
	vecs, err := e.provider.CreateEmbedding(ctx, []string{st.Synthesis.Headline + "\n" + st.Synthesis.Analysis})
	if err != nil {
		return store.InsightRecord{}, fmt.Errorf("embedding insight: %w", err)
	}
	if len(vecs) > 0 {
		embedding = vecs[0]
	}

	evidence := make([]store.EvidenceFact, 0, len(st.Synthesis.Evidence))
	for _, f := range st.Synthesis.Evidence {
		evidence = append(evidence, store.EvidenceFact{Fact: f.Fact, Source: f.Source})
	}

	rec, err := e.store.InsertInsight(ctx, store.InsightRecord{
		SignalType:  st.Signal.SignalType,
		Symbol:      st.Signal.Symbol,
		CompanyName: st.Signal.Company,
		Headline:    st.Synthesis.Headline,
		Evidence:    evidence,
		Analysis:    st.Synthesis.Analysis,
		Score:       st.FinalScore,
		Embedding:   embedding,
		Metadata: map[string]interface{}{
			"signal_id":        st.SignalID,
			"validation_notes": st.Validation.Notes,
			"features":         features.Vector(),
		},
	})
	if err != nil {
		return store.InsightRecord{}, fmt.Errorf("inserting insight: %w", err)
	}

	// Company knowledge is best effort; the insight row is the source of
	// truth.
	if err := e.store.UpsertCompany(ctx, store.CompanyRecord{
		Symbol: st.Signal.Symbol,
		Name:   st.Signal.Company,
		Knowledge: map[string]interface{}{
			"latest_headline": st.Synthesis.Headline,
			"latest_score":    st.FinalScore,
		},
		Embedding: embedding,
	}); err != nil {
		e.logger.Printf("warn: company upsert for %s failed: %v", st.Signal.Symbol, err)
	}
	return rec, nil
}

func (e *Engine) extractFeatures(st *State) gate.Features {
	return gate.Features{
		InitialScore:          st.Synthesis.Score,
		PromoterActivity:      strings.Contains(st.Signal.SignalType, "promoter"),
		FundamentalConfluence: st.Validation.FundamentalConfluence,
		HistoricalMentions:    st.HistoricalMentions,
		SignalPriority:        st.Signal.Priority,
		EvidenceCount:         len(st.Synthesis.Evidence),
		AnalysisLength:        len(st.Synthesis.Analysis),
	}
}

// recallMemory looks up prior insights for the company. Failures degrade to
// an empty recall.
func (e *Engine) recallMemory(ctx context.Context, st *State) {
	n, err := e.store.CountInsightsBySymbol(ctx, st.Signal.Symbol)
	if err != nil {
		e.logger.Printf("warn: counting prior insights for %s: %v", st.Signal.Symbol, err)
	} else {
		st.HistoricalMentions = n
	}

	probe := st.Signal.Symbol + " " + st.Signal.Company + " " + st.Assessment
	vecs, err := e.provider.CreateEmbedding(ctx, []string{probe})
	if err != nil || len(vecs) == 0 {
		e.logger.Printf("warn: memory recall embedding for %s failed: %v", st.Signal.Symbol, err)
		return
	}
	hits, err := e.store.SearchSimilarInsights(ctx, vecs[0], e.memory.SearchTopK, e.memory.SearchThreshold)
	if err != nil {
		e.logger.Printf("warn: memory recall for %s failed: %v", st.Signal.Symbol, err)
		return
	}
	st.SimilarInsights = st.SimilarInsights[:0]
	for _, h := range hits {
		st.SimilarInsights = append(st.SimilarInsights, analysis.SimilarInsight{
			Headline:   h.Headline,
			Score:      h.Score,
			Similarity: h.Similarity,
		})
	}
}

// advance appends the completed stages to the path, moves the pointer and
// checkpoints in one atomic write.
func (e *Engine) advance(ctx context.Context, cp *store.ResearchCheckpoint, st *State, completed ...string) error {
	next, ok := nextStage[cp.Stage]
	if !ok {
		return fmt.Errorf("no successor for stage %s", cp.Stage)
	}
	prev := cp.Stage
	cp.Path = append(cp.Path, completed...)
	cp.Stage = next
	if err := e.checkpoint(ctx, cp, st); err != nil {
		return fmt.Errorf("checkpointing after %s: %w", prev, err)
	}
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, cp *store.ResearchCheckpoint, st *State) error {
	raw, err := st.encode()
	if err != nil {
		return err
	}
	cp.State = raw
	return e.store.SaveCheckpoint(ctx, *cp)
}

// terminate writes the final checkpoint and settles the signal bookkeeping.
// Uses a detached context so terminal state survives a blown run budget.
func (e *Engine) terminate(ctx context.Context, cp *store.ResearchCheckpoint, st *State, status, reason string, resultedInInsight bool, insightID string) error {
	saveCtx := context.WithoutCancel(ctx)
	cp.Status = status
	cp.Stage = StageDone
	cp.FailureReason = reason
	if err := e.checkpoint(saveCtx, cp, st); err != nil {
		return fmt.Errorf("writing terminal checkpoint: %w", err)
	}
	if err := e.store.MarkSignalProcessed(saveCtx, st.SignalID, resultedInInsight, insightID); err != nil {
		return fmt.Errorf("marking signal processed: %w", err)
	}
	metrics.PipelineRuns.WithLabelValues(status).Inc()
	return nil
}

// fail records a failed run without moving the stage pointer: a later resume
// re-executes the in-flight stage, with earlier stages served from cache.
// The signal is settled with no insight; a resume that completes upgrades
// the outcome. The failure reason keeps the error classification.
func (e *Engine) fail(ctx context.Context, cp *store.ResearchCheckpoint, st *State, cause error) error {
	saveCtx := context.WithoutCancel(ctx)
	cp.Status = store.RunStatusFailed
	cp.FailureReason = cause.Error()
	if err := e.checkpoint(saveCtx, cp, st); err != nil {
		e.logger.Printf("run %s: writing failure checkpoint: %v", cp.RunID, err)
	}
	if err := e.store.MarkSignalProcessed(saveCtx, st.SignalID, false, ""); err != nil {
		e.logger.Printf("run %s: marking signal processed: %v", cp.RunID, err)
	}
	metrics.PipelineRuns.WithLabelValues(store.RunStatusFailed).Inc()
	return fmt.Errorf("run %s failed at %s: %w", cp.RunID, cp.Stage, cause)
}
