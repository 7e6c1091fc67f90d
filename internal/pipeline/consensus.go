package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/reports/internal/adapter/llm"
	"github.com/xiaot623/gogo/reports/internal/adapter/market"
	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/policy"
	"github.com/xiaot623/gogo/reports/internal/workflow"
)

// Ratings a model analysis may return.
const (
	RatingBuy  = "BUY"
	RatingHold = "HOLD"
	RatingSell = "SELL"
)

// ModelAnalysis is one model's view of the symbol.
type ModelAnalysis struct {
	Model       string  `json:"model"`
	Rating      string  `json:"rating"`
	TargetPrice float64 `json:"target_price"`
	Confidence  float64 `json:"confidence"`
	Summary     string  `json:"summary"`
}

// ModelFailure records an analysis that did not produce a result.
type ModelFailure struct {
	Model string `json:"model"`
	Error string `json:"error"`
}

// ConsensusReport is the result of a CONSENSUS run.
type ConsensusReport struct {
	Symbol         string           `json:"symbol"`
	Question       string           `json:"question"`
	Snapshot       *market.Snapshot `json:"snapshot"`
	Rating         string           `json:"rating"`
	Agreement      float64          `json:"agreement"`
	AverageTarget  float64          `json:"average_target_price"`
	Votes          map[string]int   `json:"votes"`
	Analyses       []ModelAnalysis  `json:"analyses"`
	Failures       []ModelFailure   `json:"failures,omitempty"`
	Summary        string           `json:"summary"`
	SynthesisModel string           `json:"synthesis_model"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

type consensusState struct {
	input    domain.ReportInput
	models   []string
	snapshot *market.Snapshot
	analyses []ModelAnalysis
	failures []ModelFailure
	report   *ConsensusReport
}

type consensus struct {
	deps Deps
}

// NewConsensus declares fetch_data, parallel_analysis and synthesize_consensus.
func NewConsensus(deps Deps) workflow.Workflow {
	c := &consensus{deps: deps.withDefaults()}
	return workflow.NewPipeline[consensusState](domain.AgentTypeConsensus, c.decode, c.result,
		workflow.Step[consensusState]{Name: StepFetchData, Description: "Fetching market data", Run: c.fetchData},
		workflow.Step[consensusState]{Name: StepParallelAnalysis, Description: "Running model analyses", Run: c.parallelAnalysis},
		workflow.Step[consensusState]{Name: StepSynthesizeConsensus, Description: "Synthesizing consensus", Run: c.synthesize},
	)
}

func (c *consensus) decode(raw json.RawMessage) (*consensusState, error) {
	in, err := decodeInput(raw)
	if err != nil {
		return nil, err
	}
	models := in.Models
	if len(models) == 0 {
		models = c.deps.AnalysisModels
	}
	if len(models) == 0 {
		return nil, errors.New("no analysis models configured")
	}
	if in.Question == "" {
		in.Question = fmt.Sprintf("What is the investment outlook for %s?", in.Symbol)
	}
	return &consensusState{input: in, models: models}, nil
}

func (c *consensus) result(st *consensusState) (interface{}, error) {
	if st.report == nil {
		return nil, errors.New("consensus report was not produced")
	}
	return st.report, nil
}

func (c *consensus) fetchData(ctx context.Context, st *consensusState, emit *workflow.Emitter) error {
	snap, err := fetchSnapshot(ctx, c.deps.Tools, emit, st.input.Symbol)
	if err != nil {
		return err
	}
	st.snapshot = snap
	return nil
}

func (c *consensus) parallelAnalysis(ctx context.Context, st *consensusState, emit *workflow.Emitter) error {
	if st.snapshot == nil {
		return errors.New("market snapshot missing")
	}

	total := len(st.models)
	results := make([]*ModelAnalysis, total)
	errs := make([]error, total)

	// Analysis failures are collected per model. Only event log failures are
	// returned from a sub-task, and they fail the step.
	var g errgroup.Group
	g.SetLimit(c.deps.Concurrency)
	for i, model := range st.models {
		g.Go(func() error {
			progress := domain.ProgressPayload{Step: StepParallelAnalysis, Substep: model, Current: i + 1, Total: total}
			progress.Status = domain.SubstepRunning
			if err := emit.Progress(ctx, progress); err != nil {
				return fmt.Errorf("progress for %s: %w", model, err)
			}

			analysis, err := c.analyze(ctx, model, st)
			if err != nil {
				errs[i] = err
				progress.Status, progress.Message = domain.SubstepFailed, err.Error()
			} else {
				results[i] = analysis
				progress.Status, progress.Message = domain.SubstepCompleted, analysis.Rating
			}
			if err := emit.Progress(ctx, progress); err != nil {
				return fmt.Errorf("progress for %s: %w", model, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var firstErr error
	for i, model := range st.models {
		if results[i] != nil {
			st.analyses = append(st.analyses, *results[i])
			continue
		}
		if firstErr == nil {
			firstErr = errs[i]
		}
		st.failures = append(st.failures, ModelFailure{Model: model, Error: errs[i].Error()})
	}

	succeeded := len(st.analyses)
	if succeeded == 0 {
		return firstErr
	}
	ok, err := c.deps.Policy.Passes(ctx, policy.QuorumInput{
		Step:       StepParallelAnalysis,
		AgentType:  string(domain.AgentTypeConsensus),
		Succeeded:  succeeded,
		Failed:     total - succeeded,
		Total:      total,
		MinSuccess: c.deps.MinSuccess,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("quorum not met: %d of %d analyses succeeded", succeeded, total)
	}
	return nil
}

func (c *consensus) analyze(ctx context.Context, model string, st *consensusState) (*ModelAnalysis, error) {
	system := "You are an equity research analyst. Reply with a single " + llm.MarkerAnalysis +
		` object: {"rating": "BUY"|"HOLD"|"SELL", "target_price": number, "confidence": number between 0 and 1, "summary": string}.`
	user := fmt.Sprintf("Question: %s\n\nMarket data:\n%s", st.input.Question, snapshotPrompt(st.snapshot))

	resp, err := c.deps.LLM.CreateChatCompletion(ctx, &llm.ChatRequest{
		Model:    model,
		Messages: []llm.ChatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}

	var out ModelAnalysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("model %s returned invalid JSON: %w", model, err)
	}
	out.Model = model
	out.Rating = strings.ToUpper(strings.TrimSpace(out.Rating))
	switch out.Rating {
	case RatingBuy, RatingHold, RatingSell:
	default:
		return nil, fmt.Errorf("model %s returned unknown rating %q", model, out.Rating)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		out.Confidence = 0
	}
	return &out, nil
}

func (c *consensus) synthesize(ctx context.Context, st *consensusState, emit *workflow.Emitter) error {
	if len(st.analyses) == 0 {
		return errors.New("no analyses to synthesize")
	}

	votes, rating, agreement := tally(st.analyses)
	var targetSum float64
	var targets int
	for _, a := range st.analyses {
		if a.TargetPrice > 0 {
			targetSum += a.TargetPrice
			targets++
		}
	}
	average := 0.0
	if targets > 0 {
		average = targetSum / float64(targets)
	}

	analyses, _ := json.MarshalIndent(st.analyses, "", "  ")
	summary, err := streamSummary(ctx, c.deps.LLM, emit, StepSynthesizeConsensus, &llm.ChatRequest{
		Model: c.deps.SynthesisModel,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "You write concise consensus reports for equity investors."},
			{Role: "user", Content: fmt.Sprintf("Symbol: %s\nQuestion: %s\nConsensus rating: %s (%.0f%% agreement)\n\nAnalyst views:\n%s\n\nWrite the consensus summary.",
				st.input.Symbol, st.input.Question, rating, agreement*100, analyses)},
		},
	})
	if err != nil {
		return err
	}

	st.report = &ConsensusReport{
		Symbol:         st.input.Symbol,
		Question:       st.input.Question,
		Snapshot:       st.snapshot,
		Rating:         rating,
		Agreement:      agreement,
		AverageTarget:  average,
		Votes:          votes,
		Analyses:       st.analyses,
		Failures:       st.failures,
		Summary:        summary,
		SynthesisModel: c.deps.SynthesisModel,
		GeneratedAt:    time.Now().UTC(),
	}
	return nil
}

// tally counts votes and picks the majority rating. Ties resolve toward HOLD,
// then in BUY, SELL order.
func tally(analyses []ModelAnalysis) (map[string]int, string, float64) {
	votes := map[string]int{}
	for _, a := range analyses {
		votes[a.Rating]++
	}
	order := []string{RatingHold, RatingBuy, RatingSell}
	sort.SliceStable(order, func(i, j int) bool { return votes[order[i]] > votes[order[j]] })
	best := order[0]
	return votes, best, float64(votes[best]) / float64(len(analyses))
}
