// Package pipeline declares the report pipelines registered with the workflow engine.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xiaot623/gogo/reports/internal/adapter/llm"
	"github.com/xiaot623/gogo/reports/internal/adapter/market"
	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/policy"
	"github.com/xiaot623/gogo/reports/internal/tools"
	"github.com/xiaot623/gogo/reports/internal/workflow"
)

// Step names.
const (
	StepFetchData           = "fetch_data"
	StepParallelAnalysis    = "parallel_analysis"
	StepSynthesizeConsensus = "synthesize_consensus"
	StepCreatePlan          = "create_plan"
)

const maxModels = 8

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.-]{1,10}$`)

// QuorumPolicy decides whether a step's sub-task outcome is good enough.
type QuorumPolicy interface {
	Passes(ctx context.Context, input policy.QuorumInput) (bool, error)
}

// Deps are the collaborators and tunables shared by both pipelines.
type Deps struct {
	LLM    llm.LLMClient
	Market market.Provider
	Policy QuorumPolicy
	// Tools defaults to the data tools served from Market.
	Tools *tools.Registry

	AnalysisModels []string
	SynthesisModel string
	// MinSuccess is the number of parallel sub-tasks that must succeed.
	MinSuccess    int
	Concurrency   int
	MaxIterations int
}

func (d Deps) withDefaults() Deps {
	if d.Policy == nil {
		d.Policy = minSuccess{}
	}
	if d.Tools == nil && d.Market != nil {
		d.Tools = tools.NewDefaultRegistry(d.Market)
	}
	if d.MinSuccess <= 0 {
		d.MinSuccess = 1
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 4
	}
	if d.MaxIterations <= 0 {
		d.MaxIterations = 5
	}
	if d.SynthesisModel == "" && len(d.AnalysisModels) > 0 {
		d.SynthesisModel = d.AnalysisModels[0]
	}
	return d
}

// minSuccess is used when no policy engine is configured.
type minSuccess struct{}

func (minSuccess) Passes(_ context.Context, in policy.QuorumInput) (bool, error) {
	return in.Succeeded > 0 && in.Succeeded >= in.MinSuccess, nil
}

// decodeInput parses and validates a report request.
func decodeInput(raw json.RawMessage) (domain.ReportInput, error) {
	var in domain.ReportInput
	if len(raw) == 0 {
		return in, errors.New("input is required")
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("invalid input: %w", err)
	}
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	if in.Symbol == "" {
		return in, errors.New("symbol is required")
	}
	if !symbolPattern.MatchString(in.Symbol) {
		return in, fmt.Errorf("invalid symbol %q", in.Symbol)
	}
	in.Question = strings.TrimSpace(in.Question)
	if len(in.Models) > maxModels {
		return in, fmt.Errorf("at most %d models are allowed", maxModels)
	}
	for _, m := range in.Models {
		if strings.TrimSpace(m) == "" {
			return in, errors.New("model names must not be empty")
		}
	}
	return in, nil
}

func fetchSnapshot(ctx context.Context, registry *tools.Registry, emit *workflow.Emitter, symbol string) (*market.Snapshot, error) {
	if registry == nil {
		return nil, errors.New("no data tools configured")
	}
	raw, err := registry.Call(ctx, emit, tools.MarketSnapshot, tools.SnapshotArgs{Symbol: symbol})
	var execErr *tools.ExecutionError
	if errors.As(err, &execErr) {
		return nil, fmt.Errorf("failed to fetch market data for %s: %w", symbol, execErr.Err)
	}
	if err != nil {
		return nil, err
	}
	var snap market.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("invalid market snapshot: %w", err)
	}
	return &snap, nil
}

func snapshotPrompt(snap *market.Snapshot) string {
	raw, _ := json.MarshalIndent(snap, "", "  ")
	return string(raw)
}

// thinkingWriter batches streamed completion deltas into thinking events.
type thinkingWriter struct {
	ctx  context.Context
	emit *workflow.Emitter
	step string
	buf  strings.Builder
}

const thinkingFlushSize = 240

func (w *thinkingWriter) Write(delta string) error {
	w.buf.WriteString(delta)
	if w.buf.Len() >= thinkingFlushSize || strings.Contains(delta, "\n") {
		return w.Flush()
	}
	return nil
}

func (w *thinkingWriter) Flush() error {
	text := strings.TrimSpace(w.buf.String())
	w.buf.Reset()
	if text == "" {
		return nil
	}
	return w.emit.Thinking(w.ctx, w.step, text)
}

// streamSummary streams a completion into thinking events and returns the full text.
func streamSummary(ctx context.Context, client llm.LLMClient, emit *workflow.Emitter, step string, req *llm.ChatRequest) (string, error) {
	w := &thinkingWriter{ctx: ctx, emit: emit, step: step}
	resp, err := client.CreateChatCompletionStream(ctx, req, w.Write)
	if err != nil {
		return "", err
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// All returns every pipeline built from deps.
func All(deps Deps) []workflow.Workflow {
	return []workflow.Workflow{NewConsensus(deps), NewResearch(deps)}
}
