package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/gogo/reports/internal/adapter/llm"
	"github.com/xiaot623/gogo/reports/internal/adapter/market"
	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/policy"
	"github.com/xiaot623/gogo/reports/internal/workflow"
)

// Finding is the answer to one research question.
type Finding struct {
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ResearchReport is the result of a RESEARCH run.
type ResearchReport struct {
	Symbol      string           `json:"symbol"`
	Question    string           `json:"question"`
	Snapshot    *market.Snapshot `json:"snapshot"`
	Plan        []string         `json:"plan"`
	Findings    []Finding        `json:"findings"`
	Summary     string           `json:"summary"`
	Model       string           `json:"model"`
	GeneratedAt time.Time        `json:"generated_at"`
}

type researchState struct {
	input    domain.ReportInput
	snapshot *market.Snapshot
	report   *ResearchReport
}

type research struct {
	deps Deps
}

// NewResearch declares fetch_data and create_plan. create_plan drives the
// research iterations itself and reports them as progress events.
func NewResearch(deps Deps) workflow.Workflow {
	r := &research{deps: deps.withDefaults()}
	return workflow.NewPipeline[researchState](domain.AgentTypeResearch, r.decode, r.result,
		workflow.Step[researchState]{Name: StepFetchData, Description: "Fetching market data", Run: r.fetchData},
		workflow.Step[researchState]{Name: StepCreatePlan, Description: "Planning and conducting research", Run: r.createPlan},
	)
}

func (r *research) decode(raw json.RawMessage) (*researchState, error) {
	in, err := decodeInput(raw)
	if err != nil {
		return nil, err
	}
	if r.deps.SynthesisModel == "" {
		return nil, errors.New("no research model configured")
	}
	if in.Question == "" {
		in.Question = fmt.Sprintf("Produce an investment research brief on %s.", in.Symbol)
	}
	return &researchState{input: in}, nil
}

func (r *research) result(st *researchState) (interface{}, error) {
	if st.report == nil {
		return nil, errors.New("research report was not produced")
	}
	return st.report, nil
}

func (r *research) fetchData(ctx context.Context, st *researchState, emit *workflow.Emitter) error {
	snap, err := fetchSnapshot(ctx, r.deps.Tools, emit, st.input.Symbol)
	if err != nil {
		return err
	}
	st.snapshot = snap
	return nil
}

func (r *research) createPlan(ctx context.Context, st *researchState, emit *workflow.Emitter) error {
	if st.snapshot == nil {
		return errors.New("market snapshot missing")
	}
	model := r.deps.SynthesisModel

	plan, err := r.plan(ctx, model, st)
	if err != nil {
		return err
	}
	if err := emit.Thinking(ctx, StepCreatePlan, "Research plan:\n- "+strings.Join(plan, "\n- ")); err != nil {
		return err
	}

	findings := make([]Finding, 0, len(plan))
	succeeded := 0
	var firstErr error
	for i, question := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress := domain.ProgressPayload{
			Step:    StepCreatePlan,
			Substep: fmt.Sprintf("research_%d", i+1),
			Status:  domain.SubstepRunning,
			Current: i + 1,
			Total:   len(plan),
			Message: question,
		}
		if err := emit.Progress(ctx, progress); err != nil {
			return err
		}

		answer, err := r.investigate(ctx, model, st, question, findings)
		finding := Finding{Question: question}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			finding.Error = err.Error()
			progress.Status, progress.Message = domain.SubstepFailed, err.Error()
		} else {
			succeeded++
			finding.Answer = answer
			progress.Status = domain.SubstepCompleted
			if err := emit.Thinking(ctx, StepCreatePlan, answer); err != nil {
				return err
			}
		}
		findings = append(findings, finding)
		if err := emit.Progress(ctx, progress); err != nil {
			return err
		}
	}

	if succeeded == 0 {
		return firstErr
	}
	ok, err := r.deps.Policy.Passes(ctx, policy.QuorumInput{
		Step:       StepCreatePlan,
		AgentType:  string(domain.AgentTypeResearch),
		Succeeded:  succeeded,
		Failed:     len(plan) - succeeded,
		Total:      len(plan),
		MinSuccess: 1,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("quorum not met: %d of %d research questions answered", succeeded, len(plan))
	}

	notes, _ := json.MarshalIndent(findings, "", "  ")
	summary, err := streamSummary(ctx, r.deps.LLM, emit, StepCreatePlan, &llm.ChatRequest{
		Model: model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "You write investment research briefs from analyst notes."},
			{Role: "user", Content: fmt.Sprintf("Symbol: %s\nQuestion: %s\n\nNotes:\n%s\n\nWrite the brief.", st.input.Symbol, st.input.Question, notes)},
		},
	})
	if err != nil {
		return err
	}

	st.report = &ResearchReport{
		Symbol:      st.input.Symbol,
		Question:    st.input.Question,
		Snapshot:    st.snapshot,
		Plan:        plan,
		Findings:    findings,
		Summary:     summary,
		Model:       model,
		GeneratedAt: time.Now().UTC(),
	}
	return nil
}

func (r *research) plan(ctx context.Context, model string, st *researchState) ([]string, error) {
	system := fmt.Sprintf(`You plan equity research. Reply with a %s object {"questions": [string]} of at most %d questions.`,
		llm.MarkerPlan, r.deps.MaxIterations)
	user := fmt.Sprintf("Goal: %s\n\nMarket data:\n%s", st.input.Question, snapshotPrompt(st.snapshot))

	resp, err := r.deps.LLM.CreateChatCompletion(ctx, &llm.ChatRequest{
		Model:    model,
		Messages: []llm.ChatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("invalid research plan: %w", err)
	}
	plan := make([]string, 0, len(out.Questions))
	for _, q := range out.Questions {
		if q = strings.TrimSpace(q); q != "" {
			plan = append(plan, q)
		}
		if len(plan) == r.deps.MaxIterations {
			break
		}
	}
	if len(plan) == 0 {
		return nil, errors.New("research plan is empty")
	}
	return plan, nil
}

func (r *research) investigate(ctx context.Context, model string, st *researchState, question string, prior []Finding) (string, error) {
	var earlier strings.Builder
	for _, f := range prior {
		if f.Answer != "" {
			fmt.Fprintf(&earlier, "Q: %s\nA: %s\n\n", f.Question, f.Answer)
		}
	}
	resp, err := r.deps.LLM.CreateChatCompletion(ctx, &llm.ChatRequest{
		Model: model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "You are an equity research analyst. Answer precisely using the data provided."},
			{Role: "user", Content: fmt.Sprintf("Symbol: %s\nMarket data:\n%s\n\nEarlier findings:\n%s\nQuestion: %s",
				st.input.Symbol, snapshotPrompt(st.snapshot), earlier.String(), question)},
		},
	})
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", fmt.Errorf("empty answer for %q", question)
	}
	return answer, nil
}
