package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the quorum policy.
const (
	DecisionPass = "pass"
	DecisionFail = "fail"
)

// QuorumInput describes the outcome of a step's parallel sub-tasks.
type QuorumInput struct {
	Step       string `json:"step"`
	AgentType  string `json:"agent_type"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Total      int    `json:"total"`
	MinSuccess int    `json:"min_success"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.workflow_policy.decision"),
		rego.Module("workflow_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate decides whether a step's sub-task outcome counts as success.
// A policy that yields no decision fails the step.
func (e *Engine) Evaluate(ctx context.Context, input QuorumInput) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionFail, nil
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
	}
	return s, nil
}

// Passes is Evaluate reduced to a boolean.
func (e *Engine) Passes(ctx context.Context, input QuorumInput) (bool, error) {
	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return false, err
	}
	return decision == DecisionPass, nil
}

// DefaultPolicy passes a step once min_success sub-tasks succeeded. A
// min_success of zero or less requires every sub-task to succeed.
const DefaultPolicy = `
package workflow_policy

default decision = "fail"

decision = "pass" {
	input.min_success > 0
	input.succeeded >= input.min_success
}

decision = "pass" {
	input.min_success <= 0
	input.total > 0
	input.succeeded == input.total
}
`
