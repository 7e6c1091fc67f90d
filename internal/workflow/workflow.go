// Package workflow implements the step-sequencing engine that drives a run
// through its pipeline, persists step and run status, and reports progress
// through a persisted event emitter.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/reports/internal/domain"
)

// Workflow is a pipeline definition registered for one agent type.
type Workflow interface {
	AgentType() domain.AgentType
	StepNames() []string
	// Validate checks a run input before any state is persisted.
	Validate(input json.RawMessage) error
	// Plan binds an input to a fresh execution of the pipeline.
	Plan(input json.RawMessage) (*Plan, error)
}

// Plan is one bound execution: ordered steps sharing a private state, and a
// function producing the final result once every step completed.
type Plan struct {
	Steps  []PlanStep
	Result func() (interface{}, error)
}

// PlanStep is a single executable step of a Plan.
type PlanStep struct {
	Name        string
	Description string
	Run         func(ctx context.Context, emit *Emitter) error
}

// Step is a typed step operating on the pipeline state S.
type Step[S any] struct {
	Name        string
	Description string
	Run         func(ctx context.Context, state *S, emit *Emitter) error
}

// Pipeline is a fixed sequence of typed steps threading a state of type S.
type Pipeline[S any] struct {
	agentType domain.AgentType
	decode    func(input json.RawMessage) (*S, error)
	result    func(state *S) (interface{}, error)
	steps     []Step[S]
}

// NewPipeline declares a pipeline. decode validates the input and builds the
// initial state; result extracts the final report from the finished state.
func NewPipeline[S any](agentType domain.AgentType, decode func(json.RawMessage) (*S, error), result func(*S) (interface{}, error), steps ...Step[S]) *Pipeline[S] {
	return &Pipeline[S]{
		agentType: agentType,
		decode:    decode,
		result:    result,
		steps:     steps,
	}
}

var _ Workflow = (*Pipeline[struct{}])(nil)

// AgentType returns the agent type this pipeline serves.
func (p *Pipeline[S]) AgentType() domain.AgentType {
	return p.agentType
}

// StepNames returns the step names in execution order.
func (p *Pipeline[S]) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

// Validate decodes the input and discards the state.
func (p *Pipeline[S]) Validate(input json.RawMessage) error {
	_, err := p.decode(input)
	return err
}

// Plan decodes the input into a new state and binds every step to it.
func (p *Pipeline[S]) Plan(input json.RawMessage) (*Plan, error) {
	state, err := p.decode(input)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%s: decode returned no state", p.agentType)
	}
	plan := &Plan{
		Steps: make([]PlanStep, len(p.steps)),
		Result: func() (interface{}, error) {
			return p.result(state)
		},
	}
	for i := range p.steps {
		step := p.steps[i]
		plan.Steps[i] = PlanStep{
			Name:        step.Name,
			Description: step.Description,
			Run: func(ctx context.Context, emit *Emitter) error {
				return step.Run(ctx, state, emit)
			},
		}
	}
	return plan, nil
}
