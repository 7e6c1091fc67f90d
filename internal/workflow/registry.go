package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/gogo/reports/internal/domain"
)

// Registry stores workflow definitions keyed by agent type.
type Registry struct {
	mu        sync.RWMutex
	workflows map[domain.AgentType]Workflow
}

// NewRegistry creates a registry holding the given workflows.
func NewRegistry(workflows ...Workflow) (*Registry, error) {
	r := &Registry{workflows: make(map[domain.AgentType]Workflow)}
	for _, wf := range workflows {
		if err := r.Register(wf); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a workflow definition.
func (r *Registry) Register(wf Workflow) error {
	if wf == nil {
		return fmt.Errorf("workflow is required")
	}
	if wf.AgentType() == "" {
		return fmt.Errorf("workflow agent type is required")
	}
	if len(wf.StepNames()) == 0 {
		return fmt.Errorf("workflow %s declares no steps", wf.AgentType())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[wf.AgentType()]; exists {
		return fmt.Errorf("workflow already registered for %s", wf.AgentType())
	}
	r.workflows[wf.AgentType()] = wf
	return nil
}

// Get returns the workflow for an agent type.
func (r *Registry) Get(agentType domain.AgentType) (Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[agentType]
	return wf, ok
}

// AgentTypes lists registered agent types in sorted order.
func (r *Registry) AgentTypes() []domain.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.AgentType, 0, len(r.workflows))
	for t := range r.workflows {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
