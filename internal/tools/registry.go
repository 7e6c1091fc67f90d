// Package tools runs the named data tools pipeline steps call. Every call is
// recorded as a tool_call/tool_result pair on the run's event log.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ExecutorFunc defines a server-side tool executor.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Recorder receives the events of one tool invocation. The workflow emitter
// implements it.
type Recorder interface {
	ToolCall(ctx context.Context, tool string, args interface{}) (string, error)
	ToolResult(ctx context.Context, toolCallID, tool string, result interface{}, callErr error, duration time.Duration) error
}

// ExecutionError is returned by Call when the executor itself failed, as
// opposed to the call not being recorded.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("%s: %v", e.Tool, e.Err) }

func (e *ExecutionError) Unwrap() error { return e.Err }

// Registry stores tool executors keyed by tool name.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// NewRegistry creates an empty tool executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]ExecutorFunc),
	}
}

// Register adds a new executor for a tool name.
func (r *Registry) Register(toolName string, exec ExecutorFunc) error {
	if toolName == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[toolName]; exists {
		return fmt.Errorf("executor already registered for %s", toolName)
	}
	r.executors[toolName] = exec
	return nil
}

// MustRegister is Register for static setup.
func (r *Registry) MustRegister(toolName string, exec ExecutorFunc) {
	if err := r.Register(toolName, exec); err != nil {
		panic(err)
	}
}

// Names lists the registered tools in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(toolName string) (ExecutorFunc, error) {
	if toolName == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	r.mu.RLock()
	exec := r.executors[toolName]
	r.mu.RUnlock()
	if exec == nil {
		return nil, fmt.Errorf("no executor registered for %s", toolName)
	}
	return exec, nil
}

// Call runs a tool and records the call and its outcome on rec. A failing
// executor is reported as an *ExecutionError after its tool_result is
// recorded; recording failures are returned as is.
func (r *Registry) Call(ctx context.Context, rec Recorder, toolName string, args interface{}) (json.RawMessage, error) {
	exec, err := r.lookup(toolName)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool args: %w", err)
	}

	callID, err := rec.ToolCall(ctx, toolName, json.RawMessage(raw))
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, execErr := exec(ctx, raw)

	var result interface{}
	if len(out) > 0 {
		result = out
	}
	if err := rec.ToolResult(ctx, callID, toolName, result, execErr, time.Since(start)); err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, &ExecutionError{Tool: toolName, Err: execErr}
	}
	return out, nil
}
