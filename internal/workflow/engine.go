package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/store"
)

// Observer receives engine lifecycle notifications, typically for metrics.
type Observer interface {
	RunStarted(agentType domain.AgentType)
	RunFinished(agentType domain.AgentType, status domain.RunStatus)
	StepFinished(agentType domain.AgentType, step string, status domain.StepStatus, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RunStarted(domain.AgentType)                                        {}
func (nopObserver) RunFinished(domain.AgentType, domain.RunStatus)                     {}
func (nopObserver) StepFinished(domain.AgentType, string, domain.StepStatus, time.Duration) {}

// Engine executes plans against the persisted run and step records.
type Engine struct {
	store    store.Store
	observer Observer
}

// NewEngine creates a new engine. A nil observer is allowed.
func NewEngine(s store.Store, observer Observer) *Engine {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Engine{store: s, observer: observer}
}

// Execute drives run through plan and returns the run's resulting status.
//
// Execute never returns an error: handler failures, panics and storage errors
// are recorded on the step and run records and reported as an error event.
// Cancellation is cooperative. The persisted run status is checked before each
// step and after each handler returns, and once the run is terminal nothing
// further is scheduled or reported by the engine.
func (e *Engine) Execute(ctx context.Context, run *domain.Run, plan *Plan, emit *Emitter) domain.RunStatus {
	// Status writes must land even if the handler context is cancelled.
	pctx := context.WithoutCancel(ctx)
	x := &execution{engine: e, run: run, emit: emit, ctx: pctx}

	started, err := e.store.MarkRunRunning(pctx, run.ID)
	if err != nil {
		return x.failRun("", fmt.Sprintf("failed to start run: %v", err))
	}
	if !started {
		status := x.currentStatus()
		log.Printf("INFO: run %d not started, status is %s", run.ID, status)
		return status
	}
	e.observer.RunStarted(run.AgentType)

	total := len(plan.Steps)
	for i, step := range plan.Steps {
		order := i + 1
		if status, stop := x.stopped(); stop {
			return status
		}

		ok, err := e.store.StartStep(pctx, run.ID, order)
		if err == nil && !ok {
			// The run may have ended since the check above.
			if status, stop := x.stopped(); stop {
				return status
			}
		}
		if err != nil || !ok {
			msg := fmt.Sprintf("step %s could not be started", step.Name)
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			return x.failRun(step.Name, msg)
		}

		message := step.Description
		if message == "" {
			message = "Running " + step.Name
		}
		if err := emit.Stage(ctx, step.Name, order*100/total, message); err != nil {
			return x.failStep(order, step.Name, time.Now(), err.Error())
		}

		begin := time.Now()
		runErr := runHandler(ctx, step, emit)

		if status, stop := x.stopped(); stop {
			// The run ended while the handler was in flight. Record what the
			// step did, but leave the run untouched.
			stepStatus := domain.StepStatusCompleted
			errMsg := ""
			if runErr != nil {
				stepStatus, errMsg = domain.StepStatusFailed, runErr.Error()
			}
			x.finishStep(order, step.Name, stepStatus, errMsg, begin)
			return status
		}

		if runErr != nil {
			return x.failStep(order, step.Name, begin, runErr.Error())
		}
		x.finishStep(order, step.Name, domain.StepStatusCompleted, "", begin)
	}

	result, err := plan.Result()
	if err != nil {
		return x.failRun("", fmt.Sprintf("failed to build result: %v", err))
	}
	ev, err := domain.CompleteEvent(result)
	if err != nil {
		return x.failRun("", err.Error())
	}
	return x.finish(domain.RunStatusCompleted, "", ev)
}

func runHandler(ctx context.Context, step PlanStep, emit *Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if step.Run == nil {
		return fmt.Errorf("step %s has no handler", step.Name)
	}
	return step.Run(ctx, emit)
}

type execution struct {
	engine *Engine
	run    *domain.Run
	emit   *Emitter
	ctx    context.Context
}

func (x *execution) currentStatus() domain.RunStatus {
	run, err := x.engine.store.GetRun(x.ctx, x.run.ID)
	if err != nil || run == nil {
		log.Printf("WARN: failed to read status of run %d: %v", x.run.ID, err)
		return x.run.Status
	}
	x.run.Status = run.Status
	return run.Status
}

// stopped reports whether the run was moved to a terminal status externally.
func (x *execution) stopped() (domain.RunStatus, bool) {
	run, err := x.engine.store.GetRun(x.ctx, x.run.ID)
	if err != nil {
		log.Printf("WARN: failed to check status of run %d: %v", x.run.ID, err)
		return "", false
	}
	if run == nil {
		return domain.RunStatusFailed, true
	}
	if run.Status.IsTerminal() {
		// Whoever wrote the terminal status accounts for it.
		log.Printf("INFO: run %d is %s, stopping", x.run.ID, run.Status)
		x.run.Status = run.Status
		return run.Status, true
	}
	return "", false
}

func (x *execution) finishStep(order int, name string, status domain.StepStatus, errMsg string, begin time.Time) {
	if _, err := x.engine.store.FinishStep(x.ctx, x.run.ID, order, status, errMsg); err != nil {
		log.Printf("ERROR: failed to mark step %s of run %d %s: %v", name, x.run.ID, status, err)
	}
	x.engine.observer.StepFinished(x.run.AgentType, name, status, time.Since(begin))
}

func (x *execution) failStep(order int, name string, begin time.Time, msg string) domain.RunStatus {
	x.finishStep(order, name, domain.StepStatusFailed, msg, begin)
	return x.failRun(name, msg)
}

// failRun records msg as the run failure with its error event.
func (x *execution) failRun(step, msg string) domain.RunStatus {
	log.Printf("ERROR: run %d failed at step %q: %s", x.run.ID, step, msg)
	ev := domain.MustEvent(domain.EventTypeError, domain.ErrorPayload{Message: msg, Recoverable: false, Step: step})
	return x.finish(domain.RunStatusFailed, msg, ev)
}

// finish commits the terminal status together with its terminal event.
func (x *execution) finish(status domain.RunStatus, errMsg string, ev domain.Event) domain.RunStatus {
	ok, err := x.emit.Finish(x.ctx, status, errMsg, ev)
	if err != nil {
		log.Printf("ERROR: failed to finish run %d as %s: %v", x.run.ID, status, err)
		// Fall back to a bare status write.
		if ok, err = x.engine.store.CompleteRun(x.ctx, x.run.ID, status, errMsg); err != nil {
			log.Printf("ERROR: failed to mark run %d %s: %v", x.run.ID, status, err)
			return status
		}
	}
	if !ok {
		return x.currentStatus()
	}
	x.run.Status = status
	x.engine.observer.RunFinished(x.run.AgentType, status)
	return status
}
