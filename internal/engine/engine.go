// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowctl/prorch/internal/eventbus"
	"github.com/flowctl/prorch/internal/log"
	"github.com/flowctl/prorch/internal/queue"
	"github.com/flowctl/prorch/internal/store"
	"github.com/flowctl/prorch/internal/telemetry"
	"github.com/flowctl/prorch/internal/txn"
	orcherrors "github.com/flowctl/prorch/pkg/errors"
	"github.com/flowctl/prorch/pkg/workflow"
	"github.com/flowctl/prorch/pkg/workflow/expression"
)

// Config tunes the Engine's default step timeout; a Step's own TimeoutMS
// always takes precedence.
type Config struct {
	// DefaultTaskTimeout is used when a Step does not set TimeoutMS.
	DefaultTaskTimeout time.Duration

	// TxnOptions is applied to every transaction the engine begins, e.g.
	// the cascade-cancellation transaction in CancelTask.
	TxnOptions txn.Options
}

// Engine translates workflow definitions into Tasks, dispatches runnable
// Tasks, and reconciles outcomes. It owns the executor and
// handler registries, and holds just enough of a Definition catalogue to
// resolve a WorkflowExecution back to the Step it is running -- the
// catalogue itself is populated by whatever loads workflow YAML files
// (the orchestrator), not by the Engine.
type Engine struct {
	store  store.Store
	queue  queue.Queue
	bus    *eventbus.Bus
	txns   *txn.Manager
	logger *slog.Logger
	cfg    Config

	executors *ExecutorRegistry
	handlers  *HandlerRegistry

	expr       *expression.Evaluator
	stepLogger *log.StepLoggingMiddleware

	mu          sync.RWMutex
	definitions map[string]*workflow.Definition
}

// New builds an Engine over the given Store, Queue, Event Bus, and
// Transaction Manager. logger defaults to slog.Default() when nil.
func New(st store.Store, q queue.Queue, bus *eventbus.Bus, txns *txn.Manager, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTaskTimeout <= 0 {
		cfg.DefaultTaskTimeout = 600 * time.Second
	}
	engineLogger := log.WithComponent(logger, "engine")
	return &Engine{
		store:       st,
		queue:       q,
		bus:         bus,
		txns:        txns,
		logger:      engineLogger,
		cfg:         cfg,
		executors:   NewExecutorRegistry(),
		handlers:    NewHandlerRegistry(),
		expr:        expression.New(),
		stepLogger:  log.NewStepLoggingMiddleware(engineLogger),
		definitions: make(map[string]*workflow.Definition),
	}
}

// RegisterExecutor binds a StepExecutor to a Step type.
func (e *Engine) RegisterExecutor(stepType workflow.StepType, executor StepExecutor) {
	e.executors.Register(stepType, executor)
}

// RegisterHandler appends an EventHandler to the engine's observer list.
func (e *Engine) RegisterHandler(h EventHandler) {
	e.handlers.Register(h)
}

// RegisterDefinition makes def resolvable by name for any WorkflowExecution
// started against it. Registering a Definition under a name already in use
// replaces the earlier one, which is how reloaded workflow files take effect.
func (e *Engine) RegisterDefinition(def *workflow.Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[def.Name] = def
}

// Definition returns the registered Definition by name, if any.
func (e *Engine) Definition(name string) (*workflow.Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.definitions[name]
	return d, ok
}

// Start instantiates a WorkflowExecution from def bound to prID, creates one
// Task per Step, emits workflow_started, and runs the first dispatch pass.
func (e *Engine) Start(ctx context.Context, prID, projectID string, def *workflow.Definition, variables map[string]any) (*workflow.WorkflowExecution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	e.RegisterDefinition(def)

	now := time.Now()
	exec := &workflow.WorkflowExecution{
		ID:                uuid.NewString(),
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		PRID:              prID,
		State:             workflow.StateActive,
		Inputs:            variables,
		Metadata: map[string]any{
			"project_id":       projectID,
			"workflow_version": def.Version,
			"variables":        variables,
		},
		CreatedAt: now,
		UpdatedAt: now,
		StartedAt: &now,
	}
	if err := e.store.WorkflowExecs().Create(ctx, exec); err != nil {
		return nil, &orcherrors.ExternalError{Operation: "WorkflowExecs.Create", Cause: err}
	}

	stepIDToTaskID := make(map[string]string, len(def.Steps))
	for _, step := range def.Steps {
		taskID := uuid.NewString()
		stepIDToTaskID[step.ID] = taskID
	}
	for _, step := range def.Steps {
		deps := make([]string, 0, len(step.DependsOn))
		for _, d := range step.DependsOn {
			deps = append(deps, stepIDToTaskID[d])
		}
		maxRetries := 3
		if step.Retry != nil && step.Retry.MaxAttempts > 0 {
			maxRetries = step.Retry.MaxAttempts
		}
		task := &workflow.Task{
			ID:                  stepIDToTaskID[step.ID],
			PRID:                prID,
			Name:                fmt.Sprintf("%s:%s", def.Name, step.ID),
			WorkflowExecutionID: exec.ID,
			StepID:              step.ID,
			Type:                step.Type,
			Status:              workflow.TaskPending,
			Priority:            workflow.PriorityForStepType(step.Type),
			DependsOn:           deps,
			Params:              step.Params,
			Metadata: map[string]any{
				"workflow_execution_id": exec.ID,
				"workflow_step_id":      step.ID,
				"step_config":           step.Params,
			},
			MaxRetries: maxRetries,
			TimeoutMS:  step.TimeoutMS,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.store.Tasks().Create(ctx, task); err != nil {
			return nil, &orcherrors.ExternalError{Operation: "Tasks.Create", Cause: err}
		}
	}

	e.publish(ctx, eventbus.TopicWorkflowStarted, exec)
	for _, h := range e.handlers.snapshot() {
		e.invokeGuarded(ctx, "OnWorkflowStarted", func() error {
			if h.OnWorkflowStarted == nil {
				return nil
			}
			return h.OnWorkflowStarted(ctx, exec)
		})
	}

	if err := e.DispatchPass(ctx, exec.ID); err != nil {
		e.logger.Error("initial dispatch pass failed",
			log.String("workflow_execution_id", exec.ID), log.Error(err))
	}

	return exec, nil
}

// DispatchPass queries TaskRepo.GetRunnable, filters to executionID, and
// enqueues every matching task into the task queue. A persistence error
// aborts only this pass; the caller's next scheduled pass retries.
func (e *Engine) DispatchPass(ctx context.Context, executionID string) error {
	runnable, err := e.store.Tasks().GetRunnable(ctx)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "Tasks.GetRunnable", Cause: err}
	}
	for _, task := range runnable {
		if task.WorkflowExecutionID != executionID {
			continue
		}
		if err := e.queue.Enqueue(ctx, task); err != nil {
			return &orcherrors.ExternalError{Operation: "Queue.Enqueue", Cause: err}
		}
		telemetry.RecordTaskDispatched(string(task.Type))
	}
	return nil
}

// ExecuteTask loads taskID, transitions it to running, invokes the
// registered StepExecutor for its type, and records the outcome. The
// caller (the orchestrator's worker pool) is responsible for calling
// Queue.Complete/Fail once ExecuteTask returns.
func (e *Engine) ExecuteTask(ctx context.Context, taskID string) error {
	task, err := e.store.Tasks().GetByID(ctx, taskID)
	if err != nil {
		return &orcherrors.NotFoundError{Resource: "task", ID: taskID}
	}

	exec, err := e.store.WorkflowExecs().GetByID(ctx, task.WorkflowExecutionID)
	if err != nil {
		return &orcherrors.NotFoundError{Resource: "workflow_execution", ID: task.WorkflowExecutionID}
	}
	if exec.State.IsTerminal() {
		// Re-dispatch after a terminal transition is a no-op.
		return nil
	}

	def, ok := e.Definition(exec.DefinitionName)
	if !ok {
		return &orcherrors.NotFoundError{Resource: "workflow_definition", ID: exec.DefinitionName}
	}
	var step *workflow.StepDefinition
	for i := range def.Steps {
		if def.Steps[i].ID == task.StepID {
			step = &def.Steps[i]
			break
		}
	}
	if step == nil {
		return &orcherrors.NotFoundError{Resource: "step", ID: task.StepID}
	}

	now := time.Now()
	if err := e.store.Tasks().UpdateStatus(ctx, task.ID, workflow.TaskProcessing, &now, nil); err != nil {
		return &orcherrors.ExternalError{Operation: "Tasks.UpdateStatus", Cause: err}
	}
	task.Status = workflow.TaskProcessing
	task.StartedAt = &now

	e.publish(ctx, eventbus.TopicStepStarted, stepEventPayload{Execution: exec, Task: task})
	for _, h := range e.handlers.snapshot() {
		e.invokeGuarded(ctx, "OnStepStarted", func() error {
			if h.OnStepStarted == nil {
				return nil
			}
			return h.OnStepStarted(ctx, exec, task)
		})
	}

	if step.Condition != "" {
		proceed, guardErr := e.evaluateGuard(ctx, step, exec)
		if guardErr != nil {
			return e.recordFailure(ctx, exec, task, step, guardErr)
		}
		if !proceed {
			skip := StepResult{
				Success: true,
				Output:  workflow.StepOutput{Data: map[string]any{"skipped": true, "reason": "guard condition evaluated false"}},
			}
			return e.recordSuccess(ctx, exec, task, step, skip)
		}
	}

	result, execErr := e.invokeExecutorLogged(ctx, step, exec, task)
	if execErr != nil || !result.Success {
		return e.recordFailure(ctx, exec, task, step, coalesceErr(execErr, result))
	}
	return e.recordSuccess(ctx, exec, task, step, result)
}

// evaluateGuard evaluates a Step's Condition against the workflow
// execution's variables and every sibling Task's recorded output so far,
// keyed by step ID. A Step with no Condition is never routed here; an
// unset Condition means "always run".
func (e *Engine) evaluateGuard(ctx context.Context, step *workflow.StepDefinition, exec *workflow.WorkflowExecution) (bool, error) {
	siblings, err := e.store.Tasks().GetByPR(ctx, exec.PRID)
	if err != nil {
		return false, &orcherrors.ExternalError{Operation: "Tasks.GetByPR", Cause: err}
	}
	outputs := make(map[string]expression.StepOutputConverter, len(siblings))
	for _, t := range siblings {
		if t.WorkflowExecutionID != exec.ID || t.Result == nil {
			continue
		}
		outputs[t.StepID] = t.Result
	}
	variables, _ := exec.Metadata["variables"].(map[string]any)
	evalCtx := expression.BuildContextFromTypedOutputs(variables, outputs)

	proceed, err := e.expr.Evaluate(step.Condition, evalCtx)
	if err != nil {
		return false, err
	}
	return proceed, nil
}

// MatchTrigger returns the first registered Definition (lexicographic by
// name, for determinism) with a Trigger matching eventType whose Condition
// -- if set -- evaluates true against evalCtx. ok is false when nothing
// matches; err is non-nil only when a matching Trigger's Condition failed
// to evaluate.
func (e *Engine) MatchTrigger(eventType workflow.TriggerType, evalCtx map[string]any) (def *workflow.Definition, ok bool, err error) {
	e.mu.RLock()
	candidates := make([]*workflow.Definition, 0, len(e.definitions))
	for _, d := range e.definitions {
		candidates = append(candidates, d)
	}
	e.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })

	for _, candidate := range candidates {
		for _, trigger := range candidate.Triggers {
			if trigger.Type != eventType {
				continue
			}
			if trigger.Condition == "" {
				return candidate, true, nil
			}
			matched, evalErr := e.expr.Evaluate(trigger.Condition, evalCtx)
			if evalErr != nil {
				return nil, false, evalErr
			}
			if matched {
				return candidate, true, nil
			}
		}
	}
	return nil, false, nil
}

func coalesceErr(err error, result StepResult) error {
	if err != nil {
		return err
	}
	if result.Output.Error != "" {
		return fmt.Errorf("%s", result.Output.Error)
	}
	return fmt.Errorf("step reported failure")
}

// invokeExecutor looks up the Step's executor and races it against the
// Step's configured timeout (falling back to the engine default). An
// elapsed timeout is a failure, reported as StepTimeoutError.
func (e *Engine) invokeExecutor(ctx context.Context, step *workflow.StepDefinition, exec *workflow.WorkflowExecution, task *workflow.Task) (StepResult, error) {
	executor, ok := e.executors.Lookup(step.Type)
	if !ok {
		return StepResult{}, &orcherrors.ExecutorMissingError{TaskType: string(step.Type), TaskID: task.ID}
	}

	timeout := e.cfg.DefaultTaskTimeout
	if step.TimeoutMS > 0 {
		timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	variables, _ := exec.Metadata["variables"].(map[string]any)
	callCtx := StepContext{
		PRID:              exec.PRID,
		ProjectID:         fmt.Sprint(exec.Metadata["project_id"]),
		WorkflowExecution: exec,
		Variables:         variables,
	}

	type outcome struct {
		result StepResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("step executor panicked: %v", r)}
			}
		}()
		res, err := executor.Execute(stepCtx, step, callCtx, task)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-stepCtx.Done():
		return StepResult{}, &orcherrors.StepTimeoutError{StepID: step.ID, TaskID: task.ID, Duration: timeout}
	}
}

// invokeExecutorLogged wraps invokeExecutor in
// log.StepLoggingMiddleware's step-started/step-completed pair, so every
// executor invocation is observable in logs even when no EventHandler is
// registered to react to it.
func (e *Engine) invokeExecutorLogged(ctx context.Context, step *workflow.StepDefinition, exec *workflow.WorkflowExecution, task *workflow.Task) (StepResult, error) {
	inv := &log.StepInvocation{
		StepType:            string(step.Type),
		WorkflowExecutionID: exec.ID,
		TaskID:              task.ID,
	}

	var result StepResult
	err := e.stepLogger.Handler(inv, func() error {
		res, execErr := e.invokeExecutor(ctx, step, exec, task)
		result = res
		if execErr != nil {
			return execErr
		}
		if !res.Success {
			return coalesceErr(nil, res)
		}
		return nil
	})
	return result, err
}

func (e *Engine) recordSuccess(ctx context.Context, exec *workflow.WorkflowExecution, task *workflow.Task, step *workflow.StepDefinition, result StepResult) error {
	now := time.Now()
	task.Result = &result.Output
	if err := e.store.Tasks().UpdateStatus(ctx, task.ID, workflow.TaskCompleted, nil, &now); err != nil {
		return &orcherrors.ExternalError{Operation: "Tasks.UpdateStatus", Cause: err}
	}
	task.Status = workflow.TaskCompleted
	task.CompletedAt = &now
	telemetry.RecordTaskOutcome(string(step.Type), "completed")

	if err := e.store.WorkflowExecs().AddCompletedStep(ctx, exec.ID, step.ID, ""); err != nil {
		return &orcherrors.ExternalError{Operation: "WorkflowExecs.AddCompletedStep", Cause: err}
	}
	exec.AddCompletedStep(step.ID)

	e.publish(ctx, eventbus.TopicStepCompleted, stepEventPayload{Execution: exec, Task: task})
	for _, h := range e.handlers.snapshot() {
		e.invokeGuarded(ctx, "OnStepCompleted", func() error {
			if h.OnStepCompleted == nil {
				return nil
			}
			return h.OnStepCompleted(ctx, exec, task, result)
		})
	}

	if err := e.DispatchPass(ctx, exec.ID); err != nil {
		e.logger.Error("post-success dispatch pass failed",
			log.String("workflow_execution_id", exec.ID), log.Error(err))
	}

	return e.reconcile(ctx, exec)
}

func (e *Engine) recordFailure(ctx context.Context, exec *workflow.WorkflowExecution, task *workflow.Task, step *workflow.StepDefinition, cause error) error {
	now := time.Now()
	task.Result = &workflow.StepOutput{Error: cause.Error()}
	if err := e.store.Tasks().UpdateStatus(ctx, task.ID, workflow.TaskFailed, nil, &now); err != nil {
		return &orcherrors.ExternalError{Operation: "Tasks.UpdateStatus", Cause: err}
	}
	task.Status = workflow.TaskFailed
	task.CompletedAt = &now
	telemetry.RecordTaskOutcome(string(step.Type), "failed")

	if err := e.store.WorkflowExecs().AddFailedStep(ctx, exec.ID, step.ID); err != nil {
		return &orcherrors.ExternalError{Operation: "WorkflowExecs.AddFailedStep", Cause: err}
	}
	exec.AddFailedStep(step.ID)

	e.publish(ctx, eventbus.TopicStepFailed, stepFailedPayload{Execution: exec, Task: task, Error: cause.Error()})
	for _, h := range e.handlers.snapshot() {
		e.invokeGuarded(ctx, "OnStepFailed", func() error {
			if h.OnStepFailed == nil {
				return nil
			}
			return h.OnStepFailed(ctx, exec, task, cause)
		})
	}

	return e.reconcile(ctx, exec)
}

// reconcile checks whether exec is now terminal: every Task it owns is in
// {completed, cancelled, failed}. Any failed task fails the execution.
func (e *Engine) reconcile(ctx context.Context, exec *workflow.WorkflowExecution) error {
	tasks, err := e.store.Tasks().GetByPR(ctx, exec.PRID)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "Tasks.GetByPR", Cause: err}
	}

	anyFailed := false
	for _, t := range tasks {
		if t.WorkflowExecutionID != exec.ID {
			continue
		}
		if !t.Status.IsTerminal() {
			return nil
		}
		if t.Status == workflow.TaskFailed {
			anyFailed = true
		}
	}

	if anyFailed {
		if err := e.store.WorkflowExecs().MarkFailed(ctx, exec.ID, fmt.Errorf("one or more steps failed")); err != nil {
			return &orcherrors.ExternalError{Operation: "WorkflowExecs.MarkFailed", Cause: err}
		}
		exec.State = workflow.StateFailed
		telemetry.RecordWorkflowOutcome(exec.DefinitionName, "failed")
		e.publish(ctx, eventbus.TopicWorkflowFailed, exec)
		for _, h := range e.handlers.snapshot() {
			e.invokeGuarded(ctx, "OnWorkflowFailed", func() error {
				if h.OnWorkflowFailed == nil {
					return nil
				}
				return h.OnWorkflowFailed(ctx, exec, fmt.Errorf("one or more steps failed"))
			})
		}
		return nil
	}

	if err := e.store.WorkflowExecs().MarkCompleted(ctx, exec.ID); err != nil {
		return &orcherrors.ExternalError{Operation: "WorkflowExecs.MarkCompleted", Cause: err}
	}
	exec.State = workflow.StateCompleted
	telemetry.RecordWorkflowOutcome(exec.DefinitionName, "completed")
	e.publish(ctx, eventbus.TopicWorkflowCompleted, exec)
	for _, h := range e.handlers.snapshot() {
		e.invokeGuarded(ctx, "OnWorkflowCompleted", func() error {
			if h.OnWorkflowCompleted == nil {
				return nil
			}
			return h.OnWorkflowCompleted(ctx, exec)
		})
	}
	return nil
}

// CancelTask cancels task and its entire transitive dependent closure
// inside a Transaction, so a partial failure leaves canonical state
// unchanged.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	task, err := e.store.Tasks().GetByID(ctx, taskID)
	if err != nil {
		return &orcherrors.NotFoundError{Resource: "task", ID: taskID}
	}

	all, err := e.store.Tasks().GetByPR(ctx, task.PRID)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "Tasks.GetByPR", Cause: err}
	}
	closure := dependentClosure(taskID, all)

	tx, err := e.txns.Begin(ctx, []string{"engine:cancel:" + task.WorkflowExecutionID}, e.cfg.TxnOptions)
	if err != nil {
		return err
	}

	previous := make(map[string]workflow.TaskStatus, len(closure))
	for _, t := range closure {
		t := t
		previous[t.ID] = t.Status
		op := txn.Operation{
			Type:   "cancel_task",
			Target: t.ID,
			Execute: func(ctx context.Context) error {
				return e.store.Tasks().UpdateStatus(ctx, t.ID, workflow.TaskCancelled, nil, timePtr(time.Now()))
			},
			Undo: func(ctx context.Context) error {
				return e.store.Tasks().UpdateStatus(ctx, t.ID, previous[t.ID], nil, nil)
			},
		}
		if err := e.txns.AddOperation(ctx, tx.ID, op); err != nil {
			return err
		}
	}

	if err := e.txns.Commit(ctx, tx.ID); err != nil {
		return err
	}

	if err := e.DispatchPass(ctx, task.WorkflowExecutionID); err != nil {
		e.logger.Error("post-cancel dispatch pass failed", log.Error(err))
	}
	return nil
}

// dependentClosure returns taskID and every task transitively depending on
// it, drawn from all (a Task's DependsOn lists Task ids, not Step ids).
func dependentClosure(taskID string, all []*workflow.Task) []*workflow.Task {
	dependents := make(map[string][]*workflow.Task)
	for _, t := range all {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t)
		}
	}

	seen := map[string]bool{taskID: true}
	var result []*workflow.Task
	queue := []string{taskID}
	byID := make(map[string]*workflow.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	if t, ok := byID[taskID]; ok {
		result = append(result, t)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if seen[dep.ID] {
				continue
			}
			seen[dep.ID] = true
			result = append(result, dep)
			queue = append(queue, dep.ID)
		}
	}
	return result
}

func timePtr(t time.Time) *time.Time { return &t }

type stepEventPayload struct {
	Execution *workflow.WorkflowExecution
	Task      *workflow.Task
}

type stepFailedPayload struct {
	Execution *workflow.WorkflowExecution
	Task      *workflow.Task
	Error     string
}

func (e *Engine) publish(ctx context.Context, topic eventbus.Topic, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, eventbus.Event{Topic: topic, Payload: payload})
}

// invokeGuarded runs fn and logs (rather than propagates) any error, so a
// misbehaving handler cannot affect engine state.
func (e *Engine) invokeGuarded(ctx context.Context, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked", log.String("hook", name))
		}
	}()
	if err := fn(); err != nil {
		e.logger.Error("event handler failed", log.String("hook", name), log.Error(err))
	}
}
