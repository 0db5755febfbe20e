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

// Package engine translates a workflow.Definition into workflow.Task
// rows, dispatches runnable tasks through the task queue, invokes the
// StepExecutor registered for each task's type, and reconciles each
// workflow.WorkflowExecution to a terminal state.
package engine

import (
	"context"
	"sync"

	"github.com/flowctl/prorch/pkg/workflow"
)

// StepContext is passed to a StepExecutor alongside the Step and Task it
// is invoked for.
type StepContext struct {
	PRID              string
	ProjectID         string
	WorkflowExecution *workflow.WorkflowExecution
	Variables         map[string]any
}

// StepResult is what a StepExecutor reports back to the engine.
type StepResult struct {
	Success  bool
	Output   workflow.StepOutput
	Metadata map[string]any
}

// StepExecutor runs one Step's work for one Task. The engine does not
// interpret what an executor does; it only guarantees at-most-one
// concurrent invocation per Task id.
type StepExecutor interface {
	Execute(ctx context.Context, step *workflow.StepDefinition, stepCtx StepContext, task *workflow.Task) (StepResult, error)
}

// StepExecutorFunc adapts a function to a StepExecutor.
type StepExecutorFunc func(ctx context.Context, step *workflow.StepDefinition, stepCtx StepContext, task *workflow.Task) (StepResult, error)

// Execute implements StepExecutor.
func (f StepExecutorFunc) Execute(ctx context.Context, step *workflow.StepDefinition, stepCtx StepContext, task *workflow.Task) (StepResult, error) {
	return f(ctx, step, stepCtx, task)
}

// ExecutorRegistry maps step types to their StepExecutors. Safe for
// concurrent Register and Lookup; intended to be populated once at
// startup and read freely afterwards.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[workflow.StepType]StepExecutor
}

// NewExecutorRegistry returns an empty ExecutorRegistry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[workflow.StepType]StepExecutor)}
}

// Register binds stepType to executor, replacing any prior registration.
func (r *ExecutorRegistry) Register(stepType workflow.StepType, executor StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[stepType] = executor
}

// Lookup returns the executor registered for stepType, if any.
func (r *ExecutorRegistry) Lookup(stepType workflow.StepType) (StepExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[stepType]
	return e, ok
}

// EventHandler is one observer's set of lifecycle hooks: every hook is
// optional, and a nil hook is simply not invoked. Handlers
// are invoked synchronously in registration order; a handler's error is
// logged by the engine and never aborts dispatch or affects engine state.
type EventHandler struct {
	OnWorkflowStarted   func(ctx context.Context, exec *workflow.WorkflowExecution) error
	OnWorkflowCompleted func(ctx context.Context, exec *workflow.WorkflowExecution) error
	OnWorkflowFailed    func(ctx context.Context, exec *workflow.WorkflowExecution, cause error) error
	OnStepStarted       func(ctx context.Context, exec *workflow.WorkflowExecution, task *workflow.Task) error
	OnStepCompleted     func(ctx context.Context, exec *workflow.WorkflowExecution, task *workflow.Task, result StepResult) error
	OnStepFailed        func(ctx context.Context, exec *workflow.WorkflowExecution, task *workflow.Task, cause error) error
}

// HandlerRegistry holds the ordered list of observers the engine invokes
// around workflow and step lifecycle transitions.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

// NewHandlerRegistry returns an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{}
}

// Register appends h to the registry.
func (r *HandlerRegistry) Register(h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// snapshot returns a copy of the current handler list, safe to range over
// without holding the registry lock while handlers run.
func (r *HandlerRegistry) snapshot() []EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EventHandler(nil), r.handlers...)
}
