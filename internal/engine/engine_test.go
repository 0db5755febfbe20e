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

package engine_test

import (
	"context"
	"sync"
	"testing"

	"github.com/flowctl/prorch/internal/engine"
	"github.com/flowctl/prorch/internal/eventbus"
	"github.com/flowctl/prorch/internal/queue"
	"github.com/flowctl/prorch/internal/store/memstore"
	"github.com/flowctl/prorch/internal/txn"
	"github.com/flowctl/prorch/pkg/workflow"
)

// recordingExecutor always succeeds and appends the step ID it ran to a
// shared, mutex-guarded order slice -- used to assert dispatch order.
type recordingExecutor struct {
	mu    *sync.Mutex
	order *[]string
}

func (r *recordingExecutor) Execute(ctx context.Context, step *workflow.StepDefinition, stepCtx engine.StepContext, task *workflow.Task) (engine.StepResult, error) {
	r.mu.Lock()
	*r.order = append(*r.order, step.ID)
	r.mu.Unlock()
	return engine.StepResult{Success: true, Output: workflow.StepOutput{Text: "ok"}}, nil
}

func drainQueue(t *testing.T, e *engine.Engine, q queue.Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		task, err := q.Dequeue(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if err := e.ExecuteTask(context.Background(), task.ID); err != nil {
			t.Fatalf("ExecuteTask(%s): %v", task.ID, err)
		}
		if err := q.Complete(context.Background(), task.ID); err != nil {
			t.Fatalf("Complete(%s): %v", task.ID, err)
		}
	}
}

// TestEngine_Start_DispatchesInDependencyOrder: A(analysis) ->
// B(analysis, deps=[A]) -> C(notification, deps=[B]) must run in order.
func TestEngine_Start_DispatchesInDependencyOrder(t *testing.T) {
	st := memstore.New()
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	bus := eventbus.New(nil)
	txns := txn.New(nil)
	e := engine.New(st, q, bus, txns, engine.Config{}, nil)

	var mu sync.Mutex
	var order []string
	rec := &recordingExecutor{mu: &mu, order: &order}
	e.RegisterExecutor(workflow.StepTypeAnalysis, rec)
	e.RegisterExecutor(workflow.StepTypeNotification, rec)

	def := &workflow.Definition{
		Name: "three_step",
		Steps: []workflow.StepDefinition{
			{ID: "A", Type: workflow.StepTypeAnalysis},
			{ID: "B", Type: workflow.StepTypeAnalysis, DependsOn: []string{"A"}},
			{ID: "C", Type: workflow.StepTypeNotification, DependsOn: []string{"B"}},
		},
	}

	exec, err := e.Start(context.Background(), "pr-1", "proj-1", def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Only A is runnable at t=0; run it, which dispatches B, then C.
	drainQueue(t, e, q, 3)

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	want := []string{"A", "B", "C"}
	for i, id := range want {
		if i >= len(got) || got[i] != id {
			t.Fatalf("step order = %v, want %v", got, want)
		}
	}

	final, err := st.WorkflowExecs().GetByID(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.State != workflow.StateCompleted {
		t.Fatalf("final state = %s, want completed", final.State)
	}
	if len(final.StepsCompleted) != 3 {
		t.Fatalf("steps_completed = %v, want 3 entries", final.StepsCompleted)
	}
}

// failingExecutor always reports failure.
type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, step *workflow.StepDefinition, stepCtx engine.StepContext, task *workflow.Task) (engine.StepResult, error) {
	return engine.StepResult{Success: false, Output: workflow.StepOutput{Error: "boom"}}, nil
}

func TestEngine_ExecuteTask_FailurePropagatesToWorkflow(t *testing.T) {
	st := memstore.New()
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	bus := eventbus.New(nil)
	txns := txn.New(nil)
	e := engine.New(st, q, bus, txns, engine.Config{}, nil)
	e.RegisterExecutor(workflow.StepTypeAnalysis, failingExecutor{})

	def := &workflow.Definition{
		Name:  "single_step",
		Steps: []workflow.StepDefinition{{ID: "A", Type: workflow.StepTypeAnalysis}},
	}

	exec, err := e.Start(context.Background(), "pr-2", "proj-1", def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainQueue(t, e, q, 1)

	final, err := st.WorkflowExecs().GetByID(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.State != workflow.StateFailed {
		t.Fatalf("final state = %s, want failed", final.State)
	}
	if len(final.StepsFailed) != 1 {
		t.Fatalf("steps_failed = %v, want 1 entry", final.StepsFailed)
	}
}

// TestEngine_ExecuteTask_GuardConditionSkipsStep covers the expanded domain
// stack's step guard expressions: a Condition that evaluates false skips the
// executor but still completes the task and the workflow.
func TestEngine_ExecuteTask_GuardConditionSkipsStep(t *testing.T) {
	st := memstore.New()
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	bus := eventbus.New(nil)
	txns := txn.New(nil)
	e := engine.New(st, q, bus, txns, engine.Config{}, nil)

	var mu sync.Mutex
	var order []string
	rec := &recordingExecutor{mu: &mu, order: &order}
	e.RegisterExecutor(workflow.StepTypeAnalysis, rec)

	def := &workflow.Definition{
		Name: "guarded",
		Steps: []workflow.StepDefinition{
			{ID: "A", Type: workflow.StepTypeAnalysis, Condition: "inputs.run_it"},
		},
	}

	exec, err := e.Start(context.Background(), "pr-4", "proj-1", def, map[string]any{"run_it": false})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainQueue(t, e, q, 1)

	mu.Lock()
	ran := len(order)
	mu.Unlock()
	if ran != 0 {
		t.Fatalf("executor ran %d times, want 0 (guard should have skipped it)", ran)
	}

	final, err := st.WorkflowExecs().GetByID(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.State != workflow.StateCompleted {
		t.Fatalf("final state = %s, want completed", final.State)
	}
}

// TestEngine_ExecuteTask_GuardConditionRunsStepWhenTrue is the complement of
// the skip case above: a Condition evaluating true runs the executor as
// normal.
func TestEngine_ExecuteTask_GuardConditionRunsStepWhenTrue(t *testing.T) {
	st := memstore.New()
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	bus := eventbus.New(nil)
	txns := txn.New(nil)
	e := engine.New(st, q, bus, txns, engine.Config{}, nil)

	var mu sync.Mutex
	var order []string
	rec := &recordingExecutor{mu: &mu, order: &order}
	e.RegisterExecutor(workflow.StepTypeAnalysis, rec)

	def := &workflow.Definition{
		Name: "guarded_true",
		Steps: []workflow.StepDefinition{
			{ID: "A", Type: workflow.StepTypeAnalysis, Condition: "inputs.run_it"},
		},
	}

	if _, err := e.Start(context.Background(), "pr-5", "proj-1", def, map[string]any{"run_it": true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainQueue(t, e, q, 1)

	mu.Lock()
	ran := len(order)
	mu.Unlock()
	if ran != 1 {
		t.Fatalf("executor ran %d times, want 1", ran)
	}
}

// TestEngine_MatchTrigger: a registered Definition only matches when both
// its event type and Condition (if set) hold.
func TestEngine_MatchTrigger(t *testing.T) {
	st := memstore.New()
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	bus := eventbus.New(nil)
	txns := txn.New(nil)
	e := engine.New(st, q, bus, txns, engine.Config{}, nil)

	e.RegisterDefinition(&workflow.Definition{
		Name:     "docs_only",
		Triggers: []workflow.TriggerDefinition{{Type: workflow.TriggerPROpened, Condition: `pr.base_branch == "docs"`}},
		Steps:    []workflow.StepDefinition{{ID: "A", Type: workflow.StepTypeAnalysis}},
	})

	def, ok, err := e.MatchTrigger(workflow.TriggerPROpened, map[string]any{
		"pr": map[string]any{"base_branch": "docs"},
	})
	if err != nil {
		t.Fatalf("MatchTrigger: %v", err)
	}
	if !ok || def.Name != "docs_only" {
		t.Fatalf("MatchTrigger = %v, %v, want docs_only, true", def, ok)
	}

	_, ok, err = e.MatchTrigger(workflow.TriggerPROpened, map[string]any{
		"pr": map[string]any{"base_branch": "main"},
	})
	if err != nil {
		t.Fatalf("MatchTrigger: %v", err)
	}
	if ok {
		t.Fatal("MatchTrigger matched despite a false Condition")
	}

	// A later-registered catch-all trigger (no Condition) picks up whatever
	// the conditioned trigger above doesn't.
	e.RegisterDefinition(&workflow.Definition{
		Name:     "zzz_catch_all",
		Triggers: []workflow.TriggerDefinition{{Type: workflow.TriggerPROpened}},
		Steps:    []workflow.StepDefinition{{ID: "A", Type: workflow.StepTypeAnalysis}},
	})
	def, ok, err = e.MatchTrigger(workflow.TriggerPROpened, map[string]any{
		"pr": map[string]any{"base_branch": "main"},
	})
	if err != nil {
		t.Fatalf("MatchTrigger: %v", err)
	}
	if !ok || def.Name != "zzz_catch_all" {
		t.Fatalf("MatchTrigger = %v, %v, want zzz_catch_all, true", def, ok)
	}

	_, ok, err = e.MatchTrigger(workflow.TriggerPRMerged, map[string]any{})
	if err != nil {
		t.Fatalf("MatchTrigger: %v", err)
	}
	if ok {
		t.Fatal("MatchTrigger matched an event type with no registered trigger")
	}
}

func TestEngine_ExecuteTask_ExecutorMissingFailsTheTask(t *testing.T) {
	st := memstore.New()
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	bus := eventbus.New(nil)
	txns := txn.New(nil)
	e := engine.New(st, q, bus, txns, engine.Config{}, nil)

	def := &workflow.Definition{
		Name:  "no_executor",
		Steps: []workflow.StepDefinition{{ID: "A", Type: workflow.StepTypeCodegen}},
	}
	exec, err := e.Start(context.Background(), "pr-3", "proj-1", def, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainQueue(t, e, q, 1)

	final, err := st.WorkflowExecs().GetByID(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.State != workflow.StateFailed {
		t.Fatalf("final state = %s, want failed", final.State)
	}
}
