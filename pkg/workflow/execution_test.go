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

package workflow_test

import (
	"testing"

	"github.com/flowctl/prorch/pkg/workflow"
)

func TestExecutionState_IsTerminal(t *testing.T) {
	if workflow.StateActive.IsTerminal() {
		t.Error("active should not be terminal")
	}
	if !workflow.StateCompleted.IsTerminal() {
		t.Error("completed should be terminal")
	}
	if !workflow.StateFailed.IsTerminal() {
		t.Error("failed should be terminal")
	}
	if !workflow.StateCancelled.IsTerminal() {
		t.Error("cancelled should be terminal")
	}
}

func TestWorkflowExecution_AddCompletedStep_Deduplicates(t *testing.T) {
	w := &workflow.WorkflowExecution{ID: "exec-1", State: workflow.StateActive}

	w.AddCompletedStep("analyze")
	w.AddCompletedStep("generate")
	w.AddCompletedStep("analyze")

	want := []string{"analyze", "generate"}
	if len(w.StepsCompleted) != len(want) {
		t.Fatalf("StepsCompleted = %v, want %v", w.StepsCompleted, want)
	}
	for i, s := range want {
		if w.StepsCompleted[i] != s {
			t.Fatalf("StepsCompleted = %v, want %v (insertion order)", w.StepsCompleted, want)
		}
	}
	if w.UpdatedAt.IsZero() {
		t.Error("AddCompletedStep should stamp UpdatedAt")
	}
}

func TestWorkflowExecution_AddFailedStep_Deduplicates(t *testing.T) {
	w := &workflow.WorkflowExecution{ID: "exec-2", State: workflow.StateActive}

	w.AddFailedStep("validate")
	w.AddFailedStep("validate")

	if len(w.StepsFailed) != 1 || w.StepsFailed[0] != "validate" {
		t.Fatalf("StepsFailed = %v, want [validate]", w.StepsFailed)
	}
}
