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

package workflow

import "time"

// ExecutionState represents a WorkflowExecution's lifecycle state.
// Transitions are driven by the engine through the WorkflowExecRepo's
// MarkCompleted/MarkFailed methods, which stamp timestamps and guarantee a
// terminal transition happens at most once.
type ExecutionState string

const (
	StateActive    ExecutionState = "active"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
	StateCancelled ExecutionState = "cancelled"
)

// IsTerminal reports whether s is a state with no further transitions.
func (s ExecutionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// WorkflowExecution is a single running (or finished) instance of a
// Definition: one PR event processed by one workflow, carrying the
// variables and milestone references that accumulate as its steps run.
// CurrentStep is a hint for observers only; the Engine never reads it to
// decide what to dispatch next; only TaskRepo.GetRunnable results drive
// dispatch.
type WorkflowExecution struct {
	ID                string         `json:"id"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion string         `json:"definition_version,omitempty"`
	PRID              string         `json:"pr_id"`
	State             ExecutionState `json:"state"`
	CurrentStep       string         `json:"current_step,omitempty"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	// StepsCompleted is insertion-ordered; duplicates are prevented by
	// AddCompletedStep/AddFailedStep.
	StepsCompleted []string   `json:"steps_completed,omitempty"`
	StepsFailed    []string   `json:"steps_failed,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// AddCompletedStep appends stepID to StepsCompleted if not already present.
func (w *WorkflowExecution) AddCompletedStep(stepID string) {
	for _, s := range w.StepsCompleted {
		if s == stepID {
			return
		}
	}
	w.StepsCompleted = append(w.StepsCompleted, stepID)
	w.UpdatedAt = time.Now()
}

// AddFailedStep appends stepID to StepsFailed if not already present.
func (w *WorkflowExecution) AddFailedStep(stepID string) {
	for _, s := range w.StepsFailed {
		if s == stepID {
			return
		}
	}
	w.StepsFailed = append(w.StepsFailed, stepID)
	w.UpdatedAt = time.Now()
}
