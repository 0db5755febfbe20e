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

// TaskStatus represents a Task's position in the task queue lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskDeadletter TaskStatus = "dead_letter"

	// TaskRetryScheduled marks a task that failed, has retries remaining,
	// and is waiting out its exponential back-off delay before it
	// re-enters the Ready Set. It is neither Ready nor in the Processing
	// Set's lease table.
	TaskRetryScheduled TaskStatus = "retry_scheduled"
)

// TaskPriority drives the task queue's priority_score mapping:
// critical=100, high=75, medium=50, low=25.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Score returns p's fixed priority_score.
// Unknown values score as medium so a missing priority never starves.
func (p TaskPriority) Score() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityLow:
		return 25
	default:
		return 50
	}
}

// PriorityForStepType derives a Task's priority from its Step type:
// analysis/validation -> high, codegen/custom -> medium,
// notification -> low.
func PriorityForStepType(t StepType) TaskPriority {
	switch t {
	case StepTypeAnalysis, StepTypeValidation:
		return PriorityHigh
	case StepTypeNotification:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Task is the runtime unit of work the Task Queue schedules, the Engine
// dispatches to a StepExecutor, and the Persistence layer records. It
// corresponds 1:1 to one StepDefinition instantiated for one
// WorkflowExecution.
type Task struct {
	ID                  string         `json:"id"`
	PRID                string         `json:"pr_id"`
	Name                string         `json:"name"`
	Description         string         `json:"description,omitempty"`
	WorkflowExecutionID string         `json:"workflow_execution_id"`
	StepID              string         `json:"step_id"`
	Type                StepType       `json:"type"`
	Status              TaskStatus     `json:"status"`
	Priority            TaskPriority   `json:"priority"`
	DependsOn           []string       `json:"depends_on,omitempty"`
	Params              map[string]any `json:"params,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	Result              *StepOutput    `json:"result,omitempty"`
	RetryCount          int            `json:"retry_count"`
	MaxRetries          int            `json:"max_retries"`
	TimeoutMS           int64          `json:"timeout_ms,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	LeaseExpiresAt      *time.Time     `json:"lease_expires_at,omitempty"`
}

// IsRunnable reports whether every task in deps that t depends on has
// completed, meaning t is eligible to move from pending to ready.
func (t *Task) IsRunnable(completed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// IsTerminal reports whether the task has reached a state the queue will
// never transition out of on its own.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled || s == TaskDeadletter
}

// IsDependencySatisfying reports whether s counts as satisfied when
// another task lists this task as a dependency: a Task becomes runnable
// iff every dependency Task is completed or cancelled.
func (s TaskStatus) IsDependencySatisfying() bool {
	return s == TaskCompleted || s == TaskCancelled
}
