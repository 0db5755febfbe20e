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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents an invariant violation: a bad weight, a cycle
// in a dependency graph, a missing required field.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier. Validation failures never clear on retry.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a reference to an entity that does not exist:
// a milestone, task, transaction, workflow execution, or blocker id.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "milestone", "task", "transaction")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorType() string { return "not_found" }
func (e *NotFoundError) IsRetryable() bool { return false }

// ConflictError represents a duplicate registration: a project, task,
// workflow execution, milestone, or blocker id that already exists in the
// store, or a step id repeated within one workflow definition.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s already exists: %s", e.Resource, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s %s already exists", e.Resource, e.ID)
}

func (e *ConflictError) ErrorType() string { return "conflict" }
func (e *ConflictError) IsRetryable() bool { return false }

// DependencyError represents a milestone or step that references a
// dependency or parent id that was never registered or defined.
type DependencyError struct {
	Resource     string
	ID           string
	DependencyID string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s references unknown dependency %s", e.Resource, e.ID, e.DependencyID)
}

func (e *DependencyError) ErrorType() string { return "dependency" }
func (e *DependencyError) IsRetryable() bool { return false }

// ExecutorMissingError is returned when the engine has no StepExecutor
// registered for a Task's type.
type ExecutorMissingError struct {
	TaskType string
	TaskID   string
}

func (e *ExecutorMissingError) Error() string {
	return fmt.Sprintf("no step executor registered for task type %q (task %s)", e.TaskType, e.TaskID)
}

func (e *ExecutorMissingError) ErrorType() string { return "executor_missing" }
func (e *ExecutorMissingError) IsRetryable() bool { return false }

// StepTimeoutError is returned when a Step's configured timeout_ms elapses
// before its executor returns.
type StepTimeoutError struct {
	StepID   string
	TaskID   string
	Duration time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s (task %s) exceeded its timeout of %v", e.StepID, e.TaskID, e.Duration)
}

func (e *StepTimeoutError) ErrorType() string { return "step_timeout" }
func (e *StepTimeoutError) IsRetryable() bool { return true }

// QueueEmptyError is informational: Dequeue returns it once the queue is
// closed (on an open, empty queue Dequeue blocks instead), and
// MemoryQueue.Enqueue returns it on a closed queue. The worker loop treats
// it as "no work right now", never as a failure.
type QueueEmptyError struct{}

func (e *QueueEmptyError) Error() string { return "queue: no task available" }

func (e *QueueEmptyError) ErrorType() string { return "queue_empty" }
func (e *QueueEmptyError) IsRetryable() bool { return false }

// TransactionAbortedError wraps the original cause of a rolled-back
// transaction. Surfaced to the caller of Commit once rollback completes.
type TransactionAbortedError struct {
	TransactionID string
	Cause         error
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction %s aborted and rolled back: %v", e.TransactionID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransactionAbortedError) Unwrap() error { return e.Cause }

func (e *TransactionAbortedError) ErrorType() string { return "transaction_aborted" }
func (e *TransactionAbortedError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "max_concurrent_tasks")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

func (e *ConfigError) ErrorType() string { return "config" }
func (e *ConfigError) IsRetryable() bool { return false }

// ExternalError wraps a failure surfaced by the persistence layer or the
// task queue. The dispatch pass that triggered it aborts; the worker loop
// and the next dispatch pass are unaffected.
type ExternalError struct {
	Operation string
	Cause     error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("external failure during %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExternalError) Unwrap() error { return e.Cause }

func (e *ExternalError) ErrorType() string { return "external" }
func (e *ExternalError) IsRetryable() bool { return true }

// TimeoutError represents a generic operation timeout not already covered
// by StepTimeoutError, e.g. a transaction operation exceeding its budget.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "transaction operation", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

func (e *TimeoutError) ErrorType() string { return "timeout" }
func (e *TimeoutError) IsRetryable() bool { return true }
