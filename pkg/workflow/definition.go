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

// Package workflow provides the domain model for PR-review workflow
// orchestration: workflow definitions, runtime executions, tasks, and the
// context that flows through step execution.
package workflow

import (
	"fmt"

	"github.com/flowctl/prorch/pkg/errors"
)

// Definition is the declarative description of a workflow: its trigger
// conditions and its DAG of steps. Definitions are loaded from YAML files
// in the orchestrator's workflows_dir and are immutable once loaded; a
// running WorkflowExecution always references one Definition by
// name+version.
type Definition struct {
	Name        string              `yaml:"name"`
	Version     string              `yaml:"version,omitempty"`
	Description string              `yaml:"description,omitempty"`
	Triggers    []TriggerDefinition `yaml:"triggers,omitempty"`
	Inputs      []InputDefinition   `yaml:"inputs,omitempty"`
	Steps       []StepDefinition    `yaml:"steps"`
}

// TriggerType identifies what kind of PR event starts a workflow.
type TriggerType string

const (
	TriggerPROpened   TriggerType = "pr_opened"
	TriggerPRUpdated  TriggerType = "pr_updated"
	TriggerPRReviewed TriggerType = "pr_reviewed"
	TriggerPRMerged   TriggerType = "pr_merged"
	TriggerScheduled  TriggerType = "scheduled"
	TriggerManual     TriggerType = "manual"
)

// TriggerDefinition binds an incoming PR event type to an optional filter
// expression (evaluated by the expression package against the event
// payload) that must hold for the workflow to start.
type TriggerDefinition struct {
	Type      TriggerType `yaml:"type"`
	Condition string      `yaml:"condition,omitempty"`
}

// InputDefinition declares a named input a workflow execution expects,
// mirroring the shape workflow callers (the orchestrator's ProcessPREvent)
// must supply.
type InputDefinition struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"` // string, int, bool, object, array
	Required    bool   `yaml:"required,omitempty"`
	Default     any    `yaml:"default,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Validate checks an InputDefinition is well-formed.
func (i *InputDefinition) Validate() error {
	if i.Name == "" {
		return &errors.ValidationError{
			Field:      "inputs[].name",
			Message:    "input name is required",
			Suggestion: "add a 'name' field to each input",
		}
	}
	switch i.Type {
	case "", "string", "int", "bool", "object", "array":
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("inputs[%s].type", i.Name),
			Message:    fmt.Sprintf("unsupported input type %q", i.Type),
			Suggestion: "use one of: string, int, bool, object, array",
		}
	}
	return nil
}

// StepType identifies what kind of work a step performs.
type StepType string

const (
	StepTypeAnalysis     StepType = "analysis"
	StepTypeCodegen      StepType = "codegen"
	StepTypeValidation   StepType = "validation"
	StepTypeNotification StepType = "notification"
	StepTypeCustom       StepType = "custom"
)

// RetryDefinition configures per-step retry behavior, layered on top of the
// queue's global max_retries.
type RetryDefinition struct {
	MaxAttempts int   `yaml:"max_attempts,omitempty"`
	BackoffMS   int64 `yaml:"backoff_ms,omitempty"`
}

// StepDefinition is one node of a workflow's DAG.
type StepDefinition struct {
	ID        string           `yaml:"id"`
	Type      StepType         `yaml:"type"`
	DependsOn []string         `yaml:"depends_on,omitempty"`
	Condition string           `yaml:"condition,omitempty"`
	TimeoutMS int64            `yaml:"timeout_ms,omitempty"`
	Retry     *RetryDefinition `yaml:"retry,omitempty"`
	Params    map[string]any   `yaml:"params,omitempty"`
	Milestone string           `yaml:"milestone,omitempty"`
}

// Validate checks a StepDefinition is well-formed in isolation; dependency
// existence and cycle detection are checked at the Definition level where
// the full step set is known.
func (s *StepDefinition) Validate() error {
	if s.ID == "" {
		return &errors.ValidationError{
			Field:      "steps[].id",
			Message:    "step ID is required",
			Suggestion: "add an 'id' field to each step",
		}
	}
	switch s.Type {
	case StepTypeAnalysis, StepTypeCodegen, StepTypeValidation, StepTypeNotification, StepTypeCustom:
	case "":
		return &errors.ValidationError{
			Field:      fmt.Sprintf("steps[%s].type", s.ID),
			Message:    "step type is required",
			Suggestion: "use one of: analysis, codegen, validation, notification, custom",
		}
	default:
		return &errors.ValidationError{
			Field:      fmt.Sprintf("steps[%s].type", s.ID),
			Message:    fmt.Sprintf("unsupported step type %q", s.Type),
			Suggestion: "use one of: analysis, codegen, validation, notification, custom",
		}
	}
	if s.TimeoutMS < 0 {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("steps[%s].timeout_ms", s.ID),
			Message: "timeout_ms must not be negative",
		}
	}
	return nil
}

// ApplyDefaults fills in optional per-step settings a definition file may
// omit. Callers load YAML, ApplyDefaults, then Validate.
func (d *Definition) ApplyDefaults() {
	for i := range d.Steps {
		if d.Steps[i].Retry == nil {
			d.Steps[i].Retry = &RetryDefinition{MaxAttempts: 3, BackoffMS: 1000}
		}
	}
}

// Validate checks the Definition as a whole: required fields, unique step
// IDs, dependency references that exist, and a dependency graph free of
// cycles.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "workflow name is required",
			Suggestion: "add a descriptive name for the workflow",
		}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow must have at least one step",
			Suggestion: "add at least one step to the workflow definition",
		}
	}

	stepIDs := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if err := step.Validate(); err != nil {
			return err
		}
		if stepIDs[step.ID] {
			return &errors.ConflictError{
				Resource: "step",
				ID:       step.ID,
				Reason:   "duplicate step ID within workflow definition",
			}
		}
		stepIDs[step.ID] = true
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if !stepIDs[dep] {
				return &errors.DependencyError{
					Resource:     "step",
					ID:           step.ID,
					DependencyID: dep,
				}
			}
		}
	}

	if err := detectCycle(d.Steps); err != nil {
		return err
	}

	for _, input := range d.Inputs {
		if err := input.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// detectCycle runs a depth-first search over the depends_on edges and
// reports the first cycle found.
func detectCycle(steps []StepDefinition) error {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &errors.ValidationError{
				Field:      "steps",
				Message:    fmt.Sprintf("dependency cycle detected involving step %s", id),
				Suggestion: "remove the circular depends_on reference",
			}
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, s := range steps {
		if err := visit(s.ID, nil); err != nil {
			return err
		}
	}
	return nil
}
