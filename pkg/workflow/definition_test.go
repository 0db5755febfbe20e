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

func validDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name: "pr_analysis",
		Steps: []workflow.StepDefinition{
			{ID: "fetch", Type: workflow.StepTypeAnalysis},
			{ID: "review", Type: workflow.StepTypeAnalysis, DependsOn: []string{"fetch"}},
			{ID: "notify", Type: workflow.StepTypeNotification, DependsOn: []string{"review"}},
		},
	}
}

func TestDefinition_Validate_Valid(t *testing.T) {
	if err := validDefinition().Validate(); err != nil {
		t.Fatalf("expected valid definition, got error: %v", err)
	}
}

func TestDefinition_Validate_MissingName(t *testing.T) {
	d := validDefinition()
	d.Name = ""
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestDefinition_Validate_NoSteps(t *testing.T) {
	d := validDefinition()
	d.Steps = nil
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for no steps")
	}
}

func TestDefinition_Validate_DuplicateStepID(t *testing.T) {
	d := validDefinition()
	d.Steps = append(d.Steps, workflow.StepDefinition{ID: "fetch", Type: workflow.StepTypeAnalysis})
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for duplicate step ID")
	}
}

func TestDefinition_Validate_UnknownDependency(t *testing.T) {
	d := validDefinition()
	d.Steps[0].DependsOn = []string{"does_not_exist"}
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestDefinition_Validate_Cycle(t *testing.T) {
	d := &workflow.Definition{
		Name: "cyclic",
		Steps: []workflow.StepDefinition{
			{ID: "a", Type: workflow.StepTypeAnalysis, DependsOn: []string{"b"}},
			{ID: "b", Type: workflow.StepTypeAnalysis, DependsOn: []string{"a"}},
		},
	}
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for dependency cycle")
	}
}

func TestDefinition_Validate_UnsupportedStepType(t *testing.T) {
	d := validDefinition()
	d.Steps[0].Type = "bogus"
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for unsupported step type")
	}
}

func TestDefinition_ApplyDefaults(t *testing.T) {
	d := validDefinition()
	d.ApplyDefaults()
	for _, s := range d.Steps {
		if s.Retry == nil {
			t.Fatalf("expected step %s to have retry defaults applied", s.ID)
		}
		if s.Retry.MaxAttempts != 3 {
			t.Errorf("step %s Retry.MaxAttempts = %d, want 3", s.ID, s.Retry.MaxAttempts)
		}
	}
}

func TestStepDefinition_Validate_MissingID(t *testing.T) {
	s := &workflow.StepDefinition{Type: workflow.StepTypeAnalysis}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for missing step ID")
	}
}

func TestStepDefinition_Validate_NegativeTimeout(t *testing.T) {
	s := &workflow.StepDefinition{ID: "s1", Type: workflow.StepTypeAnalysis, TimeoutMS: -1}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for negative timeout_ms")
	}
}

func TestInputDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   workflow.InputDefinition
		wantErr bool
	}{
		{"valid int", workflow.InputDefinition{Name: "pr_number", Type: "int"}, false},
		{"missing name", workflow.InputDefinition{Type: "string"}, true},
		{"unsupported type", workflow.InputDefinition{Name: "x", Type: "widget"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}
