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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLogStepStart(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)

	inv := &StepInvocation{
		StepType:             "analysis",
		WorkflowExecutionID:  "exec-123",
		TaskID:               "task-456",
		Metadata: map[string]interface{}{
			"retry_count": 1,
		},
	}

	LogStepStart(logger, inv)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if logEntry[EventKey] != "step_started" {
		t.Errorf("expected event to be 'step_started', got: %v", logEntry[EventKey])
	}

	if logEntry["step_type"] != "analysis" {
		t.Errorf("expected step_type to be 'analysis', got: %v", logEntry["step_type"])
	}

	if logEntry[WorkflowExecutionIDKey] != "exec-123" {
		t.Errorf("expected %s to be 'exec-123', got: %v", WorkflowExecutionIDKey, logEntry[WorkflowExecutionIDKey])
	}

	if logEntry[TaskIDKey] != "task-456" {
		t.Errorf("expected %s to be 'task-456', got: %v", TaskIDKey, logEntry[TaskIDKey])
	}

	if logEntry["retry_count"] != float64(1) {
		t.Errorf("expected retry_count to be 1, got: %v", logEntry["retry_count"])
	}
}

func TestLogStepStart_MinimalFields(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)

	inv := &StepInvocation{
		StepType: "notification",
	}

	LogStepStart(logger, inv)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if _, ok := logEntry[WorkflowExecutionIDKey]; ok {
		t.Errorf("expected no %s field for minimal invocation", WorkflowExecutionIDKey)
	}

	if _, ok := logEntry[TaskIDKey]; ok {
		t.Errorf("expected no %s field for minimal invocation", TaskIDKey)
	}
}

func TestLogStepEnd_Success(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)

	inv := &StepInvocation{
		StepType:            "codegen",
		WorkflowExecutionID: "exec-123",
		TaskID:              "task-456",
	}

	outcome := &StepOutcome{
		Success:    true,
		DurationMs: 150,
		Metadata: map[string]interface{}{
			"files_changed": 3,
		},
	}

	LogStepEnd(logger, inv, outcome)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if logEntry[EventKey] != "step_completed" {
		t.Errorf("expected event to be 'step_completed', got: %v", logEntry[EventKey])
	}

	if logEntry["success"] != true {
		t.Errorf("expected success to be true, got: %v", logEntry["success"])
	}

	if logEntry["duration_ms"] != float64(150) {
		t.Errorf("expected duration_ms to be 150, got: %v", logEntry["duration_ms"])
	}

	if logEntry["level"] != "INFO" {
		t.Errorf("expected level to be 'INFO', got: %v", logEntry["level"])
	}

	if logEntry["msg"] != "step dispatch completed" {
		t.Errorf("expected msg to be 'step dispatch completed', got: %v", logEntry["msg"])
	}

	if logEntry["files_changed"] != float64(3) {
		t.Errorf("expected files_changed to be 3, got: %v", logEntry["files_changed"])
	}

	if _, ok := logEntry["error"]; ok {
		t.Errorf("expected no error field for successful outcome")
	}
}

func TestLogStepEnd_Error(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)

	inv := &StepInvocation{
		StepType:            "validation",
		WorkflowExecutionID: "exec-123",
		TaskID:              "task-456",
	}

	outcome := &StepOutcome{
		Success:    false,
		Error:      "validation step failed",
		DurationMs: 50,
	}

	LogStepEnd(logger, inv, outcome)

	output := buf.String()

	var logEntry map[string]interface{}
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}

	if logEntry["success"] != false {
		t.Errorf("expected success to be false, got: %v", logEntry["success"])
	}

	if logEntry["error"] != "validation step failed" {
		t.Errorf("expected error to be 'validation step failed', got: %v", logEntry["error"])
	}

	if logEntry["level"] != "ERROR" {
		t.Errorf("expected level to be 'ERROR', got: %v", logEntry["level"])
	}

	if logEntry["msg"] != "step dispatch failed" {
		t.Errorf("expected msg to be 'step dispatch failed', got: %v", logEntry["msg"])
	}
}

func TestStepLoggingMiddleware_Handler_Success(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)
	middleware := NewStepLoggingMiddleware(logger)

	inv := &StepInvocation{
		StepType:            "analysis",
		WorkflowExecutionID: "exec-123",
		TaskID:              "task-456",
	}

	handlerCalled := false
	err := middleware.Handler(inv, func() error {
		handlerCalled = true
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got: %v", err)
	}

	if !handlerCalled {
		t.Errorf("expected handler to be called")
	}

	output := buf.String()

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), output)
	}

	var startLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &startLog); err != nil {
		t.Fatalf("expected valid JSON for start log: %v", err)
	}

	if startLog[EventKey] != "step_started" {
		t.Errorf("expected first log to be step_started, got: %v", startLog[EventKey])
	}

	var endLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &endLog); err != nil {
		t.Fatalf("expected valid JSON for end log: %v", err)
	}

	if endLog[EventKey] != "step_completed" {
		t.Errorf("expected second log to be step_completed, got: %v", endLog[EventKey])
	}

	if endLog["success"] != true {
		t.Errorf("expected success to be true, got: %v", endLog["success"])
	}

	if _, ok := endLog["duration_ms"]; !ok {
		t.Errorf("expected duration_ms to be present")
	}
}

func TestStepLoggingMiddleware_Handler_Error(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)
	middleware := NewStepLoggingMiddleware(logger)

	inv := &StepInvocation{
		StepType: "codegen",
		TaskID:   "task-456",
	}

	testErr := errors.New("executor error")
	err := middleware.Handler(inv, func() error {
		return testErr
	})

	if err != testErr {
		t.Errorf("expected error to be returned, got: %v", err)
	}

	output := buf.String()

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var endLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &endLog); err != nil {
		t.Fatalf("expected valid JSON for end log: %v", err)
	}

	if endLog["success"] != false {
		t.Errorf("expected success to be false, got: %v", endLog["success"])
	}

	if endLog["error"] != "executor error" {
		t.Errorf("expected error to be 'executor error', got: %v", endLog["error"])
	}

	if endLog["level"] != "ERROR" {
		t.Errorf("expected level to be ERROR, got: %v", endLog["level"])
	}
}

func TestStepLoggingMiddleware_HandlerWithMetadata_Success(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)
	middleware := NewStepLoggingMiddleware(logger)

	inv := &StepInvocation{
		StepType: "codegen",
		TaskID:   "task-456",
	}

	expectedMetadata := map[string]interface{}{
		"files_changed": 2,
		"output":        "success",
	}

	metadata, err := middleware.HandlerWithMetadata(inv, func() (map[string]interface{}, error) {
		return expectedMetadata, nil
	})

	if err != nil {
		t.Errorf("expected no error, got: %v", err)
	}

	if metadata["files_changed"] != 2 {
		t.Errorf("expected files_changed to be 2, got: %v", metadata["files_changed"])
	}

	output := buf.String()

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var endLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &endLog); err != nil {
		t.Fatalf("expected valid JSON for end log: %v", err)
	}

	if endLog["files_changed"] != float64(2) {
		t.Errorf("expected files_changed in log to be 2, got: %v", endLog["files_changed"])
	}

	if endLog["output"] != "success" {
		t.Errorf("expected output in log to be 'success', got: %v", endLog["output"])
	}
}

func TestStepLoggingMiddleware_HandlerWithMetadata_Error(t *testing.T) {
	var buf bytes.Buffer

	cfg := &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: &buf,
	}

	logger := New(cfg)
	middleware := NewStepLoggingMiddleware(logger)

	inv := &StepInvocation{
		StepType: "codegen",
		TaskID:   "task-456",
	}

	partialMetadata := map[string]interface{}{
		"files_changed": 1,
	}

	testErr := errors.New("partial apply failed")

	metadata, err := middleware.HandlerWithMetadata(inv, func() (map[string]interface{}, error) {
		return partialMetadata, testErr
	})

	if err != testErr {
		t.Errorf("expected error to be returned, got: %v", err)
	}

	if metadata["files_changed"] != 1 {
		t.Errorf("expected files_changed to be 1, got: %v", metadata["files_changed"])
	}

	output := buf.String()

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var endLog map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &endLog); err != nil {
		t.Fatalf("expected valid JSON for end log: %v", err)
	}

	if endLog["success"] != false {
		t.Errorf("expected success to be false, got: %v", endLog["success"])
	}

	if endLog["error"] != "partial apply failed" {
		t.Errorf("expected error to be 'partial apply failed', got: %v", endLog["error"])
	}

	if endLog["files_changed"] != float64(1) {
		t.Errorf("expected files_changed in log to be 1, got: %v", endLog["files_changed"])
	}
}

func TestNewStepLoggingMiddleware(t *testing.T) {
	logger := New(nil)
	middleware := NewStepLoggingMiddleware(logger)

	if middleware == nil {
		t.Errorf("expected non-nil middleware")
	}

	if middleware.logger != logger {
		t.Errorf("expected middleware to use provided logger")
	}
}
