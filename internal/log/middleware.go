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
	"log/slog"
	"time"
)

// StepInvocation identifies a single Task/Step dispatch for logging purposes.
type StepInvocation struct {
	// StepType is the kind of step being executed (e.g., "analysis", "codegen").
	StepType string

	// WorkflowExecutionID ties the invocation back to its workflow execution.
	WorkflowExecutionID string

	// TaskID is the unique ID of the task being executed.
	TaskID string

	// Metadata contains additional invocation context (e.g., retry_count).
	Metadata map[string]interface{}
}

// StepOutcome describes how a step invocation finished.
type StepOutcome struct {
	// Success indicates the step completed without error.
	Success bool

	// Error is the error message if the step failed.
	Error string

	// DurationMs is the wall-clock duration of the invocation in milliseconds.
	DurationMs int64

	// Metadata contains additional outcome context (e.g., output size).
	Metadata map[string]interface{}
}

// LogStepStart logs a task about to be dispatched to a StepExecutor.
func LogStepStart(logger *slog.Logger, inv *StepInvocation) {
	attrs := []any{
		EventKey, "step_started",
		"step_type", inv.StepType,
	}

	if inv.WorkflowExecutionID != "" {
		attrs = append(attrs, WorkflowExecutionIDKey, inv.WorkflowExecutionID)
	}

	if inv.TaskID != "" {
		attrs = append(attrs, TaskIDKey, inv.TaskID)
	}

	for k, v := range inv.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("step dispatch started", attrs...)
}

// LogStepEnd logs the outcome of a step invocation.
func LogStepEnd(logger *slog.Logger, inv *StepInvocation, outcome *StepOutcome) {
	attrs := []any{
		EventKey, "step_completed",
		"step_type", inv.StepType,
		"success", outcome.Success,
		DurationKey, outcome.DurationMs,
	}

	if inv.WorkflowExecutionID != "" {
		attrs = append(attrs, WorkflowExecutionIDKey, inv.WorkflowExecutionID)
	}

	if inv.TaskID != "" {
		attrs = append(attrs, TaskIDKey, inv.TaskID)
	}

	if outcome.Error != "" {
		attrs = append(attrs, "error", outcome.Error)
	}

	for k, v := range outcome.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "step dispatch completed"

	if !outcome.Success {
		level = slog.LevelError
		message = "step dispatch failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// StepLoggingMiddleware wraps a StepExecutor invocation with start/end
// logging. The engine's dispatch loop wraps every executor call in one of
// these so every task transition is observable without each StepExecutor
// implementation having to log anything itself.
type StepLoggingMiddleware struct {
	logger *slog.Logger
}

// NewStepLoggingMiddleware creates a new step logging middleware.
func NewStepLoggingMiddleware(logger *slog.Logger) *StepLoggingMiddleware {
	return &StepLoggingMiddleware{
		logger: logger,
	}
}

// Handler wraps a function that executes a step. It logs the invocation
// when it starts and its outcome when it finishes.
func (m *StepLoggingMiddleware) Handler(inv *StepInvocation, handler func() error) error {
	start := time.Now()

	LogStepStart(m.logger, inv)

	err := handler()

	duration := time.Since(start).Milliseconds()

	outcome := &StepOutcome{
		Success:    err == nil,
		DurationMs: duration,
	}

	if err != nil {
		outcome.Error = err.Error()
	}

	LogStepEnd(m.logger, inv, outcome)

	return err
}

// HandlerWithMetadata wraps a step function that also returns output
// metadata (e.g. token usage, output size) to be logged with the outcome.
func (m *StepLoggingMiddleware) HandlerWithMetadata(inv *StepInvocation, handler func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	start := time.Now()

	LogStepStart(m.logger, inv)

	metadata, err := handler()

	duration := time.Since(start).Milliseconds()

	outcome := &StepOutcome{
		Success:    err == nil,
		DurationMs: duration,
		Metadata:   metadata,
	}

	if err != nil {
		outcome.Error = err.Error()
	}

	LogStepEnd(m.logger, inv, outcome)

	return metadata, err
}
