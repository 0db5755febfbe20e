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

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level promauto vectors plus small Record* helpers, rather than
// threading a metrics struct through every component.
var (
	tasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prorch_tasks_dispatched_total",
			Help: "Total tasks enqueued to the task queue by step type.",
		},
		[]string{"step_type"},
	)

	taskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prorch_task_outcomes_total",
			Help: "Total task executions by step type and outcome (completed, failed).",
		},
		[]string{"step_type", "outcome"},
	)

	workflowOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prorch_workflow_outcomes_total",
			Help: "Total workflow executions by definition name and outcome.",
		},
		[]string{"definition", "outcome"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prorch_queue_depth",
			Help: "Current number of pending tasks (Ready Set plus back-off-delayed retries).",
		},
	)

	queueProcessing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prorch_queue_processing",
			Help: "Current number of leased tasks in the Processing Set.",
		},
	)

	queueDeadLetter = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prorch_queue_dead_letter",
			Help: "Current number of tasks in the Dead Letter Set.",
		},
	)

	activeBlockers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prorch_active_blockers",
			Help: "Current number of unresolved blockers by severity.",
		},
		[]string{"severity"},
	)
)

// RecordTaskDispatched increments the dispatch counter for stepType.
func RecordTaskDispatched(stepType string) {
	tasksDispatched.WithLabelValues(stepType).Inc()
}

// RecordTaskOutcome increments the outcome counter for (stepType, outcome).
func RecordTaskOutcome(stepType, outcome string) {
	taskOutcomes.WithLabelValues(stepType, outcome).Inc()
}

// RecordWorkflowOutcome increments the outcome counter for (definition, outcome).
func RecordWorkflowOutcome(definition, outcome string) {
	workflowOutcomes.WithLabelValues(definition, outcome).Inc()
}

// SetQueueDepth reports the Task Queue's current pending count.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// SetQueueProcessing reports the Task Queue's current Processing Set size.
func SetQueueProcessing(n int) {
	queueProcessing.Set(float64(n))
}

// SetQueueDeadLetter reports the Task Queue's current Dead Letter Set size.
func SetQueueDeadLetter(n int) {
	queueDeadLetter.Set(float64(n))
}

// SetActiveBlockers reports the current unresolved-blocker count for severity.
func SetActiveBlockers(severity string, count int) {
	activeBlockers.WithLabelValues(severity).Set(float64(count))
}
