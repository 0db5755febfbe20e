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

// Package aggregator is a registry of named metric calculators and
// prediction generators that compute pure functions over a Snapshot of
// one workflow's live milestone state. Computations never mutate the
// snapshot or the store they were read from.
package aggregator

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/flowctl/prorch/internal/eventbus"
	"github.com/flowctl/prorch/internal/log"
	"github.com/flowctl/prorch/internal/milestone"
	"github.com/flowctl/prorch/internal/store"
)

// Snapshot is the immutable view of one workflow's milestone state that
// every calculator/generator runs over.
type Snapshot struct {
	WorkflowID string
	Milestones []*store.Milestone
	States     map[string]*store.MilestoneState
	Blockers   []*store.Blocker
}

// MetricResult is one named metric's computed value.
type MetricResult struct {
	Name  string
	Value float64
}

// Prediction is one named prediction's computed value.
type Prediction struct {
	Name       string
	Value      float64
	Confidence float64
	Detail     string
}

// MetricCalculator computes one metric from a Snapshot.
type MetricCalculator func(snap Snapshot) MetricResult

// PredictionGenerator computes one prediction from a Snapshot.
type PredictionGenerator func(snap Snapshot) Prediction

// Aggregator holds the metric/prediction registries and the store they
// read snapshots from.
type Aggregator struct {
	store  store.Store
	bus    *eventbus.Bus
	logger *slog.Logger

	mu          sync.RWMutex
	metrics     map[string]MetricCalculator
	predictions map[string]PredictionGenerator
}

// New builds an Aggregator with the built-in metrics (overall progress,
// completed/blocked milestone counts, average completion time,
// critical-path progress) and predictions (ETA, risk score) already
// registered.
func New(st store.Store, bus *eventbus.Bus, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		store:       st,
		bus:         bus,
		logger:      log.WithComponent(logger, "aggregator"),
		metrics:     make(map[string]MetricCalculator),
		predictions: make(map[string]PredictionGenerator),
	}
	registerBuiltinMetrics(a)
	registerBuiltinPredictions(a)
	return a
}

// RegisterMetric adds or replaces the named metric calculator.
func (a *Aggregator) RegisterMetric(name string, calc MetricCalculator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics[name] = calc
}

// RegisterPrediction adds or replaces the named prediction generator.
func (a *Aggregator) RegisterPrediction(name string, gen PredictionGenerator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.predictions[name] = gen
}

// Snapshot loads the current milestone/state/blocker set for workflowID.
func (a *Aggregator) Snapshot(ctx context.Context, workflowID string) (Snapshot, error) {
	milestones, err := a.store.Milestones().ListByWorkflow(ctx, workflowID)
	if err != nil {
		return Snapshot{}, err
	}
	states, err := a.store.Milestones().StatesByWorkflow(ctx, workflowID)
	if err != nil {
		return Snapshot{}, err
	}
	blockers, err := a.store.Blockers().ListAll(ctx, workflowID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{WorkflowID: workflowID, Milestones: milestones, States: states, Blockers: blockers}, nil
}

// ComputeMetrics runs every registered metric calculator over workflowID's
// current snapshot and publishes metric_calculated for each result.
func (a *Aggregator) ComputeMetrics(ctx context.Context, workflowID string) (map[string]MetricResult, error) {
	snap, err := a.Snapshot(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	calcs := make(map[string]MetricCalculator, len(a.metrics))
	for name, c := range a.metrics {
		calcs[name] = c
	}
	a.mu.RUnlock()

	results := make(map[string]MetricResult, len(calcs))
	for name, calc := range calcs {
		result := calc(snap)
		results[name] = result
		if a.bus != nil {
			a.bus.Publish(ctx, eventbus.Event{
				Topic:   eventbus.TopicMetricCalculated,
				Payload: map[string]any{"workflow_id": workflowID, "metric": result},
			})
		}
	}
	return results, nil
}

// ComputePredictions runs every registered prediction generator over
// workflowID's current snapshot and publishes prediction_generated for
// each result.
func (a *Aggregator) ComputePredictions(ctx context.Context, workflowID string) (map[string]Prediction, error) {
	snap, err := a.Snapshot(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	gens := make(map[string]PredictionGenerator, len(a.predictions))
	for name, g := range a.predictions {
		gens[name] = g
	}
	a.mu.RUnlock()

	results := make(map[string]Prediction, len(gens))
	for name, gen := range gens {
		result := gen(snap)
		results[name] = result
		if a.bus != nil {
			a.bus.Publish(ctx, eventbus.Event{
				Topic:   eventbus.TopicPredictionGenerated,
				Payload: map[string]any{"workflow_id": workflowID, "prediction": result},
			})
		}
	}
	return results, nil
}

func criticalPath(snap Snapshot) ([]string, float64) {
	graph, err := milestone.NewGraph(snap.Milestones)
	if err != nil {
		return nil, 0
	}
	path, weight, err := graph.CriticalPath()
	if err != nil {
		return nil, 0
	}
	return path, weight
}

func registerBuiltinMetrics(a *Aggregator) {
	a.RegisterMetric("overall_progress", func(snap Snapshot) MetricResult {
		return MetricResult{Name: "overall_progress", Value: milestone.Progress(snap.Milestones, snap.States)}
	})

	a.RegisterMetric("completed_milestones", func(snap Snapshot) MetricResult {
		count := 0
		for _, m := range snap.Milestones {
			if s := snap.States[m.ID]; s != nil && s.Status == store.MilestoneCompleted {
				count++
			}
		}
		return MetricResult{Name: "completed_milestones", Value: float64(count)}
	})

	a.RegisterMetric("blocked_milestones", func(snap Snapshot) MetricResult {
		count := 0
		for _, m := range snap.Milestones {
			if s := snap.States[m.ID]; s != nil && s.Status == store.MilestoneBlocked {
				count++
			}
		}
		return MetricResult{Name: "blocked_milestones", Value: float64(count)}
	})

	a.RegisterMetric("average_completion_time_ms", func(snap Snapshot) MetricResult {
		var total float64
		var n int
		for _, m := range snap.Milestones {
			s := snap.States[m.ID]
			if s == nil || s.Status != store.MilestoneCompleted || s.StartedAt == nil || s.CompletedAt == nil {
				continue
			}
			total += float64(s.CompletedAt.Sub(*s.StartedAt).Milliseconds())
			n++
		}
		if n == 0 {
			return MetricResult{Name: "average_completion_time_ms", Value: 0}
		}
		return MetricResult{Name: "average_completion_time_ms", Value: total / float64(n)}
	})

	a.RegisterMetric("critical_path_progress", func(snap Snapshot) MetricResult {
		path, _ := criticalPath(snap)
		return MetricResult{Name: "critical_path_progress", Value: milestone.CriticalPathProgress(snap.Milestones, snap.States, path)}
	})
}

func registerBuiltinPredictions(a *Aggregator) {
	// eta estimates remaining wall-clock time along the critical path:
	// total critical-path weight scaled by the fraction not yet complete.
	a.RegisterPrediction("eta_ms", func(snap Snapshot) Prediction {
		path, totalWeight := criticalPath(snap)
		if totalWeight <= 0 {
			return Prediction{Name: "eta_ms", Value: 0, Confidence: 0, Detail: "no critical path"}
		}
		progress := milestone.CriticalPathProgress(snap.Milestones, snap.States, path) / 100
		remaining := totalWeight * (1 - progress)
		confidence := 0.5
		if progress > 0 {
			confidence = math.Min(0.9, 0.5+progress*0.4)
		}
		return Prediction{Name: "eta_ms", Value: remaining, Confidence: confidence}
	})

	// risk_score in [0, 1] rises with active blockers (weighted by
	// severity) and with overdue in-progress milestones.
	a.RegisterPrediction("risk_score", func(snap Snapshot) Prediction {
		if len(snap.Milestones) == 0 {
			return Prediction{Name: "risk_score", Value: 0, Confidence: 0.5}
		}

		var severityWeight float64
		activeBlockers := 0
		for _, b := range snap.Blockers {
			if !b.IsActive() {
				continue
			}
			activeBlockers++
			switch b.Severity {
			case store.SeverityCritical:
				severityWeight += 1.0
			case store.SeverityHigh:
				severityWeight += 0.7
			case store.SeverityMedium:
				severityWeight += 0.4
			default:
				severityWeight += 0.2
			}
		}

		overdue := 0
		now := time.Now()
		for _, m := range snap.Milestones {
			s := snap.States[m.ID]
			if s == nil || s.Status != store.MilestoneInProgress || s.StartedAt == nil || m.ExpectedCompletionTimeMS == nil {
				continue
			}
			deadline := s.StartedAt.Add(time.Duration(*m.ExpectedCompletionTimeMS) * time.Millisecond)
			if now.After(deadline) {
				overdue++
			}
		}

		blockerComponent := math.Min(1, severityWeight/float64(len(snap.Milestones)))
		overdueComponent := math.Min(1, float64(overdue)/float64(len(snap.Milestones)))
		score := math.Min(1, 0.6*blockerComponent+0.4*overdueComponent)

		return Prediction{
			Name:       "risk_score",
			Value:      score,
			Confidence: 0.6,
			Detail:     "weighted by active blocker severity and overdue in-progress milestones",
		}
	})
}
