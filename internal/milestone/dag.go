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

// Package milestone implements the milestone DAG core: a
// topological sort and weighted critical-path computation over a
// workflow's milestone dependency graph, plus the workflow-progress
// formulas that read off it.
//
// The cycle-detecting DFS is the same temporary-mark idiom
// pkg/workflow.detectCycle uses for Step.DependsOn graphs, generalized
// from "steps depend on steps" to "milestones depend on milestones" and
// extended to also return the post-order itself, since the Milestone/DAG
// Core needs the order for critical-path relaxation, not just a
// yes/no cycle verdict.
package milestone

import (
	"math"
	"sort"

	"github.com/flowctl/prorch/internal/store"
	orcherrors "github.com/flowctl/prorch/pkg/errors"
)

// Graph is the dependency graph for every Milestone registered under one
// WorkflowID. The graph is strictly append-only once registered.
type Graph struct {
	milestones map[string]*store.Milestone
	order      []string // registration order, as supplied to NewGraph
}

// NewGraph builds a Graph from milestones (typically
// MilestoneRepo.ListByWorkflow's result, already registration-ordered).
// NewGraph validates nothing -- weight ranges, dependency existence and
// acyclicity are MilestoneRepo.Register's checks at write time -- and always
// returns a nil error; a cycle that reaches the graph anyway is reported by
// TopoSort and CriticalPath.
func NewGraph(milestones []*store.Milestone) (*Graph, error) {
	g := &Graph{
		milestones: make(map[string]*store.Milestone, len(milestones)),
		order:      make([]string, 0, len(milestones)),
	}
	for _, m := range milestones {
		g.milestones[m.ID] = m
		g.order = append(g.order, m.ID)
	}
	return g, nil
}

// TopoSort returns every milestone id in dependency-first order: a
// milestone always appears after everything it depends on. Returns a
// *errors.ValidationError if the graph contains a cycle.
func (g *Graph) TopoSort() ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.milestones))
	topo := make([]string, 0, len(g.milestones))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &orcherrors.ValidationError{
				Field:      "dependencies",
				Message:    "dependency cycle detected involving milestone " + id,
				Suggestion: "remove the circular dependency reference",
			}
		}
		state[id] = visiting
		m := g.milestones[id]
		for _, dep := range m.Dependencies {
			if _, ok := g.milestones[dep]; !ok {
				continue // unknown deps are a Register-time concern, not TopoSort's
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		topo = append(topo, id)
		return nil
	}

	for _, id := range g.order {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return topo, nil
}

// weight returns m's node weight for critical-path purposes: its
// ExpectedCompletionTimeMS, or zero when unset.
func weight(m *store.Milestone) float64 {
	if m.ExpectedCompletionTimeMS == nil {
		return 0
	}
	return float64(*m.ExpectedCompletionTimeMS)
}

// CriticalPath returns the longest-weighted root-to-leaf path: node
// weight is ExpectedCompletionTimeMS,
// roots are milestones with no dependencies, leaves are milestones nothing
// else depends on. Ties -- both among a node's candidate predecessors and
// among candidate leaf endpoints -- are broken by lexicographic milestone
// id order. Returns an empty slice if the graph is empty.
func (g *Graph) CriticalPath() ([]string, float64, error) {
	topo, err := g.TopoSort()
	if err != nil {
		return nil, 0, err
	}
	if len(topo) == 0 {
		return nil, 0, nil
	}

	dist := make(map[string]float64, len(topo))
	pred := make(map[string]string, len(topo))
	hasPred := make(map[string]bool, len(topo))
	hasChild := make(map[string]bool, len(topo))

	for _, id := range topo {
		m := g.milestones[id]
		w := weight(m)
		if len(m.Dependencies) == 0 {
			dist[id] = w
			continue
		}

		best := math.Inf(-1)
		var bestDep string
		deps := append([]string(nil), m.Dependencies...)
		sort.Strings(deps) // lexicographic tie-break among candidate predecessors
		for _, dep := range deps {
			if _, ok := g.milestones[dep]; !ok {
				continue
			}
			hasChild[dep] = true
			d := dist[dep] + w
			if d > best {
				best = d
				bestDep = dep
			}
		}
		if bestDep == "" {
			// every declared dependency is unknown; treat as a root.
			dist[id] = w
			continue
		}
		dist[id] = best
		pred[id] = bestDep
		hasPred[id] = true
	}

	var leaves []string
	for _, id := range topo {
		if !hasChild[id] {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves) // lexicographic tie-break among candidate endpoints

	var endID string
	bestDist := math.Inf(-1)
	for _, id := range leaves {
		if dist[id] > bestDist {
			bestDist = dist[id]
			endID = id
		}
	}
	if endID == "" {
		return nil, 0, nil
	}

	var path []string
	for cur := endID; ; {
		path = append(path, cur)
		if !hasPred[cur] {
			break
		}
		cur = pred[cur]
	}
	// reverse into root-to-leaf order
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, bestDist, nil
}


// progressOf returns a MilestoneState's contribution fraction in [0, 1]:
// 1 for completed, percent_complete/100 for in_progress, 0 otherwise.
func progressOf(s *store.MilestoneState) float64 {
	if s == nil {
		return 0
	}
	switch s.Status {
	case store.MilestoneCompleted:
		return 1
	case store.MilestoneInProgress:
		return s.PercentComplete / 100
	default:
		return 0
	}
}

// Progress computes overall workflow progress: Σweight_i·progress_i /
// Σweight_i · 100, in [0, 100], zero when total weight is zero.
func Progress(milestones []*store.Milestone, states map[string]*store.MilestoneState) float64 {
	return weightedProgress(milestones, states, nil)
}

// CriticalPathProgress restricts Progress to the milestones on path.
func CriticalPathProgress(milestones []*store.Milestone, states map[string]*store.MilestoneState, path []string) float64 {
	only := make(map[string]bool, len(path))
	for _, id := range path {
		only[id] = true
	}
	return weightedProgress(milestones, states, only)
}

func weightedProgress(milestones []*store.Milestone, states map[string]*store.MilestoneState, restrictTo map[string]bool) float64 {
	var weighted, total float64
	for _, m := range milestones {
		if restrictTo != nil && !restrictTo[m.ID] {
			continue
		}
		w := m.Weight
		total += w
		weighted += w * progressOf(states[m.ID])
	}
	if total == 0 {
		return 0
	}
	return weighted / total * 100
}
