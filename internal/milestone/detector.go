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

package milestone

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/flowctl/prorch/internal/eventbus"
	"github.com/flowctl/prorch/internal/log"
	"github.com/flowctl/prorch/internal/store"
	"github.com/flowctl/prorch/internal/telemetry"
)

// DefaultInterval is the default detection/metric interval.
const DefaultInterval = 5 * time.Second

// Detector observes milestone-state changes and runs a dependency-based
// analysis and a time-overrun analysis, both periodically (ticker-driven)
// and reactively (subscribed to milestone-update events).
type Detector struct {
	store  store.Store
	bus    *eventbus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	workflows map[string]bool
}

// NewDetector builds a Detector over store, publishing to bus. logger
// defaults to slog.Default() when nil.
func NewDetector(st store.Store, bus *eventbus.Bus, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		store:     st,
		bus:       bus,
		logger:    log.WithComponent(logger, "blocker_detector"),
		workflows: make(map[string]bool),
	}
	if bus != nil {
		bus.Subscribe(eventbus.TopicMilestoneRegistered, d.onMilestoneRegistered)
		bus.Subscribe(eventbus.TopicMilestoneUpdated, d.onMilestoneUpdated)
	}
	return d
}

// RegisteredPayload is published on TopicMilestoneRegistered.
type RegisteredPayload struct {
	WorkflowID  string
	MilestoneID string
}

// UpdatedPayload is published on TopicMilestoneUpdated.
type UpdatedPayload struct {
	WorkflowID  string
	MilestoneID string
	State       store.MilestoneState
}

// onMilestoneRegistered tracks workflowID so Run's periodic sweep knows to
// visit it; it never itself runs detection (a freshly registered milestone
// has no state to analyze yet).
func (d *Detector) onMilestoneRegistered(ctx context.Context, evt eventbus.Event) error {
	payload, ok := evt.Payload.(RegisteredPayload)
	if !ok {
		return nil
	}
	d.mu.Lock()
	d.workflows[payload.WorkflowID] = true
	d.mu.Unlock()
	return nil
}

// onMilestoneUpdated reacts to each milestone-update event by re-running
// detection for the owning workflow.
func (d *Detector) onMilestoneUpdated(ctx context.Context, evt eventbus.Event) error {
	payload, ok := evt.Payload.(UpdatedPayload)
	if !ok {
		return nil
	}
	return d.DetectAll(ctx, payload.WorkflowID)
}

// Run drives the periodic side of detection: every interval, DetectAll
// runs for each workflow the Detector has observed milestones for. Run
// blocks until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			workflowIDs := make([]string, 0, len(d.workflows))
			for id := range d.workflows {
				workflowIDs = append(workflowIDs, id)
			}
			d.mu.Unlock()

			for _, id := range workflowIDs {
				if err := d.DetectAll(ctx, id); err != nil {
					d.logger.Error("periodic detection failed",
						log.String("workflow_id", id),
						log.Error(err),
					)
				}
			}
		}
	}
}

// DetectAll runs both analyses for every non-terminal milestone under
// workflowID.
func (d *Detector) DetectAll(ctx context.Context, workflowID string) error {
	d.mu.Lock()
	d.workflows[workflowID] = true
	d.mu.Unlock()

	milestones, err := d.store.Milestones().ListByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	states, err := d.store.Milestones().StatesByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	byID := make(map[string]*store.Milestone, len(milestones))
	for _, m := range milestones {
		byID[m.ID] = m
	}

	now := time.Now()
	for _, m := range milestones {
		state := states[m.ID]
		if state == nil {
			continue
		}
		if state.Status == store.MilestoneCompleted || state.Status == store.MilestoneSkipped {
			continue
		}
		if err := d.evaluate(ctx, workflowID, m, state, byID, states, now); err != nil {
			return err
		}
	}
	return nil
}

func (d *Detector) evaluate(
	ctx context.Context,
	workflowID string,
	m *store.Milestone,
	state *store.MilestoneState,
	byID map[string]*store.Milestone,
	states map[string]*store.MilestoneState,
	now time.Time,
) error {
	shouldBlock, reason, blockedBy := d.checkDependencies(m, byID, states)
	if !shouldBlock {
		shouldBlock, reason, blockedBy = checkTimeOverrun(state, m, now)
	}

	wasBlocked := state.Status == store.MilestoneBlocked
	switch {
	case shouldBlock && !wasBlocked:
		return d.enterBlocked(ctx, workflowID, m, state, reason, blockedBy)
	case !shouldBlock && wasBlocked:
		return d.leaveBlocked(ctx, workflowID, m, state)
	}
	return nil
}

// checkDependencies reports whether m is blocked by an incomplete
// dependency.
func (d *Detector) checkDependencies(m *store.Milestone, byID map[string]*store.Milestone, states map[string]*store.MilestoneState) (bool, string, string) {
	if len(m.Dependencies) == 0 {
		return false, "", ""
	}

	var unmetIDs, unmetNames []string
	for _, depID := range m.Dependencies {
		depState := states[depID]
		if depState != nil && depState.Status == store.MilestoneCompleted {
			continue
		}
		unmetIDs = append(unmetIDs, depID)
		if dep, ok := byID[depID]; ok {
			unmetNames = append(unmetNames, dep.Name)
		} else {
			unmetNames = append(unmetNames, depID)
		}
	}
	if len(unmetIDs) == 0 {
		return false, "", ""
	}
	reason := fmt.Sprintf("Blocked by dependencies: %s", strings.Join(unmetNames, ", "))
	return true, reason, strings.Join(unmetIDs, ",")
}

// checkTimeOverrun reports whether m is more than 50% past its expected
// completion time. The
// gate is "has it ever started", not "is its status literally in_progress"
// -- once a milestone enters blocked its Status label changes but
// StartedAt is preserved, and the overdue condition is monotonic (it never
// un-overdues itself), so gating on StartedAt keeps a time-overrun block
// from oscillating in and out of blocked on every detector tick the way
// gating on Status would.
func checkTimeOverrun(state *store.MilestoneState, m *store.Milestone, now time.Time) (bool, string, string) {
	if state.StartedAt == nil || m.ExpectedCompletionTimeMS == nil {
		return false, "", ""
	}
	expected := time.Duration(*m.ExpectedCompletionTimeMS) * time.Millisecond
	if expected <= 0 {
		return false, "", ""
	}
	deadline := state.StartedAt.Add(expected)
	overdueFactor := now.Sub(deadline).Seconds() / expected.Seconds()
	if overdueFactor <= 0.5 {
		return false, "", ""
	}
	reason := fmt.Sprintf("Milestone is %d%% overdue", int(math.Round(overdueFactor*100)))
	return true, reason, "time_overrun"
}

func (d *Detector) enterBlocked(ctx context.Context, workflowID string, m *store.Milestone, state *store.MilestoneState, reason, blockedBy string) error {
	next := *state
	next.Status = store.MilestoneBlocked
	next.BlockerReason = reason
	next.BlockedBy = blockedBy
	if err := d.store.Milestones().StateSet(ctx, &next); err != nil {
		return err
	}
	d.publish(ctx, eventbus.TopicMilestoneUpdated, UpdatedPayload{WorkflowID: workflowID, MilestoneID: m.ID, State: next})

	active, err := d.store.Blockers().ListActive(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, b := range active {
		if containsID(b.AffectedMilestoneIDs, m.ID) {
			return nil // already covered by an active blocker
		}
	}

	blocker := &store.Blocker{
		WorkflowID:           workflowID,
		AffectedMilestoneIDs: []string{m.ID},
		Severity:             store.SeverityMedium,
		Description:          reason,
		BlockedBy:            blockedBy,
		Metadata:             map[string]any{"autoDetected": true},
	}
	if err := d.store.Blockers().Create(ctx, blocker); err != nil {
		return err
	}
	d.logger.Info("milestone blocked",
		log.String("workflow_id", workflowID),
		log.String("milestone_id", m.ID),
		log.String("reason", reason),
	)
	d.publish(ctx, eventbus.TopicBlockerDetected, blocker)
	d.reportActiveBlockers(ctx, workflowID)
	return nil
}

func (d *Detector) leaveBlocked(ctx context.Context, workflowID string, m *store.Milestone, state *store.MilestoneState) error {
	next := *state
	if state.StartedAt != nil {
		next.Status = store.MilestoneInProgress
	} else {
		next.Status = store.MilestoneNotStarted
	}
	next.BlockerReason = ""
	next.BlockedBy = ""
	if err := d.store.Milestones().StateSet(ctx, &next); err != nil {
		return err
	}
	d.publish(ctx, eventbus.TopicMilestoneUpdated, UpdatedPayload{WorkflowID: workflowID, MilestoneID: m.ID, State: next})

	active, err := d.store.Blockers().ListActive(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, b := range active {
		if !containsID(b.AffectedMilestoneIDs, m.ID) {
			continue
		}
		resolved, err := d.store.Blockers().Resolve(ctx, b.ID, "Milestone is no longer blocked")
		if err != nil {
			return err
		}
		d.logger.Info("milestone unblocked",
			log.String("workflow_id", workflowID),
			log.String("milestone_id", m.ID),
		)
		d.publish(ctx, eventbus.TopicBlockerResolved, resolved)
	}
	d.reportActiveBlockers(ctx, workflowID)
	return nil
}

// reportActiveBlockers refreshes the active-blocker gauge by severity so a
// scrape always reflects the store's current active set, rather than
// drifting from an incremental counter.
func (d *Detector) reportActiveBlockers(ctx context.Context, workflowID string) {
	active, err := d.store.Blockers().ListActive(ctx, workflowID)
	if err != nil {
		return
	}
	counts := map[store.BlockerSeverity]int{
		store.SeverityLow: 0, store.SeverityMedium: 0,
		store.SeverityHigh: 0, store.SeverityCritical: 0,
	}
	for _, b := range active {
		counts[b.Severity]++
	}
	for severity, count := range counts {
		telemetry.SetActiveBlockers(string(severity), count)
	}
}

func (d *Detector) publish(ctx context.Context, topic eventbus.Topic, payload any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(ctx, eventbus.Event{Topic: topic, Payload: payload})
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
