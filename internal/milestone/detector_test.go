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

package milestone_test

import (
	"context"
	"testing"
	"time"

	"github.com/flowctl/prorch/internal/eventbus"
	"github.com/flowctl/prorch/internal/milestone"
	"github.com/flowctl/prorch/internal/store"
	"github.com/flowctl/prorch/internal/store/memstore"
)

// TestDetector_TimeOverrun: a milestone with
// expected_completion_time = 1000 ms, started_at = now - 1600 ms. Running
// the blocker detector sets state to blocked with blocker_reason "Milestone
// is 60% overdue" and creates exactly one auto-detected Blocker with
// severity medium.
func TestDetector_TimeOverrun(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	exp := int64(1000)
	m := &store.Milestone{ID: "m1", WorkflowID: "wf-1", Name: "Build", Weight: 10, ExpectedCompletionTimeMS: &exp}
	if err := st.Milestones().Register(ctx, m); err != nil {
		t.Fatalf("Register: %v", err)
	}

	startedAt := time.Now().Add(-1600 * time.Millisecond)
	state := &store.MilestoneState{MilestoneID: "m1", Status: store.MilestoneInProgress, StartedAt: &startedAt}
	if err := st.Milestones().StateSet(ctx, state); err != nil {
		t.Fatalf("StateSet: %v", err)
	}

	bus := eventbus.New(nil)
	det := milestone.NewDetector(st, bus, nil)

	if err := det.DetectAll(ctx, "wf-1"); err != nil {
		t.Fatalf("DetectAll: %v", err)
	}

	got, err := st.Milestones().StateGet(ctx, "m1")
	if err != nil {
		t.Fatalf("StateGet: %v", err)
	}
	if got.Status != store.MilestoneBlocked {
		t.Fatalf("Status = %s, want blocked", got.Status)
	}
	if got.BlockerReason != "Milestone is 60% overdue" {
		t.Fatalf("BlockerReason = %q, want %q", got.BlockerReason, "Milestone is 60% overdue")
	}

	blockers, err := st.Blockers().ListActive(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(blockers) != 1 {
		t.Fatalf("len(blockers) = %d, want 1", len(blockers))
	}
	if blockers[0].Severity != store.SeverityMedium {
		t.Fatalf("Severity = %s, want medium", blockers[0].Severity)
	}
	if autoDetected, _ := blockers[0].Metadata["autoDetected"].(bool); !autoDetected {
		t.Fatal("expected metadata.autoDetected = true")
	}

	// Running detection again must not create a second blocker for the
	// same milestone.
	if err := det.DetectAll(ctx, "wf-1"); err != nil {
		t.Fatalf("DetectAll (second run): %v", err)
	}
	blockers, _ = st.Blockers().ListActive(ctx, "wf-1")
	if len(blockers) != 1 {
		t.Fatalf("len(blockers) after second run = %d, want 1", len(blockers))
	}
}

func TestDetector_DependencyBlocking_AndResolution(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	parent := &store.Milestone{ID: "p1", WorkflowID: "wf-2", Name: "Design"}
	child := &store.Milestone{ID: "c1", WorkflowID: "wf-2", Name: "Build", Dependencies: []string{"p1"}}
	if err := st.Milestones().Register(ctx, parent); err != nil {
		t.Fatalf("Register parent: %v", err)
	}
	if err := st.Milestones().Register(ctx, child); err != nil {
		t.Fatalf("Register child: %v", err)
	}

	childState := &store.MilestoneState{MilestoneID: "c1", Status: store.MilestoneNotStarted}
	if err := st.Milestones().StateSet(ctx, childState); err != nil {
		t.Fatalf("StateSet: %v", err)
	}

	det := milestone.NewDetector(st, eventbus.New(nil), nil)
	if err := det.DetectAll(ctx, "wf-2"); err != nil {
		t.Fatalf("DetectAll: %v", err)
	}

	got, _ := st.Milestones().StateGet(ctx, "c1")
	if got.Status != store.MilestoneBlocked {
		t.Fatalf("Status = %s, want blocked", got.Status)
	}
	if got.BlockerReason != "Blocked by dependencies: Design" {
		t.Fatalf("BlockerReason = %q, want %q", got.BlockerReason, "Blocked by dependencies: Design")
	}

	// Completing the dependency should let the next detection pass
	// transition the child out of blocked and auto-resolve its blocker.
	parentState := &store.MilestoneState{MilestoneID: "p1", Status: store.MilestoneCompleted}
	if err := st.Milestones().StateSet(ctx, parentState); err != nil {
		t.Fatalf("StateSet parent: %v", err)
	}
	if err := det.DetectAll(ctx, "wf-2"); err != nil {
		t.Fatalf("DetectAll (second run): %v", err)
	}

	got, _ = st.Milestones().StateGet(ctx, "c1")
	if got.Status != store.MilestoneNotStarted {
		t.Fatalf("Status after dependency resolved = %s, want not_started", got.Status)
	}

	active, _ := st.Blockers().ListActive(ctx, "wf-2")
	if len(active) != 0 {
		t.Fatalf("len(active blockers) = %d, want 0", len(active))
	}
	all, _ := st.Blockers().ListAll(ctx, "wf-2")
	if len(all) != 1 {
		t.Fatalf("len(all blockers) = %d, want 1", len(all))
	}
	if all[0].Resolution != "Milestone is no longer blocked" {
		t.Fatalf("Resolution = %q, want %q", all[0].Resolution, "Milestone is no longer blocked")
	}
}
