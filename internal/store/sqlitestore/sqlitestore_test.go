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

package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowctl/prorch/internal/store"
	orcherrors "github.com/flowctl/prorch/pkg/errors"
	"github.com/flowctl/prorch/pkg/workflow"
)

// createTestStore creates a SQLite-backed store.Store in a temporary
// directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ProjectRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	project := &store.Project{ID: "proj-1", RepositoryID: "repo-1", Name: "prorch"}
	if err := s.Projects().Create(ctx, project); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Projects().GetByRepositoryID(ctx, "repo-1")
	if err != nil {
		t.Fatalf("get_by_repository_id: %v", err)
	}
	if got.ID != project.ID || got.Name != project.Name {
		t.Errorf("got %+v, want %+v", got, project)
	}

	if err := s.Projects().Update(ctx, project.ID, &store.Project{ID: project.ID, RepositoryID: "repo-1", Name: "renamed"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.Projects().GetByRepositoryID(ctx, "repo-1")
	if err != nil {
		t.Fatalf("get_by_repository_id after update: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("expected updated name, got %q", got.Name)
	}
}

func TestStore_ProjectUniqueRepositoryID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Projects().Create(ctx, &store.Project{ID: "proj-1", RepositoryID: "repo-1", Name: "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Projects().Create(ctx, &store.Project{ID: "proj-2", RepositoryID: "repo-1", Name: "b"})
	if err == nil {
		t.Fatal("expected a conflict on duplicate repository_id, got nil")
	}
	if _, ok := err.(*orcherrors.ConflictError); !ok {
		t.Errorf("expected *errors.ConflictError, got %T: %v", err, err)
	}
}

func TestStore_PRGetOrCreateIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	in := store.PRInput{
		PRID: "pr-ext-1", Title: "Add feature", Author: "ada",
		Status: store.PRStatusOpen, BaseBranch: "main", HeadBranch: "feature",
	}
	first, err := s.PRs().GetOrCreate(ctx, "proj-1", 42, in)
	if err != nil {
		t.Fatalf("get_or_create: %v", err)
	}
	second, err := s.PRs().GetOrCreate(ctx, "proj-1", 42, in)
	if err != nil {
		t.Fatalf("get_or_create (second call): %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same PR row on repeated get_or_create, got %q and %q", first.ID, second.ID)
	}

	analysis := "in_progress"
	if err := s.PRs().UpdateStatus(ctx, first.ID, store.PRStatusMerged, &analysis); err != nil {
		t.Fatalf("update_status: %v", err)
	}
}

func TestStore_TaskGetRunnable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	a := &workflow.Task{ID: "a", PRID: "pr-1", Name: "analysis", Type: workflow.StepTypeAnalysis, Status: workflow.TaskCompleted, Priority: workflow.PriorityHigh, CreatedAt: base}
	b := &workflow.Task{ID: "b", PRID: "pr-1", Name: "codegen", Type: workflow.StepTypeCodegen, Status: workflow.TaskPending, Priority: workflow.PriorityMedium, DependsOn: []string{"a"}, CreatedAt: base.Add(time.Second)}
	c := &workflow.Task{ID: "c", PRID: "pr-1", Name: "notify", Type: workflow.StepTypeNotification, Status: workflow.TaskPending, Priority: workflow.PriorityLow, DependsOn: []string{"b"}, CreatedAt: base.Add(2 * time.Second)}
	d := &workflow.Task{ID: "d", PRID: "pr-1", Name: "validate", Type: workflow.StepTypeValidation, Status: workflow.TaskPending, Priority: workflow.PriorityCritical, CreatedAt: base.Add(3 * time.Second)}

	for _, task := range []*workflow.Task{a, b, c, d} {
		if err := s.Tasks().Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}

	runnable, err := s.Tasks().GetRunnable(ctx)
	if err != nil {
		t.Fatalf("get_runnable: %v", err)
	}

	// b is runnable (dep a completed) and d is runnable (no deps); c is not
	// (dep b still pending). Expected order: priority DESC -> d (critical,
	// 100) before b (medium, 50).
	var ids []string
	for _, task := range runnable {
		ids = append(ids, task.ID)
	}
	if len(ids) != 2 || ids[0] != "d" || ids[1] != "b" {
		t.Fatalf("expected runnable order [d b], got %v", ids)
	}
}

func TestStore_TaskUpdateStatusStampsTimestampsOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	task := &workflow.Task{ID: "t1", PRID: "pr-1", Name: "analysis", Type: workflow.StepTypeAnalysis, Status: workflow.TaskPending, Priority: workflow.PriorityHigh}
	if err := s.Tasks().Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	start := time.Now()
	if err := s.Tasks().UpdateStatus(ctx, "t1", workflow.TaskProcessing, &start, nil); err != nil {
		t.Fatalf("update_status (running): %v", err)
	}

	later := start.Add(time.Minute)
	if err := s.Tasks().UpdateStatus(ctx, "t1", workflow.TaskProcessing, &later, nil); err != nil {
		t.Fatalf("update_status (re-running): %v", err)
	}

	got, err := s.Tasks().GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("get_by_id: %v", err)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(start) {
		t.Errorf("started_at should be stamped only on the first transition, got %v, want %v", got.StartedAt, start)
	}

	completed := later.Add(time.Minute)
	if err := s.Tasks().UpdateStatus(ctx, "t1", workflow.TaskCompleted, nil, &completed); err != nil {
		t.Fatalf("update_status (completed): %v", err)
	}
	got, err = s.Tasks().GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("get_by_id after completion: %v", err)
	}
	if got.CompletedAt == nil || got.CompletedAt.Before(*got.StartedAt) {
		t.Errorf("completed_at %v should be set and not before started_at %v", got.CompletedAt, got.StartedAt)
	}
}

func TestStore_TaskGetByIDNotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Tasks().GetByID(context.Background(), "missing")
	if _, ok := err.(*orcherrors.NotFoundError); !ok {
		t.Errorf("expected *errors.NotFoundError, got %T: %v", err, err)
	}
}

func TestStore_WorkflowExecLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	exec := &workflow.WorkflowExecution{
		ID: "exec-1", DefinitionName: "pr_analysis", PRID: "pr-1",
		State: workflow.StateActive,
	}
	if err := s.WorkflowExecs().Create(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.WorkflowExecs().AddCompletedStep(ctx, "exec-1", "step-a", "step-b"); err != nil {
		t.Fatalf("add_completed_step: %v", err)
	}
	if err := s.WorkflowExecs().AddFailedStep(ctx, "exec-1", "step-c"); err != nil {
		t.Fatalf("add_failed_step: %v", err)
	}

	got, err := s.WorkflowExecs().GetByPR(ctx, "pr-1")
	if err != nil {
		t.Fatalf("get_by_pr: %v", err)
	}
	if len(got.StepsCompleted) != 1 || got.StepsCompleted[0] != "step-a" {
		t.Errorf("expected steps_completed [step-a], got %v", got.StepsCompleted)
	}
	if len(got.StepsFailed) != 1 || got.StepsFailed[0] != "step-c" {
		t.Errorf("expected steps_failed [step-c], got %v", got.StepsFailed)
	}

	if err := s.WorkflowExecs().MarkFailed(ctx, "exec-1", &orcherrors.ExternalError{Operation: "dispatch", Cause: context.DeadlineExceeded}); err != nil {
		t.Fatalf("mark_failed: %v", err)
	}
	got, err = s.WorkflowExecs().GetByID(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get_by_id: %v", err)
	}
	if got.State != workflow.StateFailed {
		t.Errorf("expected state failed, got %v", got.State)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be stamped on terminal transition")
	}
}

func TestStore_MilestoneRegisterRejectsUnknownDependency(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Milestones().Register(ctx, &store.Milestone{ID: "m1", Name: "design", WorkflowID: "wf-1", Weight: 10, Dependencies: []string{"ghost"}})
	if _, ok := err.(*orcherrors.DependencyError); !ok {
		t.Errorf("expected *errors.DependencyError, got %T: %v", err, err)
	}
}

func TestStore_MilestoneRegisterRejectsSelfDependency(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Milestones().Register(ctx, &store.Milestone{ID: "m1", Name: "design", WorkflowID: "wf-1", Weight: 10, Dependencies: []string{"m1"}})
	if _, ok := err.(*orcherrors.ValidationError); !ok {
		t.Errorf("expected *errors.ValidationError, got %T: %v", err, err)
	}
}

func TestStore_MilestoneRegisterRejectsDuplicateID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	m := &store.Milestone{ID: "m1", Name: "design", WorkflowID: "wf-1", Weight: 10}
	if err := s.Milestones().Register(ctx, m); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := s.Milestones().Register(ctx, m)
	if _, ok := err.(*orcherrors.ConflictError); !ok {
		t.Errorf("expected *errors.ConflictError on re-register, got %T: %v", err, err)
	}
}

func TestStore_MilestoneStateInitializesNotStarted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Milestones().Register(ctx, &store.Milestone{ID: "m1", Name: "design", WorkflowID: "wf-1", Weight: 10}); err != nil {
		t.Fatalf("register: %v", err)
	}
	state, err := s.Milestones().StateGet(ctx, "m1")
	if err != nil {
		t.Fatalf("state_get: %v", err)
	}
	if state.Status != store.MilestoneNotStarted || state.PercentComplete != 0 {
		t.Errorf("expected fresh not_started/0%% state, got %+v", state)
	}
}

func TestStore_BlockerResolveIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Milestones().Register(ctx, &store.Milestone{ID: "m1", Name: "design", WorkflowID: "wf-1", Weight: 10}); err != nil {
		t.Fatalf("register milestone: %v", err)
	}
	b := &store.Blocker{ID: "blk-1", WorkflowID: "wf-1", AffectedMilestoneIDs: []string{"m1"}, Severity: store.SeverityMedium, Description: "blocked"}
	if err := s.Blockers().Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}

	active, err := s.Blockers().ListActive(ctx, "wf-1")
	if err != nil {
		t.Fatalf("list_active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active blocker, got %d", len(active))
	}

	first, err := s.Blockers().Resolve(ctx, "blk-1", "unblocked")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := s.Blockers().Resolve(ctx, "blk-1", "unblocked again")
	if err != nil {
		t.Fatalf("resolve (second call): %v", err)
	}
	if !first.ResolvedAt.Equal(*second.ResolvedAt) {
		t.Errorf("expected resolved_at to be stable across repeated resolve calls, got %v and %v", first.ResolvedAt, second.ResolvedAt)
	}

	active, err = s.Blockers().ListActive(ctx, "wf-1")
	if err != nil {
		t.Fatalf("list_active after resolve: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active blockers after resolve, got %d", len(active))
	}
}

func TestStore_CorrelationUpsertByNaturalKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := &store.Correlation{ID: "corr-1", LocalEntity: "task", LocalID: "t1", ExternalSystem: "linear", ExternalID: "ENG-123", LinearIssueID: "ENG-123"}
	if err := s.Correlations().Upsert(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	c2 := &store.Correlation{ID: "corr-2", LocalEntity: "task", LocalID: "t1", ExternalSystem: "linear", ExternalID: "ENG-123", LinearIssueID: "ENG-123"}
	if err := s.Correlations().Upsert(ctx, c2); err != nil {
		t.Fatalf("upsert (natural-key collision): %v", err)
	}

	got, err := s.Correlations().GetByExternalID(ctx, "linear", "ENG-123")
	if err != nil {
		t.Fatalf("get_by_external_id: %v", err)
	}
	if got.LocalID != "t1" {
		t.Errorf("expected local_id t1, got %q", got.LocalID)
	}
}
