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

// Package memstore is an in-memory implementation of the store.Store
// contract: mutex-guarded maps, each record struct is copied on
// read/write, so setting a field of a returned pointer does not change the
// stored record; the copy is shallow, so slice and map fields (DependsOn,
// Params, Metadata, Dependencies) still share storage with it. Used for tests and
// as the default "store.backend: memory" deployment.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	orcherrors "github.com/flowctl/prorch/pkg/errors"
	"github.com/flowctl/prorch/internal/store"
	"github.com/flowctl/prorch/pkg/workflow"
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.RWMutex

	projects     map[string]*store.Project // keyed by repository_id
	prs          map[string]*store.PR      // keyed by id
	tasks        map[string]*workflow.Task
	execs        map[string]*workflow.WorkflowExecution
	milestones   map[string]*store.Milestone
	milestoneOrd []string // registration order, for deterministic listing
	states       map[string]*store.MilestoneState
	blockers     map[string]*store.Blocker
	correlations map[string]*store.Correlation

	seq int
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		projects:     make(map[string]*store.Project),
		prs:          make(map[string]*store.PR),
		tasks:        make(map[string]*workflow.Task),
		execs:        make(map[string]*workflow.WorkflowExecution),
		milestones:   make(map[string]*store.Milestone),
		states:       make(map[string]*store.MilestoneState),
		blockers:     make(map[string]*store.Blocker),
		correlations: make(map[string]*store.Correlation),
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return prefix + "-" + time.Now().Format("20060102150405.000000000") + "-" + itoa(s.seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Store) Close() error { return nil }

func (s *Store) Projects() store.ProjectRepo         { return (*projectRepo)(s) }
func (s *Store) PRs() store.PRRepo                   { return (*prRepo)(s) }
func (s *Store) Tasks() store.TaskRepo               { return (*taskRepo)(s) }
func (s *Store) WorkflowExecs() store.WorkflowExecRepo { return (*execRepo)(s) }
func (s *Store) Milestones() store.MilestoneRepo     { return (*milestoneRepo)(s) }
func (s *Store) Blockers() store.BlockerRepo         { return (*blockerRepo)(s) }
func (s *Store) Correlations() store.CorrelationRepo { return (*correlationRepo)(s) }

// --- ProjectRepo ---

type projectRepo Store

func (r *projectRepo) GetByRepositoryID(ctx context.Context, repoID string) (*store.Project, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[repoID]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "project", ID: repoID}
	}
	cp := *p
	return &cp, nil
}

func (r *projectRepo) Create(ctx context.Context, project *store.Project) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[project.RepositoryID]; exists {
		return &orcherrors.ConflictError{Resource: "project", ID: project.RepositoryID}
	}
	if project.ID == "" {
		project.ID = s.nextID("project")
	}
	now := time.Now()
	project.CreatedAt, project.UpdatedAt = now, now
	cp := *project
	s.projects[project.RepositoryID] = &cp
	return nil
}

func (r *projectRepo) Update(ctx context.Context, id string, project *store.Project) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for repoID, p := range s.projects {
		if p.ID == id {
			project.ID = id
			project.UpdatedAt = time.Now()
			cp := *project
			s.projects[repoID] = &cp
			return nil
		}
	}
	return &orcherrors.NotFoundError{Resource: "project", ID: id}
}

// --- PRRepo ---

type prRepo Store

func (r *prRepo) GetOrCreate(ctx context.Context, projectID string, prNumber int, data store.PRInput) (*store.PR, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pr := range s.prs {
		if pr.ProjectID == projectID && pr.PRNumber == prNumber {
			cp := *pr
			return &cp, nil
		}
	}
	now := time.Now()
	pr := &store.PR{
		ID:          s.nextID("pr"),
		ProjectID:   projectID,
		PRNumber:    prNumber,
		Title:       data.Title,
		Description: data.Description,
		Author:      data.Author,
		Status:      data.Status,
		BaseBranch:  data.BaseBranch,
		HeadBranch:  data.HeadBranch,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.prs[pr.ID] = pr
	cp := *pr
	return &cp, nil
}

func (r *prRepo) UpdateStatus(ctx context.Context, id string, prStatus store.PRStatus, analysisStatus *string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.prs[id]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "pr", ID: id}
	}
	pr.Status = prStatus
	if analysisStatus != nil {
		pr.AnalysisStatus = *analysisStatus
	}
	pr.UpdatedAt = time.Now()
	return nil
}

// --- TaskRepo ---

type taskRepo Store

func (r *taskRepo) Create(ctx context.Context, task *workflow.Task) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return &orcherrors.ConflictError{Resource: "task", ID: task.ID}
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (r *taskRepo) GetByID(ctx context.Context, id string) (*workflow.Task, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "task", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (r *taskRepo) GetByPR(ctx context.Context, prID string) ([]*workflow.Task, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Task
	for _, t := range s.tasks {
		if t.PRID == prID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *taskRepo) UpdateStatus(ctx context.Context, id string, status workflow.TaskStatus, startedAt, completedAt *time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "task", ID: id}
	}
	prevStatus := t.Status
	t.Status = status
	t.UpdatedAt = time.Now()
	if status == workflow.TaskProcessing && prevStatus != workflow.TaskProcessing && t.StartedAt == nil {
		if startedAt != nil {
			t.StartedAt = startedAt
		} else {
			now := time.Now()
			t.StartedAt = &now
		}
	}
	if status.IsTerminal() && t.CompletedAt == nil {
		if completedAt != nil {
			t.CompletedAt = completedAt
		} else {
			now := time.Now()
			t.CompletedAt = &now
		}
	}
	return nil
}

func (r *taskRepo) GetRunnable(ctx context.Context) ([]*workflow.Task, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	statusByID := make(map[string]workflow.TaskStatus, len(s.tasks))
	for id, t := range s.tasks {
		statusByID[id] = t.Status
	}

	var out []*workflow.Task
	for _, t := range s.tasks {
		if t.Status != workflow.TaskPending {
			continue
		}
		runnable := true
		for _, dep := range t.DependsOn {
			depStatus, ok := statusByID[dep]
			if !ok || !depStatus.IsDependencySatisfying() {
				runnable = false
				break
			}
		}
		if runnable {
			cp := *t
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Priority.Score(), out[j].Priority.Score()
		if pi != pj {
			return pi > pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- WorkflowExecRepo ---

type execRepo Store

func (r *execRepo) Create(ctx context.Context, exec *workflow.WorkflowExecution) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.ID]; exists {
		return &orcherrors.ConflictError{Resource: "workflow_execution", ID: exec.ID}
	}
	now := time.Now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

func (r *execRepo) GetByID(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "workflow_execution", ID: id}
	}
	cp := *e
	return &cp, nil
}

func (r *execRepo) GetByPR(ctx context.Context, prID string) (*workflow.WorkflowExecution, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *workflow.WorkflowExecution
	for _, e := range s.execs {
		if e.PRID != prID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, &orcherrors.NotFoundError{Resource: "workflow_execution", ID: prID}
	}
	cp := *latest
	return &cp, nil
}

func (r *execRepo) AddCompletedStep(ctx context.Context, id, stepID string, nextStepHint string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "workflow_execution", ID: id}
	}
	e.AddCompletedStep(stepID)
	if nextStepHint != "" {
		e.CurrentStep = nextStepHint
	}
	return nil
}

func (r *execRepo) AddFailedStep(ctx context.Context, id, stepID string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "workflow_execution", ID: id}
	}
	e.AddFailedStep(stepID)
	return nil
}

func (r *execRepo) MarkCompleted(ctx context.Context, id string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "workflow_execution", ID: id}
	}
	if e.State.IsTerminal() {
		return nil
	}
	e.State = workflow.StateCompleted
	now := time.Now()
	e.CompletedAt = &now
	e.UpdatedAt = now
	return nil
}

func (r *execRepo) MarkFailed(ctx context.Context, id string, cause error) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "workflow_execution", ID: id}
	}
	if e.State.IsTerminal() {
		return nil
	}
	e.State = workflow.StateFailed
	if cause != nil {
		e.Error = cause.Error()
	}
	now := time.Now()
	e.CompletedAt = &now
	e.UpdatedAt = now
	return nil
}

// --- MilestoneRepo ---

type milestoneRepo Store

func (r *milestoneRepo) Register(ctx context.Context, m *store.Milestone) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.milestones[m.ID]; exists {
		return &orcherrors.ConflictError{Resource: "milestone", ID: m.ID}
	}
	if m.Weight < 0 || m.Weight > 100 {
		return &orcherrors.ValidationError{Field: "weight", Message: "must be within [0,100]"}
	}
	for _, dep := range m.Dependencies {
		if dep == m.ID {
			return &orcherrors.ValidationError{Field: "dependencies", Message: "milestone cannot depend on itself"}
		}
		if _, ok := s.milestones[dep]; !ok {
			return &orcherrors.DependencyError{Resource: "milestone", ID: m.ID, DependencyID: dep}
		}
	}
	if m.ParentID != "" {
		if _, ok := s.milestones[m.ParentID]; !ok {
			return &orcherrors.DependencyError{Resource: "milestone", ID: m.ID, DependencyID: m.ParentID}
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	s.milestones[m.ID] = &cp
	s.milestoneOrd = append(s.milestoneOrd, m.ID)
	s.states[m.ID] = &store.MilestoneState{MilestoneID: m.ID, Status: store.MilestoneNotStarted}
	return nil
}

func (r *milestoneRepo) Get(ctx context.Context, id string) (*store.Milestone, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[id]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "milestone", ID: id}
	}
	cp := *m
	return &cp, nil
}

func (r *milestoneRepo) StateGet(ctx context.Context, milestoneID string) (*store.MilestoneState, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[milestoneID]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "milestone_state", ID: milestoneID}
	}
	cp := *st
	return &cp, nil
}

func (r *milestoneRepo) StateSet(ctx context.Context, state *store.MilestoneState) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.milestones[state.MilestoneID]; !ok {
		return &orcherrors.NotFoundError{Resource: "milestone", ID: state.MilestoneID}
	}
	cp := *state
	s.states[state.MilestoneID] = &cp
	return nil
}

func (r *milestoneRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*store.Milestone, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Milestone
	for _, id := range s.milestoneOrd {
		m := s.milestones[id]
		if m.WorkflowID == workflowID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *milestoneRepo) StatesByWorkflow(ctx context.Context, workflowID string) (map[string]*store.MilestoneState, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*store.MilestoneState)
	for _, id := range s.milestoneOrd {
		m := s.milestones[id]
		if m.WorkflowID != workflowID {
			continue
		}
		if st, ok := s.states[id]; ok {
			cp := *st
			out[id] = &cp
		}
	}
	return out, nil
}

// --- BlockerRepo ---

type blockerRepo Store

func (r *blockerRepo) Create(ctx context.Context, b *store.Blocker) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = s.nextID("blocker")
	}
	if _, exists := s.blockers[b.ID]; exists {
		return &orcherrors.ConflictError{Resource: "blocker", ID: b.ID}
	}
	if b.DetectedAt.IsZero() {
		b.DetectedAt = time.Now()
	}
	cp := *b
	s.blockers[b.ID] = &cp
	return nil
}

func (r *blockerRepo) Resolve(ctx context.Context, id string, resolution string) (*store.Blocker, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blockers[id]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "blocker", ID: id}
	}
	if b.ResolvedAt == nil {
		now := time.Now()
		b.ResolvedAt = &now
		b.Resolution = resolution
	}
	cp := *b
	return &cp, nil
}

func (r *blockerRepo) ListActive(ctx context.Context, workflowID string) ([]*store.Blocker, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Blocker
	for _, b := range s.blockers {
		if b.WorkflowID == workflowID && b.IsActive() {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (r *blockerRepo) ListAll(ctx context.Context, workflowID string) ([]*store.Blocker, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Blocker
	for _, b := range s.blockers {
		if b.WorkflowID == workflowID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// --- CorrelationRepo ---

type correlationRepo Store

func (r *correlationRepo) Upsert(ctx context.Context, c *store.Correlation) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.ExternalSystem + ":" + c.ExternalID
	for _, existing := range s.correlations {
		if existing.ExternalSystem == c.ExternalSystem && existing.ExternalID == c.ExternalID {
			existing.LocalEntity = c.LocalEntity
			existing.LocalID = c.LocalID
			existing.LinearIssueID = c.LinearIssueID
			existing.UpdatedAt = time.Now()
			return nil
		}
	}
	if c.ID == "" {
		c.ID = s.nextID("correlation")
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.correlations[key] = &cp
	return nil
}

func (r *correlationRepo) GetByExternalID(ctx context.Context, externalSystem, externalID string) (*store.Correlation, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.correlations[externalSystem+":"+externalID]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "correlation", ID: externalID}
	}
	cp := *c
	return &cp, nil
}

var _ store.Store = (*Store)(nil)
