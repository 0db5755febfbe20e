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

// Package store defines the repository interfaces the engine consumes
// without depending on any specific storage dialect. Each repo is
// independently satisfiable so a minimal backend can implement only the
// pieces it needs.
package store

import (
	"context"
	"io"
	"time"

	"github.com/flowctl/prorch/pkg/workflow"
)

// Project is the persisted row for a tracked repository.
type Project struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PRStatus is the PR-event input status vocabulary.
type PRStatus string

const (
	PRStatusOpen   PRStatus = "open"
	PRStatusClosed PRStatus = "closed"
	PRStatusMerged PRStatus = "merged"
	PRStatusDraft  PRStatus = "draft"
)

// PR is the persisted row for one pull request under a Project.
type PR struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	PRNumber       int       `json:"pr_number"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Author         string    `json:"author"`
	Status         PRStatus  `json:"status"`
	AnalysisStatus string    `json:"analysis_status,omitempty"`
	BaseBranch     string    `json:"base_branch"`
	HeadBranch     string    `json:"head_branch"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PRInput is the caller-supplied PR payload from an external PR event.
type PRInput struct {
	PRID        string
	Title       string
	Description string
	Author      string
	Status      PRStatus
	BaseBranch  string
	HeadBranch  string
}

// Milestone is the append-only milestone declaration.
type Milestone struct {
	ID                       string    `json:"id"`
	Name                     string    `json:"name"`
	WorkflowID               string    `json:"workflow_id"`
	ParentID                 string    `json:"parent_id,omitempty"`
	Weight                   float64   `json:"weight"`
	ExpectedCompletionTimeMS *int64    `json:"expected_completion_time_ms,omitempty"`
	Dependencies             []string  `json:"dependencies,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
}

// MilestoneStatus is MilestoneState.status.
type MilestoneStatus string

const (
	MilestoneNotStarted MilestoneStatus = "not_started"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneBlocked    MilestoneStatus = "blocked"
	MilestoneSkipped    MilestoneStatus = "skipped"
)

// MilestoneState is the one-to-one runtime state attached to a Milestone.
type MilestoneState struct {
	MilestoneID     string          `json:"milestone_id"`
	Status          MilestoneStatus `json:"status"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	PercentComplete float64         `json:"percent_complete"`
	BlockerReason   string          `json:"blocker_reason,omitempty"`
	BlockedBy       string          `json:"blocked_by,omitempty"`
}

// BlockerSeverity is Blocker.severity.
type BlockerSeverity string

const (
	SeverityLow      BlockerSeverity = "low"
	SeverityMedium   BlockerSeverity = "medium"
	SeverityHigh     BlockerSeverity = "high"
	SeverityCritical BlockerSeverity = "critical"
)

// Blocker records one detected obstruction affecting one or more milestones.
type Blocker struct {
	ID                   string          `json:"id"`
	WorkflowID           string          `json:"workflow_id"`
	AffectedMilestoneIDs []string        `json:"affected_milestone_ids"`
	Severity             BlockerSeverity `json:"severity"`
	DetectedAt           time.Time       `json:"detected_at"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty"`
	Description          string          `json:"description"`
	BlockedBy            string          `json:"blocked_by,omitempty"`
	Resolution           string          `json:"resolution,omitempty"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
}

// IsActive reports whether the blocker has not yet been resolved.
func (b *Blocker) IsActive() bool { return b.ResolvedAt == nil }

// Correlation persists a cross-system id link, one row per correlated
// pair of ids, upserted by natural key. Used by observers only, never on
// the hot path.
type Correlation struct {
	ID             string    `json:"id"`
	LocalEntity    string    `json:"local_entity"`
	LocalID        string    `json:"local_id"`
	ExternalSystem string    `json:"external_system"`
	ExternalID     string    `json:"external_id"`
	LinearIssueID  string    `json:"linear_issue_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProjectRepo is the project repository.
type ProjectRepo interface {
	GetByRepositoryID(ctx context.Context, repoID string) (*Project, error)
	Create(ctx context.Context, project *Project) error
	Update(ctx context.Context, id string, project *Project) error
}

// PRRepo is the pull-request repository.
type PRRepo interface {
	// GetOrCreate returns the existing PR row for (projectID, prNumber)
	// or inserts one.
	GetOrCreate(ctx context.Context, projectID string, prNumber int, prData PRInput) (*PR, error)
	UpdateStatus(ctx context.Context, id string, prStatus PRStatus, analysisStatus *string) error
}

// TaskRepo is the task repository.
type TaskRepo interface {
	Create(ctx context.Context, task *workflow.Task) error
	GetByID(ctx context.Context, id string) (*workflow.Task, error)
	GetByPR(ctx context.Context, prID string) ([]*workflow.Task, error)
	// UpdateStatus stamps StartedAt on first transition to processing and
	// CompletedAt on terminal transitions.
	UpdateStatus(ctx context.Context, id string, status workflow.TaskStatus, startedAt, completedAt *time.Time) error
	// GetRunnable returns every Task whose status is pending and whose
	// dependency Tasks are all in {completed, cancelled}, ordered by
	// priority DESC, created_at ASC.
	GetRunnable(ctx context.Context) ([]*workflow.Task, error)
}

// WorkflowExecRepo is the workflow-execution repository.
type WorkflowExecRepo interface {
	Create(ctx context.Context, exec *workflow.WorkflowExecution) error
	GetByID(ctx context.Context, id string) (*workflow.WorkflowExecution, error)
	// GetByPR returns the most recently created WorkflowExecution for prID.
	GetByPR(ctx context.Context, prID string) (*workflow.WorkflowExecution, error)
	AddCompletedStep(ctx context.Context, id, stepID string, nextStepHint string) error
	AddFailedStep(ctx context.Context, id, stepID string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// MilestoneRepo is the milestone repository.
type MilestoneRepo interface {
	Register(ctx context.Context, m *Milestone) error
	Get(ctx context.Context, id string) (*Milestone, error)
	StateGet(ctx context.Context, milestoneID string) (*MilestoneState, error)
	StateSet(ctx context.Context, state *MilestoneState) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*Milestone, error)
	StatesByWorkflow(ctx context.Context, workflowID string) (map[string]*MilestoneState, error)
}

// BlockerRepo is the blocker repository.
type BlockerRepo interface {
	Create(ctx context.Context, b *Blocker) error
	Resolve(ctx context.Context, id string, resolution string) (*Blocker, error)
	ListActive(ctx context.Context, workflowID string) ([]*Blocker, error)
	ListAll(ctx context.Context, workflowID string) ([]*Blocker, error)
}

// CorrelationRepo persists Correlation rows, so external-system observers
// have somewhere to upsert cross-system links.
type CorrelationRepo interface {
	Upsert(ctx context.Context, c *Correlation) error
	GetByExternalID(ctx context.Context, externalSystem, externalID string) (*Correlation, error)
}

// Store composes every repository the engine and its surrounding components
// consume. A backend need not be one struct implementing all of Store --
// internal/store/memstore, sqlitestore, and pgstore each do -- but callers
// that only need a subset should accept the narrower interface.
type Store interface {
	Projects() ProjectRepo
	PRs() PRRepo
	Tasks() TaskRepo
	WorkflowExecs() WorkflowExecRepo
	Milestones() MilestoneRepo
	Blockers() BlockerRepo
	Correlations() CorrelationRepo
	io.Closer
}
