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

// Package pgstore is a PostgreSQL store.Store implementation for
// multi-node orchestrator deployments, using jackc/pgx/v5's connection
// pool. Schema and migration sequencing mirror
// internal/store/sqlitestore, substituting JSONB columns for TEXT and
// $n placeholders for ?.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	orcherrors "github.com/flowctl/prorch/pkg/errors"
	"github.com/flowctl/prorch/internal/store"
	"github.com/flowctl/prorch/pkg/workflow"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and runs migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			pr_number INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			author TEXT NOT NULL,
			status TEXT NOT NULL,
			analysis_status TEXT,
			base_branch TEXT NOT NULL,
			head_branch TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE(project_id, pr_number)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			pr_id TEXT,
			name TEXT,
			description TEXT,
			workflow_execution_id TEXT,
			step_id TEXT,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			depends_on JSONB,
			params JSONB,
			metadata JSONB,
			result JSONB,
			retry_count INTEGER DEFAULT 0,
			max_retries INTEGER DEFAULT 0,
			timeout_ms BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			lease_expires_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_pr_id ON tasks(pr_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			definition_name TEXT NOT NULL,
			definition_version TEXT,
			pr_id TEXT NOT NULL,
			state TEXT NOT NULL,
			current_step TEXT,
			inputs JSONB,
			metadata JSONB,
			steps_completed JSONB,
			steps_failed JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_pr_id ON workflow_executions(pr_id)`,
		`CREATE TABLE IF NOT EXISTS milestones (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			parent_id TEXT,
			weight DOUBLE PRECISION NOT NULL,
			expected_completion_time_ms BIGINT,
			dependencies JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_milestones_workflow_id ON milestones(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS milestone_states (
			milestone_id TEXT PRIMARY KEY REFERENCES milestones(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			percent_complete DOUBLE PRECISION DEFAULT 0,
			blocker_reason TEXT,
			blocked_by TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS blockers (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			affected_milestone_ids JSONB,
			severity TEXT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			description TEXT,
			blocked_by TEXT,
			resolution TEXT,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blockers_workflow_id ON blockers(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS correlations (
			id TEXT PRIMARY KEY,
			local_entity TEXT NOT NULL,
			local_id TEXT NOT NULL,
			external_system TEXT NOT NULL,
			external_id TEXT NOT NULL,
			linear_issue_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE(external_system, external_id)
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Projects() store.ProjectRepo           { return (*projectRepo)(s) }
func (s *Store) PRs() store.PRRepo                     { return (*prRepo)(s) }
func (s *Store) Tasks() store.TaskRepo                 { return (*taskRepo)(s) }
func (s *Store) WorkflowExecs() store.WorkflowExecRepo { return (*execRepo)(s) }
func (s *Store) Milestones() store.MilestoneRepo       { return (*milestoneRepo)(s) }
func (s *Store) Blockers() store.BlockerRepo           { return (*blockerRepo)(s) }
func (s *Store) Correlations() store.CorrelationRepo   { return (*correlationRepo)(s) }

func jsonOf(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func unmarshalInto(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// --- ProjectRepo ---

type projectRepo Store

func (r *projectRepo) GetByRepositoryID(ctx context.Context, repoID string) (*store.Project, error) {
	pool := (*Store)(r).pool
	var p store.Project
	err := pool.QueryRow(ctx,
		`SELECT id, repository_id, name, created_at, updated_at FROM projects WHERE repository_id = $1`, repoID,
	).Scan(&p.ID, &p.RepositoryID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "project", ID: repoID}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.project.get", Cause: err}
	}
	return &p, nil
}

func (r *projectRepo) Create(ctx context.Context, project *store.Project) error {
	pool := (*Store)(r).pool
	now := time.Now()
	project.CreatedAt, project.UpdatedAt = now, now
	_, err := pool.Exec(ctx,
		`INSERT INTO projects (id, repository_id, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		project.ID, project.RepositoryID, project.Name, now, now,
	)
	if err != nil {
		return &orcherrors.ConflictError{Resource: "project", ID: project.RepositoryID, Reason: err.Error()}
	}
	return nil
}

func (r *projectRepo) Update(ctx context.Context, id string, project *store.Project) error {
	pool := (*Store)(r).pool
	now := time.Now()
	tag, err := pool.Exec(ctx, `UPDATE projects SET name = $1, updated_at = $2 WHERE id = $3`, project.Name, now, id)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.project.update", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &orcherrors.NotFoundError{Resource: "project", ID: id}
	}
	return nil
}

// --- PRRepo ---

type prRepo Store

func (r *prRepo) GetOrCreate(ctx context.Context, projectID string, prNumber int, data store.PRInput) (*store.PR, error) {
	pool := (*Store)(r).pool
	var pr store.PR
	err := pool.QueryRow(ctx,
		`SELECT id, project_id, pr_number, title, COALESCE(description,''), author, status, COALESCE(analysis_status,''), base_branch, head_branch, created_at, updated_at
		 FROM prs WHERE project_id = $1 AND pr_number = $2`, projectID, prNumber,
	).Scan(&pr.ID, &pr.ProjectID, &pr.PRNumber, &pr.Title, &pr.Description, &pr.Author, &pr.Status,
		&pr.AnalysisStatus, &pr.BaseBranch, &pr.HeadBranch, &pr.CreatedAt, &pr.UpdatedAt)
	if err == nil {
		return &pr, nil
	}

	now := time.Now()
	pr = store.PR{
		ID:          "pr-" + now.Format("20060102150405.000000000"),
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
	_, err = pool.Exec(ctx,
		`INSERT INTO prs (id, project_id, pr_number, title, description, author, status, analysis_status, base_branch, head_branch, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		pr.ID, pr.ProjectID, pr.PRNumber, pr.Title, pr.Description, pr.Author, string(pr.Status),
		pr.AnalysisStatus, pr.BaseBranch, pr.HeadBranch, now, now,
	)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.pr.create", Cause: err}
	}
	return &pr, nil
}

func (r *prRepo) UpdateStatus(ctx context.Context, id string, prStatus store.PRStatus, analysisStatus *string) error {
	pool := (*Store)(r).pool
	now := time.Now()
	var tag interface{ RowsAffected() int64 }
	var err error
	if analysisStatus != nil {
		res, e := pool.Exec(ctx, `UPDATE prs SET status = $1, analysis_status = $2, updated_at = $3 WHERE id = $4`,
			string(prStatus), *analysisStatus, now, id)
		tag, err = res, e
	} else {
		res, e := pool.Exec(ctx, `UPDATE prs SET status = $1, updated_at = $2 WHERE id = $3`, string(prStatus), now, id)
		tag, err = res, e
	}
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.pr.update_status", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &orcherrors.NotFoundError{Resource: "pr", ID: id}
	}
	return nil
}

// --- TaskRepo ---

type taskRepo Store

func (r *taskRepo) Create(ctx context.Context, task *workflow.Task) error {
	pool := (*Store)(r).pool
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	dependsOn, err := jsonOf(task.DependsOn)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.task.marshal_depends_on", Cause: err}
	}
	params, err := jsonOf(task.Params)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.task.marshal_params", Cause: err}
	}
	metadata, err := jsonOf(task.Metadata)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.task.marshal_metadata", Cause: err}
	}
	result, err := jsonOf(task.Result)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.task.marshal_result", Cause: err}
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO tasks (id, pr_id, name, description, workflow_execution_id, step_id, type, status, priority,
			depends_on, params, metadata, result, retry_count, max_retries, timeout_ms,
			created_at, updated_at, started_at, completed_at, lease_expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		task.ID, task.PRID, task.Name, task.Description, task.WorkflowExecutionID, task.StepID,
		string(task.Type), string(task.Status), string(task.Priority), dependsOn, params, metadata, result,
		task.RetryCount, task.MaxRetries, task.TimeoutMS, task.CreatedAt, task.UpdatedAt,
		task.StartedAt, task.CompletedAt, task.LeaseExpiresAt,
	)
	if err != nil {
		return &orcherrors.ConflictError{Resource: "task", ID: task.ID, Reason: err.Error()}
	}
	return nil
}

const taskSelectCols = `id, pr_id, name, description, workflow_execution_id, step_id, type, status, priority,
	depends_on, params, metadata, result, retry_count, max_retries, timeout_ms,
	created_at, updated_at, started_at, completed_at, lease_expires_at`

func scanTask(scan func(dest ...any) error) (*workflow.Task, error) {
	var t workflow.Task
	var dependsOn, params, metadata, result []byte

	err := scan(
		&t.ID, &t.PRID, &t.Name, &t.Description, &t.WorkflowExecutionID, &t.StepID, &t.Type, &t.Status, &t.Priority,
		&dependsOn, &params, &metadata, &result, &t.RetryCount, &t.MaxRetries, &t.TimeoutMS,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt, &t.LeaseExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalInto(dependsOn, &t.DependsOn); err != nil {
		return nil, err
	}
	if err := unmarshalInto(params, &t.Params); err != nil {
		return nil, err
	}
	if err := unmarshalInto(metadata, &t.Metadata); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		t.Result = &workflow.StepOutput{}
		if err := unmarshalInto(result, t.Result); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (r *taskRepo) GetByID(ctx context.Context, id string) (*workflow.Task, error) {
	pool := (*Store)(r).pool
	row := pool.QueryRow(ctx, `SELECT `+taskSelectCols+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "task", ID: id}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.task.get", Cause: err}
	}
	return task, nil
}

func (r *taskRepo) GetByPR(ctx context.Context, prID string) ([]*workflow.Task, error) {
	pool := (*Store)(r).pool
	rows, err := pool.Query(ctx, `SELECT `+taskSelectCols+` FROM tasks WHERE pr_id = $1 ORDER BY created_at ASC`, prID)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.task.get_by_pr", Cause: err}
	}
	defer rows.Close()

	var out []*workflow.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.task.scan", Cause: err}
		}
		out = append(out, task)
	}
	return out, nil
}

func (r *taskRepo) UpdateStatus(ctx context.Context, id string, status workflow.TaskStatus, startedAt, completedAt *time.Time) error {
	pool := (*Store)(r).pool
	now := time.Now()

	var setClauses []string
	args := []any{string(status), now}
	setClauses = append(setClauses, "status = $1", "updated_at = $2")
	argn := 3
	if startedAt != nil {
		setClauses = append(setClauses, fmt.Sprintf("started_at = COALESCE(started_at, $%d)", argn))
		args = append(args, *startedAt)
		argn++
	}
	if completedAt != nil {
		setClauses = append(setClauses, fmt.Sprintf("completed_at = COALESCE(completed_at, $%d)", argn))
		args = append(args, *completedAt)
		argn++
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d`, strings.Join(setClauses, ", "), argn)
	tag, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.task.update_status", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &orcherrors.NotFoundError{Resource: "task", ID: id}
	}
	return nil
}

func (r *taskRepo) GetRunnable(ctx context.Context) ([]*workflow.Task, error) {
	pool := (*Store)(r).pool

	statusRows, err := pool.Query(ctx, `SELECT id, status FROM tasks`)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.task.status_index", Cause: err}
	}
	statusByID := make(map[string]workflow.TaskStatus)
	for statusRows.Next() {
		var id, status string
		if err := statusRows.Scan(&id, &status); err != nil {
			statusRows.Close()
			return nil, &orcherrors.ExternalError{Operation: "store.task.status_index.scan", Cause: err}
		}
		statusByID[id] = workflow.TaskStatus(status)
	}
	statusRows.Close()

	rows, err := pool.Query(ctx, `SELECT `+taskSelectCols+` FROM tasks WHERE status = $1 ORDER BY created_at ASC`, string(workflow.TaskPending))
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.task.get_runnable", Cause: err}
	}
	defer rows.Close()

	var out []*workflow.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.task.scan", Cause: err}
		}
		runnable := true
		for _, dep := range task.DependsOn {
			depStatus, ok := statusByID[dep]
			if !ok || !depStatus.IsDependencySatisfying() {
				runnable = false
				break
			}
		}
		if runnable {
			out = append(out, task)
		}
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority.Score() > out[j-1].Priority.Score(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// --- WorkflowExecRepo ---

type execRepo Store

const execSelectCols = `id, definition_name, definition_version, pr_id, state, current_step, inputs, metadata,
	steps_completed, steps_failed, created_at, updated_at, started_at, completed_at, error`

func scanExec(scan func(dest ...any) error) (*workflow.WorkflowExecution, error) {
	var e workflow.WorkflowExecution
	var inputs, metadata, stepsCompleted, stepsFailed []byte

	err := scan(
		&e.ID, &e.DefinitionName, &e.DefinitionVersion, &e.PRID, &e.State, &e.CurrentStep, &inputs, &metadata,
		&stepsCompleted, &stepsFailed, &e.CreatedAt, &e.UpdatedAt, &e.StartedAt, &e.CompletedAt, &e.Error,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalInto(inputs, &e.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalInto(metadata, &e.Metadata); err != nil {
		return nil, err
	}
	if err := unmarshalInto(stepsCompleted, &e.StepsCompleted); err != nil {
		return nil, err
	}
	if err := unmarshalInto(stepsFailed, &e.StepsFailed); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *execRepo) Create(ctx context.Context, exec *workflow.WorkflowExecution) error {
	pool := (*Store)(r).pool
	now := time.Now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	inputs, err := jsonOf(exec.Inputs)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_inputs", Cause: err}
	}
	metadata, err := jsonOf(exec.Metadata)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_metadata", Cause: err}
	}
	stepsCompleted, err := jsonOf(exec.StepsCompleted)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_steps_completed", Cause: err}
	}
	stepsFailed, err := jsonOf(exec.StepsFailed)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_steps_failed", Cause: err}
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO workflow_executions (id, definition_name, definition_version, pr_id, state, current_step,
			inputs, metadata, steps_completed, steps_failed, created_at, updated_at, started_at, completed_at, error)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		exec.ID, exec.DefinitionName, exec.DefinitionVersion, exec.PRID, string(exec.State), exec.CurrentStep,
		inputs, metadata, stepsCompleted, stepsFailed, exec.CreatedAt, exec.UpdatedAt,
		exec.StartedAt, exec.CompletedAt, exec.Error,
	)
	if err != nil {
		return &orcherrors.ConflictError{Resource: "workflow_execution", ID: exec.ID, Reason: err.Error()}
	}
	return nil
}

func (r *execRepo) GetByID(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	pool := (*Store)(r).pool
	row := pool.QueryRow(ctx, `SELECT `+execSelectCols+` FROM workflow_executions WHERE id = $1`, id)
	exec, err := scanExec(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "workflow_execution", ID: id}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.exec.get", Cause: err}
	}
	return exec, nil
}

func (r *execRepo) GetByPR(ctx context.Context, prID string) (*workflow.WorkflowExecution, error) {
	pool := (*Store)(r).pool
	row := pool.QueryRow(ctx,
		`SELECT `+execSelectCols+` FROM workflow_executions WHERE pr_id = $1 ORDER BY created_at DESC LIMIT 1`, prID)
	exec, err := scanExec(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "workflow_execution", ID: prID}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.exec.get_by_pr", Cause: err}
	}
	return exec, nil
}

func (r *execRepo) AddCompletedStep(ctx context.Context, id, stepID string, nextStepHint string) error {
	exec, err := (*execRepo)(r).GetByID(ctx, id)
	if err != nil {
		return err
	}
	exec.AddCompletedStep(stepID)
	if nextStepHint != "" {
		exec.CurrentStep = nextStepHint
	}
	return r.save(ctx, exec)
}

func (r *execRepo) AddFailedStep(ctx context.Context, id, stepID string) error {
	exec, err := (*execRepo)(r).GetByID(ctx, id)
	if err != nil {
		return err
	}
	exec.AddFailedStep(stepID)
	return r.save(ctx, exec)
}

func (r *execRepo) MarkCompleted(ctx context.Context, id string) error {
	exec, err := (*execRepo)(r).GetByID(ctx, id)
	if err != nil {
		return err
	}
	if exec.State.IsTerminal() {
		return nil
	}
	exec.State = workflow.StateCompleted
	now := time.Now()
	exec.CompletedAt = &now
	return r.save(ctx, exec)
}

func (r *execRepo) MarkFailed(ctx context.Context, id string, cause error) error {
	exec, err := (*execRepo)(r).GetByID(ctx, id)
	if err != nil {
		return err
	}
	if exec.State.IsTerminal() {
		return nil
	}
	exec.State = workflow.StateFailed
	if cause != nil {
		exec.Error = cause.Error()
	}
	now := time.Now()
	exec.CompletedAt = &now
	return r.save(ctx, exec)
}

func (r *execRepo) save(ctx context.Context, exec *workflow.WorkflowExecution) error {
	pool := (*Store)(r).pool
	exec.UpdatedAt = time.Now()

	inputs, err := jsonOf(exec.Inputs)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_inputs", Cause: err}
	}
	metadata, err := jsonOf(exec.Metadata)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_metadata", Cause: err}
	}
	stepsCompleted, err := jsonOf(exec.StepsCompleted)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_steps_completed", Cause: err}
	}
	stepsFailed, err := jsonOf(exec.StepsFailed)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_steps_failed", Cause: err}
	}

	tag, err := pool.Exec(ctx,
		`UPDATE workflow_executions SET state = $1, current_step = $2, inputs = $3, metadata = $4,
			steps_completed = $5, steps_failed = $6, updated_at = $7, started_at = $8, completed_at = $9, error = $10
		 WHERE id = $11`,
		string(exec.State), exec.CurrentStep, inputs, metadata, stepsCompleted, stepsFailed, exec.UpdatedAt,
		exec.StartedAt, exec.CompletedAt, exec.Error, exec.ID,
	)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.save", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &orcherrors.NotFoundError{Resource: "workflow_execution", ID: exec.ID}
	}
	return nil
}

// --- MilestoneRepo ---

type milestoneRepo Store

func (r *milestoneRepo) Register(ctx context.Context, m *store.Milestone) error {
	pool := (*Store)(r).pool

	if m.Weight < 0 || m.Weight > 100 {
		return &orcherrors.ValidationError{Field: "weight", Message: "must be within [0,100]"}
	}
	for _, dep := range m.Dependencies {
		if dep == m.ID {
			return &orcherrors.ValidationError{Field: "dependencies", Message: "milestone cannot depend on itself"}
		}
		var exists int
		if err := pool.QueryRow(ctx, `SELECT 1 FROM milestones WHERE id = $1`, dep).Scan(&exists); err == pgx.ErrNoRows {
			return &orcherrors.DependencyError{Resource: "milestone", ID: m.ID, DependencyID: dep}
		}
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	dependencies, err := jsonOf(m.Dependencies)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.milestone.marshal_deps", Cause: err}
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO milestones (id, name, workflow_id, parent_id, weight, expected_completion_time_ms, dependencies, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.Name, m.WorkflowID, m.ParentID, m.Weight, m.ExpectedCompletionTimeMS, dependencies, m.CreatedAt,
	)
	if err != nil {
		return &orcherrors.ConflictError{Resource: "milestone", ID: m.ID, Reason: err.Error()}
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO milestone_states (milestone_id, status, percent_complete) VALUES ($1, $2, 0)`,
		m.ID, string(store.MilestoneNotStarted),
	)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.milestone.init_state", Cause: err}
	}
	return nil
}

func (r *milestoneRepo) Get(ctx context.Context, id string) (*store.Milestone, error) {
	pool := (*Store)(r).pool
	var m store.Milestone
	var dependencies []byte
	err := pool.QueryRow(ctx,
		`SELECT id, name, workflow_id, COALESCE(parent_id,''), weight, expected_completion_time_ms, dependencies, created_at
		 FROM milestones WHERE id = $1`, id,
	).Scan(&m.ID, &m.Name, &m.WorkflowID, &m.ParentID, &m.Weight, &m.ExpectedCompletionTimeMS, &dependencies, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "milestone", ID: id}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.milestone.get", Cause: err}
	}
	if err := unmarshalInto(dependencies, &m.Dependencies); err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.milestone.unmarshal_deps", Cause: err}
	}
	return &m, nil
}

func (r *milestoneRepo) StateGet(ctx context.Context, milestoneID string) (*store.MilestoneState, error) {
	pool := (*Store)(r).pool
	var st store.MilestoneState
	err := pool.QueryRow(ctx,
		`SELECT milestone_id, status, started_at, completed_at, percent_complete, COALESCE(blocker_reason,''), COALESCE(blocked_by,'')
		 FROM milestone_states WHERE milestone_id = $1`, milestoneID,
	).Scan(&st.MilestoneID, &st.Status, &st.StartedAt, &st.CompletedAt, &st.PercentComplete, &st.BlockerReason, &st.BlockedBy)
	if err == pgx.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "milestone_state", ID: milestoneID}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.milestone.state_get", Cause: err}
	}
	return &st, nil
}

func (r *milestoneRepo) StateSet(ctx context.Context, state *store.MilestoneState) error {
	pool := (*Store)(r).pool
	tag, err := pool.Exec(ctx,
		`UPDATE milestone_states SET status = $1, started_at = $2, completed_at = $3, percent_complete = $4,
			blocker_reason = $5, blocked_by = $6 WHERE milestone_id = $7`,
		string(state.Status), state.StartedAt, state.CompletedAt, state.PercentComplete,
		state.BlockerReason, state.BlockedBy, state.MilestoneID,
	)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.milestone.state_set", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &orcherrors.NotFoundError{Resource: "milestone", ID: state.MilestoneID}
	}
	return nil
}

func (r *milestoneRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*store.Milestone, error) {
	pool := (*Store)(r).pool
	rows, err := pool.Query(ctx,
		`SELECT id, name, workflow_id, COALESCE(parent_id,''), weight, expected_completion_time_ms, dependencies, created_at
		 FROM milestones WHERE workflow_id = $1 ORDER BY created_at ASC`, workflowID)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.milestone.list", Cause: err}
	}
	defer rows.Close()

	var out []*store.Milestone
	for rows.Next() {
		var m store.Milestone
		var dependencies []byte
		if err := rows.Scan(&m.ID, &m.Name, &m.WorkflowID, &m.ParentID, &m.Weight, &m.ExpectedCompletionTimeMS, &dependencies, &m.CreatedAt); err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.milestone.scan", Cause: err}
		}
		if err := unmarshalInto(dependencies, &m.Dependencies); err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.milestone.unmarshal_deps", Cause: err}
		}
		out = append(out, &m)
	}
	return out, nil
}

func (r *milestoneRepo) StatesByWorkflow(ctx context.Context, workflowID string) (map[string]*store.MilestoneState, error) {
	pool := (*Store)(r).pool
	rows, err := pool.Query(ctx,
		`SELECT s.milestone_id, s.status, s.started_at, s.completed_at, s.percent_complete,
			COALESCE(s.blocker_reason,''), COALESCE(s.blocked_by,'')
		 FROM milestone_states s JOIN milestones m ON m.id = s.milestone_id WHERE m.workflow_id = $1`, workflowID)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.milestone.states_by_workflow", Cause: err}
	}
	defer rows.Close()

	out := make(map[string]*store.MilestoneState)
	for rows.Next() {
		var st store.MilestoneState
		if err := rows.Scan(&st.MilestoneID, &st.Status, &st.StartedAt, &st.CompletedAt, &st.PercentComplete, &st.BlockerReason, &st.BlockedBy); err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.milestone.state_scan", Cause: err}
		}
		out[st.MilestoneID] = &st
	}
	return out, nil
}

// --- BlockerRepo ---

type blockerRepo Store

func (r *blockerRepo) Create(ctx context.Context, b *store.Blocker) error {
	pool := (*Store)(r).pool
	if b.DetectedAt.IsZero() {
		b.DetectedAt = time.Now()
	}
	affected, err := jsonOf(b.AffectedMilestoneIDs)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.blocker.marshal_affected", Cause: err}
	}
	metadata, err := jsonOf(b.Metadata)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.blocker.marshal_metadata", Cause: err}
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO blockers (id, workflow_id, affected_milestone_ids, severity, detected_at, resolved_at,
			description, blocked_by, resolution, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.ID, b.WorkflowID, affected, string(b.Severity), b.DetectedAt, b.ResolvedAt,
		b.Description, b.BlockedBy, b.Resolution, metadata,
	)
	if err != nil {
		return &orcherrors.ConflictError{Resource: "blocker", ID: b.ID, Reason: err.Error()}
	}
	return nil
}

const blockerSelectCols = `id, workflow_id, affected_milestone_ids, severity, detected_at, resolved_at,
	description, COALESCE(blocked_by,''), COALESCE(resolution,''), metadata`

func scanBlocker(scan func(dest ...any) error) (*store.Blocker, error) {
	var b store.Blocker
	var affected, metadata []byte
	err := scan(&b.ID, &b.WorkflowID, &affected, &b.Severity, &b.DetectedAt, &b.ResolvedAt,
		&b.Description, &b.BlockedBy, &b.Resolution, &metadata)
	if err != nil {
		return nil, err
	}
	if err := unmarshalInto(affected, &b.AffectedMilestoneIDs); err != nil {
		return nil, err
	}
	if err := unmarshalInto(metadata, &b.Metadata); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *blockerRepo) Resolve(ctx context.Context, id string, resolution string) (*store.Blocker, error) {
	pool := (*Store)(r).pool
	row := pool.QueryRow(ctx, `SELECT `+blockerSelectCols+` FROM blockers WHERE id = $1`, id)
	b, err := scanBlocker(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "blocker", ID: id}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.blocker.resolve.get", Cause: err}
	}
	if b.ResolvedAt == nil {
		now := time.Now().Truncate(time.Microsecond) // TIMESTAMPTZ keeps microseconds
		b.ResolvedAt = &now
		b.Resolution = resolution
		if _, err := pool.Exec(ctx,
			`UPDATE blockers SET resolved_at = $1, resolution = $2 WHERE id = $3`, now, resolution, id,
		); err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.blocker.resolve.update", Cause: err}
		}
	}
	return b, nil
}

func (r *blockerRepo) ListActive(ctx context.Context, workflowID string) ([]*store.Blocker, error) {
	pool := (*Store)(r).pool
	rows, err := pool.Query(ctx,
		`SELECT `+blockerSelectCols+` FROM blockers WHERE workflow_id = $1 AND resolved_at IS NULL ORDER BY detected_at ASC`,
		workflowID)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.blocker.list_active", Cause: err}
	}
	defer rows.Close()

	var out []*store.Blocker
	for rows.Next() {
		b, err := scanBlocker(rows.Scan)
		if err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.blocker.scan", Cause: err}
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *blockerRepo) ListAll(ctx context.Context, workflowID string) ([]*store.Blocker, error) {
	pool := (*Store)(r).pool
	rows, err := pool.Query(ctx,
		`SELECT `+blockerSelectCols+` FROM blockers WHERE workflow_id = $1 ORDER BY detected_at ASC`, workflowID)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.blocker.list_all", Cause: err}
	}
	defer rows.Close()

	var out []*store.Blocker
	for rows.Next() {
		b, err := scanBlocker(rows.Scan)
		if err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.blocker.scan", Cause: err}
		}
		out = append(out, b)
	}
	return out, nil
}

// --- CorrelationRepo ---

type correlationRepo Store

func (r *correlationRepo) Upsert(ctx context.Context, c *store.Correlation) error {
	pool := (*Store)(r).pool
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := pool.Exec(ctx,
		`INSERT INTO correlations (id, local_entity, local_id, external_system, external_id, linear_issue_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (external_system, external_id) DO UPDATE SET
			local_entity = excluded.local_entity,
			local_id = excluded.local_id,
			linear_issue_id = excluded.linear_issue_id,
			updated_at = excluded.updated_at`,
		c.ID, c.LocalEntity, c.LocalID, c.ExternalSystem, c.ExternalID, c.LinearIssueID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.correlation.upsert", Cause: err}
	}
	return nil
}

func (r *correlationRepo) GetByExternalID(ctx context.Context, externalSystem, externalID string) (*store.Correlation, error) {
	pool := (*Store)(r).pool
	var c store.Correlation
	err := pool.QueryRow(ctx,
		`SELECT id, local_entity, local_id, external_system, external_id, COALESCE(linear_issue_id,''), created_at, updated_at
		 FROM correlations WHERE external_system = $1 AND external_id = $2`, externalSystem, externalID,
	).Scan(&c.ID, &c.LocalEntity, &c.LocalID, &c.ExternalSystem, &c.ExternalID, &c.LinearIssueID, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "correlation", ID: externalID}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.correlation.get", Cause: err}
	}
	return &c, nil
}

var _ store.Store = (*Store)(nil)
