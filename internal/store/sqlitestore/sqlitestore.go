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

// Package sqlitestore is a SQLite store.Store implementation for
// single-node deployments: a Config{Path,WAL} constructor, a pragma then
// migrate sequence in New, and the same
// nullString/formatTime scan helpers.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	orcherrors "github.com/flowctl/prorch/pkg/errors"
	"github.com/flowctl/prorch/internal/store"
	"github.com/flowctl/prorch/pkg/workflow"
)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path ("" or ":memory:" for an ephemeral DB).
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

// New opens db at cfg.Path, configures pragmas, and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
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
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
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
			depends_on TEXT,
			params TEXT,
			metadata TEXT,
			result TEXT,
			retry_count INTEGER DEFAULT 0,
			max_retries INTEGER DEFAULT 0,
			timeout_ms INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			lease_expires_at TEXT
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
			inputs TEXT,
			metadata TEXT,
			steps_completed TEXT,
			steps_failed TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_pr_id ON workflow_executions(pr_id)`,
		`CREATE TABLE IF NOT EXISTS milestones (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			parent_id TEXT,
			weight REAL NOT NULL,
			expected_completion_time_ms INTEGER,
			dependencies TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_milestones_workflow_id ON milestones(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS milestone_states (
			milestone_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			percent_complete REAL DEFAULT 0,
			blocker_reason TEXT,
			blocked_by TEXT,
			FOREIGN KEY (milestone_id) REFERENCES milestones(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS blockers (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			affected_milestone_ids TEXT,
			severity TEXT NOT NULL,
			detected_at TEXT NOT NULL,
			resolved_at TEXT,
			description TEXT,
			blocked_by TEXT,
			resolution TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blockers_workflow_id ON blockers(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS correlations (
			id TEXT PRIMARY KEY,
			local_entity TEXT NOT NULL,
			local_id TEXT NOT NULL,
			external_system TEXT NOT NULL,
			external_id TEXT NOT NULL,
			linear_issue_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(external_system, external_id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Projects() store.ProjectRepo           { return (*projectRepo)(s) }
func (s *Store) PRs() store.PRRepo                     { return (*prRepo)(s) }
func (s *Store) Tasks() store.TaskRepo                 { return (*taskRepo)(s) }
func (s *Store) WorkflowExecs() store.WorkflowExecRepo { return (*execRepo)(s) }
func (s *Store) Milestones() store.MilestoneRepo       { return (*milestoneRepo)(s) }
func (s *Store) Blockers() store.BlockerRepo           { return (*blockerRepo)(s) }
func (s *Store) Correlations() store.CorrelationRepo   { return (*correlationRepo)(s) }

// --- scan helpers ---

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalJSON(ns sql.NullString, out any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), out)
}

func joinIDs(ids []string) any {
	if len(ids) == 0 {
		return nil
	}
	return strings.Join(ids, ",")
}

func splitIDs(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return strings.Split(ns.String, ",")
}

// --- ProjectRepo ---

type projectRepo Store

func (r *projectRepo) GetByRepositoryID(ctx context.Context, repoID string) (*store.Project, error) {
	db := (*Store)(r).db
	var p store.Project
	var createdAt, updatedAt string
	err := db.QueryRowContext(ctx,
		`SELECT id, repository_id, name, created_at, updated_at FROM projects WHERE repository_id = ?`, repoID,
	).Scan(&p.ID, &p.RepositoryID, &p.Name, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "project", ID: repoID}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.project.get", Cause: err}
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

func (r *projectRepo) Create(ctx context.Context, project *store.Project) error {
	db := (*Store)(r).db
	now := time.Now()
	project.CreatedAt, project.UpdatedAt = now, now
	_, err := db.ExecContext(ctx,
		`INSERT INTO projects (id, repository_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		project.ID, project.RepositoryID, project.Name, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return &orcherrors.ConflictError{Resource: "project", ID: project.RepositoryID, Reason: err.Error()}
	}
	return nil
}

func (r *projectRepo) Update(ctx context.Context, id string, project *store.Project) error {
	db := (*Store)(r).db
	now := time.Now()
	result, err := db.ExecContext(ctx,
		`UPDATE projects SET name = ?, updated_at = ? WHERE id = ?`,
		project.Name, now.Format(time.RFC3339), id,
	)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.project.update", Cause: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &orcherrors.NotFoundError{Resource: "project", ID: id}
	}
	return nil
}

// --- PRRepo ---

type prRepo Store

func (r *prRepo) GetOrCreate(ctx context.Context, projectID string, prNumber int, data store.PRInput) (*store.PR, error) {
	db := (*Store)(r).db

	existing, err := r.getByProjectAndNumber(ctx, projectID, prNumber)
	if err == nil {
		return existing, nil
	}

	now := time.Now()
	pr := &store.PR{
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
	_, err = db.ExecContext(ctx,
		`INSERT INTO prs (id, project_id, pr_number, title, description, author, status, analysis_status, base_branch, head_branch, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.ID, pr.ProjectID, pr.PRNumber, pr.Title, nullString(pr.Description), pr.Author, string(pr.Status),
		nullString(pr.AnalysisStatus), pr.BaseBranch, pr.HeadBranch, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.pr.create", Cause: err}
	}
	return pr, nil
}

func (r *prRepo) getByProjectAndNumber(ctx context.Context, projectID string, prNumber int) (*store.PR, error) {
	db := (*Store)(r).db
	var pr store.PR
	var description, analysisStatus sql.NullString
	var createdAt, updatedAt string
	err := db.QueryRowContext(ctx,
		`SELECT id, project_id, pr_number, title, description, author, status, analysis_status, base_branch, head_branch, created_at, updated_at
		 FROM prs WHERE project_id = ? AND pr_number = ?`, projectID, prNumber,
	).Scan(&pr.ID, &pr.ProjectID, &pr.PRNumber, &pr.Title, &description, &pr.Author, &pr.Status,
		&analysisStatus, &pr.BaseBranch, &pr.HeadBranch, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	pr.Description = description.String
	pr.AnalysisStatus = analysisStatus.String
	pr.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	pr.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &pr, nil
}

func (r *prRepo) UpdateStatus(ctx context.Context, id string, prStatus store.PRStatus, analysisStatus *string) error {
	db := (*Store)(r).db
	now := time.Now()
	var result sql.Result
	var err error
	if analysisStatus != nil {
		result, err = db.ExecContext(ctx,
			`UPDATE prs SET status = ?, analysis_status = ?, updated_at = ? WHERE id = ?`,
			string(prStatus), *analysisStatus, now.Format(time.RFC3339), id)
	} else {
		result, err = db.ExecContext(ctx,
			`UPDATE prs SET status = ?, updated_at = ? WHERE id = ?`,
			string(prStatus), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.pr.update_status", Cause: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &orcherrors.NotFoundError{Resource: "pr", ID: id}
	}
	return nil
}

// --- TaskRepo ---

type taskRepo Store

func (r *taskRepo) Create(ctx context.Context, task *workflow.Task) error {
	db := (*Store)(r).db
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	params, err := marshalJSON(task.Params)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.task.marshal_params", Cause: err}
	}
	metadata, err := marshalJSON(task.Metadata)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.task.marshal_metadata", Cause: err}
	}
	result, err := marshalJSON(task.Result)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.task.marshal_result", Cause: err}
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO tasks (id, pr_id, name, description, workflow_execution_id, step_id, type, status, priority,
			depends_on, params, metadata, result, retry_count, max_retries, timeout_ms,
			created_at, updated_at, started_at, completed_at, lease_expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, nullString(task.PRID), nullString(task.Name), nullString(task.Description),
		nullString(task.WorkflowExecutionID), nullString(task.StepID), string(task.Type), string(task.Status),
		string(task.Priority), joinIDs(task.DependsOn), params, metadata, result,
		task.RetryCount, task.MaxRetries, task.TimeoutMS,
		task.CreatedAt.Format(time.RFC3339), task.UpdatedAt.Format(time.RFC3339),
		formatTime(task.StartedAt), formatTime(task.CompletedAt), formatTime(task.LeaseExpiresAt),
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
	var prID, name, description, execID, stepID sql.NullString
	var dependsOn, params, metadata, result sql.NullString
	var createdAt, updatedAt string
	var startedAt, completedAt, leaseExpiresAt sql.NullString

	err := scan(
		&t.ID, &prID, &name, &description, &execID, &stepID, &t.Type, &t.Status, &t.Priority,
		&dependsOn, &params, &metadata, &result, &t.RetryCount, &t.MaxRetries, &t.TimeoutMS,
		&createdAt, &updatedAt, &startedAt, &completedAt, &leaseExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	t.PRID, t.Name, t.Description = prID.String, name.String, description.String
	t.WorkflowExecutionID, t.StepID = execID.String, stepID.String
	t.DependsOn = splitIDs(dependsOn)
	if err := unmarshalJSON(params, &t.Params); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &t.Metadata); err != nil {
		return nil, err
	}
	if result.Valid && result.String != "" {
		t.Result = &workflow.StepOutput{}
		if err := unmarshalJSON(result, t.Result); err != nil {
			return nil, err
		}
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)
	t.LeaseExpiresAt = parseTime(leaseExpiresAt)
	return &t, nil
}

func (r *taskRepo) GetByID(ctx context.Context, id string) (*workflow.Task, error) {
	db := (*Store)(r).db
	row := db.QueryRowContext(ctx, `SELECT `+taskSelectCols+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "task", ID: id}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.task.get", Cause: err}
	}
	return task, nil
}

func (r *taskRepo) GetByPR(ctx context.Context, prID string) ([]*workflow.Task, error) {
	db := (*Store)(r).db
	rows, err := db.QueryContext(ctx, `SELECT `+taskSelectCols+` FROM tasks WHERE pr_id = ? ORDER BY created_at ASC`, prID)
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
	db := (*Store)(r).db
	now := time.Now()

	var setClauses []string
	args := []any{string(status), now.Format(time.RFC3339)}
	setClauses = append(setClauses, "status = ?", "updated_at = ?")
	if startedAt != nil {
		setClauses = append(setClauses, "started_at = COALESCE(started_at, ?)")
		args = append(args, startedAt.Format(time.RFC3339Nano))
	}
	if completedAt != nil {
		setClauses = append(setClauses, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, completedAt.Format(time.RFC3339Nano))
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(setClauses, ", "))
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.task.update_status", Cause: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &orcherrors.NotFoundError{Resource: "task", ID: id}
	}
	return nil
}

func (r *taskRepo) GetRunnable(ctx context.Context) ([]*workflow.Task, error) {
	db := (*Store)(r).db

	statusRows, err := db.QueryContext(ctx, `SELECT id, status FROM tasks`)
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

	rows, err := db.QueryContext(ctx, `SELECT `+taskSelectCols+` FROM tasks WHERE status = ? ORDER BY created_at ASC`, string(workflow.TaskPending))
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

	// priority_score DESC, created_at ASC; created_at ASC is already
	// satisfied by the query's ORDER BY, so only priority needs a stable
	// re-sort.
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
	var defVersion, currentStep, errStr sql.NullString
	var inputs, metadata, stepsCompleted, stepsFailed sql.NullString
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	err := scan(
		&e.ID, &e.DefinitionName, &defVersion, &e.PRID, &e.State, &currentStep, &inputs, &metadata,
		&stepsCompleted, &stepsFailed, &createdAt, &updatedAt, &startedAt, &completedAt, &errStr,
	)
	if err != nil {
		return nil, err
	}
	e.DefinitionVersion = defVersion.String
	e.CurrentStep = currentStep.String
	e.Error = errStr.String
	if err := unmarshalJSON(inputs, &e.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &e.Metadata); err != nil {
		return nil, err
	}
	e.StepsCompleted = splitIDs(stepsCompleted)
	e.StepsFailed = splitIDs(stepsFailed)
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	e.StartedAt = parseTime(startedAt)
	e.CompletedAt = parseTime(completedAt)
	return &e, nil
}

func (r *execRepo) Create(ctx context.Context, exec *workflow.WorkflowExecution) error {
	db := (*Store)(r).db
	now := time.Now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	inputs, err := marshalJSON(exec.Inputs)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_inputs", Cause: err}
	}
	metadata, err := marshalJSON(exec.Metadata)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_metadata", Cause: err}
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, definition_name, definition_version, pr_id, state, current_step,
			inputs, metadata, steps_completed, steps_failed, created_at, updated_at, started_at, completed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.DefinitionName, nullString(exec.DefinitionVersion), exec.PRID, string(exec.State),
		nullString(exec.CurrentStep), inputs, metadata, joinIDs(exec.StepsCompleted), joinIDs(exec.StepsFailed),
		exec.CreatedAt.Format(time.RFC3339), exec.UpdatedAt.Format(time.RFC3339),
		formatTime(exec.StartedAt), formatTime(exec.CompletedAt), nullString(exec.Error),
	)
	if err != nil {
		return &orcherrors.ConflictError{Resource: "workflow_execution", ID: exec.ID, Reason: err.Error()}
	}
	return nil
}

func (r *execRepo) GetByID(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	db := (*Store)(r).db
	row := db.QueryRowContext(ctx, `SELECT `+execSelectCols+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanExec(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "workflow_execution", ID: id}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.exec.get", Cause: err}
	}
	return exec, nil
}

func (r *execRepo) GetByPR(ctx context.Context, prID string) (*workflow.WorkflowExecution, error) {
	db := (*Store)(r).db
	row := db.QueryRowContext(ctx,
		`SELECT `+execSelectCols+` FROM workflow_executions WHERE pr_id = ? ORDER BY created_at DESC LIMIT 1`, prID)
	exec, err := scanExec(row.Scan)
	if err == sql.ErrNoRows {
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
	db := (*Store)(r).db
	exec.UpdatedAt = time.Now()

	inputs, err := marshalJSON(exec.Inputs)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_inputs", Cause: err}
	}
	metadata, err := marshalJSON(exec.Metadata)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.marshal_metadata", Cause: err}
	}

	result, err := db.ExecContext(ctx,
		`UPDATE workflow_executions SET state = ?, current_step = ?, inputs = ?, metadata = ?,
			steps_completed = ?, steps_failed = ?, updated_at = ?, started_at = ?, completed_at = ?, error = ?
		 WHERE id = ?`,
		string(exec.State), nullString(exec.CurrentStep), inputs, metadata,
		joinIDs(exec.StepsCompleted), joinIDs(exec.StepsFailed), exec.UpdatedAt.Format(time.RFC3339),
		formatTime(exec.StartedAt), formatTime(exec.CompletedAt), nullString(exec.Error), exec.ID,
	)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.exec.save", Cause: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &orcherrors.NotFoundError{Resource: "workflow_execution", ID: exec.ID}
	}
	return nil
}

// --- MilestoneRepo ---

type milestoneRepo Store

func (r *milestoneRepo) Register(ctx context.Context, m *store.Milestone) error {
	db := (*Store)(r).db

	if m.Weight < 0 || m.Weight > 100 {
		return &orcherrors.ValidationError{Field: "weight", Message: "must be within [0,100]"}
	}
	for _, dep := range m.Dependencies {
		if dep == m.ID {
			return &orcherrors.ValidationError{Field: "dependencies", Message: "milestone cannot depend on itself"}
		}
		var exists int
		if err := db.QueryRowContext(ctx, `SELECT 1 FROM milestones WHERE id = ?`, dep).Scan(&exists); err == sql.ErrNoRows {
			return &orcherrors.DependencyError{Resource: "milestone", ID: m.ID, DependencyID: dep}
		}
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	dependencies, err := marshalJSON(m.Dependencies)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.milestone.marshal_deps", Cause: err}
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO milestones (id, name, workflow_id, parent_id, weight, expected_completion_time_ms, dependencies, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.WorkflowID, nullString(m.ParentID), m.Weight, m.ExpectedCompletionTimeMS, dependencies,
		m.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return &orcherrors.ConflictError{Resource: "milestone", ID: m.ID, Reason: err.Error()}
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO milestone_states (milestone_id, status, percent_complete) VALUES (?, ?, 0)`,
		m.ID, string(store.MilestoneNotStarted),
	)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.milestone.init_state", Cause: err}
	}
	return nil
}

func (r *milestoneRepo) Get(ctx context.Context, id string) (*store.Milestone, error) {
	db := (*Store)(r).db
	var m store.Milestone
	var parentID sql.NullString
	var expected sql.NullInt64
	var dependencies sql.NullString
	var createdAt string
	err := db.QueryRowContext(ctx,
		`SELECT id, name, workflow_id, parent_id, weight, expected_completion_time_ms, dependencies, created_at
		 FROM milestones WHERE id = ?`, id,
	).Scan(&m.ID, &m.Name, &m.WorkflowID, &parentID, &m.Weight, &expected, &dependencies, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "milestone", ID: id}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.milestone.get", Cause: err}
	}
	m.ParentID = parentID.String
	if expected.Valid {
		m.ExpectedCompletionTimeMS = &expected.Int64
	}
	if err := unmarshalJSON(dependencies, &m.Dependencies); err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.milestone.unmarshal_deps", Cause: err}
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &m, nil
}

func (r *milestoneRepo) StateGet(ctx context.Context, milestoneID string) (*store.MilestoneState, error) {
	db := (*Store)(r).db
	var st store.MilestoneState
	var startedAt, completedAt sql.NullString
	var blockerReason, blockedBy sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT milestone_id, status, started_at, completed_at, percent_complete, blocker_reason, blocked_by
		 FROM milestone_states WHERE milestone_id = ?`, milestoneID,
	).Scan(&st.MilestoneID, &st.Status, &startedAt, &completedAt, &st.PercentComplete, &blockerReason, &blockedBy)
	if err == sql.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "milestone_state", ID: milestoneID}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.milestone.state_get", Cause: err}
	}
	st.StartedAt = parseTime(startedAt)
	st.CompletedAt = parseTime(completedAt)
	st.BlockerReason = blockerReason.String
	st.BlockedBy = blockedBy.String
	return &st, nil
}

func (r *milestoneRepo) StateSet(ctx context.Context, state *store.MilestoneState) error {
	db := (*Store)(r).db
	result, err := db.ExecContext(ctx,
		`UPDATE milestone_states SET status = ?, started_at = ?, completed_at = ?, percent_complete = ?,
			blocker_reason = ?, blocked_by = ? WHERE milestone_id = ?`,
		string(state.Status), formatTime(state.StartedAt), formatTime(state.CompletedAt), state.PercentComplete,
		nullString(state.BlockerReason), nullString(state.BlockedBy), state.MilestoneID,
	)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.milestone.state_set", Cause: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &orcherrors.NotFoundError{Resource: "milestone", ID: state.MilestoneID}
	}
	return nil
}

func (r *milestoneRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*store.Milestone, error) {
	db := (*Store)(r).db
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, workflow_id, parent_id, weight, expected_completion_time_ms, dependencies, created_at
		 FROM milestones WHERE workflow_id = ? ORDER BY created_at ASC`, workflowID)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.milestone.list", Cause: err}
	}
	defer rows.Close()

	var out []*store.Milestone
	for rows.Next() {
		var m store.Milestone
		var parentID sql.NullString
		var expected sql.NullInt64
		var dependencies sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Name, &m.WorkflowID, &parentID, &m.Weight, &expected, &dependencies, &createdAt); err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.milestone.scan", Cause: err}
		}
		m.ParentID = parentID.String
		if expected.Valid {
			m.ExpectedCompletionTimeMS = &expected.Int64
		}
		if err := unmarshalJSON(dependencies, &m.Dependencies); err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.milestone.unmarshal_deps", Cause: err}
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &m)
	}
	return out, nil
}

func (r *milestoneRepo) StatesByWorkflow(ctx context.Context, workflowID string) (map[string]*store.MilestoneState, error) {
	db := (*Store)(r).db
	rows, err := db.QueryContext(ctx,
		`SELECT s.milestone_id, s.status, s.started_at, s.completed_at, s.percent_complete, s.blocker_reason, s.blocked_by
		 FROM milestone_states s JOIN milestones m ON m.id = s.milestone_id WHERE m.workflow_id = ?`, workflowID)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.milestone.states_by_workflow", Cause: err}
	}
	defer rows.Close()

	out := make(map[string]*store.MilestoneState)
	for rows.Next() {
		var st store.MilestoneState
		var startedAt, completedAt sql.NullString
		var blockerReason, blockedBy sql.NullString
		if err := rows.Scan(&st.MilestoneID, &st.Status, &startedAt, &completedAt, &st.PercentComplete, &blockerReason, &blockedBy); err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.milestone.state_scan", Cause: err}
		}
		st.StartedAt = parseTime(startedAt)
		st.CompletedAt = parseTime(completedAt)
		st.BlockerReason = blockerReason.String
		st.BlockedBy = blockedBy.String
		out[st.MilestoneID] = &st
	}
	return out, nil
}

// --- BlockerRepo ---

type blockerRepo Store

func (r *blockerRepo) Create(ctx context.Context, b *store.Blocker) error {
	db := (*Store)(r).db
	if b.DetectedAt.IsZero() {
		b.DetectedAt = time.Now()
	}
	affected, err := marshalJSON(b.AffectedMilestoneIDs)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.blocker.marshal_affected", Cause: err}
	}
	metadata, err := marshalJSON(b.Metadata)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.blocker.marshal_metadata", Cause: err}
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO blockers (id, workflow_id, affected_milestone_ids, severity, detected_at, resolved_at,
			description, blocked_by, resolution, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.WorkflowID, affected, string(b.Severity), b.DetectedAt.Format(time.RFC3339), formatTime(b.ResolvedAt),
		b.Description, nullString(b.BlockedBy), nullString(b.Resolution), metadata,
	)
	if err != nil {
		return &orcherrors.ConflictError{Resource: "blocker", ID: b.ID, Reason: err.Error()}
	}
	return nil
}

func scanBlocker(scan func(dest ...any) error) (*store.Blocker, error) {
	var b store.Blocker
	var affected sql.NullString
	var detectedAt string
	var resolvedAt, blockedBy, resolution, metadata sql.NullString
	err := scan(&b.ID, &b.WorkflowID, &affected, &b.Severity, &detectedAt, &resolvedAt,
		&b.Description, &blockedBy, &resolution, &metadata)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(affected, &b.AffectedMilestoneIDs); err != nil {
		return nil, err
	}
	b.DetectedAt, _ = time.Parse(time.RFC3339, detectedAt)
	b.ResolvedAt = parseTime(resolvedAt)
	b.BlockedBy = blockedBy.String
	b.Resolution = resolution.String
	if err := unmarshalJSON(metadata, &b.Metadata); err != nil {
		return nil, err
	}
	return &b, nil
}

const blockerSelectCols = `id, workflow_id, affected_milestone_ids, severity, detected_at, resolved_at,
	description, blocked_by, resolution, metadata`

func (r *blockerRepo) Resolve(ctx context.Context, id string, resolution string) (*store.Blocker, error) {
	db := (*Store)(r).db
	row := db.QueryRowContext(ctx, `SELECT `+blockerSelectCols+` FROM blockers WHERE id = ?`, id)
	b, err := scanBlocker(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "blocker", ID: id}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.blocker.resolve.get", Cause: err}
	}
	if b.ResolvedAt == nil {
		now := time.Now()
		b.ResolvedAt = &now
		b.Resolution = resolution
		if _, err := db.ExecContext(ctx,
			`UPDATE blockers SET resolved_at = ?, resolution = ? WHERE id = ?`,
			now.Format(time.RFC3339Nano), resolution, id,
		); err != nil {
			return nil, &orcherrors.ExternalError{Operation: "store.blocker.resolve.update", Cause: err}
		}
	}
	return b, nil
}

func (r *blockerRepo) ListActive(ctx context.Context, workflowID string) ([]*store.Blocker, error) {
	db := (*Store)(r).db
	rows, err := db.QueryContext(ctx,
		`SELECT `+blockerSelectCols+` FROM blockers WHERE workflow_id = ? AND resolved_at IS NULL ORDER BY detected_at ASC`,
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
	db := (*Store)(r).db
	rows, err := db.QueryContext(ctx,
		`SELECT `+blockerSelectCols+` FROM blockers WHERE workflow_id = ? ORDER BY detected_at ASC`, workflowID)
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
	db := (*Store)(r).db
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := db.ExecContext(ctx,
		`INSERT INTO correlations (id, local_entity, local_id, external_system, external_id, linear_issue_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_system, external_id) DO UPDATE SET
			local_entity = excluded.local_entity,
			local_id = excluded.local_id,
			linear_issue_id = excluded.linear_issue_id,
			updated_at = excluded.updated_at`,
		c.ID, c.LocalEntity, c.LocalID, c.ExternalSystem, c.ExternalID, nullString(c.LinearIssueID),
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "store.correlation.upsert", Cause: err}
	}
	return nil
}

func (r *correlationRepo) GetByExternalID(ctx context.Context, externalSystem, externalID string) (*store.Correlation, error) {
	db := (*Store)(r).db
	var c store.Correlation
	var linearIssueID sql.NullString
	var createdAt, updatedAt string
	err := db.QueryRowContext(ctx,
		`SELECT id, local_entity, local_id, external_system, external_id, linear_issue_id, created_at, updated_at
		 FROM correlations WHERE external_system = ? AND external_id = ?`, externalSystem, externalID,
	).Scan(&c.ID, &c.LocalEntity, &c.LocalID, &c.ExternalSystem, &c.ExternalID, &linearIssueID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "correlation", ID: externalID}
	}
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "store.correlation.get", Cause: err}
	}
	c.LinearIssueID = linearIssueID.String
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

var _ store.Store = (*Store)(nil)
