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

// Package orchestrator is the top-level component that wires the
// persistence layer, task queue, transaction manager, workflow engine,
// blocker detector, and progress aggregator together, drives the PR-event
// entrypoint, and runs the background schedulers.
//
// New wires every component from one Config; Initialize starts the
// schedulers under an errgroup.Group; Shutdown cancels their shared
// context and waits for them to drain.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/flowctl/prorch/internal/aggregator"
	"github.com/flowctl/prorch/internal/config"
	"github.com/flowctl/prorch/internal/engine"
	"github.com/flowctl/prorch/internal/eventbus"
	"github.com/flowctl/prorch/internal/log"
	"github.com/flowctl/prorch/internal/milestone"
	"github.com/flowctl/prorch/internal/queue"
	"github.com/flowctl/prorch/internal/queue/redisqueue"
	"github.com/flowctl/prorch/internal/store"
	"github.com/flowctl/prorch/internal/store/memstore"
	"github.com/flowctl/prorch/internal/store/pgstore"
	"github.com/flowctl/prorch/internal/store/sqlitestore"
	"github.com/flowctl/prorch/internal/txn"
	orcherrors "github.com/flowctl/prorch/pkg/errors"
	"github.com/flowctl/prorch/pkg/workflow"
)

// PRSource fetches a PR's current data from whatever system raised the
// event, for callers of ProcessPREvent that pass an incomplete PRInput.
// Wrapped in a circuit breaker since it crosses a network boundary.
type PRSource interface {
	FetchPR(ctx context.Context, repoID string, prNumber int) (store.PRInput, error)
}

// CodegenTask is one entry of ModuleOutput.Database.CodegenTasks.
type CodegenTask struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Prompt   string `json:"prompt"`
	Priority string `json:"priority"`
}

// DatabaseOutput is ModuleOutput.Database: the per-PR analysis summary
// exposed to external observers.
type DatabaseOutput struct {
	PRID            string        `json:"pr_id"`
	AnalysisComplete bool         `json:"analysis_complete"`
	TotalFindings   int           `json:"total_findings"`
	CriticalIssues  int           `json:"critical_issues"`
	CodegenTasks    []CodegenTask `json:"codegen_tasks"`
}

// ModuleOutput is the shape ProcessPREvent returns to observers.
type ModuleOutput struct {
	Module         string         `json:"module"`
	WorkflowStatus string         `json:"workflow_status"`
	Database       DatabaseOutput `json:"database"`
}

// Orchestrator owns every component's lifecycle and the background
// schedulers: a task-processor worker pool, a cleanup sweep, a health
// check, and queue-stale recovery.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	queue      queue.Queue
	bus        *eventbus.Bus
	txns       *txn.Manager
	engine     *engine.Engine
	detector   *milestone.Detector
	aggregator *aggregator.Aggregator

	prSource PRSource
	breaker  *gobreaker.CircuitBreaker

	// ingestLimiter throttles ProcessPREvent, the orchestrator's PR-event
	// ingestion seam, independent of the circuit breaker above (that guards
	// against a failing PRSource; this guards against too many events
	// arriving at all).
	ingestLimiter *rate.Limiter

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New wires every component from cfg. It does not start any background
// goroutine; call Initialize for that.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	st, err := newStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("building store: %w", err)
	}
	q, err := newQueue(cfg.Queue)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("building queue: %w", err)
	}

	bus := eventbus.New(logger)
	txns := txn.New(logger)
	eng := engine.New(st, q, bus, txns, engine.Config{
		DefaultTaskTimeout: time.Duration(cfg.Engine.TaskTimeoutMS) * time.Millisecond,
		TxnOptions: txn.Options{
			Timeout: time.Duration(cfg.Transaction.DefaultTimeoutMS) * time.Millisecond,
			Strict:  cfg.Transaction.Strict,
		},
	}, logger)
	detector := milestone.NewDetector(st, bus, logger)
	agg := aggregator.New(st, bus, logger)

	for _, def := range DefaultDefinitions() {
		eng.RegisterDefinition(def)
	}
	fileDefs, err := LoadDefinitions(cfg.Engine.WorkflowsDir)
	if err != nil {
		st.Close()
		q.Close()
		return nil, fmt.Errorf("loading workflow definitions: %w", err)
	}
	for _, def := range fileDefs {
		eng.RegisterDefinition(def)
	}

	bo := cfg.Orchestrator.PRSourceCircuitBreaker
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pr_source",
		MaxRequests: bo.MaxRequests,
		Interval:    time.Duration(bo.IntervalMS) * time.Millisecond,
		Timeout:     time.Duration(bo.TimeoutMS) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bo.ConsecutiveFailures
		},
	})

	return &Orchestrator{
		cfg:           cfg,
		logger:        log.WithComponent(logger, "orchestrator"),
		store:         st,
		queue:         q,
		bus:           bus,
		txns:          txns,
		engine:        eng,
		detector:      detector,
		aggregator:    agg,
		breaker:       breaker,
		ingestLimiter: newIngestLimiter(cfg.Orchestrator.PRIngestionRateLimit),
	}, nil
}

// newIngestLimiter builds the token-bucket limiter guarding
// ProcessPREvent's entry, the one seam that crosses into the orchestrator
// from outside. EventsPerSecond <= 0 means unlimited.
func newIngestLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.EventsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.EventsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst)
}

// SetPRSource registers the external PR-fetch seam used by ProcessPREvent
// when called without a fully populated PRInput.
func (o *Orchestrator) SetPRSource(src PRSource) { o.prSource = src }

// Engine exposes the Workflow Engine so callers can register StepExecutors
// before Initialize starts dispatching.
func (o *Orchestrator) Engine() *engine.Engine { return o.engine }

// Aggregator exposes the Progress Aggregator for read paths (status
// endpoints, CLI commands) that need metrics/predictions outside the
// scheduled pass.
func (o *Orchestrator) Aggregator() *aggregator.Aggregator { return o.aggregator }

// EventBus exposes the Event Bus so callers can subscribe observers (e.g. a
// Linear/Correlation sync) before Initialize.
func (o *Orchestrator) EventBus() *eventbus.Bus { return o.bus }

// QueueStats reports the task queue's pending/processing/dead-letter
// counts, for CLI/operator status surfaces.
func (o *Orchestrator) QueueStats(ctx context.Context) (queue.Stats, error) {
	return o.queue.Stats(ctx)
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memstore.New(), nil
	case "sqlite":
		return sqlitestore.New(sqlitestore.Config{Path: cfg.DSN})
	case "postgres":
		return pgstore.New(context.Background(), cfg.DSN)
	default:
		return nil, &orcherrors.ConfigError{Key: "store.backend", Reason: fmt.Sprintf("unsupported backend %q", cfg.Backend)}
	}
}

func newQueue(cfg config.QueueConfig) (queue.Queue, error) {
	opts := queue.Options{
		VisibilityTimeout: time.Duration(cfg.VisibilityTimeoutMS) * time.Millisecond,
		MaxRetries:        cfg.MaxRetries,
	}
	switch cfg.Backend {
	case "", "memory":
		return queue.NewMemoryQueue(opts), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return redisqueue.New(client, cfg.RedisNamespace, opts), nil
	default:
		return nil, &orcherrors.ConfigError{Key: "queue.backend", Reason: fmt.Sprintf("unsupported backend %q", cfg.Backend)}
	}
}

// Initialize starts the blocker detector's periodic sweep, the four
// background schedulers, and the workflow-definitions directory watcher,
// all under one errgroup.Group sharing runCtx's cancellation. It returns
// once every goroutine has been launched; Shutdown stops them.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	o.cancel = cancel
	o.group = g

	g.Go(func() error {
		o.detector.Run(runCtx, time.Duration(o.cfg.Aggregator.MetricCalculationIntervalMS)*time.Millisecond)
		return nil
	})

	workers := o.cfg.Engine.MaxConcurrentTasks
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			o.runTaskProcessor(runCtx, id)
			return nil
		})
	}

	g.Go(func() error {
		o.runOnInterval(runCtx, "cleanup", time.Duration(o.cfg.Orchestrator.CleanupIntervalMS)*time.Millisecond, o.runCleanup)
		return nil
	})

	g.Go(func() error {
		o.runOnInterval(runCtx, "health_check", time.Duration(o.cfg.Orchestrator.HealthCheckIntervalMS)*time.Millisecond, o.runHealthCheck)
		return nil
	})

	g.Go(func() error {
		o.runOnInterval(runCtx, "queue_recovery", time.Duration(o.cfg.Orchestrator.QueueRecoveryIntervalMS)*time.Millisecond, o.runQueueRecovery)
		return nil
	})

	if err := watchDefinitions(runCtx, o.cfg.Engine.WorkflowsDir, o.logger, o.reloadDefinitions); err != nil {
		cancel()
		return fmt.Errorf("starting workflow definitions watcher: %w", err)
	}

	o.logger.Info("orchestrator initialized", log.Int("task_processor_workers", workers))
	return nil
}

// reloadDefinitions re-registers every definition watchDefinitions reloaded
// from workflows_dir. Definitions are keyed by name in the engine's
// registry (RegisterDefinition overwrites), so an edited file takes effect
// for the next ProcessPREvent/Start call without a restart.
func (o *Orchestrator) reloadDefinitions(defs []*workflow.Definition) {
	for _, def := range defs {
		o.engine.RegisterDefinition(def)
	}
	o.logger.Info("reloaded workflow definitions", log.Int("count", len(defs)))
}

// Shutdown stops every scheduler goroutine and closes the queue and store.
// It blocks until in-flight schedulers observe cancellation or ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		if o.group != nil {
			o.group.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("shutdown timed out waiting for schedulers")
	}

	var errs []error
	if err := o.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing queue: %w", err))
	}
	if err := o.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// ProcessPREvent is the Orchestrator's external entrypoint: it ensures the
// owning Project and PR rows exist, starts (or resumes) the named
// workflow, and returns the current analysis summary.
func (o *Orchestrator) ProcessPREvent(ctx context.Context, repoID string, prNumber int, prData store.PRInput, workflowName string) (*ModuleOutput, error) {
	if err := o.ingestLimiter.Wait(ctx); err != nil {
		return nil, &orcherrors.ExternalError{Operation: "ingest_rate_limit", Cause: err}
	}

	if prData.PRID == "" && o.prSource != nil {
		fetched, err := o.fetchPR(ctx, repoID, prNumber)
		if err != nil {
			return nil, err
		}
		prData = fetched
	}

	project, err := o.getOrCreateProject(ctx, repoID)
	if err != nil {
		return nil, err
	}

	pr, err := o.store.PRs().GetOrCreate(ctx, project.ID, prNumber, prData)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "PRs.GetOrCreate", Cause: err}
	}

	existing, existingErr := o.store.WorkflowExecs().GetByPR(ctx, pr.ID)

	if workflowName == "" {
		workflowName = o.resolveTriggeredWorkflow(repoID, prNumber, prData, existing != nil && existingErr == nil)
	}
	def, ok := o.engine.Definition(workflowName)
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "workflow_definition", ID: workflowName}
	}

	var exec *workflow.WorkflowExecution
	if existingErr != nil || existing == nil {
		exec, err = o.engine.Start(ctx, pr.ID, project.ID, def, map[string]any{"pr": prData})
		if err != nil {
			return nil, err
		}
	} else {
		exec = existing
	}

	return o.buildModuleOutput(ctx, pr, exec)
}

// resolveTriggeredWorkflow matches the incoming PR event against every
// registered Definition's Triggers, falling back to
// cfg.Orchestrator.DefaultWorkflow when nothing matches or a Condition
// fails to evaluate. hasExistingExecution is what separates pr_opened from
// pr_updated: first sighting of this PR's execution vs. a repeat.
func (o *Orchestrator) resolveTriggeredWorkflow(repoID string, prNumber int, prData store.PRInput, hasExistingExecution bool) string {
	eventType := workflow.TriggerPROpened
	if hasExistingExecution {
		eventType = workflow.TriggerPRUpdated
	}

	evalCtx := map[string]any{
		"repo_id":   repoID,
		"pr_number": prNumber,
		"pr": map[string]any{
			"id":          prData.PRID,
			"title":       prData.Title,
			"description": prData.Description,
			"author":      prData.Author,
			"status":      string(prData.Status),
			"base_branch": prData.BaseBranch,
			"head_branch": prData.HeadBranch,
		},
	}

	def, ok, err := o.engine.MatchTrigger(eventType, evalCtx)
	if err != nil {
		o.logger.Warn("trigger condition evaluation failed, falling back to default workflow",
			log.String("event_type", string(eventType)), log.Error(err))
		return o.cfg.Orchestrator.DefaultWorkflow
	}
	if !ok {
		return o.cfg.Orchestrator.DefaultWorkflow
	}
	return def.Name
}

func (o *Orchestrator) fetchPR(ctx context.Context, repoID string, prNumber int) (store.PRInput, error) {
	result, err := o.breaker.Execute(func() (any, error) {
		return o.prSource.FetchPR(ctx, repoID, prNumber)
	})
	if err != nil {
		return store.PRInput{}, &orcherrors.ExternalError{Operation: "PRSource.FetchPR", Cause: err}
	}
	return result.(store.PRInput), nil
}

func (o *Orchestrator) getOrCreateProject(ctx context.Context, repoID string) (*store.Project, error) {
	project, err := o.store.Projects().GetByRepositoryID(ctx, repoID)
	if err == nil {
		return project, nil
	}
	var notFound *orcherrors.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, &orcherrors.ExternalError{Operation: "Projects.GetByRepositoryID", Cause: err}
	}

	project = &store.Project{ID: uuid.NewString(), RepositoryID: repoID, Name: repoID}
	if err := o.store.Projects().Create(ctx, project); err != nil {
		return nil, &orcherrors.ExternalError{Operation: "Projects.Create", Cause: err}
	}
	return project, nil
}

func (o *Orchestrator) buildModuleOutput(ctx context.Context, pr *store.PR, exec *workflow.WorkflowExecution) (*ModuleOutput, error) {
	tasks, err := o.store.Tasks().GetByPR(ctx, pr.ID)
	if err != nil {
		return nil, &orcherrors.ExternalError{Operation: "Tasks.GetByPR", Cause: err}
	}

	out := &ModuleOutput{
		Module:         "database_workflow_orchestration",
		WorkflowStatus: string(exec.State),
		Database: DatabaseOutput{
			PRID:             pr.ID,
			AnalysisComplete: exec.State == workflow.StateCompleted,
		},
	}
	for _, t := range tasks {
		if t.WorkflowExecutionID != exec.ID {
			continue
		}
		if t.Type == workflow.StepTypeAnalysis {
			out.Database.TotalFindings++
			if t.Priority == workflow.PriorityCritical {
				out.Database.CriticalIssues++
			}
		}
		if t.Type == workflow.StepTypeCodegen {
			out.Database.CodegenTasks = append(out.Database.CodegenTasks, CodegenTask{
				TaskID:   t.ID,
				Status:   string(t.Status),
				Prompt:   t.Description,
				Priority: string(t.Priority),
			})
		}
	}
	return out, nil
}
