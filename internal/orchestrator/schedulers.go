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

package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flowctl/prorch/internal/log"
	"github.com/flowctl/prorch/internal/telemetry"
	orcherrors "github.com/flowctl/prorch/pkg/errors"
)

// runTaskProcessor is one of Engine.MaxConcurrentTasks independent
// dequeue-execute-complete loops. Launching exactly max_concurrent_tasks
// of these bounds concurrency without a separate semaphore, since the Task
// Queue already serializes Dequeue.
func (o *Orchestrator) runTaskProcessor(ctx context.Context, id int) {
	logger := o.logger.With(log.Int("worker_id", id))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := o.queue.Dequeue(ctx)
		if err != nil {
			var empty *orcherrors.QueueEmptyError
			if errors.As(err, &empty) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			logger.Error("dequeue failed", log.Error(err))
			continue
		}

		execErr := o.engine.ExecuteTask(ctx, task.ID)
		if execErr != nil {
			logger.Error("task execution failed", log.String("task_id", task.ID), log.Error(execErr))
			if err := o.queue.Fail(ctx, task.ID, execErr); err != nil {
				logLeaseError(logger, "queue.Fail", task.ID, err)
			}
		} else if err := o.queue.Complete(ctx, task.ID); err != nil {
			logLeaseError(logger, "queue.Complete", task.ID, err)
		}

		// The 1 s sleep after each pass bounds the polling rate; it is
		// the worker loop's sole back-pressure mechanism.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// logLeaseError reports a Complete/Fail failure. An unknown lease is only
// a warning: the lease may have expired and been recovered while the task
// was still executing.
func logLeaseError(logger *slog.Logger, op, taskID string, err error) {
	var notFound *orcherrors.NotFoundError
	if errors.As(err, &notFound) {
		logger.Warn(op+" on unknown lease", log.String("task_id", taskID), log.Error(err))
		return
	}
	logger.Error(op+" failed", log.String("task_id", taskID), log.Error(err))
}

// runOnInterval is the common shape of the cleanup, health-check, and
// queue-recovery schedulers: wait out the first tick, then run fn every
// interval until ctx is cancelled.
func (o *Orchestrator) runOnInterval(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				o.logger.Error("scheduler pass failed", log.String("scheduler", name), log.Error(err))
			}
		}
	}
}

// runCleanup purges completed transactions whose workstreams have gone
// quiet. Runs hourly by default.
func (o *Orchestrator) runCleanup(ctx context.Context) error {
	n := o.txns.CleanupCompleted()
	if n > 0 {
		o.logger.Info("cleanup removed completed transactions", log.Int("count", n))
	}
	return nil
}

// runHealthCheck reports queue depth and dead-letter depth to the telemetry
// gauges (served on cmd/prorchd's /metrics) so an operator dashboard has
// fresh numbers.
// Runs every 5 minutes by default. Logs at warn level when the dead-letter
// tail is non-empty, the one degraded signal the queue can report on its
// own.
func (o *Orchestrator) runHealthCheck(ctx context.Context) error {
	stats, err := o.queue.Stats(ctx)
	if err != nil {
		return err
	}
	telemetry.SetQueueDepth(stats.Pending)
	telemetry.SetQueueProcessing(stats.Processing)
	telemetry.SetQueueDeadLetter(stats.DeadLetter)

	if stats.DeadLetter > 0 {
		o.logger.Warn("health check: degraded",
			log.Int("pending", stats.Pending),
			log.Int("processing", stats.Processing),
			log.Int("dead_letter", stats.DeadLetter))
		return nil
	}
	o.logger.Info("health check",
		log.Int("pending", stats.Pending),
		log.Int("processing", stats.Processing),
		log.Int("dead_letter", stats.DeadLetter))
	return nil
}

// runQueueRecovery requeues any task whose lease expired without a
// Complete/Fail call. Runs every 10 minutes by default. Recovery preserves
// retry_count, so a recovered task stays subject to max_retries on its
// next failure.
func (o *Orchestrator) runQueueRecovery(ctx context.Context) error {
	n, err := o.queue.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Info("recovered stale tasks", log.Int("count", n))
	}
	return nil
}
