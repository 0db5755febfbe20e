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

// Package redisqueue is a Redis-backed implementation of the Task Queue
// contract (internal/queue.Queue), for orchestrator deployments that run
// more than one engine process against a shared task backlog.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	orcherrors "github.com/flowctl/prorch/pkg/errors"
	"github.com/flowctl/prorch/internal/queue"
	"github.com/flowctl/prorch/pkg/workflow"
)

// readyScore encodes the ready ordering -- (priority_score DESC,
// enqueue_time ASC) -- into a single float64 Redis sorted-set score, since
// ZADD/BZPOPMIN only order by one dimension. Lower scores pop first, so
// priority is inverted (100-score) and weighted far above the millisecond
// enqueue timestamp that breaks ties within a priority level. Both terms
// stay well inside float64's 53-bit exact-integer range.
func readyScore(priorityScore int, enqueuedAt time.Time) float64 {
	return float64(100-priorityScore)*1e12 + float64(enqueuedAt.UnixMilli())
}

// Queue is a Redis-backed Queue. The Ready Set is a sorted set keyed by
// readyScore so BZPOPMIN always returns the highest-priority, earliest
// task; the Processing Set is a sorted set keyed by lease expiration so
// RecoverStale can range over expired leases in one ZRANGEBYSCORE call;
// the Dead Letter Set is a hash; the Delayed Set is a sorted set keyed by
// the Unix time a back-off-scheduled retry becomes ready, promoted into
// the Ready Set by a background poller (see promoteDelayedLoop) since a
// plain ZSET member is visible to BZPOPMIN the instant it's added.
type Queue struct {
	client    *redis.Client
	namespace string
	opts      queue.Options

	pollInterval time.Duration
	stopOnce     sync.Once
	stopPoll     chan struct{}
	pollDone     chan struct{}
}

// New creates a Redis-backed Queue and starts its delayed-retry promotion
// loop. namespace prefixes every key this queue owns so multiple
// orchestrator deployments can share one Redis instance without
// collisions. Callers must call Close to stop the promotion loop.
func New(client *redis.Client, namespace string, opts queue.Options) *Queue {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	q := &Queue{
		client:       client,
		namespace:    namespace,
		opts:         opts,
		pollInterval: 200 * time.Millisecond,
		stopPoll:     make(chan struct{}),
		pollDone:     make(chan struct{}),
	}
	go q.promoteDelayedLoop()
	return q
}

func (q *Queue) readyKey() string         { return q.namespace + ":ready" }
func (q *Queue) processingKey() string    { return q.namespace + ":processing" }
func (q *Queue) taskKey(id string) string { return q.namespace + ":task:" + id }
func (q *Queue) deadLetterKey() string    { return q.namespace + ":dead_letter" }
func (q *Queue) delayedKey() string       { return q.namespace + ":delayed" }

// promoteDelayedLoop periodically moves due entries from the Delayed Set
// into the Ready Set, polling rather than relying on Redis keyspace
// notifications so this queue has no server-side configuration
// dependency beyond a plain Redis instance.
func (q *Queue) promoteDelayedLoop() {
	defer close(q.pollDone)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopPoll:
			return
		case <-ticker.C:
			_ = q.promoteDueDelayed(context.Background())
		}
	}
}

// promoteDueDelayed moves every Delayed Set member whose back-off has
// elapsed into the Ready Set at its priority, with the promotion time as its
// enqueue time.
func (q *Queue) promoteDueDelayed(ctx context.Context) error {
	now := time.Now()
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return &orcherrors.ExternalError{Operation: "queue.promote_delayed", Cause: err}
	}
	for _, taskID := range due {
		if removed, err := q.client.ZRem(ctx, q.delayedKey(), taskID).Result(); err != nil || removed == 0 {
			continue
		}
		task, err := q.loadTask(ctx, taskID)
		if err != nil {
			continue
		}
		task.Status = workflow.TaskReady
		if err := q.saveTask(ctx, task); err != nil {
			continue
		}
		_ = q.client.ZAdd(ctx, q.readyKey(), redis.Z{
			Score:  readyScore(task.Priority.Score(), now),
			Member: taskID,
		}).Err()
	}
	return nil
}

// Enqueue serializes task and adds its ID to the priority-ordered Ready
// Set. Idempotent on task.ID: an ID already present in the Ready,
// Processing, Delayed, or Dead Letter Set is left where it is.
func (q *Queue) Enqueue(ctx context.Context, task *workflow.Task) error {
	known, err := q.contains(ctx, task.ID)
	if err != nil {
		return err
	}
	if known {
		return nil
	}

	task.Status = workflow.TaskReady
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "queue.enqueue.marshal", Cause: err}
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.taskKey(task.ID), data, 0)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{
		Score:  readyScore(task.Priority.Score(), task.CreatedAt),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return &orcherrors.ExternalError{Operation: "queue.enqueue", Cause: err}
	}
	return nil
}

// contains reports whether taskID is in any of the queue's collections.
func (q *Queue) contains(ctx context.Context, taskID string) (bool, error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.ZScore(ctx, q.readyKey(), taskID)
	processingCmd := pipe.ZScore(ctx, q.processingKey(), taskID)
	delayedCmd := pipe.ZScore(ctx, q.delayedKey(), taskID)
	dlqCmd := pipe.HExists(ctx, q.deadLetterKey(), taskID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, &orcherrors.ExternalError{Operation: "queue.contains", Cause: err}
	}
	if readyCmd.Err() == nil || processingCmd.Err() == nil || delayedCmd.Err() == nil {
		return true, nil
	}
	return dlqCmd.Val(), nil
}

// Dequeue blocks (via BZPOPMIN) until the highest-priority, earliest task ID
// is available on the Ready Set, then leases it by adding it to the
// Processing Set with a score of its lease expiration.
func (q *Queue) Dequeue(ctx context.Context) (*workflow.Task, error) {
	result, err := q.client.BZPopMin(ctx, 0, q.readyKey()).Result()
	if err != nil {
		if err == redis.Nil || err == context.Canceled || err == context.DeadlineExceeded {
			return nil, &orcherrors.QueueEmptyError{}
		}
		return nil, &orcherrors.ExternalError{Operation: "queue.dequeue", Cause: err}
	}
	taskID, ok := result.Member.(string)
	if !ok {
		return nil, &orcherrors.ExternalError{Operation: "queue.dequeue", Cause: fmt.Errorf("unexpected ready member type %T", result.Member)}
	}

	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(q.opts.VisibilityTimeout)
	task.Status = workflow.TaskProcessing
	task.LeaseExpiresAt = &expiresAt

	if err := q.saveTask(ctx, task); err != nil {
		return nil, err
	}
	if err := q.client.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(expiresAt.UnixNano()),
		Member: taskID,
	}).Err(); err != nil {
		return nil, &orcherrors.ExternalError{Operation: "queue.dequeue.lease", Cause: err}
	}

	return task, nil
}

// Complete removes taskID from the Processing Set.
func (q *Queue) Complete(ctx context.Context, taskID string) error {
	removed, err := q.client.ZRem(ctx, q.processingKey(), taskID).Result()
	if err != nil {
		return &orcherrors.ExternalError{Operation: "queue.complete", Cause: err}
	}
	if removed == 0 {
		return &orcherrors.NotFoundError{Resource: "task", ID: taskID}
	}

	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = workflow.TaskCompleted
	return q.saveTask(ctx, task)
}

// Fail moves taskID into the Delayed Set for an exponential back-off
// window before it becomes ready again (incrementing retry_count), or
// into the Dead Letter Set once MaxRetries is exhausted.
func (q *Queue) Fail(ctx context.Context, taskID string, cause error) error {
	removed, err := q.client.ZRem(ctx, q.processingKey(), taskID).Result()
	if err != nil {
		return &orcherrors.ExternalError{Operation: "queue.fail", Cause: err}
	}
	if removed == 0 {
		return &orcherrors.NotFoundError{Resource: "task", ID: taskID}
	}

	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	oldRetry := task.RetryCount
	maxRetries := task.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.opts.MaxRetries
	}

	if oldRetry+1 > maxRetries {
		task.RetryCount = oldRetry + 1
		task.Status = workflow.TaskDeadletter
		if cause != nil {
			task.Result = &workflow.StepOutput{Error: cause.Error()}
		}
		if err := q.saveTask(ctx, task); err != nil {
			return err
		}
		return q.client.HSet(ctx, q.deadLetterKey(), taskID, time.Now().Unix()).Err()
	}

	task.RetryCount = oldRetry + 1
	task.Status = workflow.TaskRetryScheduled
	task.LeaseExpiresAt = nil
	if err := q.saveTask(ctx, task); err != nil {
		return err
	}

	delay := q.opts.BackoffDelay(oldRetry)
	if delay <= 0 {
		task.Status = workflow.TaskReady
		if err := q.saveTask(ctx, task); err != nil {
			return err
		}
		return q.client.ZAdd(ctx, q.readyKey(), redis.Z{
			Score:  readyScore(task.Priority.Score(), time.Now()),
			Member: taskID,
		}).Err()
	}
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: taskID,
	}).Err()
}

// RecoverStale requeues every task in the Processing Set whose lease
// expired, without touching retry_count.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", float64(now.UnixNano())),
	}).Result()
	if err != nil {
		return 0, &orcherrors.ExternalError{Operation: "queue.recover_stale", Cause: err}
	}

	recovered := 0
	for _, taskID := range expired {
		if removed, err := q.client.ZRem(ctx, q.processingKey(), taskID).Result(); err != nil || removed == 0 {
			continue
		}
		task, err := q.loadTask(ctx, taskID)
		if err != nil {
			continue
		}
		task.Status = workflow.TaskReady
		task.LeaseExpiresAt = nil
		if err := q.saveTask(ctx, task); err != nil {
			continue
		}
		if err := q.client.ZAdd(ctx, q.readyKey(), redis.Z{
			Score:  readyScore(task.Priority.Score(), now),
			Member: taskID,
		}).Err(); err != nil {
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Len reports the number of tasks in the Ready Set.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, &orcherrors.ExternalError{Operation: "queue.len", Cause: err}
	}
	return int(n), nil
}

// Stats reports the queue's pending/processing/dead-letter counts.
// Tasks waiting out a back-off delay in the Delayed Set count
// as Pending alongside the Ready Set.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.ZCard(ctx, q.readyKey())
	delayedCmd := pipe.ZCard(ctx, q.delayedKey())
	processingCmd := pipe.ZCard(ctx, q.processingKey())
	dlqCmd := pipe.HLen(ctx, q.deadLetterKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, &orcherrors.ExternalError{Operation: "queue.stats", Cause: err}
	}
	return queue.Stats{
		Pending:    int(readyCmd.Val() + delayedCmd.Val()),
		Processing: int(processingCmd.Val()),
		DeadLetter: int(dlqCmd.Val()),
	}, nil
}

// Close stops the delayed-retry promotion loop and closes the underlying
// Redis client.
func (q *Queue) Close() error {
	q.stopOnce.Do(func() { close(q.stopPoll) })
	<-q.pollDone
	return q.client.Close()
}

func (q *Queue) loadTask(ctx context.Context, taskID string) (*workflow.Task, error) {
	data, err := q.client.Get(ctx, q.taskKey(taskID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, &orcherrors.NotFoundError{Resource: "task", ID: taskID}
		}
		return nil, &orcherrors.ExternalError{Operation: "queue.load_task", Cause: err}
	}
	var task workflow.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, &orcherrors.ExternalError{Operation: "queue.unmarshal_task", Cause: err}
	}
	return &task, nil
}

func (q *Queue) saveTask(ctx context.Context, task *workflow.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return &orcherrors.ExternalError{Operation: "queue.save_task.marshal", Cause: err}
	}
	if err := q.client.Set(ctx, q.taskKey(task.ID), data, 0).Err(); err != nil {
		return &orcherrors.ExternalError{Operation: "queue.save_task", Cause: err}
	}
	return nil
}

var _ queue.Queue = (*Queue)(nil)
