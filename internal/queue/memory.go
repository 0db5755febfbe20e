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

package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	orcherrors "github.com/flowctl/prorch/pkg/errors"
	"github.com/flowctl/prorch/pkg/workflow"
)

type leasedTask struct {
	task      *workflow.Task
	expiresAt time.Time
}

// readyEntry pairs a ready Task with the enqueue_time used to break ties
// within a priority level: earliest enqueue_time first, then id.
type readyEntry struct {
	task       *workflow.Task
	enqueuedAt time.Time
}

// insertReady inserts e into ready, keeping the slice ordered by
// (priority_score DESC, enqueue_time ASC, id ASC).
func insertReady(ready []readyEntry, e readyEntry) []readyEntry {
	score := e.task.Priority.Score()
	idx := sort.Search(len(ready), func(i int) bool {
		other := ready[i]
		otherScore := other.task.Priority.Score()
		if score != otherScore {
			return score > otherScore
		}
		if !e.enqueuedAt.Equal(other.enqueuedAt) {
			return e.enqueuedAt.Before(other.enqueuedAt)
		}
		return e.task.ID < other.task.ID
	})
	ready = append(ready, readyEntry{})
	copy(ready[idx+1:], ready[idx:])
	ready[idx] = e
	return ready
}

// MemoryQueue is an in-process Queue backed by three collections: a ready
// slice kept in priority order by insertReady, a leased-task processing map,
// and a dead-letter map. A
// fourth, internal-only collection (delayed) holds tasks that failed and
// have retries remaining but are still waiting out their back-off window,
// so Fail() can delay re-enqueue by 2^retry_count seconds instead of
// re-enqueueing immediately.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []readyEntry
	processing map[string]*leasedTask
	deadLetter map[string]*workflow.Task
	delayed    map[string]*time.Timer
	signal     chan struct{}
	closed     bool
	opts       Options
}

// NewMemoryQueue creates a new in-memory Queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	return &MemoryQueue{
		ready:      make([]readyEntry, 0),
		processing: make(map[string]*leasedTask),
		deadLetter: make(map[string]*workflow.Task),
		delayed:    make(map[string]*time.Timer),
		signal:     make(chan struct{}, 1),
		opts:       opts,
	}
}

// containsLocked reports whether taskID is in any of the queue's
// collections. Callers must hold q.mu.
func (q *MemoryQueue) containsLocked(taskID string) bool {
	if _, ok := q.processing[taskID]; ok {
		return true
	}
	if _, ok := q.delayed[taskID]; ok {
		return true
	}
	if _, ok := q.deadLetter[taskID]; ok {
		return true
	}
	for _, e := range q.ready {
		if e.task.ID == taskID {
			return true
		}
	}
	return false
}

// notify must be called while holding q.mu, and only when q.closed is
// false, to avoid sending on the closed signal channel.
func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue appends task to the Ready Set. Idempotent on task.ID: a task
// already known to the queue (ready, leased, delayed, or dead-lettered) is
// left where it is, so a dispatch pass re-offering a still-pending task
// never produces a duplicate.
func (q *MemoryQueue) Enqueue(ctx context.Context, task *workflow.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &orcherrors.QueueEmptyError{}
	}
	if q.containsLocked(task.ID) {
		return nil
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.Status = workflow.TaskReady
	q.ready = insertReady(q.ready, readyEntry{task: task, enqueuedAt: task.CreatedAt})
	q.notify()
	return nil
}

// Dequeue leases the first ready task in insertReady's order (highest
// priority, then earliest enqueue_time), blocking until one is available,
// the context is cancelled, or the queue is closed.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*workflow.Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, &orcherrors.QueueEmptyError{}
		}
		if len(q.ready) > 0 {
			task := q.ready[0].task
			q.ready = q.ready[1:]
			task.Status = workflow.TaskProcessing
			expiresAt := time.Now().Add(q.opts.VisibilityTimeout)
			task.LeaseExpiresAt = &expiresAt
			q.processing[task.ID] = &leasedTask{task: task, expiresAt: expiresAt}
			q.mu.Unlock()
			return task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Complete removes a task from the Processing Set.
func (q *MemoryQueue) Complete(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	leased, ok := q.processing[taskID]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "task", ID: taskID}
	}
	leased.task.Status = workflow.TaskCompleted
	delete(q.processing, taskID)
	return nil
}

// Fail moves a task back to Ready after an exponential back-off delay
// (incrementing retry_count) or, once MaxRetries is exhausted, to the Dead
// Letter Set.
func (q *MemoryQueue) Fail(ctx context.Context, taskID string, cause error) error {
	q.mu.Lock()

	leased, ok := q.processing[taskID]
	if !ok {
		q.mu.Unlock()
		return &orcherrors.NotFoundError{Resource: "task", ID: taskID}
	}
	delete(q.processing, taskID)

	task := leased.task
	oldRetry := task.RetryCount
	maxRetries := task.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.opts.MaxRetries
	}

	if oldRetry+1 > maxRetries {
		task.RetryCount = oldRetry + 1
		task.Status = workflow.TaskDeadletter
		if cause != nil {
			errMsg := cause.Error()
			task.Result = &workflow.StepOutput{Error: errMsg}
		}
		q.deadLetter[task.ID] = task
		q.mu.Unlock()
		return nil
	}

	task.RetryCount = oldRetry + 1
	task.Status = workflow.TaskRetryScheduled
	task.LeaseExpiresAt = nil

	delay := q.opts.BackoffDelay(oldRetry)
	if delay <= 0 {
		q.ready = insertReady(q.ready, readyEntry{task: task, enqueuedAt: time.Now()})
		task.Status = workflow.TaskReady
		if !q.closed {
			q.notify()
		}
		q.mu.Unlock()
		return nil
	}

	timer := time.AfterFunc(delay, func() { q.promoteDelayed(task) })
	q.delayed[task.ID] = timer
	q.mu.Unlock()
	return nil
}

// promoteDelayed moves task from the delayed set into the Ready Set once
// its back-off timer fires. A no-op if the queue closed or task was
// otherwise removed (e.g. by Clear) while the timer was pending.
func (q *MemoryQueue) promoteDelayed(task *workflow.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, stillDelayed := q.delayed[task.ID]; !stillDelayed {
		return
	}
	delete(q.delayed, task.ID)
	if q.closed {
		return
	}
	task.Status = workflow.TaskReady
	q.ready = insertReady(q.ready, readyEntry{task: task, enqueuedAt: time.Now()})
	q.notify()
}

// RecoverStale requeues any lease past its VisibilityTimeout without
// touching retry_count.
func (q *MemoryQueue) RecoverStale(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	recovered := 0
	for id, leased := range q.processing {
		if now.After(leased.expiresAt) {
			delete(q.processing, id)
			leased.task.Status = workflow.TaskReady
			leased.task.LeaseExpiresAt = nil
			q.ready = insertReady(q.ready, readyEntry{task: leased.task, enqueuedAt: now})
			recovered++
		}
	}
	if recovered > 0 && !q.closed {
		q.notify()
	}
	return recovered, nil
}

// Len returns the number of tasks currently in the Ready Set.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), nil
}

// DeadLetterLen returns the number of tasks in the Dead Letter Set.
func (q *MemoryQueue) DeadLetterLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deadLetter)
}

// Stats reports the queue's pending/processing/dead-letter counts.
// Tasks still waiting out a back-off delay count as Pending
// alongside the Ready Set, since neither is in a worker's hands yet.
func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:    len(q.ready) + len(q.delayed),
		Processing: len(q.processing),
		DeadLetter: len(q.deadLetter),
	}, nil
}

// Clear empties the Ready Set, Processing Set, and Dead Letter Set, and
// cancels any pending back-off timers. Test-only.
func (q *MemoryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = q.ready[:0]
	q.processing = make(map[string]*leasedTask)
	q.deadLetter = make(map[string]*workflow.Task)
	for id, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, id)
	}
}

// Close closes the queue. Blocked Dequeue calls unblock with
// *errors.QueueEmptyError. Pending back-off timers are stopped; any that
// already fired concurrently with Close become no-ops in promoteDelayed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, id)
	}
	close(q.signal)
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
