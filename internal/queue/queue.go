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

// Package queue implements a lease-based ready/processing/dead-letter
// pipeline Tasks move through between being enqueued and either
// completing or exhausting their retries.
package queue

import (
	"context"
	"time"

	"github.com/flowctl/prorch/pkg/workflow"
)

// Queue is the task queue contract. Implementations must preserve the
// total count across ready+processing+dead_letter: no Task is ever
// silently dropped.
type Queue interface {
	// Enqueue places a task in the Ready Set. Tasks with unmet
	// dependencies should be enqueued only once TaskRepo.GetRunnable
	// reports them runnable; the queue itself does not evaluate
	// dependencies.
	Enqueue(ctx context.Context, task *workflow.Task) error

	// Dequeue leases the next ready task for VisibilityTimeout, moving it
	// to the Processing Set. When nothing is ready it blocks until a task
	// becomes ready, ctx is done, or the queue is closed; it does not return
	// early on an empty Ready Set. A closed queue yields
	// *errors.QueueEmptyError.
	Dequeue(ctx context.Context) (*workflow.Task, error)

	// Complete removes a task from the Processing Set once its
	// StepExecutor has returned successfully.
	Complete(ctx context.Context, taskID string) error

	// Fail records a task execution failure. If the task's retry_count is
	// below MaxRetries it is re-enqueued to the Ready Set with retry_count
	// incremented; otherwise it moves to the Dead Letter Set.
	Fail(ctx context.Context, taskID string, cause error) error

	// RecoverStale requeues any task whose lease has expired without a
	// Complete/Fail call, returning it to the Ready Set without touching
	// retry_count, so a recovered task stays subject to MaxRetries on its
	// next failure.
	RecoverStale(ctx context.Context) (int, error)

	// Len reports the number of tasks in the Ready Set.
	Len(ctx context.Context) (int, error)

	// Stats reports the queue's pending/processing/dead-letter counts.
	// Pending includes tasks waiting out a back-off delay
	// from Fail() as well as tasks already in the Ready Set, since both
	// are "not yet handed to a worker."
	Stats(ctx context.Context) (Stats, error)

	// Close releases queue resources. Pending Dequeue calls unblock with
	// *errors.QueueEmptyError once closed.
	Close() error
}

// Stats is a point-in-time snapshot of the queue's collection sizes.
type Stats struct {
	Pending    int
	Processing int
	DeadLetter int
}

// Options configures a Queue's lease and retry behavior.
type Options struct {
	// VisibilityTimeout is how long a leased task is hidden from Dequeue
	// before RecoverStale makes it eligible again.
	VisibilityTimeout time.Duration

	// MaxRetries is the ceiling on Fail() calls before a task moves to the
	// dead-letter tail.
	MaxRetries int

	// BackoffBase scales the exponential back-off delay Fail() schedules
	// before re-enqueueing a retryable task: delay = BackoffBase *
	// 2^retry_count, using the task's retry_count *before* it is incremented
	// for this failure. Tests shrink this to keep back-off waits fast;
	// production defaults to one second.
	BackoffBase time.Duration
}

// DefaultOptions returns the production queue defaults.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 300 * time.Second,
		MaxRetries:        3,
		BackoffBase:       time.Second,
	}
}

// BackoffDelay computes the exponential back-off delay for a task about to
// be retried for the (retryCount+1)th time.
func (o Options) BackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30 // guard against overflowing time.Duration's int64 nanoseconds
	}
	return o.BackoffBase * time.Duration(int64(1)<<uint(retryCount))
}
