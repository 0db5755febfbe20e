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

package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowctl/prorch/internal/queue"
	"github.com/flowctl/prorch/pkg/workflow"
)

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()

	task := &workflow.Task{ID: "t1"}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ID != "t1" {
		t.Fatalf("got task %q, want t1", got.ID)
	}
	if got.Status != workflow.TaskProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}
	if got.LeaseExpiresAt == nil {
		t.Error("expected LeaseExpiresAt to be set")
	}
}

func TestMemoryQueue_Enqueue_IdempotentOnID(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, &workflow.Task{ID: "t1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, &workflow.Task{ID: "t1"}); err != nil {
		t.Fatalf("Enqueue (repeat): %v", err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("Len = %d, want 1 after duplicate enqueue", n)
	}

	// A leased task must not be re-offered by a later enqueue of the same ID.
	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Enqueue(ctx, &workflow.Task{ID: task.ID}); err != nil {
		t.Fatalf("Enqueue (while leased): %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("Len = %d, want 0 while the task is leased", n)
	}
}

func TestMemoryQueue_Dequeue_BlocksUntilEnqueue(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()

	resultCh := make(chan *workflow.Task, 1)
	go func() {
		task, err := q.Dequeue(context.Background())
		if err != nil {
			return
		}
		resultCh <- task
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(context.Background(), &workflow.Task{ID: "t2"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case task := <-resultCh:
		if task.ID != "t2" {
			t.Errorf("got %q, want t2", task.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for blocked Dequeue to return")
	}
}

func TestMemoryQueue_Complete(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()

	ctx := context.Background()
	_ = q.Enqueue(ctx, &workflow.Task{ID: "t3"})
	task, _ := q.Dequeue(ctx)

	if err := q.Complete(ctx, task.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Complete(ctx, task.ID); err == nil {
		t.Fatal("expected error completing an already-completed task")
	}
}

func TestMemoryQueue_Fail_RetriesThenDeadLetters(t *testing.T) {
	opts := queue.DefaultOptions()
	opts.MaxRetries = 2
	opts.BackoffBase = time.Millisecond // keep the test fast; see BackoffBase doc.
	q := queue.NewMemoryQueue(opts)
	defer q.Close()

	ctx := context.Background()
	_ = q.Enqueue(ctx, &workflow.Task{ID: "t4"})

	cause := errors.New("boom")
	for i := 0; i < 2; i++ {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue #%d: %v", i, err)
		}
		if err := q.Fail(ctx, task.ID, cause); err != nil {
			t.Fatalf("Fail #%d: %v", i, err)
		}
	}

	// Third attempt exceeds MaxRetries and dead-letters the task instead
	// of re-enqueueing it.
	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue #3: %v", err)
	}
	if err := q.Fail(ctx, task.ID, cause); err != nil {
		t.Fatalf("Fail #3: %v", err)
	}

	if n := q.DeadLetterLen(); n != 1 {
		t.Fatalf("DeadLetterLen = %d, want 1", n)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("Len = %d, want 0 (task should be dead-lettered, not ready)", n)
	}
}

// TestMemoryQueue_Fail_DelaysReenqueue: a retryable failure is re-enqueued
// after 2^retry_count seconds, not immediately, so it must not be
// instantly visible to Dequeue.
func TestMemoryQueue_Fail_DelaysReenqueue(t *testing.T) {
	opts := queue.DefaultOptions()
	opts.BackoffBase = 50 * time.Millisecond
	q := queue.NewMemoryQueue(opts)
	defer q.Close()

	ctx := context.Background()
	_ = q.Enqueue(ctx, &workflow.Task{ID: "t6"})
	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Fail(ctx, task.ID, errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("Len immediately after Fail = %d, want 0 (task should be delayed, not ready)", n)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("Stats.Pending = %d, want 1 (delayed task still counts as pending)", stats.Pending)
	}

	resultCh := make(chan *workflow.Task, 1)
	go func() {
		got, err := q.Dequeue(ctx)
		if err == nil {
			resultCh <- got
		}
	}()

	select {
	case got := <-resultCh:
		if got.ID != "t6" {
			t.Fatalf("Dequeue = %s, want t6", got.ID)
		}
		if got.RetryCount != 1 {
			t.Errorf("RetryCount = %d, want 1", got.RetryCount)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for back-off delayed task to become ready")
	}
}

func TestMemoryQueue_Stats(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	ctx := context.Background()

	_ = q.Enqueue(ctx, &workflow.Task{ID: "s1"})
	_ = q.Enqueue(ctx, &workflow.Task{ID: "s2"})
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
	if stats.Processing != 1 {
		t.Errorf("Processing = %d, want 1", stats.Processing)
	}
	if stats.DeadLetter != 0 {
		t.Errorf("DeadLetter = %d, want 0", stats.DeadLetter)
	}
}

func TestMemoryQueue_Clear(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	ctx := context.Background()

	_ = q.Enqueue(ctx, &workflow.Task{ID: "c1"})
	_ = q.Enqueue(ctx, &workflow.Task{ID: "c2"})
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	q.Clear()

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 0 || stats.Processing != 0 || stats.DeadLetter != 0 {
		t.Fatalf("Stats after Clear = %+v, want all zero", stats)
	}
}

func TestMemoryQueue_RecoverStale(t *testing.T) {
	opts := queue.DefaultOptions()
	opts.VisibilityTimeout = 10 * time.Millisecond
	q := queue.NewMemoryQueue(opts)
	defer q.Close()

	ctx := context.Background()
	_ = q.Enqueue(ctx, &workflow.Task{ID: "t5"})
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	recovered, err := q.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after recovery: %v", err)
	}
	if task.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (recovery must not touch retry_count)", task.RetryCount)
	}
}

func TestMemoryQueue_Close_UnblocksDequeue(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error from Dequeue after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Dequeue to unblock on Close")
	}
}

// TestMemoryQueue_DequeueOrdersByPriority: three tasks enqueued at the
// same instant in priorities critical/high/medium
// must dequeue in that order regardless of insertion order.
func TestMemoryQueue_DequeueOrdersByPriority(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	ctx := context.Background()

	now := time.Now()
	for _, task := range []*workflow.Task{
		{ID: "medium-task", Priority: workflow.PriorityMedium, CreatedAt: now},
		{ID: "critical-task", Priority: workflow.PriorityCritical, CreatedAt: now},
		{ID: "high-task", Priority: workflow.PriorityHigh, CreatedAt: now},
	} {
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue(%s): %v", task.ID, err)
		}
	}

	wantOrder := []string{"critical-task", "high-task", "medium-task"}
	for _, want := range wantOrder {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got.ID != want {
			t.Fatalf("Dequeue order = %s, want %s", got.ID, want)
		}
	}
}

// TestMemoryQueue_SamePriorityIsFIFO: within one priority level FIFO is
// guaranteed.
func TestMemoryQueue_SamePriorityIsFIFO(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()
	ctx := context.Background()

	base := time.Now()
	_ = q.Enqueue(ctx, &workflow.Task{ID: "first", Priority: workflow.PriorityHigh, CreatedAt: base})
	_ = q.Enqueue(ctx, &workflow.Task{ID: "second", Priority: workflow.PriorityHigh, CreatedAt: base.Add(time.Millisecond)})

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ID != "first" {
		t.Fatalf("Dequeue = %s, want first (earliest enqueue_time)", got.ID)
	}
}

func TestMemoryQueue_Len(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	defer q.Close()

	ctx := context.Background()
	_ = q.Enqueue(ctx, &workflow.Task{ID: "a"})
	_ = q.Enqueue(ctx, &workflow.Task{ID: "b"})

	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
}
