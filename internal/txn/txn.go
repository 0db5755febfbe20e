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

// Package txn implements compensating-action transactions over an ordered
// list of operations, each with an execute and an undo. There is no
// distributed two-phase commit here; a Transaction only sequences
// in-process calls and guarantees that a failed operation triggers undo of
// every operation that already ran, in reverse insertion order.
//
// A Transaction has no fixed transition table: its path through the eight
// statuses is driven by what its operations do at Commit time, so the
// status changes live directly in Begin/AddOperation/Commit/Rollback.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowctl/prorch/internal/log"
	orcherrors "github.com/flowctl/prorch/pkg/errors"
)

// Status is a Transaction's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusCommitting  Status = "committing"
	StatusCommitted   Status = "committed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
	StatusFailed      Status = "failed"
	StatusTimedOut    Status = "timed_out"
)

// IsTerminal reports whether s has no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusFailed || s == StatusTimedOut
}

// IsOpen reports whether operations may still be added: only while the
// transaction is pending or active.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusActive
}

// Execute performs the forward half of an Operation. Implementations may
// suspend and are subject to the transaction's per-operation timeout.
type Execute func(ctx context.Context) error

// Undo performs the compensating action for an Operation that already
// executed. Undo failures are logged but never abort the rollback
// sequence.
type Undo func(ctx context.Context) error

// Operation is one step of a Transaction: a named mutation against Target,
// plus the compensating action that reverses it.
type Operation struct {
	Type    string
	Target  string
	Params  map[string]any
	Execute Execute
	Undo    Undo

	executed bool
}

// Options configures a Transaction at Begin time.
type Options struct {
	// Timeout bounds each operation's Execute/Undo call during Commit. Zero
	// means unbounded.
	Timeout time.Duration
	// Strict is reserved for callers that want Begin to reject overlapping
	// transactions on the same workstream; the Manager does not enforce it
	// itself.
	Strict bool
}

// Transaction is one unit of work: an ordered operation list scoped to a
// set of workstreams.
type Transaction struct {
	ID          string
	Workstreams []string
	Options     Options
	Status      Status
	Operations  []*Operation
	StartTime   time.Time
	EndTime     *time.Time
	Result      any
	Err         error

	mu sync.Mutex
}

// snapshot copies fields a caller may read without holding the Manager's lock.
func (t *Transaction) snapshot() *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := &Transaction{
		ID:          t.ID,
		Workstreams: t.Workstreams,
		Options:     t.Options,
		Status:      t.Status,
		Operations:  append([]*Operation(nil), t.Operations...),
		StartTime:   t.StartTime,
		EndTime:     t.EndTime,
		Result:      t.Result,
		Err:         t.Err,
	}
	return cp
}

// Manager owns the set of in-flight and recently-finished Transactions.
type Manager struct {
	mu     sync.Mutex
	txns   map[string]*Transaction
	logger *slog.Logger
	nextID func() string
}

// New builds a Manager. logger defaults to slog.Default() when nil.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	seq := 0
	return &Manager{
		txns:   make(map[string]*Transaction),
		logger: log.WithComponent(logger, "txn"),
		nextID: func() string {
			seq++
			return fmt.Sprintf("txn-%d-%d", time.Now().UnixNano(), seq)
		},
	}
}

// Begin creates a new Transaction in status pending, scoped to workstreams.
func (m *Manager) Begin(ctx context.Context, workstreams []string, opts Options) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Transaction{
		ID:          m.nextID(),
		Workstreams: append([]string(nil), workstreams...),
		Options:     opts,
		Status:      StatusPending,
		StartTime:   time.Now(),
	}
	m.txns[t.ID] = t
	m.logger.Debug("transaction begun", log.String("transaction_id", t.ID))
	return t.snapshot(), nil
}

// AddOperation appends op to txID's operation list. Allowed only while the
// transaction is pending or active; the first call transitions pending to
// active.
func (m *Manager) AddOperation(ctx context.Context, txID string, op Operation) error {
	t, err := m.get(txID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.Status.IsOpen() {
		return &orcherrors.ValidationError{
			Field:      "status",
			Message:    fmt.Sprintf("cannot add operation to transaction %s in status %s", txID, t.Status),
			Suggestion: "add operations only while the transaction is pending or active",
		}
	}
	if t.Status == StatusPending {
		t.Status = StatusActive
	}
	opCopy := op
	opCopy.executed = false
	t.Operations = append(t.Operations, &opCopy)
	return nil
}

// Commit executes every operation in insertion order. On the first failure
// the transaction rolls back: every already-executed operation is undone in
// reverse insertion order, status becomes rolled_back, and the original
// error is re-raised wrapped in TransactionAbortedError. On full success
// status becomes committed.
func (m *Manager) Commit(ctx context.Context, txID string) error {
	t, err := m.get(txID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.Status.IsOpen() {
		status := t.Status
		t.mu.Unlock()
		return &orcherrors.ValidationError{
			Field:      "status",
			Message:    fmt.Sprintf("cannot commit transaction %s in status %s", txID, status),
			Suggestion: "commit only a pending or active transaction",
		}
	}
	t.Status = StatusCommitting
	ops := append([]*Operation(nil), t.Operations...)
	timeout := t.Options.Timeout
	t.mu.Unlock()

	var failure error
	executed := make([]*Operation, 0, len(ops))
	for _, op := range ops {
		if err := m.runWithTimeout(ctx, timeout, op.Execute); err != nil {
			failure = err
			break
		}
		op.executed = true
		executed = append(executed, op)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if failure == nil {
		now := time.Now()
		t.Status = StatusCommitted
		t.EndTime = &now
		m.logger.Debug("transaction committed", log.String("transaction_id", txID), log.Int("operations", len(ops)))
		return nil
	}

	t.Status = StatusRollingBack
	m.undoInReverse(ctx, t, executed, timeout)

	now := time.Now()
	t.Status = StatusRolledBack
	t.EndTime = &now
	t.Err = failure
	m.logger.Info("transaction rolled back",
		log.String("transaction_id", txID),
		log.Error(failure),
	)
	return &orcherrors.TransactionAbortedError{TransactionID: txID, Cause: failure}
}

// Rollback explicitly rolls back a pending or active transaction without
// attempting commit.
func (m *Manager) Rollback(ctx context.Context, txID string) error {
	t, err := m.get(txID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.Status.IsOpen() {
		status := t.Status
		t.mu.Unlock()
		return &orcherrors.ValidationError{
			Field:      "status",
			Message:    fmt.Sprintf("cannot roll back transaction %s in status %s", txID, status),
			Suggestion: "rollback only a pending or active transaction",
		}
	}
	t.Status = StatusRollingBack
	executed := make([]*Operation, 0, len(t.Operations))
	for _, op := range t.Operations {
		if op.executed {
			executed = append(executed, op)
		}
	}
	timeout := t.Options.Timeout
	t.mu.Unlock()

	m.undoInReverse(ctx, t, executed, timeout)

	t.mu.Lock()
	now := time.Now()
	t.Status = StatusRolledBack
	t.EndTime = &now
	t.mu.Unlock()
	return nil
}

// undoInReverse calls Undo on every operation in ops, reverse order. Undo
// failures are logged and do not stop the sequence.
func (m *Manager) undoInReverse(ctx context.Context, t *Transaction, ops []*Operation, timeout time.Duration) {
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Undo == nil {
			continue
		}
		if err := m.runWithTimeout(ctx, timeout, op.Undo); err != nil {
			m.logger.Error("undo failed",
				log.String("transaction_id", t.ID),
				log.String("operation_type", op.Type),
				log.String("operation_target", op.Target),
				log.Error(err),
			)
		}
	}
}

// runWithTimeout runs fn with ctx bounded by timeout when timeout > 0,
// treating an unresolved call as a failure.
func (m *Manager) runWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	if timeout <= 0 {
		return fn(ctx)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(runCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		return &orcherrors.TimeoutError{Operation: "transaction operation", Duration: timeout, Cause: runCtx.Err()}
	}
}

// FindActive returns every non-terminal transaction scoped to workstream.
func (m *Manager) FindActive(workstream string) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, t := range m.txns {
		t.mu.Lock()
		terminal := t.Status.IsTerminal()
		t.mu.Unlock()
		if terminal {
			continue
		}
		if containsWorkstream(t.Workstreams, workstream) {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// FindByStatus returns every transaction currently in status.
func (m *Manager) FindByStatus(status Status) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, t := range m.txns {
		t.mu.Lock()
		match := t.Status == status
		t.mu.Unlock()
		if match {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// CleanupCompleted removes every terminal transaction from the Manager's
// bookkeeping and returns how many were removed.
func (m *Manager) CleanupCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.txns {
		t.mu.Lock()
		terminal := t.Status.IsTerminal()
		t.mu.Unlock()
		if terminal {
			delete(m.txns, id)
			removed++
		}
	}
	return removed
}

// CleanupWorkstream rolls back every still-active transaction attached to
// workstream, for subsystem teardown.
func (m *Manager) CleanupWorkstream(ctx context.Context, workstream string) error {
	for _, t := range m.FindActive(workstream) {
		if err := m.Rollback(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) get(txID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[txID]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "transaction", ID: txID}
	}
	return t, nil
}

func containsWorkstream(ws []string, target string) bool {
	for _, w := range ws {
		if w == target {
			return true
		}
	}
	return false
}
