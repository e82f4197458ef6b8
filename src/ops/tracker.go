// Package ops tracks locally-initiated mutating operations awaiting server
// confirmation. It is transport-independent: the optimistic-update helper
// creates an operation alongside the local mutation, resolves it on ack,
// and rolls back on failure.
package ops

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/archonlabs/roomsync/src/types"
)

// Status of a tracked operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Operation is a snapshot of one tracked mutation.
type Operation struct {
	ID        string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
	Status    Status
}

// Result reports the outcome of resolving an operation.
type Result struct {
	OperationID string
	Success     bool
	Data        map[string]any
	Err         error
}

type trackedOp struct {
	Operation
	timer *time.Timer // auto-fail timer, nil once resolved
}

// Tracker holds pending operations, auto-fails them after a timeout, and
// evicts them after a max age regardless of status.
type Tracker struct {
	timeout time.Duration
	maxAge  time.Duration
	logger  zerolog.Logger

	mu  sync.Mutex
	tbl map[string]*trackedOp

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Tracker and starts its eviction loop.
func New(timeout, maxAge time.Duration, logger zerolog.Logger) *Tracker {
	tr := &Tracker{
		timeout: timeout,
		maxAge:  maxAge,
		logger:  logger.With().Str("component", "ops").Logger(),
		tbl:     make(map[string]*trackedOp),
		done:    make(chan struct{}),
	}
	go tr.evictLoop()
	return tr
}

// CreateOperation registers a pending operation and returns its id. If the
// operation is never resolved, a timer fails it after the tracker timeout.
func (tr *Tracker) CreateOperation(opType string, payload map[string]any) string {
	id := uuid.New().String()
	op := &trackedOp{
		Operation: Operation{
			ID:        id,
			Type:      opType,
			Payload:   payload,
			CreatedAt: time.Now(),
			Status:    StatusPending,
		},
	}
	op.timer = time.AfterFunc(tr.timeout, func() {
		res := tr.FailOperation(id, &types.OperationTimeoutError{OperationID: id, Type: opType})
		if res.OperationID != "" {
			tr.logger.Warn().Str("operation_id", id).Str("type", opType).Msg("operation timed out")
		}
	})

	tr.mu.Lock()
	tr.tbl[id] = op
	tr.mu.Unlock()
	return id
}

// CompleteOperation transitions a pending operation to completed. An
// unknown id yields a failure result, never a panic.
func (tr *Tracker) CompleteOperation(id string, data map[string]any) Result {
	return tr.resolve(id, StatusCompleted, data, nil)
}

// FailOperation transitions a pending operation to failed.
func (tr *Tracker) FailOperation(id string, err error) Result {
	return tr.resolve(id, StatusFailed, nil, err)
}

func (tr *Tracker) resolve(id string, to Status, data map[string]any, cause error) Result {
	tr.mu.Lock()
	op, ok := tr.tbl[id]
	if !ok || op.Status != StatusPending {
		tr.mu.Unlock()
		return Result{Success: false, Err: fmt.Errorf("operation %s not pending", id)}
	}
	op.Status = to
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
	tr.mu.Unlock()

	if to == StatusFailed {
		return Result{OperationID: id, Success: false, Err: cause}
	}
	return Result{OperationID: id, Success: true, Data: data}
}

// ShouldSuppress reports whether an inbound echo matching this operation id
// should be dropped. Pending and completed operations suppress; a failed
// operation must not, so a legitimate late server message still goes
// through and can drive a retry.
func (tr *Tracker) ShouldSuppress(id string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	op, ok := tr.tbl[id]
	return ok && op.Status != StatusFailed
}

// PendingOperations returns snapshots of pending operations, optionally
// filtered by type ("" matches all).
func (tr *Tracker) PendingOperations(opType string) []Operation {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]Operation, 0)
	for _, op := range tr.tbl {
		if op.Status != StatusPending {
			continue
		}
		if opType != "" && op.Type != opType {
			continue
		}
		out = append(out, op.Operation)
	}
	return out
}

// ClearCompleted drops all completed operations immediately.
func (tr *Tracker) ClearCompleted() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for id, op := range tr.tbl {
		if op.Status == StatusCompleted {
			delete(tr.tbl, id)
		}
	}
}

// Count returns the number of tracked operations.
func (tr *Tracker) Count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.tbl)
}

// Destroy stops timers and the eviction loop and drops all operations.
func (tr *Tracker) Destroy() {
	tr.closeOnce.Do(func() { close(tr.done) })
	tr.mu.Lock()
	for id, op := range tr.tbl {
		if op.timer != nil {
			op.timer.Stop()
		}
		delete(tr.tbl, id)
	}
	tr.mu.Unlock()
}

func (tr *Tracker) evictLoop() {
	iv := tr.maxAge / 2
	if iv < time.Second {
		iv = time.Second
	}
	ticker := time.NewTicker(iv)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tr.evictStale()
		case <-tr.done:
			return
		}
	}
}

// evictStale removes operations older than maxAge regardless of status.
func (tr *Tracker) evictStale() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	now := time.Now()
	for id, op := range tr.tbl {
		if now.Sub(op.CreatedAt) > tr.maxAge {
			if op.timer != nil {
				op.timer.Stop()
			}
			delete(tr.tbl, id)
		}
	}
}
