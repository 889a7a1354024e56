package broker

import (
	"context"
	"errors"
	"time"

	"crucible/internal/models"
)

// ErrNoTask is returned by Dequeue when no eligible task is pending for the
// requested kind.
var ErrNoTask = errors.New("no task available")

// Claim is a dequeued task reference held in-flight by a worker until it is
// acked or requeued.
type Claim struct {
	TaskID   string
	WorkerID string
	Deadline time.Time
}

// Broker orders pending work and tracks in-flight claims. It owns only the
// dispatch ordering; task metadata lives in the task store. All operations
// are atomic so that concurrent scheduler instances never hand the same task
// to two workers.
type Broker interface {
	// Enqueue makes the task eligible for dispatch. Ordering is priority
	// first, then insertion order within a priority.
	Enqueue(ctx context.Context, task models.Task) error

	// EnsurePending enqueues the task unless it is already pending or held
	// in-flight. The scheduler's reconciliation loop uses this to replay
	// store state into the broker after either side restarts.
	EnsurePending(ctx context.Context, task models.Task) (bool, error)

	// Dequeue atomically claims the next eligible task of the given kind for
	// the worker and starts a lease of the given duration. Returns ErrNoTask
	// when the queue is empty.
	Dequeue(ctx context.Context, kind models.TaskKind, workerID string, lease time.Duration) (*Claim, error)

	// Ack removes the task from in-flight tracking after completion.
	Ack(ctx context.Context, taskID string) error

	// Requeue moves an in-flight task back to the front of its priority band.
	Requeue(ctx context.Context, taskID string) error

	// ExtendLease pushes the claim deadline forward; called from worker
	// heartbeats while a long task is still running.
	ExtendLease(ctx context.Context, taskID string, lease time.Duration) error

	// SweepExpired requeues every claim whose lease deadline has passed and
	// returns the affected task IDs.
	SweepExpired(ctx context.Context) ([]string, error)

	// PendingCounts reports the queue depth per kind plus the in-flight count.
	PendingCounts(ctx context.Context) (map[models.TaskKind]int64, int64, error)
}
