package repository

import (
	"context"
	"errors"

	"crucible/internal/models"
	"crucible/internal/state"
)

// ErrTaskNotFound is returned when a task ID has no record in the store.
var ErrTaskNotFound = errors.New("task not found")

// ErrCampaignNotFound is returned when a campaign ID has no record in the store.
var ErrCampaignNotFound = errors.New("campaign not found")

// TaskRepository owns task metadata and the lifecycle transitions. Assignment
// uses compare-and-set updates so that concurrent scheduler instances cannot
// hand the same task to two workers.
type TaskRepository interface {
	Insert(ctx context.Context, task models.Task) error
	InsertBatch(ctx context.Context, tasks []models.Task) error
	FindByID(ctx context.Context, id string) (*models.Task, error)
	ListByCampaign(ctx context.Context, campaignID string, page int, pageSize int, statuses []state.TaskStatus) (*models.PaginationResult[models.Task], error)
	ListByStatus(ctx context.Context, status state.TaskStatus, page int, pageSize int) (*models.PaginationResult[models.Task], error)

	// Assign transitions pending -> assigned for the given worker and bumps
	// the attempt counter. Returns false without error when another instance
	// won the race.
	Assign(ctx context.Context, taskID string, workerID string) (bool, error)

	// MarkRunning transitions assigned -> running; the worker must still hold
	// the assignment.
	MarkRunning(ctx context.Context, taskID string, workerID string) (bool, error)

	MarkSucceeded(ctx context.Context, taskID string, resultRef string) error
	MarkFailed(ctx context.Context, taskID string, errMsg string) error

	// Requeue moves an assigned or running task back to pending, clearing its
	// worker. Tasks that exhausted their attempts become expired instead; the
	// resulting status is returned.
	Requeue(ctx context.Context, taskID string, reason string) (state.TaskStatus, error)

	// RequeueWorkerTasks requeues every task currently held by the given
	// worker and returns the affected task IDs. Used by the heartbeat sweep.
	RequeueWorkerTasks(ctx context.Context, workerID string, reason string) ([]string, error)

	// StaleInFlight returns non-terminal tasks that claim an assignment but
	// whose worker set is unknown to the registry; startup recovery requeues
	// them.
	StaleInFlight(ctx context.Context) ([]models.Task, error)

	CountGroupedByStatus(ctx context.Context) (map[state.TaskStatus]int, error)
	CountByCampaignGroupedByStatus(ctx context.Context, campaignID string) (map[state.TaskStatus]int, error)

	Close() error
}
