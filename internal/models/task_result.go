package models

import "crucible/internal/state"

// TaskResult is what a worker reports back after executing a task.
type TaskResult struct {
	TaskID      string
	WorkerID    string
	Err         error
	ResultRef   string
	Attempts    int
	MaxAttempts int
	Status      state.TaskStatus
}
