package models

import (
	"encoding/json"
	"time"

	"crucible/internal/state"
)

// TaskKind tags a task with the worker capability required to execute it.
type TaskKind string

const (
	KindFuzz    TaskKind = "fuzz"
	KindSeedGen TaskKind = "seed-gen"
	KindPatch   TaskKind = "patch"
	KindAnalyze TaskKind = "analyze"
)

var AllKinds = []TaskKind{KindFuzz, KindSeedGen, KindPatch, KindAnalyze}

func (k TaskKind) String() string {
	return string(k)
}

func (k TaskKind) Valid() bool {
	for _, kind := range AllKinds {
		if k == kind {
			return true
		}
	}
	return false
}

const (
	MinPriority = 0
	MaxPriority = 9
)

// Task is a single unit of schedulable work. Metadata lives in the task store;
// the broker only orders task IDs for dispatch.
type Task struct {
	ID             string           `json:"id"`
	CampaignID     string           `json:"campaign_id"`
	Kind           TaskKind         `json:"kind"`
	Target         string           `json:"target"`
	Priority       int              `json:"priority"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	Status         state.TaskStatus `json:"status"`
	Attempts       int              `json:"attempts"`
	MaxAttempts    int              `json:"max_attempts"`
	AssignedWorker *string          `json:"assigned_worker,omitempty"`
	ResultRef      *string          `json:"result_ref,omitempty"`
	LastError      *string          `json:"last_error,omitempty"`
	Deadline       time.Duration    `json:"deadline,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	AssignedAt     *time.Time       `json:"assigned_at,omitempty"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}
