package models

import "time"

// WorkerState tracks whether a registered worker is considered live.
type WorkerState string

const (
	WorkerAlive WorkerState = "alive"
	WorkerDead  WorkerState = "dead"
)

// Worker is a registered execution agent of one pool kind. A worker holds at
// most Capacity tasks concurrently; liveness is judged from LastHeartbeat.
type Worker struct {
	ID            string      `json:"id"`
	Kind          TaskKind    `json:"kind"`
	Capacity      int64       `json:"capacity"`
	State         WorkerState `json:"state"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`
}
