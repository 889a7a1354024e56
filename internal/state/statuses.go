package state

// TaskStatus is the lifecycle state of a schedulable task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigned  TaskStatus = "assigned"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusExpired   TaskStatus = "expired"
)

func (s TaskStatus) String() string {
	return string(s)
}

var AllStatuses = []TaskStatus{
	StatusPending,
	StatusAssigned,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusExpired,
}

type Transition struct {
	From TaskStatus
	To   TaskStatus
}

// ValidTransitions is the full lifecycle graph. Transitions are monotonic
// except the explicit requeue edges (assigned/running back to pending) taken
// when a worker times out or dies mid-task.
var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusAssigned},
	{From: StatusAssigned, To: StatusRunning},
	{From: StatusAssigned, To: StatusPending},
	{From: StatusRunning, To: StatusPending},
	{From: StatusRunning, To: StatusSucceeded},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusPending, To: StatusExpired},
	{From: StatusAssigned, To: StatusExpired},
	{From: StatusRunning, To: StatusExpired},
}

func IsValidTransition(from, to TaskStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions may leave the status.
func IsTerminal(s TaskStatus) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired:
		return true
	}
	return false
}
