package models

import (
	"time"

	"crucible/internal/state"
)

// Campaign groups the tasks produced for one target (for example all fuzz and
// patch tasks for a single challenge project).
type Campaign struct {
	ID          string     `json:"id"`
	ProjectName string     `json:"project_name"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CampaignStatus is the aggregate view served to the competition API.
type CampaignStatus struct {
	Campaign Campaign                 `json:"campaign"`
	Counts   map[state.TaskStatus]int `json:"counts"`
}

// Done reports whether the campaign has tasks and all of them reached a
// terminal status. A campaign with no tasks yet is not done.
func (cs CampaignStatus) Done() bool {
	total := 0
	for status, n := range cs.Counts {
		if n > 0 && !state.IsTerminal(status) {
			return false
		}
		total += n
	}
	return total > 0
}
