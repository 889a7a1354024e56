package models

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"crucible/internal/state"
)

func TestCampaignStatus_Done(t *testing.T) {
	tests := []struct {
		name   string
		counts map[state.TaskStatus]int
		want   bool
	}{
		{
			name:   "no tasks yet",
			counts: map[state.TaskStatus]int{},
			want:   false,
		},
		{
			name: "all statuses zero-filled",
			counts: map[state.TaskStatus]int{
				state.StatusPending:   0,
				state.StatusAssigned:  0,
				state.StatusRunning:   0,
				state.StatusSucceeded: 0,
				state.StatusFailed:    0,
				state.StatusExpired:   0,
			},
			want: false,
		},
		{
			name: "work still in flight",
			counts: map[state.TaskStatus]int{
				state.StatusRunning:   2,
				state.StatusSucceeded: 5,
			},
			want: false,
		},
		{
			name: "all terminal",
			counts: map[state.TaskStatus]int{
				state.StatusSucceeded: 5,
				state.StatusFailed:    1,
				state.StatusExpired:   2,
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := CampaignStatus{Counts: tt.counts}
			assert.Equal(t, tt.want, cs.Done())
		})
	}
}
