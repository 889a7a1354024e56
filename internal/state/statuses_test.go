package state

import (
	"testing"
)

func TestTaskStatus_String(t *testing.T) {
	tests := []struct {
		name     string
		status   TaskStatus
		expected string
	}{
		{
			name:     "Pending status",
			status:   StatusPending,
			expected: "pending",
		},
		{
			name:     "Assigned status",
			status:   StatusAssigned,
			expected: "assigned",
		},
		{
			name:     "Running status",
			status:   StatusRunning,
			expected: "running",
		},
		{
			name:     "Succeeded status",
			status:   StatusSucceeded,
			expected: "succeeded",
		},
		{
			name:     "Failed status",
			status:   StatusFailed,
			expected: "failed",
		},
		{
			name:     "Expired status",
			status:   StatusExpired,
			expected: "expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.status.String()
			if result != tt.expected {
				t.Errorf("String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     TaskStatus
		to       TaskStatus
		expected bool
	}{
		{
			name:     "Valid: Pending to Assigned",
			from:     StatusPending,
			to:       StatusAssigned,
			expected: true,
		},
		{
			name:     "Valid: Assigned to Running",
			from:     StatusAssigned,
			to:       StatusRunning,
			expected: true,
		},
		{
			name:     "Valid: Running to Succeeded",
			from:     StatusRunning,
			to:       StatusSucceeded,
			expected: true,
		},
		{
			name:     "Valid: Running to Failed",
			from:     StatusRunning,
			to:       StatusFailed,
			expected: true,
		},
		{
			name:     "Valid requeue: Running to Pending",
			from:     StatusRunning,
			to:       StatusPending,
			expected: true,
		},
		{
			name:     "Valid requeue: Assigned to Pending",
			from:     StatusAssigned,
			to:       StatusPending,
			expected: true,
		},
		{
			name:     "Valid: Running to Expired",
			from:     StatusRunning,
			to:       StatusExpired,
			expected: true,
		},
		{
			name:     "Invalid: Pending to Running",
			from:     StatusPending,
			to:       StatusRunning,
			expected: false,
		},
		{
			name:     "Invalid: Succeeded to Pending",
			from:     StatusSucceeded,
			to:       StatusPending,
			expected: false,
		},
		{
			name:     "Invalid: Expired to Assigned",
			from:     StatusExpired,
			to:       StatusAssigned,
			expected: false,
		},
		{
			name:     "Invalid: Failed to Running",
			from:     StatusFailed,
			to:       StatusRunning,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusSucceeded, StatusFailed, StatusExpired} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	for _, s := range []TaskStatus{StatusPending, StatusAssigned, StatusRunning} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}
