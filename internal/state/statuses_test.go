package state

import (
	"testing"
)

func TestJobStatus_String(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{
			name:     "Pending status",
			status:   StatusPending,
			expected: "pending",
		},
		{
			name:     "In progress status",
			status:   StatusInProgress,
			expected: "in_progress",
		},
		{
			name:     "Completed status",
			status:   StatusCompleted,
			expected: "completed",
		},
		{
			name:     "Error status",
			status:   StatusError,
			expected: "error",
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

func TestJobStatus_IsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() || StatusInProgress.IsTerminal() {
		t.Error("pending and in_progress must not be terminal")
	}
	if !StatusCompleted.IsTerminal() || !StatusError.IsTerminal() {
		t.Error("completed and error must be terminal")
	}
}

func TestParseJobStatus(t *testing.T) {
	for _, status := range AllStatuses {
		parsed, err := ParseJobStatus(status.String())
		if err != nil {
			t.Fatalf("ParseJobStatus(%q) returned error: %v", status, err)
		}
		if parsed != status {
			t.Errorf("ParseJobStatus(%q) = %v", status, parsed)
		}
	}

	if _, err := ParseJobStatus("queued"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     JobStatus
		to       JobStatus
		expected bool
	}{
		{
			name:     "Valid: Pending to Completed",
			from:     StatusPending,
			to:       StatusCompleted,
			expected: true,
		},
		{
			name:     "Valid: Pending to Error",
			from:     StatusPending,
			to:       StatusError,
			expected: true,
		},
		{
			name:     "Valid: Pending to InProgress",
			from:     StatusPending,
			to:       StatusInProgress,
			expected: true,
		},
		{
			name:     "Valid: InProgress to Completed",
			from:     StatusInProgress,
			to:       StatusCompleted,
			expected: true,
		},
		{
			name:     "Valid: InProgress released to Pending",
			from:     StatusInProgress,
			to:       StatusPending,
			expected: true,
		},
		{
			name:     "Invalid: Completed to Pending",
			from:     StatusCompleted,
			to:       StatusPending,
			expected: false,
		},
		{
			name:     "Invalid: Error to Completed",
			from:     StatusError,
			to:       StatusCompleted,
			expected: false,
		},
		{
			name:     "Invalid: Completed to Error",
			from:     StatusCompleted,
			to:       StatusError,
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
