package state

import "fmt"

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether a row in this status has left the pending pool for good.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

var AllStatuses = []JobStatus{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusError,
}

func ParseJobStatus(s string) (JobStatus, error) {
	for _, status := range AllStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidTransitions lists every committed status change the consumer may make.
// in_progress -> pending is the claim release performed on shutdown.
var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusCompleted},
	{From: StatusPending, To: StatusError},
	{From: StatusPending, To: StatusInProgress},
	{From: StatusInProgress, To: StatusCompleted},
	{From: StatusInProgress, To: StatusError},
	{From: StatusInProgress, To: StatusPending},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
