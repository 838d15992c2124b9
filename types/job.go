package types

import (
	"github.com/RezaEskandarii/rollqueue/internal/state"
	"time"
)

// GroupKey identifies who asked for a roll and where the result belongs.
// The consumer treats it as opaque except for ChannelID, which it hands to the provider.
type GroupKey struct {
	GameID      string `json:"game_id"`
	ChannelID   string `json:"channel_id"`
	RequesterID string `json:"requester_id"`
}

// Job is one row of the shared jobs table.
type Job struct {
	ID          int64
	GroupKey    GroupKey
	Category    string
	ActionKind  string
	Annotation  string
	Status      state.JobStatus
	ResultValue *int
	RequestedAt time.Time
	CompletedAt *time.Time
	ClaimedBy   *string
	ClaimedAt   *time.Time
}

// JobResult is the terminal write for a single claimed row.
// The write only applies while the row still has ExpectedStatus and ClaimedBy,
// so a row finalized by someone else is reported as zero rows affected.
type JobResult struct {
	JobID          int64
	Status         state.JobStatus
	ResultValue    *int
	Annotation     string
	ExpectedStatus state.JobStatus
	ClaimedBy      string
}

// JobOutcome is published to the notification broker once a result is durable.
type JobOutcome struct {
	JobID       int64           `json:"job_id"`
	GroupKey    GroupKey        `json:"group_key"`
	Category    string          `json:"category"`
	ActionKind  string          `json:"action_kind"`
	Status      state.JobStatus `json:"status"`
	ResultValue *int            `json:"result_value,omitempty"`
	Annotation  string          `json:"annotation"`
	ProcessedBy string          `json:"processed_by"`
	CompletedAt time.Time       `json:"completed_at"`
}
