package store

import (
	"context"
	"github.com/RezaEskandarii/rollqueue/internal/state"
	"github.com/RezaEskandarii/rollqueue/types"
	"time"
)

// JobStore is the shared jobs table as seen by one consumer process.
type JobStore interface {
	// Begin opens a transaction that claims and writes rows.
	Begin(ctx context.Context) (JobTx, error)

	// Insert adds a pending row. Producers own this in production; the consumer uses it for tooling and tests.
	Insert(ctx context.Context, job types.Job) error

	// FindByID returns the row with the given id or ErrJobNotFound.
	FindByID(ctx context.Context, id int64) (*types.Job, error)

	// ReleaseClaims returns in_progress rows claimed by claimedBy to pending.
	// Only rows whose provider call has not started may be released.
	ReleaseClaims(ctx context.Context, ids []int64, claimedBy string) (int64, error)

	// RenewClaim moves claimed_at of an in_progress row held by claimedBy to now.
	// It reports false when the row is no longer held by claimedBy.
	RenewClaim(ctx context.Context, id int64, claimedBy string) (bool, error)

	// RecoverStale finalizes rows of category left in_progress for longer than olderThan as error.
	RecoverStale(ctx context.Context, category string, olderThan time.Duration, annotationPrefix string) (int64, error)

	// CountByStatus returns the number of rows of category per status, with zero entries for absent statuses.
	CountByStatus(ctx context.Context, category string) (map[state.JobStatus]int, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close closes the database
	Close() error
}

// JobTx is a single open transaction on the jobs table. Row locks taken by
// ClaimPending are held until Commit or Rollback.
type JobTx interface {
	// ClaimPending locks up to limit pending rows of category, oldest requested_at first,
	// skipping rows another transaction already holds.
	ClaimPending(ctx context.Context, category string, limit int) ([]types.Job, error)

	// MarkInProgress moves claimed rows to in_progress under claimedBy.
	MarkInProgress(ctx context.Context, ids []int64, claimedBy string) error

	// WriteResult applies a terminal result and reports how many rows it affected.
	WriteResult(ctx context.Context, result types.JobResult) (int64, error)

	Commit() error
	Rollback() error
}
