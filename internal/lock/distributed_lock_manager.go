package lock

import "context"

// DistributedLockManager serializes work across consumer processes.
// A lock is owned by the process that acquired it until Release is called.
type DistributedLockManager interface {
	// Acquire blocks until lockID is held or ctx is done.
	Acquire(ctx context.Context, lockID int64) error
	// TryAcquire takes lockID if it is free and reports whether it did.
	TryAcquire(ctx context.Context, lockID int64) (bool, error)
	Release(ctx context.Context, lockID int64) error
}
