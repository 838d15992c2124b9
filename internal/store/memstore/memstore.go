// Package memstore is an in-process JobStore with transactional semantics close
// enough to PostgreSQL for cycle tests: staged writes become visible on Commit,
// Rollback discards them, and rows held by an open transaction are skipped by
// other claims.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/internal/constants"
	"github.com/RezaEskandarii/rollqueue/internal/state"
	"github.com/RezaEskandarii/rollqueue/internal/store"
	"github.com/RezaEskandarii/rollqueue/types"
	"sort"
	"strings"
	"sync"
	"time"
)

var errClosed = errors.New("memstore: store is closed")

type Store struct {
	mu        sync.Mutex
	rows      map[int64]types.Job
	locks     map[int64]*tx
	failWrite map[int64]error
	closed    bool

	commits   int
	rollbacks int

	now func() time.Time
}

func New() *Store {
	return &Store{
		rows:      make(map[int64]types.Job),
		locks:     make(map[int64]*tx),
		failWrite: make(map[int64]error),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for completed_at, claimed_at and stale checks.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailWriteFor makes every WriteResult for id return err until cleared with a nil err.
func (s *Store) FailWriteFor(id int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failWrite, id)
		return
	}
	s.failWrite[id] = err
}

// Commits returns the number of committed transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Rollbacks returns the number of rolled back transactions.
func (s *Store) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

// Snapshot returns a copy of the committed row.
func (s *Store) Snapshot(id int64) (types.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.rows[id]
	return job, ok
}

func (s *Store) Begin(ctx context.Context) (store.JobTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	return &tx{store: s, staged: make(map[int64]types.Job)}, nil
}

func (s *Store) Insert(_ context.Context, job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.rows[job.ID]; ok {
		return fmt.Errorf("failed to insert job %d: %w", job.ID, store.ErrDuplicateJob)
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = s.now()
	}
	job.Status = state.StatusPending
	job.ResultValue = nil
	job.CompletedAt = nil
	job.ClaimedBy = nil
	job.ClaimedAt = nil
	s.rows[job.ID] = job
	return nil
}

func (s *Store) FindByID(_ context.Context, id int64) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}
	return &job, nil
}

func (s *Store) ReleaseClaims(_ context.Context, ids []int64, claimedBy string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	var released int64
	for _, id := range ids {
		job, ok := s.rows[id]
		if !ok || job.Status != state.StatusInProgress || job.ClaimedBy == nil || *job.ClaimedBy != claimedBy {
			continue
		}
		job.Status = state.StatusPending
		job.ClaimedBy = nil
		job.ClaimedAt = nil
		s.rows[id] = job
		released++
	}
	return released, nil
}

func (s *Store) RenewClaim(_ context.Context, id int64, claimedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}
	job, ok := s.rows[id]
	if !ok || job.Status != state.StatusInProgress || !sameOwner(job.ClaimedBy, claimedBy) {
		return false, nil
	}
	now := s.now()
	job.ClaimedAt = &now
	s.rows[id] = job
	return true, nil
}

func (s *Store) RecoverStale(_ context.Context, category string, olderThan time.Duration, annotationPrefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	now := s.now()
	cutoff := now.Add(-olderThan)
	var recovered int64
	for id, job := range s.rows {
		if job.Status != state.StatusInProgress || job.Category != category {
			continue
		}
		if job.ClaimedAt == nil || !job.ClaimedAt.Before(cutoff) {
			continue
		}
		owner := "unknown"
		if job.ClaimedBy != nil {
			owner = *job.ClaimedBy
		}
		annotation := strings.TrimRight(annotationPrefix+owner+". "+job.Annotation, " ")
		job.Annotation = truncateRunes(annotation, constants.MaxAnnotationLength)
		job.Status = state.StatusError
		job.CompletedAt = &now
		s.rows[id] = job
		recovered++
	}
	return recovered, nil
}

func (s *Store) CountByStatus(_ context.Context, category string) (map[state.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	counts := make(map[state.JobStatus]int, len(state.AllStatuses))
	for _, status := range state.AllStatuses {
		counts[status] = 0
	}
	for _, job := range s.rows {
		if job.Category == category {
			counts[job.Status]++
		}
	}
	return counts, nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type tx struct {
	store  *Store
	staged map[int64]types.Job
	held   []int64
	done   bool
}

// current returns the row as this transaction sees it. Caller holds store.mu.
func (t *tx) current(id int64) (types.Job, bool) {
	if job, ok := t.staged[id]; ok {
		return job, true
	}
	job, ok := t.store.rows[id]
	return job, ok
}

// lock takes the row lock for this transaction. Caller holds store.mu.
func (t *tx) lock(id int64) bool {
	owner, ok := t.store.locks[id]
	if ok {
		return owner == t
	}
	t.store.locks[id] = t
	t.held = append(t.held, id)
	return true
}

func (t *tx) ClaimPending(ctx context.Context, category string, limit int) ([]types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return nil, store.ErrTxDone
	}

	var candidates []types.Job
	for id := range s.rows {
		job, _ := t.current(id)
		if job.Status != state.StatusPending || job.Category != category {
			continue
		}
		if owner, locked := s.locks[id]; locked && owner != t {
			continue
		}
		candidates = append(candidates, job)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].RequestedAt.Equal(candidates[j].RequestedAt) {
			return candidates[i].RequestedAt.Before(candidates[j].RequestedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, job := range candidates {
		t.lock(job.ID)
	}
	return candidates, nil
}

func (t *tx) MarkInProgress(_ context.Context, ids []int64, claimedBy string) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}

	now := s.now()
	marked := 0
	for _, id := range ids {
		job, ok := t.current(id)
		if !ok || job.Status != state.StatusPending || !t.lock(id) {
			continue
		}
		owner := claimedBy
		claimedAt := now
		job.Status = state.StatusInProgress
		job.ClaimedBy = &owner
		job.ClaimedAt = &claimedAt
		t.staged[id] = job
		marked++
	}
	if marked != len(ids) {
		return fmt.Errorf("marked %d of %d claimed jobs in progress", marked, len(ids))
	}
	return nil
}

func (t *tx) WriteResult(_ context.Context, result types.JobResult) (int64, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return 0, store.ErrTxDone
	}
	if err, ok := s.failWrite[result.JobID]; ok {
		return 0, fmt.Errorf("failed to write result for job %d: %w", result.JobID, err)
	}

	job, ok := t.current(result.JobID)
	if !ok || job.Status != result.ExpectedStatus || !sameOwner(job.ClaimedBy, result.ClaimedBy) {
		return 0, nil
	}
	if !t.lock(result.JobID) {
		return 0, fmt.Errorf("failed to write result for job %d: row is locked by another transaction", result.JobID)
	}
	if (result.ResultValue != nil) != (result.Status == state.StatusCompleted) {
		return 0, fmt.Errorf("failed to write result for job %d: result_value must be set exactly for completed rows", result.JobID)
	}

	now := s.now()
	job.Status = result.Status
	job.ResultValue = result.ResultValue
	job.Annotation = result.Annotation
	job.CompletedAt = &now
	t.staged[result.JobID] = job
	return 1, nil
}

func (t *tx) Commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	for id, job := range t.staged {
		s.rows[id] = job
	}
	t.finish()
	s.commits++
	return nil
}

func (t *tx) Rollback() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	t.finish()
	s.rollbacks++
	return nil
}

// finish releases row locks. Caller holds store.mu.
func (t *tx) finish() {
	for _, id := range t.held {
		if t.store.locks[id] == t {
			delete(t.store.locks, id)
		}
	}
	t.held = nil
	t.staged = nil
	t.done = true
}

func sameOwner(claimedBy *string, want string) bool {
	if claimedBy == nil {
		return want == ""
	}
	return *claimedBy == want
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
