// Package consumer runs the claim, execute and commit cycle for one category.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/internal/constants"
	"github.com/RezaEskandarii/rollqueue/internal/lock"
	"github.com/RezaEskandarii/rollqueue/internal/metrics"
	"github.com/RezaEskandarii/rollqueue/internal/processor"
	"github.com/RezaEskandarii/rollqueue/internal/state"
	"github.com/RezaEskandarii/rollqueue/internal/store"
	"github.com/RezaEskandarii/rollqueue/types"
	"github.com/RezaEskandarii/rollqueue/types/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"hash/fnv"
	"time"
)

// AbandonedPrefix starts the annotation of rows finalized by stale recovery.
const AbandonedPrefix = "abandoned while in progress by "

const publishTimeout = 5 * time.Second

// Publisher announces committed outcomes.
type Publisher interface {
	PublishOutcome(ctx context.Context, outcome types.JobOutcome) error
}

type Settings struct {
	Category   string
	Instance   string
	BatchSize  int
	CommitMode config.CommitMode
	StaleAfter time.Duration
}

// CycleReport summarizes one RunCycle call.
type CycleReport struct {
	Claimed   int
	Completed int
	Failed    int
	// Anomalies counts result writes that matched no row.
	Anomalies int
	// WriteErrors counts two_phase rows whose result could not be committed; they stay in_progress.
	WriteErrors int
	// Released counts claimed rows returned to pending because the cycle was cancelled.
	Released int
	// LostClaims counts two_phase rows skipped because their claim was no longer held
	// when their turn came; their action never ran.
	LostClaims int
	// RolledBack counts single_tx rows whose action ran but whose result was rolled back.
	RolledBack int
	Cancelled  bool
}

type Consumer struct {
	settings  Settings
	store     store.JobStore
	processor *processor.Processor
	locks     lock.DistributedLockManager
	publisher Publisher
	metrics   *metrics.Metrics
	logger    logrus.FieldLogger
}

type Option func(*Consumer)

func WithPublisher(p Publisher) Option {
	return func(c *Consumer) { c.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithLockManager serializes stale recovery across processes serving the same category.
func WithLockManager(l lock.DistributedLockManager) Option {
	return func(c *Consumer) { c.locks = l }
}

func New(settings Settings, st store.JobStore, proc *processor.Processor, logger logrus.FieldLogger, opts ...Option) (*Consumer, error) {
	if settings.Category == "" || settings.Instance == "" {
		return nil, errors.New("consumer: category and instance are required")
	}
	if settings.BatchSize < 1 {
		return nil, fmt.Errorf("consumer: batch size must be positive, got %d", settings.BatchSize)
	}

	c := &Consumer{
		settings:  settings,
		store:     st,
		processor: proc,
		logger: logger.WithFields(logrus.Fields{
			"category": settings.Category,
			"instance": settings.Instance,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		m, err := metrics.New(prometheus.NewRegistry())
		if err != nil {
			return nil, err
		}
		c.metrics = m
	}
	return c, nil
}

// RunCycle claims up to BatchSize pending rows and drives each to a terminal status.
// ctx is checked before every row; once it is done no further row is started.
// Store operations ignore ctx cancellation so that work already done is committed.
func (c *Consumer) RunCycle(ctx context.Context) (report CycleReport, err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveCycle(c.settings.Category, cycleResult(report, err), time.Since(start))
	}()

	if c.settings.CommitMode == config.SingleTransaction {
		return c.runSingleTransaction(ctx)
	}
	return c.runTwoPhase(ctx)
}

func cycleResult(report CycleReport, err error) string {
	switch {
	case err != nil || report.WriteErrors > 0:
		return metrics.CycleFailed
	case report.Cancelled:
		return metrics.CycleCancelled
	case report.Claimed == 0:
		return metrics.CycleEmpty
	default:
		return metrics.CycleOK
	}
}

// runSingleTransaction keeps claim, provider calls and writes in one transaction.
// Any error after the first provider call rolls back results of actions that
// already ran; those rows are claimed again by a later cycle.
func (c *Consumer) runSingleTransaction(ctx context.Context) (report CycleReport, err error) {
	dbCtx := context.WithoutCancel(ctx)

	tx, err := c.store.Begin(dbCtx)
	if err != nil {
		return report, fmt.Errorf("begin cycle: %w", err)
	}

	var written []committedRow
	actionsRun := 0
	committed := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during cycle: %v", r)
		}
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, store.ErrTxDone) {
			c.logger.WithError(rbErr).Error("rollback failed")
		}
		if actionsRun > 0 {
			report.RolledBack = actionsRun
			report.Completed, report.Failed = 0, 0
			c.metrics.RowsRolledBack(c.settings.Category, actionsRun)
			c.logger.WithError(err).WithField("rows", actionsRun).
				Error("cycle rolled back after actions ran; these rows return to pending and their actions will run again")
		}
	}()

	jobs, err := tx.ClaimPending(dbCtx, c.settings.Category, c.settings.BatchSize)
	if err != nil {
		return report, err
	}
	report.Claimed = len(jobs)

	for _, job := range jobs {
		if ctx.Err() != nil {
			report.Cancelled = true
			c.logger.WithField("unprocessed", len(jobs)-actionsRun).Info("cycle cancelled, leaving remaining rows pending")
			break
		}

		outcome := c.processor.Process(ctx, job)
		actionsRun++

		n, err := tx.WriteResult(dbCtx, types.JobResult{
			JobID:          job.ID,
			Status:         outcome.Status(),
			ResultValue:    outcome.Value(),
			Annotation:     outcome.Annotation(),
			ExpectedStatus: state.StatusPending,
		})
		if err != nil {
			return report, err
		}
		if n == 0 {
			c.writeAnomaly(&report, job)
			continue
		}
		c.count(&report, outcome)
		written = append(written, committedRow{job: job, outcome: outcome})
	}

	if err := tx.Commit(); err != nil {
		return report, err
	}
	committed = true

	for _, row := range written {
		c.committed(dbCtx, row)
	}
	return report, nil
}

// runTwoPhase commits the claim before any provider call and then commits every
// row in its own transaction, so a failure never reverts a result whose action ran.
// claimed_at is renewed right before each provider call, so stale recovery only
// sees a row whose current call outlived StaleAfter.
func (c *Consumer) runTwoPhase(ctx context.Context) (report CycleReport, err error) {
	dbCtx := context.WithoutCancel(ctx)

	jobs, err := c.claim(dbCtx)
	if err != nil {
		return report, err
	}
	report.Claimed = len(jobs)

	for i, job := range jobs {
		if ctx.Err() != nil {
			report.Cancelled = true
			c.release(dbCtx, &report, jobs[i:])
			break
		}

		held, err := c.store.RenewClaim(dbCtx, job.ID, c.settings.Instance)
		if err != nil {
			report.WriteErrors++
			c.logger.WithField("job_id", job.ID).WithError(err).
				Error("failed to renew claim, row stays in_progress until stale recovery")
			continue
		}
		if !held {
			report.LostClaims++
			c.metrics.ClaimLost(c.settings.Category)
			c.logger.WithField("job_id", job.ID).Warn("claim no longer held, skipping row")
			continue
		}

		outcome := c.processRow(ctx, job)

		n, err := c.writeOne(dbCtx, job, outcome)
		if err != nil {
			report.WriteErrors++
			c.logger.WithField("job_id", job.ID).WithError(err).
				Error("failed to commit result, row stays in_progress until stale recovery")
			continue
		}
		if n == 0 {
			c.writeAnomaly(&report, job)
			continue
		}
		c.count(&report, outcome)
		c.committed(dbCtx, committedRow{job: job, outcome: outcome})
	}
	return report, nil
}

func (c *Consumer) claim(ctx context.Context) (jobs []types.Job, err error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, store.ErrTxDone) {
				c.logger.WithError(rbErr).Error("rollback failed")
			}
		}
	}()

	jobs, err = tx.ClaimPending(ctx, c.settings.Category, c.settings.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		ids := make([]int64, len(jobs))
		for i, job := range jobs {
			ids[i] = job.ID
		}
		if err = tx.MarkInProgress(ctx, ids, c.settings.Instance); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// processRow turns a panicking provider into a failed outcome so the row is still finalized.
func (c *Consumer) processRow(ctx context.Context, job types.Job) (outcome processor.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("job_id", job.ID).Errorf("panic while processing row: %v", r)
			outcome = c.processor.FailedOutcome(job, fmt.Sprintf("panic: %v", r))
		}
	}()
	return c.processor.Process(ctx, job)
}

func (c *Consumer) writeOne(ctx context.Context, job types.Job, outcome processor.Outcome) (n int64, err error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin write: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, store.ErrTxDone) {
				c.logger.WithError(rbErr).Error("rollback failed")
			}
		}
	}()

	n, err = tx.WriteResult(ctx, types.JobResult{
		JobID:          job.ID,
		Status:         outcome.Status(),
		ResultValue:    outcome.Value(),
		Annotation:     outcome.Annotation(),
		ExpectedStatus: state.StatusInProgress,
		ClaimedBy:      c.settings.Instance,
	})
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Consumer) release(ctx context.Context, report *CycleReport, jobs []types.Job) {
	ids := make([]int64, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	n, err := c.store.ReleaseClaims(ctx, ids, c.settings.Instance)
	if err != nil {
		c.logger.WithError(err).WithField("rows", len(ids)).
			Error("failed to release claimed rows, stale recovery will finalize them")
		return
	}
	report.Released = int(n)
	c.metrics.RowsReleased(c.settings.Category, n)
	c.logger.WithField("released", n).Info("cycle cancelled, returned unprocessed rows to pending")
}

type committedRow struct {
	job     types.Job
	outcome processor.Outcome
}

func (c *Consumer) count(report *CycleReport, outcome processor.Outcome) {
	if outcome.IsCompleted() {
		report.Completed++
	} else {
		report.Failed++
	}
}

func (c *Consumer) writeAnomaly(report *CycleReport, job types.Job) {
	report.Anomalies++
	c.metrics.WriteAnomaly(c.settings.Category)
	c.logger.WithField("job_id", job.ID).Warn("result write affected no rows")
}

// committed runs once a row's result is durable.
func (c *Consumer) committed(ctx context.Context, row committedRow) {
	status := row.outcome.Status()
	c.metrics.RowCommitted(c.settings.Category, status)
	c.logger.WithFields(logrus.Fields{"job_id": row.job.ID, "status": status}).Debug("row finalized")

	if c.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := c.publisher.PublishOutcome(pubCtx, types.JobOutcome{
		JobID:       row.job.ID,
		GroupKey:    row.job.GroupKey,
		Category:    row.job.Category,
		ActionKind:  row.job.ActionKind,
		Status:      status,
		ResultValue: row.outcome.Value(),
		Annotation:  row.outcome.Annotation(),
		ProcessedBy: c.settings.Instance,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		c.metrics.PublishFailed(c.settings.Category)
		c.logger.WithField("job_id", row.job.ID).WithError(err).Warn("failed to publish outcome")
	}
}

// RecoverStale finalizes rows of this category left in_progress longer than
// StaleAfter as error. Only one process per category runs it at a time when a
// lock manager is configured.
func (c *Consumer) RecoverStale(ctx context.Context) (int64, error) {
	dbCtx := context.WithoutCancel(ctx)

	if c.locks != nil {
		key := RecoveryLockKey(c.settings.Category)
		ok, err := c.locks.TryAcquire(dbCtx, key)
		if err != nil {
			return 0, err
		}
		if !ok {
			c.logger.Debug("stale recovery already running elsewhere")
			return 0, nil
		}
		defer func() {
			if err := c.locks.Release(dbCtx, key); err != nil {
				c.logger.WithError(err).Warn("failed to release recovery lock")
			}
		}()
	}

	n, err := c.store.RecoverStale(dbCtx, c.settings.Category, c.settings.StaleAfter, AbandonedPrefix)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.metrics.RowsRecovered(c.settings.Category, n)
		c.logger.WithField("rows", n).Warn("finalized abandoned in_progress rows as error")
	}
	return n, nil
}

// ReportQueueDepth refreshes the queue depth gauge and returns the counts.
func (c *Consumer) ReportQueueDepth(ctx context.Context) (map[state.JobStatus]int, error) {
	counts, err := c.store.CountByStatus(context.WithoutCancel(ctx), c.settings.Category)
	if err != nil {
		return nil, err
	}
	c.metrics.SetQueueDepth(c.settings.Category, counts)
	return counts, nil
}

// RecoveryLockKey derives the advisory lock key guarding stale recovery of category.
func RecoveryLockKey(category string) int64 {
	h := fnv.New32a()
	h.Write([]byte(category))
	return constants.RecoveryLockBase + int64(h.Sum32())
}
