package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/internal/constants"
	"github.com/RezaEskandarii/rollqueue/internal/state"
	"github.com/RezaEskandarii/rollqueue/internal/store"
	"github.com/RezaEskandarii/rollqueue/types"
	"github.com/lib/pq"
	"time"
)

const uniqueViolation pq.ErrorCode = "23505"

const jobColumns = `
		id,
		game_id,
		channel_id,
		requester_id,
		category,
		action_kind,
		annotation,
		status,
		result_value,
		requested_at,
		completed_at,
		claimed_by,
		claimed_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func (r *PostgresJobStore) Begin(ctx context.Context) (store.JobTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresJobTx{tx: tx}, nil
}

func (r *PostgresJobStore) Insert(ctx context.Context, job types.Job) error {
	requestedAt := job.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now()
	}

	query := `
		INSERT INTO ` + constants.JobTable + ` (
			id,
			game_id,
			channel_id,
			requester_id,
			category,
			action_kind,
			annotation,
			status,
			requested_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.GroupKey.GameID,
		job.GroupKey.ChannelID,
		job.GroupKey.RequesterID,
		job.Category,
		nullString(job.ActionKind),
		job.Annotation,
		state.StatusPending,
		requestedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("failed to insert job %d: %w", job.ID, store.ErrDuplicateJob)
		}
		return fmt.Errorf("failed to insert job %d: %w", job.ID, withSQLState(err))
	}
	return nil
}

func (r *PostgresJobStore) FindByID(ctx context.Context, id int64) (*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ` + constants.JobTable + ` WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}
	return job, nil
}

func (r *PostgresJobStore) ReleaseClaims(ctx context.Context, ids []int64, claimedBy string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE `+constants.JobTable+`
		SET status = $1,
		    claimed_by = NULL,
		    claimed_at = NULL
		WHERE id = ANY($2) AND status = $3 AND claimed_by = $4
	`, state.StatusPending, pq.Array(ids), state.StatusInProgress, claimedBy)
	if err != nil {
		return 0, fmt.Errorf("failed to release claims: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresJobStore) RenewClaim(ctx context.Context, id int64, claimedBy string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+constants.JobTable+`
		SET claimed_at = NOW()
		WHERE id = $1 AND status = $2 AND claimed_by = $3
	`, id, state.StatusInProgress, claimedBy)
	if err != nil {
		return false, fmt.Errorf("failed to renew claim on job %d: %w", id, withSQLState(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *PostgresJobStore) RecoverStale(ctx context.Context, category string, olderThan time.Duration, annotationPrefix string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+constants.JobTable+`
		SET status = $1,
		    completed_at = NOW(),
		    annotation = LEFT(RTRIM($2::text || COALESCE(claimed_by, 'unknown') || '. ' || annotation), $3)
		WHERE status = $4
		  AND category = $5
		  AND claimed_at < NOW() - make_interval(secs => $6)
	`,
		state.StatusError,
		annotationPrefix,
		constants.MaxAnnotationLength,
		state.StatusInProgress,
		category,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresJobStore) CountByStatus(ctx context.Context, category string) (map[state.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM `+constants.JobTable+`
		WHERE category = $1
		GROUP BY status
	`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	result := make(map[state.JobStatus]int)
	for rows.Next() {
		var status state.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, status := range state.AllStatuses {
		if _, ok := result[status]; !ok {
			result[status] = 0
		}
	}

	return result, nil
}

func (r *PostgresJobStore) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresJobStore) Close() error {
	return r.db.Close()
}

type postgresJobTx struct {
	tx *sql.Tx
}

func (t *postgresJobTx) ClaimPending(ctx context.Context, category string, limit int) ([]types.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM ` + constants.JobTable + `
		WHERE status = $1 AND category = $2
		ORDER BY requested_at ASC, id ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`

	rows, err := t.tx.QueryContext(ctx, query, state.StatusPending, category, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", withSQLState(err))
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return jobs, nil
}

func (t *postgresJobTx) MarkInProgress(ctx context.Context, ids []int64, claimedBy string) error {
	if len(ids) == 0 {
		return nil
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE `+constants.JobTable+`
		SET status = $1,
		    claimed_by = $2,
		    claimed_at = NOW()
		WHERE id = ANY($3) AND status = $4
	`, state.StatusInProgress, claimedBy, pq.Array(ids), state.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark jobs in progress: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(ids)) {
		return fmt.Errorf("marked %d of %d claimed jobs in progress", affected, len(ids))
	}
	return nil
}

func (t *postgresJobTx) WriteResult(ctx context.Context, result types.JobResult) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE `+constants.JobTable+`
		SET status = $1,
		    result_value = $2,
		    annotation = $3,
		    completed_at = NOW()
		WHERE id = $4
		  AND status = $5
		  AND claimed_by IS NOT DISTINCT FROM $6
	`,
		result.Status,
		nullInt(result.ResultValue),
		result.Annotation,
		result.JobID,
		result.ExpectedStatus,
		nullString(result.ClaimedBy),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to write result for job %d: %w", result.JobID, withSQLState(err))
	}
	return res.RowsAffected()
}

func (t *postgresJobTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return store.ErrTxDone
		}
		return fmt.Errorf("failed to commit: %w", withSQLState(err))
	}
	return nil
}

func (t *postgresJobTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return store.ErrTxDone
		}
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job         types.Job
		actionKind  sql.NullString
		resultValue sql.NullInt64
		completedAt sql.NullTime
		claimedBy   sql.NullString
		claimedAt   sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.GroupKey.GameID,
		&job.GroupKey.ChannelID,
		&job.GroupKey.RequesterID,
		&job.Category,
		&actionKind,
		&job.Annotation,
		&job.Status,
		&resultValue,
		&job.RequestedAt,
		&completedAt,
		&claimedBy,
		&claimedAt,
	); err != nil {
		return nil, err
	}

	job.ActionKind = actionKind.String
	if resultValue.Valid {
		v := int(resultValue.Int64)
		job.ResultValue = &v
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if claimedBy.Valid {
		job.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// withSQLState appends the SQLSTATE code and constraint of a server error so
// that log lines identify serialization failures and check violations.
func withSQLState(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	if pqErr.Constraint != "" {
		return fmt.Errorf("%w (sqlstate %s, constraint %s)", err, pqErr.Code, pqErr.Constraint)
	}
	return fmt.Errorf("%w (sqlstate %s)", err, pqErr.Code)
}
