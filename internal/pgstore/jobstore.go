package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"tabularis.dev/core/internal/apperr"
)

var jobstoreTracer = otel.Tracer("tabularis.dev/core/internal/pgstore.jobstore")

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

type RunType string

const (
	RunTypeImport       RunType = "import"
	RunTypeSampling     RunType = "sampling"
	RunTypeSQLTransform RunType = "sql_transform"
	RunTypeExploration  RunType = "exploration"
)

// Job is one unit of asynchronous work (spec §4.7).
type Job struct {
	ID              string
	DatasetID       string
	RunType         RunType
	Status          JobStatus
	Parameters      json.RawMessage
	Result          json.RawMessage
	ErrorMessage    *string
	CreatedBy       string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CancelRequested bool
}

// JobStore is the async job queue (M1): jobs are claimed exactly once via
// FOR UPDATE SKIP LOCKED, so N concurrent workers polling the same run_type
// never double-acquire a job (spec §8 P7).
type JobStore struct {
	// pool is used directly (never a Queryer/tx) because acquisition opens
	// and commits its own short transaction around the SKIP LOCKED claim;
	// doing so inside a caller's longer-lived UoW transaction would hold
	// the row lock for the duration of that transaction instead of just
	// the claim.
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore { return &JobStore{pool: pool} }

// Pool exposes the store's connection pool as a Queryer, for callers (the
// worker poll loop) that need to update a job's status outside of any UoW
// transaction.
func (s *JobStore) Pool() Queryer { return s.pool }

func (s *JobStore) CreateJob(ctx context.Context, q Queryer, datasetID string, runType RunType, parameters map[string]any, createdBy string) (*Job, error) {
	ctx, span := jobstoreTracer.Start(ctx, "JobStore.CreateJob")
	defer span.End()

	paramJSON, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal job parameters: %w", err)
	}

	var j Job
	j.Parameters = paramJSON
	err = q.QueryRow(ctx, `
		insert into jobs (dataset_id, run_type, parameters, created_by)
		values ($1, $2, $3, $4)
		returning id, status, created_at
	`, datasetID, runType, paramJSON, createdBy).Scan(&j.ID, &j.Status, &j.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	j.DatasetID = datasetID
	j.RunType = runType
	j.CreatedBy = createdBy
	return &j, nil
}

// AcquireNextPendingJob claims the oldest pending job of runType, atomically
// transitioning it to running. Returns (nil, nil) when the queue is empty
// for this run_type, which is the normal "nothing to do" outcome, not an
// error — the worker loop sleeps and polls again.
func (s *JobStore) AcquireNextPendingJob(ctx context.Context, runType RunType) (*Job, error) {
	ctx, span := jobstoreTracer.Start(ctx, "JobStore.AcquireNextPendingJob")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var j Job
	err = tx.QueryRow(ctx, `
		update jobs set status = 'running', started_at = now()
		where id = (
			select id from jobs
			where run_type = $1 and status = 'pending' and cancel_requested = false
			order by created_at asc
			limit 1
			for update skip locked
		)
		returning id, dataset_id, run_type, status, parameters, created_by, created_at, started_at, cancel_requested
	`, runType).Scan(&j.ID, &j.DatasetID, &j.RunType, &j.Status, &j.Parameters, &j.CreatedBy, &j.CreatedAt, &j.StartedAt, &j.CancelRequested)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &j, nil
}

func (s *JobStore) UpdateJobStatus(ctx context.Context, q Queryer, jobID string, status JobStatus, result map[string]any, errMsg *string) error {
	ctx, span := jobstoreTracer.Start(ctx, "JobStore.UpdateJobStatus")
	defer span.End()

	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
	}

	tag, err := q.Exec(ctx, `
		update jobs set status = $1, result = $2, error_message = $3, finished_at = case when $1 in ('completed', 'failed', 'cancelled') then now() else finished_at end
		where id = $4
	`, status, resultJSON, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("job %s not found", jobID)
	}
	return nil
}

// RequestCancellation cancels a job (spec §8 scenario 6). A still-pending
// job is never going to be observed mid-run, so it transitions straight to
// cancelled and AcquireNextPendingJob will never select it. A running job
// can't be cancelled out from under its worker, so it only gets the
// cooperative cancel_requested flag; the worker body is responsible for
// checking it at batch boundaries and finishing as cancelled itself.
func (s *JobStore) RequestCancellation(ctx context.Context, jobID string) error {
	ctx, span := jobstoreTracer.Start(ctx, "JobStore.RequestCancellation")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		update jobs set
			cancel_requested = true,
			status = case when status = 'pending' then 'cancelled' else status end,
			finished_at = case when status = 'pending' then now() else finished_at end
		where id = $1 and status in ('pending', 'running')
	`, jobID)
	if err != nil {
		return fmt.Errorf("request cancellation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.BusinessRulef("job_not_cancellable", "job %s is not pending or running", jobID)
	}
	return nil
}

// IsCancellationRequested is polled by a worker body between row batches.
func (s *JobStore) IsCancellationRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `select cancel_requested from jobs where id = $1`, jobID).Scan(&requested)
	return requested, err
}

func (s *JobStore) GetJob(ctx context.Context, q Queryer, jobID string) (*Job, error) {
	var j Job
	err := q.QueryRow(ctx, `
		select id, dataset_id, run_type, status, parameters, result, error_message, created_by, created_at, started_at, finished_at, cancel_requested
		from jobs where id = $1
	`, jobID).Scan(&j.ID, &j.DatasetID, &j.RunType, &j.Status, &j.Parameters, &j.Result, &j.ErrorMessage, &j.CreatedBy, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.CancelRequested)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFoundf("job %s not found", jobID)
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return &j, nil
}

func (s *JobStore) ListJobsForDataset(ctx context.Context, q Queryer, datasetID string, runType *RunType) ([]Job, error) {
	var rows pgx.Rows
	var err error
	if runType != nil {
		rows, err = q.Query(ctx, `
			select id, dataset_id, run_type, status, parameters, result, error_message, created_by, created_at, started_at, finished_at, cancel_requested
			from jobs where dataset_id = $1 and run_type = $2 order by created_at desc
		`, datasetID, *runType)
	} else {
		rows, err = q.Query(ctx, `
			select id, dataset_id, run_type, status, parameters, result, error_message, created_by, created_at, started_at, finished_at, cancel_requested
			from jobs where dataset_id = $1 order by created_at desc
		`, datasetID)
	}
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.DatasetID, &j.RunType, &j.Status, &j.Parameters, &j.Result, &j.ErrorMessage, &j.CreatedBy, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.CancelRequested); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
