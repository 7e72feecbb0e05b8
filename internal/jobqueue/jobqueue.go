// Package jobqueue runs the worker poll loop: N goroutines per run_type,
// each repeatedly acquiring the next pending job of that type and handing
// it to a Handler, sleeping between empty polls. Shaped after the
// teacher's spindle/queue worker pool (fixed pool, graceful Stop via
// WaitGroup), generalized from an in-memory channel to polling the
// database-backed queue in internal/pgstore.
package jobqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/obslog"
	"tabularis.dev/core/internal/pgstore"
)

// Handler executes one job's body. A returned error marks the job failed;
// nil marks it completed. Handlers are expected to check ctx and poll
// JobStore.IsCancellationRequested at batch boundaries for cooperative
// cancellation.
type Handler func(ctx context.Context, job *pgstore.Job) (result map[string]any, err error)

// Pool runs workersPerType goroutines polling for jobs of one run_type.
type Pool struct {
	store        *pgstore.JobStore
	runType      pgstore.RunType
	handler      Handler
	pollInterval time.Duration
	workers      int
	log          *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(store *pgstore.JobStore, runType pgstore.RunType, workers int, pollInterval time.Duration, handler Handler) *Pool {
	return &Pool{
		store:        store,
		runType:      runType,
		handler:      handler,
		pollInterval: pollInterval,
		workers:      workers,
		log:          obslog.Sub(obslog.New("jobqueue"), string(runType)),
	}
}

// Start launches the pool's workers against ctx; cancelling ctx (or
// calling Stop) signals them to finish their current job and exit.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Stop cancels the pool's context and waits for every worker to finish its
// current job (spec §9 "graceful shutdown drains in-flight work").
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerIdx int) {
	defer p.wg.Done()
	log := p.log.With("worker", workerIdx)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.acquireWithRetry(ctx)
		if err != nil {
			log.Error("acquire job failed after retries", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		p.execute(ctx, log, job)
	}
}

// acquireWithRetry retries transient acquisition errors (a connection blip
// against the pool, not a business-rule failure) a few times before giving
// up for this poll cycle. Business-level job failures are never retried
// here or anywhere else (spec §7) — this only covers the claim query itself.
func (p *Pool) acquireWithRetry(ctx context.Context) (*pgstore.Job, error) {
	var job *pgstore.Job
	err := retry.Do(
		func() error {
			j, err := p.store.AcquireNextPendingJob(ctx, p.runType)
			if err != nil {
				return err
			}
			job = j
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return job, err
}

func (p *Pool) execute(ctx context.Context, log *slog.Logger, job *pgstore.Job) {
	log = log.With("job_id", job.ID, "dataset_id", job.DatasetID)
	log.Info("job started")

	result, err := p.handler(ctx, job)

	if err != nil {
		msg := err.Error()
		status := pgstore.JobFailed
		if appErr, ok := apperr.As(err); ok && appErr.Kind == apperr.BusinessRuleViolation {
			// job.CancelRequested is the snapshot taken at claim time, which
			// is always false; re-read the flag the handler observed.
			if requested, cerr := p.store.IsCancellationRequested(ctx, job.ID); cerr == nil && requested {
				status = pgstore.JobCancelled
			}
		}
		if updateErr := p.store.UpdateJobStatus(ctx, p.store.Pool(), job.ID, status, nil, &msg); updateErr != nil {
			log.Error("failed to record job failure", "err", updateErr)
		}
		log.Error("job failed", "err", err)
		return
	}

	if updateErr := p.store.UpdateJobStatus(ctx, p.store.Pool(), job.ID, pgstore.JobCompleted, result, nil); updateErr != nil {
		log.Error("failed to record job completion", "err", updateErr)
	}
	log.Info("job completed")
}
