package jobqueue_test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tabularis.dev/core/internal/jobqueue"
	"tabularis.dev/core/internal/pgstore"
)

var errFailing = errors.New("handler failed deliberately")

func requireDB(t *testing.T) *pgstore.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}
	db, err := pgstore.Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestPool_AcquiresAndCompletesJob(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	ds := pgstore.NewDatasetStore(db.Pool)
	dataset, err := ds.CreateDataset(ctx, "jobqueue-pool-test", "", "main", "tester")
	require.NoError(t, err)

	jobs := pgstore.NewJobStore(db.Pool)
	created, err := jobs.CreateJob(ctx, db.Pool, dataset.ID, pgstore.RunTypeExploration, map[string]any{}, "tester")
	require.NoError(t, err)

	var handled atomic.Bool
	handler := func(ctx context.Context, job *pgstore.Job) (map[string]any, error) {
		handled.Store(true)
		return map[string]any{"ok": true}, nil
	}

	pool := jobqueue.NewPool(jobs, pgstore.RunTypeExploration, 1, 10*time.Millisecond, handler)
	runCtx, cancel := context.WithCancel(ctx)
	pool.Start(runCtx)

	require.Eventually(t, func() bool { return handled.Load() }, 2*time.Second, 10*time.Millisecond)

	cancel()
	pool.Stop()

	finished, err := jobs.GetJob(ctx, db.Pool, created.ID)
	require.NoError(t, err)
	require.Equal(t, pgstore.JobCompleted, finished.Status)
}

func TestPool_RecordsFailureOnHandlerError(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	ds := pgstore.NewDatasetStore(db.Pool)
	dataset, err := ds.CreateDataset(ctx, "jobqueue-pool-fail-test", "", "main", "tester")
	require.NoError(t, err)

	jobs := pgstore.NewJobStore(db.Pool)
	created, err := jobs.CreateJob(ctx, db.Pool, dataset.ID, pgstore.RunTypeExploration, map[string]any{}, "tester")
	require.NoError(t, err)

	handlerErr := func(ctx context.Context, job *pgstore.Job) (map[string]any, error) {
		return nil, errFailing
	}

	pool := jobqueue.NewPool(jobs, pgstore.RunTypeExploration, 1, 10*time.Millisecond, handlerErr)
	runCtx, cancel := context.WithCancel(ctx)
	pool.Start(runCtx)

	require.Eventually(t, func() bool {
		j, err := jobs.GetJob(ctx, db.Pool, created.ID)
		return err == nil && j.Status == pgstore.JobFailed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	pool.Stop()
}
