package samplingworker_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"tabularis.dev/core/internal/commands"
	"tabularis.dev/core/internal/commitprep"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/sampling"
	"tabularis.dev/core/internal/uow"
	"tabularis.dev/core/internal/workers/samplingworker"
)

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

func TestWorker_Handle_SamplesAndWritesResidual(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	u := uow.New(db.Pool)
	cmds := commands.New(u, nil)
	jobs := pgstore.NewJobStore(db.Pool)

	dataset, _, err := cmds.CreateDataset(ctx, "sampling-worker-test", "", "main", "tester")
	require.NoError(t, err)

	rows := make(commitprep.TableRows)
	var people []map[string]any
	for i := 0; i < 10; i++ {
		people = append(people, map[string]any{"id": int64(i)})
	}
	rows["people"] = people
	commit, err := cmds.CreateCommitDirect(ctx, dataset.ID, "main", rows, "seed people", "tester")
	require.NoError(t, err)

	seed := int64(42)
	params := map[string]any{
		"source_commit_id": commit.ID,
		"table_key":        "people",
		"rounds": []map[string]any{
			{"method": string(sampling.Random), "sample_size": 3, "seed": seed},
		},
		"output_ref_name": "sample-out",
		"include_residual": true,
	}
	job, err := jobs.CreateJob(ctx, db.Pool, dataset.ID, pgstore.RunTypeSampling, params, "tester")
	require.NoError(t, err)

	w := samplingworker.New(u, jobs)
	result, err := w.Handle(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 3, result["sampled_rows"])
	require.Equal(t, 7, result["residual_rows"])
}
