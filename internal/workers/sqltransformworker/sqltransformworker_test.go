package sqltransformworker_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"tabularis.dev/core/internal/commands"
	"tabularis.dev/core/internal/commitprep"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/uow"
	"tabularis.dev/core/internal/workers/sqltransformworker"
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

func TestWorker_Handle_ExecutesSelectAndWritesOutputTable(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	u := uow.New(db.Pool)
	cmds := commands.New(u, nil)

	dataset, _, err := cmds.CreateDataset(ctx, "sql-transform-worker-test", "", "main", "tester")
	require.NoError(t, err)

	rows := commitprep.TableRows{
		"people": {
			{"name": "ann", "age": int64(30)},
			{"name": "bob", "age": int64(17)},
		},
	}
	commit, err := cmds.CreateCommitDirect(ctx, dataset.ID, "main", rows, "seed people", "tester")
	require.NoError(t, err)

	params, err := json.Marshal(sqltransformworker.Params{
		SQL:             "select name from people where age >= 18",
		Sources:         []sqltransformworker.SourceRef{{Name: "people", CommitID: commit.ID, TableKey: "people"}},
		OutputTableKey:  "adults",
		TargetDatasetID: dataset.ID,
		TargetRefName:   "main",
	})
	require.NoError(t, err)

	jobs := pgstore.NewJobStore(db.Pool)
	job, err := jobs.CreateJob(ctx, db.Pool, dataset.ID, pgstore.RunTypeSQLTransform, map[string]any{}, "tester")
	require.NoError(t, err)
	job.Parameters = params

	w := sqltransformworker.New(u, jobs)
	result, err := w.Handle(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 1, result["row_count"])

	tables, err := cmds.CheckoutListTables(ctx, result["commit_id"].(string), "tester")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"people", "adults"}, tables)
}

func TestWorker_Handle_RejectsNonSelectStatement(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()

	u := uow.New(db.Pool)
	cmds := commands.New(u, nil)

	dataset, _, err := cmds.CreateDataset(ctx, "sql-transform-worker-reject-test", "", "main", "tester")
	require.NoError(t, err)

	params, err := json.Marshal(sqltransformworker.Params{
		SQL:             "delete from people",
		Sources:         nil,
		OutputTableKey:  "out",
		TargetDatasetID: dataset.ID,
		TargetRefName:   "main",
	})
	require.NoError(t, err)

	job := &pgstore.Job{DatasetID: dataset.ID, Parameters: params, CreatedBy: "tester"}

	w := sqltransformworker.New(u, pgstore.NewJobStore(db.Pool))
	_, err = w.Handle(ctx, job)
	require.Error(t, err)
}
