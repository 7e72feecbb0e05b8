package commands_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/commands"
	"tabularis.dev/core/internal/commitprep"
	"tabularis.dev/core/internal/permit"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/uow"
)

func requireCommands(t *testing.T) *commands.Commands {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}
	db, err := pgstore.Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return commands.New(uow.New(db.Pool), nil)
}

// requireEnforcedCommands builds a Commands wired to a real permission
// enforcer, for tests that exercise requireLevel/requireJobAccess rather
// than treating permissions as a no-op.
func requireEnforcedCommands(t *testing.T) *commands.Commands {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}
	db, err := pgstore.Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	sqlDB, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	enforcer, err := permit.NewEnforcer(sqlDB)
	require.NoError(t, err)

	return commands.New(uow.New(db.Pool), enforcer)
}

func TestCreateDataset_CreatesEmptyInitialCommitOnDefaultBranch(t *testing.T) {
	c := requireCommands(t)
	ctx := context.Background()

	dataset, commit, err := c.CreateDataset(ctx, "integration-ds", "a test dataset", "main", "tester")
	require.NoError(t, err)
	require.Equal(t, "main", dataset.DefaultBranch)
	require.Nil(t, commit.ParentCommitID)

	tables, err := c.CheckoutListTables(ctx, commit.ID, "tester")
	require.NoError(t, err)
	require.Empty(t, tables)
}

func TestCreateCommitDirect_PreservesUntouchedTablesFromParent(t *testing.T) {
	c := requireCommands(t)
	ctx := context.Background()

	dataset, initial, err := c.CreateDataset(ctx, "merge-test", "", "main", "tester")
	require.NoError(t, err)

	_, err = c.CreateCommitDirect(ctx, dataset.ID, "main", commitprep.TableRows{
		"people": {{"name": "ann"}},
	}, "add people", "tester")
	require.NoError(t, err)

	commit2, err := c.CreateCommitDirect(ctx, dataset.ID, "main", commitprep.TableRows{
		"orders": {{"sku": "A1"}},
	}, "add orders", "tester")
	require.NoError(t, err)

	tables, err := c.CheckoutListTables(ctx, commit2.ID, "tester")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"people", "orders"}, tables)

	_ = initial
}

func TestCreateRef_RequiresExistingSourceCommit(t *testing.T) {
	c := requireCommands(t)
	ctx := context.Background()

	dataset, _, err := c.CreateDataset(ctx, "ref-test", "", "main", "tester")
	require.NoError(t, err)

	_, err = c.CreateRef(ctx, dataset.ID, "feature", "not-a-real-commit-id", "tester")
	require.Error(t, err)
}

func TestDeleteRef_RefusesProtectedDefaultBranch(t *testing.T) {
	c := requireCommands(t)
	ctx := context.Background()

	dataset, _, err := c.CreateDataset(ctx, "protected-test", "", "main", "tester")
	require.NoError(t, err)

	err = c.DeleteRef(ctx, dataset.ID, "main", "tester")
	require.Error(t, err)
}

func TestUpdateDataset_DeniesCallerWithoutWrite(t *testing.T) {
	c := requireEnforcedCommands(t)
	ctx := context.Background()

	dataset, _, err := c.CreateDataset(ctx, "perm-update-test", "", "main", "owner")
	require.NoError(t, err)

	name := "renamed"
	err = c.UpdateDataset(ctx, dataset.ID, &name, nil, "stranger")
	require.Error(t, err)
	require.True(t, apperr.IsPermissionDenied(err))

	require.NoError(t, c.UpdateDataset(ctx, dataset.ID, &name, nil, "owner"))
}

func TestCreateRef_DeniesCallerWithoutWrite(t *testing.T) {
	c := requireEnforcedCommands(t)
	ctx := context.Background()

	dataset, initial, err := c.CreateDataset(ctx, "perm-ref-test", "", "main", "owner")
	require.NoError(t, err)

	_, err = c.CreateRef(ctx, dataset.ID, "feature", initial.ID, "stranger")
	require.Error(t, err)
	require.True(t, apperr.IsPermissionDenied(err))
}

func TestCancelJob_OwnerMayCancelWithoutDatasetGrant(t *testing.T) {
	c := requireEnforcedCommands(t)
	ctx := context.Background()

	dataset, _, err := c.CreateDataset(ctx, "perm-job-owner-test", "", "main", "owner")
	require.NoError(t, err)

	job, err := c.CreateJob(ctx, dataset.ID, pgstore.RunTypeExploration, map[string]any{}, "owner")
	require.NoError(t, err)

	require.NoError(t, c.CancelJob(ctx, job.ID, "owner"))
}

func TestCancelJob_DeniesNonOwnerWithoutDatasetWrite(t *testing.T) {
	c := requireEnforcedCommands(t)
	ctx := context.Background()

	dataset, _, err := c.CreateDataset(ctx, "perm-job-stranger-test", "", "main", "owner")
	require.NoError(t, err)

	job, err := c.CreateJob(ctx, dataset.ID, pgstore.RunTypeExploration, map[string]any{}, "owner")
	require.NoError(t, err)

	err = c.CancelJob(ctx, job.ID, "stranger")
	require.Error(t, err)
	require.True(t, apperr.IsPermissionDenied(err))
}
