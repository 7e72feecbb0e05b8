package permit_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"tabularis.dev/core/internal/permit"
)

func requireEnforcer(t *testing.T) *permit.Enforcer {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}
	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e, err := permit.NewEnforcer(db)
	require.NoError(t, err)
	return e
}

func TestSeedHierarchy_AdminInheritsWriteInheritsRead(t *testing.T) {
	e := requireEnforcer(t)
	ctx := context.Background()
	domain := "dataset-hierarchy-test"

	require.NoError(t, e.SeedHierarchy(ctx, domain))
	require.NoError(t, e.Grant(ctx, domain, "alice", permit.Admin))

	for _, level := range []permit.Level{permit.Read, permit.Write, permit.Admin} {
		ok, err := e.Enforce(ctx, "alice", domain, level)
		require.NoError(t, err)
		require.True(t, ok, "admin must be granted %s via inheritance", level)
	}
}

func TestGrant_ReplacesPriorLevel(t *testing.T) {
	e := requireEnforcer(t)
	ctx := context.Background()
	domain := "dataset-grant-replace-test"

	require.NoError(t, e.SeedHierarchy(ctx, domain))
	require.NoError(t, e.Grant(ctx, domain, "bob", permit.Admin))
	require.NoError(t, e.Grant(ctx, domain, "bob", permit.Read))

	ok, err := e.Enforce(ctx, "bob", domain, permit.Admin)
	require.NoError(t, err)
	require.False(t, ok, "granting read must revoke the prior admin grant")

	ok, err = e.Enforce(ctx, "bob", domain, permit.Read)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRequestCache_RequireFailsForUngrantedUser(t *testing.T) {
	e := requireEnforcer(t)
	ctx := context.Background()
	domain := "dataset-cache-test"
	require.NoError(t, e.SeedHierarchy(ctx, domain))

	cache := permit.NewRequestCache(e)
	err := cache.Require(ctx, "nobody", domain, permit.Read)
	require.Error(t, err)
}

func TestRequestCache_RequireAnySucceedsIfOneGranted(t *testing.T) {
	e := requireEnforcer(t)
	ctx := context.Background()
	domainA := "dataset-any-a"
	domainB := "dataset-any-b"
	require.NoError(t, e.SeedHierarchy(ctx, domainA))
	require.NoError(t, e.SeedHierarchy(ctx, domainB))
	require.NoError(t, e.Grant(ctx, domainB, "carol", permit.Read))

	cache := permit.NewRequestCache(e)
	err := cache.RequireAny(ctx, "carol", []string{domainA, domainB}, permit.Read)
	require.NoError(t, err)
}
