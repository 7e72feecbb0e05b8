// Package uow implements the Unit-of-Work discipline (spec §4.9, L6):
// every command and every worker body runs inside exactly one transaction,
// scoped repository handles are handed to the caller, and the transaction
// commits only if the body returns nil.
package uow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"tabularis.dev/core/internal/pgstore"
)

// Stores bundles the repository handles scoped to a single transaction.
type Stores struct {
	Rows     *pgstore.RowStore
	Commits  *pgstore.CommitStore
	Refs     *pgstore.RefStore
	Tables   *pgstore.TableReader
	Datasets *pgstore.DatasetStore
	Jobs     *pgstore.JobStore
}

// UnitOfWork begins one pgx transaction and constructs Stores bound to it.
type UnitOfWork struct {
	pool *pgxpool.Pool
	jobs *pgstore.JobStore
}

func New(pool *pgxpool.Pool) *UnitOfWork {
	return &UnitOfWork{pool: pool, jobs: pgstore.NewJobStore(pool)}
}

// Run executes fn inside a single transaction. fn's error (if any) rolls
// the transaction back; nil commits. This is the only way code in this
// module is permitted to touch more than one store consistently.
func (u *UnitOfWork) Run(ctx context.Context, fn func(ctx context.Context, s *Stores) error) error {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	s := &Stores{
		Rows:     pgstore.NewRowStore(tx),
		Commits:  pgstore.NewCommitStore(tx),
		Refs:     pgstore.NewRefStore(tx),
		Tables:   pgstore.NewTableReader(tx),
		Datasets: pgstore.NewDatasetStore(tx),
		Jobs:     u.jobs,
	}

	if err := fn(ctx, s); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RunReadOnly is Run for callers that only read; kept distinct so call
// sites document intent even though pgx does not enforce read-only
// transactions at this isolation level.
func (u *UnitOfWork) RunReadOnly(ctx context.Context, fn func(ctx context.Context, s *Stores) error) error {
	return u.Run(ctx, fn)
}

// WorkerUoW is the nested pattern workers use (spec §4.9): an outer UoW
// claims and finalizes the job (acquire, then update_job_status), while an
// inner UoW runs the job body in its own transaction so a body failure
// doesn't roll back the status update that reports it.
type WorkerUoW struct {
	Outer *UnitOfWork
	Inner *UnitOfWork
}

func NewWorkerUoW(pool *pgxpool.Pool) *WorkerUoW {
	return &WorkerUoW{Outer: New(pool), Inner: New(pool)}
}
