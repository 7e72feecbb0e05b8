package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"tabularis.dev/core/internal/jobqueue"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/uow"
	"tabularis.dev/core/internal/workers/importworker"
	"tabularis.dev/core/internal/workers/profileworker"
	"tabularis.dev/core/internal/workers/samplingworker"
	"tabularis.dev/core/internal/workers/sqltransformworker"
)

// buildPools constructs one jobqueue.Pool per run_type, or just the one
// named by onlyType when it's non-empty — used by both the standalone
// `worker` subcommand (horizontal scaling of a single run_type, spec §5)
// and `serve`'s in-process pools (the common case, all run_types).
func buildPools(jobs *pgstore.JobStore, u *uow.UnitOfWork, cfg workerPoolConfig, onlyType pgstore.RunType) []*jobqueue.Pool {
	importW := importworker.New(u, jobs, cfg.maxUploadBytes)
	samplingW := samplingworker.New(u, jobs)
	sqlW := sqltransformworker.New(u, jobs)
	profileW := profileworker.New(u, jobs)

	all := map[pgstore.RunType]jobqueue.Handler{
		pgstore.RunTypeImport:       importW.Handle,
		pgstore.RunTypeSampling:     samplingW.Handle,
		pgstore.RunTypeSQLTransform: sqlW.Handle,
		pgstore.RunTypeExploration:  profileW.Handle,
	}

	var pools []*jobqueue.Pool
	for runType, handler := range all {
		if onlyType != "" && runType != onlyType {
			continue
		}
		pools = append(pools, jobqueue.NewPool(jobs, runType, cfg.poolSize, cfg.pollInterval, handler))
	}
	return pools
}

type workerPoolConfig struct {
	maxUploadBytes int64
	poolSize       int
	pollInterval   time.Duration
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "run a standalone job queue worker pool for one run_type",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "type",
				Usage:    "run_type to poll: import, sampling, sql_transform, or exploration",
				Required: true,
			},
		},
		Description: `
	Runs a worker pool for a single run_type against the shared database, for
	horizontal scaling of one job type independently of the others (spec §5).
	Drains in-flight jobs on SIGINT/SIGTERM before exiting.
	`,
		Action: runWorker,
	}
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	runType := pgstore.RunType(cmd.String("type"))
	switch runType {
	case pgstore.RunTypeImport, pgstore.RunTypeSampling, pgstore.RunTypeSQLTransform, pgstore.RunTypeExploration:
	default:
		return fmt.Errorf("unknown --type %q", runType)
	}

	d, err := wire(ctx, "worker-"+string(runType))
	if err != nil {
		return err
	}
	defer d.Close()

	jobs := pgstore.NewJobStore(d.db.Pool)
	u := uow.New(d.db.Pool)
	cfg := workerPoolConfig{
		maxUploadBytes: d.cfg.Core.MaxUploadSizeBytes,
		poolSize:       d.cfg.Core.WorkerPoolSizePerRun,
		pollInterval:   d.cfg.Core.WorkerPollInterval,
	}
	pools := buildPools(jobs, u, cfg, runType)

	return runPoolsUntilShutdown(ctx, d, pools)
}

// runPoolsUntilShutdown starts every pool, blocks until SIGINT/SIGTERM, then
// drains in-flight jobs within the configured grace period.
func runPoolsUntilShutdown(ctx context.Context, d *deps, pools []*jobqueue.Pool) error {
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, p := range pools {
		p.Start(runCtx)
	}
	d.log.Info("worker pools started", "pools", len(pools), "pool_size_per_type", d.cfg.Core.WorkerPoolSizePerRun)

	<-runCtx.Done()
	d.log.Info("shutting down, draining in-flight jobs", "grace", d.cfg.Core.ShutdownGrace)

	drainDone := make(chan struct{})
	go func() {
		for _, p := range pools {
			p.Stop()
		}
		close(drainDone)
	}()

	select {
	case <-drainDone:
		d.log.Info("all worker pools drained")
		return nil
	case <-time.After(d.cfg.Core.ShutdownGrace):
		return fmt.Errorf("shutdown grace period elapsed before workers drained")
	}
}
