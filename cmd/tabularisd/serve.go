package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"tabularis.dev/core/internal/httpapi"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/uow"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API surface with in-process worker pools for every run_type",
		Description: `
	Environment variables:
		TABULARIS_DATABASE_URL                (required)
		TABULARIS_LISTEN_ADDR                  (default: 0.0.0.0:8080)
		TABULARIS_DEFAULT_BRANCH_NAME           (default: main)
		TABULARIS_WORKER_POOL_SIZE_PER_TYPE     (default: 2)
		TABULARIS_WORKER_POLL_INTERVAL_MS       (default: 500ms)

	Runs one worker pool per run_type in-process alongside the HTTP server,
	the common deployment shape per spec §5; use "worker --type=..." instead
	to scale a single run_type out to its own process.
	`,
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	d, err := wire(ctx, "serve")
	if err != nil {
		return err
	}
	defer d.Close()

	jobs := pgstore.NewJobStore(d.db.Pool)
	workerUoW := uow.New(d.db.Pool)
	cfg := workerPoolConfig{
		maxUploadBytes: d.cfg.Core.MaxUploadSizeBytes,
		poolSize:       d.cfg.Core.WorkerPoolSizePerRun,
		pollInterval:   d.cfg.Core.WorkerPollInterval,
	}
	pools := buildPools(jobs, workerUoW, cfg, "")

	api := &httpapi.API{
		Commands: d.commands,
		Enforcer: d.enforcer,
		Log:      d.log,
	}
	server := &http.Server{Addr: d.cfg.Core.ListenAddr, Handler: api.Router()}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, p := range pools {
		p.Start(runCtx)
	}
	d.log.Info("worker pools started", "pools", len(pools))

	serveErr := make(chan error, 1)
	go func() {
		d.log.Info("listening", "address", d.cfg.Core.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-runCtx.Done():
	case err := <-serveErr:
		stop()
		for _, p := range pools {
			p.Stop()
		}
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	d.log.Info("shutting down", "grace", d.cfg.Core.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Core.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.log.Error("http shutdown error", "err", err)
	}

	drainDone := make(chan struct{})
	go func() {
		for _, p := range pools {
			p.Stop()
		}
		close(drainDone)
	}()
	select {
	case <-drainDone:
	case <-time.After(d.cfg.Core.ShutdownGrace):
		return fmt.Errorf("shutdown grace period elapsed before workers drained")
	}

	return nil
}
