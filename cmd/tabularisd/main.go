package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"tabularis.dev/core/internal/obslog"
)

func main() {
	cmd := &cli.Command{
		Name:  "tabularisd",
		Usage: "versioned tabular dataset service",
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
			migrateCommand(),
		},
	}

	logger := obslog.New("tabularisd")
	slog.SetDefault(logger)

	ctx := context.Background()
	ctx = obslog.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
