package main

import (
	"context"

	"github.com/urfave/cli/v3"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply pending schema migrations and exit",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			d, err := wire(ctx, "migrate")
			if err != nil {
				return err
			}
			defer d.Close()
			d.log.Info("migrations applied")
			return nil
		},
	}
}
