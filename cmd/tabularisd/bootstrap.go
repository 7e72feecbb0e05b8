package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tabularis.dev/core/internal/commands"
	"tabularis.dev/core/internal/config"
	"tabularis.dev/core/internal/obslog"
	"tabularis.dev/core/internal/permit"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/uow"
)

// deps is the composition root's dependency bundle, shared by the serve,
// worker and migrate subcommands so each only wires what it needs.
type deps struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *pgstore.DB
	sqlDB    *sql.DB
	uow      *uow.UnitOfWork
	enforcer *permit.Enforcer
	commands *commands.Commands
}

// wire loads config, opens the Postgres pool (applying migrations) and a
// parallel database/sql handle for casbin's adapter, and constructs the
// UoW, permission enforcer, and command surface every subcommand shares.
func wire(ctx context.Context, cmdName string) (*deps, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := obslog.Sub(obslog.FromContext(ctx), cmdName)

	db, err := pgstore.Open(ctx, cfg.Core.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := sql.Open("pgx", cfg.Core.DatabaseURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sql.DB for permission adapter: %w", err)
	}

	enforcer, err := permit.NewEnforcer(sqlDB)
	if err != nil {
		db.Close()
		sqlDB.Close()
		return nil, fmt.Errorf("new permission enforcer: %w", err)
	}

	u := uow.New(db.Pool)
	cmds := commands.New(u, enforcer)

	return &deps{
		cfg:      cfg,
		log:      logger,
		db:       db,
		sqlDB:    sqlDB,
		uow:      u,
		enforcer: enforcer,
		commands: cmds,
	}, nil
}

func (d *deps) Close() {
	d.sqlDB.Close()
	d.db.Close()
}
