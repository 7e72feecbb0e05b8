// Package pgstore is the Postgres persistence layer: the row store (L1),
// commit/manifest store (L2), ref store (L3), table reader (L4) and job
// store (M1) of spec §4 all live here, each backed by pgx.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"tabularis.dev/core/internal/obslog"
)

// DB wraps a pgx pool and exposes it to every store in this package.
type DB struct {
	Pool *pgxpool.Pool
}

// Open connects to databaseURL, applies the schema, and returns a ready DB.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	db := &DB{Pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

const schemaV1 = `
create table if not exists migrations (
	name text primary key,
	applied_at timestamptz not null default now()
);

create table if not exists datasets (
	id uuid primary key default gen_random_uuid(),
	name text not null unique,
	description text not null default '',
	default_branch text not null default 'main',
	created_by text not null,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);

create table if not exists dataset_tags (
	dataset_id uuid not null references datasets(id) on delete cascade,
	tag text not null,
	primary key (dataset_id, tag)
);

create table if not exists permissions (
	id bigint generated always as identity primary key,
	dataset_id uuid not null references datasets(id) on delete cascade,
	user_id text not null,
	level text not null check (level in ('read', 'write', 'admin')),
	granted_by text not null,
	granted_at timestamptz not null default now(),
	unique (dataset_id, user_id)
);

create table if not exists rows (
	row_hash text primary key,
	data jsonb not null,
	created_at timestamptz not null default now()
);

create table if not exists commits (
	id uuid primary key default gen_random_uuid(),
	dataset_id uuid not null references datasets(id) on delete cascade,
	parent_commit_id uuid references commits(id),
	message text not null,
	author_id text not null,
	created_at timestamptz not null default now(),
	commit_hash text not null unique
);

create index if not exists idx_commits_dataset on commits(dataset_id);

create table if not exists commit_manifest_entries (
	commit_id uuid not null references commits(id) on delete cascade,
	table_key text not null,
	logical_row_id text not null,
	row_hash text not null references rows(row_hash),
	primary key (commit_id, table_key, logical_row_id)
);

create index if not exists idx_manifest_commit_table on commit_manifest_entries(commit_id, table_key);

create table if not exists commit_table_schemas (
	commit_id uuid not null references commits(id) on delete cascade,
	table_key text not null,
	schema jsonb not null,
	row_count bigint not null default 0,
	primary key (commit_id, table_key)
);

create table if not exists commit_statistics (
	commit_id uuid not null references commits(id) on delete cascade,
	table_key text not null,
	statistics jsonb not null,
	computed_at timestamptz not null default now(),
	primary key (commit_id, table_key)
);

create table if not exists refs (
	dataset_id uuid not null references datasets(id) on delete cascade,
	name text not null,
	commit_id uuid not null references commits(id),
	is_protected boolean not null default false,
	updated_at timestamptz not null default now(),
	primary key (dataset_id, name)
);

create table if not exists jobs (
	id uuid primary key default gen_random_uuid(),
	dataset_id uuid not null references datasets(id) on delete cascade,
	run_type text not null check (run_type in ('import', 'sampling', 'sql_transform', 'exploration')),
	status text not null default 'pending' check (status in ('pending', 'running', 'completed', 'failed', 'cancelled')),
	parameters jsonb not null default '{}',
	result jsonb,
	error_message text,
	created_by text not null,
	created_at timestamptz not null default now(),
	started_at timestamptz,
	finished_at timestamptz,
	cancel_requested boolean not null default false
);

create index if not exists idx_jobs_poll on jobs(run_type, status, created_at) where status = 'pending';
create index if not exists idx_jobs_dataset on jobs(dataset_id);
`

func (db *DB) migrate(ctx context.Context) error {
	log := obslog.New("pgstore")

	if _, err := db.Pool.Exec(ctx, `create extension if not exists pgcrypto`); err != nil {
		log.Warn("pgcrypto extension unavailable, gen_random_uuid may be missing", "err", err)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}

	for _, m := range namedMigrations {
		var exists bool
		if err := tx.QueryRow(ctx, `select exists (select 1 from migrations where name = $1)`, m.name).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if exists {
			log.Debug("skipped migration, already applied", "name", m.name)
			continue
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, `insert into migrations (name) values ($1)`, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		log.Info("migration applied", "name", m.name)
	}

	return tx.Commit(ctx)
}

type namedMigration struct {
	name string
	sql  string
}

// namedMigrations run in order, each exactly once, after the base schema.
// New schema changes append here rather than editing schemaV1 in place.
var namedMigrations = []namedMigration{
	{
		name: "add-datasets-updated-at-trigger-columns",
		sql:  `alter table datasets add column if not exists last_commit_id uuid references commits(id)`,
	},
}
