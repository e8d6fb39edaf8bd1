package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
)

const (
	createMigrationsTable = `create table if not exists schema_migrations (
  version text primary key,
  applied_at timestamptz not null default now()
)`
	// Serializes concurrent starters (api and jobs) on the same database.
	lockMigrations   = `select pg_advisory_xact_lock(hashtext('acp:schema_migrations'))`
	migrationApplied = `select exists(select 1 from schema_migrations where version = $1)`
	recordMigration  = `insert into schema_migrations (version) values ($1)`
)

// Migrate applies every *.sql file in files that schema_migrations has not
// recorded, in file name order, each in its own transaction. It returns the
// versions it applied.
func (s *Store) Migrate(ctx context.Context, files fs.FS) ([]string, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	if _, err := s.db.Exec(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []string
	for _, name := range names {
		body, err := fs.ReadFile(files, name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		ran, err := s.applyMigration(ctx, name, string(body))
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if ran {
			applied = append(applied, name)
		}
	}
	return applied, nil
}

func (s *Store) applyMigration(ctx context.Context, version, body string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, lockMigrations); err != nil {
		return false, err
	}
	var done bool
	if err := tx.QueryRow(ctx, migrationApplied, version).Scan(&done); err != nil {
		return false, err
	}
	if done {
		return false, nil
	}
	if _, err := tx.Exec(ctx, body); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, recordMigration, version); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
