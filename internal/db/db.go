// Package db opens the run ledger database and applies its schema.
package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ledgerPragmas are applied to every ledger connection. A single open
// connection serializes the recorder's writes with API reads.
var ledgerPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// Open opens the ledger at path, creating the file if needed.
func Open(path string) (*sql.DB, error) {
	ledger, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %q: %w", path, err)
	}
	ledger.SetMaxOpenConns(1)

	for _, pragma := range ledgerPragmas {
		if _, err := ledger.Exec(pragma); err != nil {
			ledger.Close()
			return nil, fmt.Errorf("ledger %q: %s: %w", path, pragma, err)
		}
	}
	return ledger, nil
}

// RunMigrations brings the runs and run_results tables up to date.
func RunMigrations(ledger *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("ledger migrations: %w", err)
	}
	if err := goose.Up(ledger, "migrations"); err != nil {
		return fmt.Errorf("ledger migrations: %w", err)
	}
	return nil
}

// OpenMigrated is Open followed by RunMigrations.
func OpenMigrated(path string) (*sql.DB, error) {
	ledger, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ledger); err != nil {
		ledger.Close()
		return nil, err
	}
	return ledger, nil
}
