// Package db is the persistent store adapter: typed queries over the
// relational schema holding hosts, queue rows, orchestrations, and the
// per-host inventory tables.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/sysmanage/sysmanage-server/internal/logging"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DB wraps the sqlx handle plus the typed query methods grouped in the
// per-table files of this package.
type DB struct {
	*sqlx.DB
	log *logging.Logger
}

// Open connects to the database named by dsn, applies pending migrations,
// and returns the adapter. A dsn starting with postgres:// targets
// PostgreSQL via pgx; anything else is treated as a SQLite file path.
func Open(dsn string, log *logging.Logger) (*DB, error) {
	driver, connStr, dialect := resolveDSN(dsn)

	raw, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	dbx := sqlx.NewDb(raw, driver)
	if driver == "sqlite3" {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY
		// under concurrent handlers.
		dbx.SetMaxOpenConns(1)
	} else {
		dbx.SetMaxOpenConns(25)
		dbx.SetMaxIdleConns(5)
	}

	if err := dbx.Ping(); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.Up(dbx.DB, "migrations"); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	log.Info("database ready", "driver", driver)
	return &DB{DB: dbx, log: log}, nil
}

func resolveDSN(dsn string) (driver, connStr, dialect string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx", dsn, "postgres"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}
	return "sqlite3", dsn, "sqlite3"
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Rollback errors are logged, not returned.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			d.log.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
