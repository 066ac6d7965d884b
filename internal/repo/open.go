package repo

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxMigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqliteMigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// OpenPostgres connects a pgx pool, applies migrations and returns a
// repository over it. Closing the repository closes the pool.
func OpenPostgres(ctx context.Context, url string) (*SQLRepo, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := MigratePostgres(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	r := NewSQLRepo(stdlib.OpenDBFromPool(pool), DialectPostgres)
	r.closers = append(r.closers, func() error { pool.Close(); return nil })
	return r, nil
}

func MigratePostgres(pool *pgxpool.Pool) (err error) {
	// m.Close closes the database handle it was given.
	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgxMigrate.WithInstance(db, &pgxMigrate.Config{})
	if err != nil {
		_ = db.Close()
		return err
	}
	return runMigrations("migrations/postgres", "pgx5", driver)
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLRepo, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	if err := MigrateSQLite(path); err != nil {
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps conditional updates serialized and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return NewSQLRepo(db, DialectSQLite), nil
}

func MigrateSQLite(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	driver, err := sqliteMigrate.WithInstance(db, &sqliteMigrate.Config{})
	if err != nil {
		_ = db.Close()
		return err
	}
	return runMigrations("migrations/sqlite", "sqlite", driver)
}

func runMigrations(dir, driverName string, driver database.Driver) (err error) {
	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		_ = driver.Close()
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, driverName, driver)
	if err != nil {
		_ = driver.Close()
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		err = errors.Join(err, srcErr, dbErr)
	}()

	if upErr := m.Up(); upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return upErr
	}
	return nil
}
