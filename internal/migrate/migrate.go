// Package migrate runs goose schema migrations for the SQL backends. The
// programmatic path stays storage.EnsureSchema; goose is the operational one
// for deployments that version their schema explicitly.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fxbharat/fxbharat/internal/storage"
)

//go:embed migrations
var embedMigrations embed.FS

func configureGoose(kind storage.Kind) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetTableName("schema_migrations")

	switch kind {
	case storage.KindSQLite:
		return goose.SetDialect("sqlite3")
	case storage.KindPostgres:
		return goose.SetDialect("postgres")
	case storage.KindMySQL:
		return goose.SetDialect("mysql")
	}
	return fmt.Errorf("goose migrations do not cover %q targets", kind)
}

func migrationDir(kind storage.Kind) string {
	switch kind {
	case storage.KindPostgres:
		return "migrations/postgres"
	case storage.KindMySQL:
		return "migrations/mysql"
	default:
		return "migrations/sqlite"
	}
}

func openDB(rawURL string) (*sql.DB, storage.Kind, error) {
	target, err := storage.ParseTarget(rawURL)
	if err != nil {
		return nil, "", err
	}
	if err := configureGoose(target.Kind); err != nil {
		return nil, "", err
	}
	db, err := sql.Open(target.Kind.DriverName(), target.URL)
	if err != nil {
		return nil, "", fmt.Errorf("open %s database: %w", target.Kind, err)
	}
	return db, target.Kind, nil
}

// Up applies all pending migrations for the database behind url.
func Up(ctx context.Context, url string) error {
	db, kind, err := openDB(url)
	if err != nil {
		return err
	}
	defer db.Close()
	return goose.UpContext(ctx, db, migrationDir(kind))
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, url string) error {
	db, kind, err := openDB(url)
	if err != nil {
		return err
	}
	defer db.Close()
	return goose.DownContext(ctx, db, migrationDir(kind))
}

// Status prints the migration ledger for the database behind url.
func Status(ctx context.Context, url string) error {
	db, kind, err := openDB(url)
	if err != nil {
		return err
	}
	defer db.Close()
	return goose.Status(db, migrationDir(kind))
}
