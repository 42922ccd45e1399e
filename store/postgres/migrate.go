package postgres

import (
	"context"
	"database/sql"
	"embed"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies pending migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return eris.Wrap(err, "postgres: open for migrations")
	}
	defer db.Close()

	return MigrateDB(ctx, db)
}

// MigrateDB applies pending migrations on an open database/sql handle.
func MigrateDB(ctx context.Context, db *sql.DB) error {
	log := zap.L().With(zap.String("component", "postgres.migrate"))

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return eris.Wrap(err, "postgres: goose dialect")
	}

	before, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return eris.Wrap(err, "postgres: read schema version")
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return eris.Wrap(err, "postgres: apply migrations")
	}
	after, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return eris.Wrap(err, "postgres: read schema version")
	}

	log.Info("migrations applied", zap.Int64("from", before), zap.Int64("to", after))
	return nil
}
