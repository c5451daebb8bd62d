package dbmigrate

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/sanitize"
)

// Embed SQL files from the local migrations folder
//
//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies the service schema (registry, jobs, events) into
// registrySchema.
func RunMigrations(dbURL, registrySchema string, logger zerolog.Logger) error {
	schema, err := sanitize.Identifier(registrySchema)
	if err != nil {
		return errors.Wrap(err, "registry schema")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return errors.Wrap(err, "failed to connect to the database")
	}
	defer db.Close()

	// search_path is per connection, so pin the pool to one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + schema); err != nil {
		return errors.Wrapf(err, "failed to create schema %s", registrySchema)
	}
	if _, err := db.Exec("SET search_path TO " + schema); err != nil {
		return errors.Wrap(err, "failed to set search path")
	}

	goose.SetLogger(NewGooseAdapter(logger))
	goose.SetBaseFS(embeddedMigrations)
	goose.SetTableName(fmt.Sprintf("%s.goose_db_version", registrySchema))
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}

	logger.Info().Str("schema", registrySchema).Msg("Migrations completed successfully")
	return nil
}

// Status prints the applied/pending state of every embedded migration.
func Status(dbURL, registrySchema string, logger zerolog.Logger) error {
	schema, err := sanitize.Identifier(registrySchema)
	if err != nil {
		return errors.Wrap(err, "registry schema")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return errors.Wrap(err, "failed to connect to the database")
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("SET search_path TO " + schema); err != nil {
		return errors.Wrap(err, "failed to set search path")
	}
	goose.SetLogger(NewGooseAdapter(logger))
	goose.SetBaseFS(embeddedMigrations)
	goose.SetTableName(fmt.Sprintf("%s.goose_db_version", registrySchema))
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	return goose.Status(db, "migrations")
}
