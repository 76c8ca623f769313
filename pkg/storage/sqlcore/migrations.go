// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package sqlcore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedMigrations embed.FS

// runMigrations applies all pending migrations for the given driver using
// goose. The schemas are maintained per dialect because the type systems
// differ (BLOB vs BYTEA, AUTOINCREMENT vs BIGSERIAL).
func runMigrations(ctx context.Context, db *sql.DB, driver string) error {
	var (
		dir     string
		dialect database.Dialect
	)
	switch driver {
	case DriverSQLite:
		dir = "migrations/sqlite"
		dialect = database.DialectSQLite3
	case DriverPostgres:
		dir = "migrations/postgres"
		dialect = database.DialectPostgres
	default:
		return fmt.Errorf("no migrations for driver %q", driver)
	}

	migrationFS, err := fs.Sub(embedMigrations, dir)
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	_, err = provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}
