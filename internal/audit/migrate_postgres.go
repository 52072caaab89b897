package audit

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/oncfsd/oncfsd/internal/audit/migrations"
	"github.com/oncfsd/oncfsd/internal/logger"
)

// migratePostgres applies the embedded schema migrations to dsn using
// golang-migrate, rather than gorm's AutoMigrate: a production Postgres
// deployment gets an explicit, versioned migration history instead of
// implicit DDL inferred from struct tags. Grounded on
// pkg/store/metadata/postgres/migrate.go's runMigrations.
func migratePostgres(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("audit: open sql.DB: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable: "audit_schema_migrations",
		DatabaseName:    "oncfsd_audit",
	})
	if err != nil {
		return fmt.Errorf("audit: postgres migrate driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("audit: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	logger.Debug("audit: postgres schema migrated")
	return nil
}
