package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"deskwatch/internal/infrastructure/logging"

	"github.com/pressly/goose/v3"
)

// Embed both migration sets at compile time
//
//go:embed migrations/agent/*.sql migrations/server/*.sql
var embedMigrations embed.FS

// goose.SetDialect and goose.SetBaseFS modify global package state, which
// races when multiple MigrationRunners are created concurrently (e.g. in
// parallel tests). Configure them exactly once across all instances.
var (
	gooseConfigOnce sync.Once
	gooseConfigErr  error
)

// MigrationRunner handles migration operations for one schema set.
// It implements the MigrationManager interface.
type MigrationRunner struct {
	db     *sql.DB
	schema Schema
	logger logging.Logger
}

var _ MigrationManager = (*MigrationRunner)(nil)

// NewMigrationRunner creates a new migration runner for the given schema
func NewMigrationRunner(db *sql.DB, schema Schema, logger logging.Logger) *MigrationRunner {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	gooseConfigOnce.Do(func() {
		gooseConfigErr = configureGoose()
	})

	return &MigrationRunner{
		db:     db,
		schema: schema,
		logger: logger,
	}
}

func configureGoose() error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	return nil
}

// migrationDir returns the embedded directory for this runner's schema
func (mr *MigrationRunner) migrationDir() string {
	return "migrations/" + string(mr.schema)
}

// RunMigrations executes all pending migrations from the embedded files
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	if mr.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if gooseConfigErr != nil {
		return fmt.Errorf("goose configuration failed: %w", gooseConfigErr)
	}

	mr.logger.Info("Running database migrations", "schema", string(mr.schema))

	if err := goose.UpContext(ctx, mr.db, mr.migrationDir()); err != nil {
		return fmt.Errorf("failed to run migrations for schema %s: %w", mr.schema, err)
	}

	version, err := mr.GetCurrentVersion(ctx)
	if err != nil {
		mr.logger.Warn("Migrations applied but version lookup failed", "error", err)
		return nil
	}

	mr.logger.Info("Database migrations completed", "schema", string(mr.schema), "version", version)
	return nil
}

// GetCurrentVersion returns the current migration version
func (mr *MigrationRunner) GetCurrentVersion(ctx context.Context) (int64, error) {
	if mr.db == nil {
		return 0, fmt.Errorf("database connection is nil")
	}
	if gooseConfigErr != nil {
		return 0, fmt.Errorf("goose configuration failed: %w", gooseConfigErr)
	}
	return goose.GetDBVersionContext(ctx, mr.db)
}

// ValidateMigrations checks that the embedded migration set is present and
// contains only .sql files
func (mr *MigrationRunner) ValidateMigrations() error {
	entries, err := fs.ReadDir(embedMigrations, mr.migrationDir())
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations for schema %s: %w", mr.schema, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no migrations embedded for schema %s", mr.schema)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			return fmt.Errorf("unexpected migration entry %q for schema %s", entry.Name(), mr.schema)
		}
	}
	return nil
}
