package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sqlx.Tx) error
	Down        func(ctx context.Context, tx *sqlx.Tx) error
}

// MigrationStatus represents the current state of database migrations
type MigrationStatus struct {
	CurrentVersion    int                `json:"current_version"`
	LatestVersion     int                `json:"latest_version"`
	AppliedMigrations []AppliedMigration `json:"applied_migrations"`
	PendingMigrations int                `json:"pending_migrations"`
}

// AppliedMigration represents a migration that has been successfully applied
type AppliedMigration struct {
	Version       int           `json:"version" db:"version"`
	Description   string        `json:"description" db:"description"`
	AppliedAt     time.Time     `json:"applied_at" db:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time" db:"execution_time"`
}

// MigrationManager applies the versioned schema in order, one transaction
// per migration.
type MigrationManager struct {
	db         *sqlx.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(db *sqlx.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: allMigrations(),
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("schema up to date", "version", currentVersion)
		return nil
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations completed",
		"from_version", currentVersion,
		"to_version", targetVersion,
		"applied", applied)

	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.LatestVersion())
}

// LatestVersion is the highest known migration version.
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Rollback rolls back migrations above targetVersion, newest first.
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	var applied []AppliedMigration
	query := `SELECT version, description, applied_at, execution_time FROM schema_migrations ORDER BY version`
	if err := m.db.SelectContext(ctx, &applied, query); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}

	pending := 0
	for _, migration := range m.migrations {
		if migration.Version > currentVersion {
			pending++
		}
	}

	return &MigrationStatus{
		CurrentVersion:    currentVersion,
		LatestVersion:     m.LatestVersion(),
		AppliedMigrations: applied,
		PendingMigrations: pending,
	}, nil
}

func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	m.logger.Info("applying migration",
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `INSERT INTO schema_migrations (version, description, applied_at, execution_time) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start.UTC(),
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	m.logger.Info("rolling back migration", "version", migration.Version)

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func allMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "market_data table",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS market_data (
					coin_id VARCHAR NOT NULL,
					coin_symbol VARCHAR NOT NULL,
					timestamp BIGINT NOT NULL,
					date DATE NOT NULL,
					price DOUBLE,
					market_cap DOUBLE,
					total_volume DOUBLE,
					extraction_timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (coin_id, timestamp)
				)`,
			),
			Down: execAll(`DROP TABLE IF EXISTS market_data`),
		},
		{
			Version:     2,
			Description: "extraction_log table",
			Up: execAll(
				`CREATE SEQUENCE IF NOT EXISTS extraction_log_seq START 1`,
				`CREATE TABLE IF NOT EXISTS extraction_log (
					id INTEGER PRIMARY KEY DEFAULT nextval('extraction_log_seq'),
					run_id VARCHAR,
					coin_id VARCHAR NOT NULL,
					from_date DATE,
					to_date DATE,
					records_inserted INTEGER NOT NULL DEFAULT 0,
					execution_time_seconds DOUBLE,
					status VARCHAR NOT NULL,
					error_message VARCHAR,
					timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
				)`,
			),
			Down: execAll(
				`DROP TABLE IF EXISTS extraction_log`,
				`DROP SEQUENCE IF EXISTS extraction_log_seq`,
			),
		},
		{
			Version:     3,
			Description: "market_data indexes",
			Up: execAll(
				`CREATE INDEX IF NOT EXISTS idx_market_data_date ON market_data (date)`,
				`CREATE INDEX IF NOT EXISTS idx_market_data_coin ON market_data (coin_id)`,
			),
			Down: execAll(
				`DROP INDEX IF EXISTS idx_market_data_date`,
				`DROP INDEX IF EXISTS idx_market_data_coin`,
			),
		},
	}
}

func execAll(queries ...string) func(ctx context.Context, tx *sqlx.Tx) error {
	return func(ctx context.Context, tx *sqlx.Tx) error {
		for _, query := range queries {
			if _, err := tx.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("failed to execute query: %w", err)
			}
		}
		return nil
	}
}
