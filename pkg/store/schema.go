package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Schema version constants
const (
	// SchemaVersion1 holds the profile, item, category and integrity tables
	SchemaVersion1 = 1
	// SchemaVersion2 adds decoy items and the hybrid sharing tables
	SchemaVersion2 = 2
	// SchemaVersion3 adds per-user indexes
	SchemaVersion3 = 3
	// CurrentSchemaVersion is the current schema version
	CurrentSchemaVersion = SchemaVersion3
)

const recordColumns = `
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	fields TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL`

// getSchemaVersion returns the schema version stored in the database.
// Returns 0 for an empty database.
func getSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to get schema version: %w", err)
	}
	return version, nil
}

// migrateSchema brings the database up to CurrentSchemaVersion. Each step
// runs in its own transaction and is idempotent.
func migrateSchema(ctx context.Context, db *sql.DB) error {
	version, err := getSchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("store: database schema v%d is newer than supported v%d", version, CurrentSchemaVersion)
	}

	steps := []struct {
		version int
		apply   func(context.Context, *sql.Tx) error
	}{
		{SchemaVersion1, migrateToV1},
		{SchemaVersion2, migrateToV2},
		{SchemaVersion3, migrateToV3},
	}
	for _, step := range steps {
		if version >= step.version {
			continue
		}
		if err := runMigration(ctx, db, step.version, step.apply); err != nil {
			return fmt.Errorf("store: migration to v%d failed: %w", step.version, err)
		}
	}
	return nil
}

func runMigration(ctx context.Context, db *sql.DB, version int, apply func(context.Context, *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := apply(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	_, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// migrateToV1 creates the base tables.
func migrateToV1(ctx context.Context, tx *sql.Tx) error {
	for _, t := range []string{TableProfiles, TableItems, TableCategories, TableIntegrityRoots} {
		if err := createRecordTable(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// migrateToV2 adds the decoy item table and the collection sharing tables.
// Existing rows are untouched.
func migrateToV2(ctx context.Context, tx *sql.Tx) error {
	for _, t := range []string{
		TableDecoyItems,
		TableHybridKeys,
		TableCollections,
		TableCollectionKeys,
		TableCollectionItems,
	} {
		if err := createRecordTable(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// migrateToV3 indexes user_id on every table. Lookups by owner are the
// dominant query shape.
func migrateToV3(ctx context.Context, tx *sql.Tx) error {
	for _, t := range Tables {
		index := "idx_" + t + "_user"
		exists, err := indexExists(ctx, tx, index)
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", index, err)
		}
		if exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE INDEX %s ON %s(user_id)", index, t)); err != nil {
			return fmt.Errorf("failed to create %s: %w", index, err)
		}
	}
	return nil
}

func createRecordTable(ctx context.Context, tx *sql.Tx, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s\n)", table, recordColumns))
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", table, err)
	}
	return nil
}

func indexExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var found string
	err := tx.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='index' AND name=?
	`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// getTableColumns returns a map of column names for a table.
func getTableColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]bool, error) {
	if err := checkTable(tableName); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
