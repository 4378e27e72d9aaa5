package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"lattice/internal/services"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion tracks schema.sql. There are no migrations: a coordinator
// that finds another version refuses to start and the operator recreates
// the database.
const schemaVersion = 1

// schemaTables lists every table schema.sql creates. Open and CheckHealth
// both compare sqlite_master against it.
var schemaTables = []string{"schema_version", "trees", "tree_versions", "libraries", "library_trees", "files", "file_paths", "jobs", "nodes"}

// ErrSchemaMismatch is wrapped, together with services.ErrConfiguration, when
// the database was written by a different schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

type tableQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// listTables returns the names of the tables present in the database.
func listTables(ctx context.Context, q tableQuerier) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool, len(schemaTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		present[name] = true
	}
	return present, rows.Err()
}

func missingTables(present map[string]bool) []string {
	var missing []string
	for _, table := range schemaTables {
		if !present[table] {
			missing = append(missing, table)
		}
	}
	return missing
}

// initSchema creates the schema on an empty database and otherwise checks
// that the stored version and table set match this build.
func (s *Store) initSchema(ctx context.Context) error {
	present, err := listTables(ctx, s.db)
	if err != nil {
		return err
	}
	if !present["schema_version"] {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		msg := fmt.Sprintf("database has version %d, expected %d (delete %s to recreate it)", version, schemaVersion, s.path)
		return services.Wrap(services.ErrConfiguration, "store", "open", msg, ErrSchemaMismatch)
	}

	// A version row with tables missing means a hand-edited or truncated file.
	if missing := missingTables(present); len(missing) > 0 {
		msg := "missing tables: " + strings.Join(missing, ", ")
		return services.Wrap(services.ErrConfiguration, "store", "open", msg, ErrSchemaMismatch)
	}
	return nil
}

// createSchema applies schema.sql and the version row in one transaction so
// a crash never leaves a versioned but partial database.
func (s *Store) createSchema(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}
