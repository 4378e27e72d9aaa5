package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Health aggregates job, file, and node counts for diagnostics.
func (s *Store) Health(ctx context.Context, nodeCutoff time.Time) (HealthSummary, error) {
	ctx = ensureContext(ctx)
	summary := HealthSummary{
		Jobs:  make(map[JobStatus]int),
		Files: make(map[FileStatus]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return summary, fmt.Errorf("job stats: %w", err)
	}
	for rows.Next() {
		var (
			status JobStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return summary, err
		}
		summary.Jobs[status] = count
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM files WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return summary, fmt.Errorf("file stats: %w", err)
	}
	for rows.Next() {
		var (
			status FileStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return summary, err
		}
		summary.Files[status] = count
	}
	rows.Close()

	nodes, err := s.CountFreshNodes(ctx, nodeCutoff)
	if err != nil {
		return summary, err
	}
	summary.Nodes = nodes
	return summary, nil
}

// CheckHealth returns diagnostic information about the database file, schema,
// and integrity.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	if s.db == nil {
		return health, errors.New("database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping database: %w", err)
	}
	health.DatabaseReadable = true

	if err := s.db.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}

	present, err := listTables(connCtx, s.db)
	if err != nil {
		health.Error = err.Error()
		return health, err
	}
	for _, table := range schemaTables {
		if present[table] {
			health.TablesPresent = append(health.TablesPresent, table)
		} else {
			health.MissingTables = append(health.MissingTables, table)
		}
	}

	var integrity string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = integrity == "ok"
	return health, nil
}
