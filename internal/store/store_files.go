package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"lattice/internal/services"
)

// GetFile fetches a file by id including its current path. Soft-deleted files
// are returned with DeletedAt set.
func (s *Store) GetFile(ctx context.Context, id int64) (*File, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+fileColumns+" "+fileFrom+" WHERE f.id = ?", id)
	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return file, nil
}

// FindFileByPath resolves any known path, current or historical, to its live file.
func (s *Store) FindFileByPath(ctx context.Context, path string) (*File, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+fileColumns+" "+fileFrom+` WHERE f.deleted_at IS NULL AND f.id IN
            (SELECT file_id FROM file_paths WHERE path = ?) ORDER BY f.id DESC LIMIT 1`,
		path,
	)
	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find file by path: %w", err)
	}
	return file, nil
}

// FilePaths lists every known path of a file, current first.
func (s *Store) FilePaths(ctx context.Context, fileID int64) ([]FilePath, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT file_id, path, current, created_at FROM file_paths WHERE file_id = ?
         ORDER BY current DESC, created_at ASC`,
		fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("list file paths: %w", err)
	}
	defer rows.Close()

	var paths []FilePath
	for rows.Next() {
		var (
			fp         FilePath
			current    int
			createdRaw sql.NullString
		)
		if err := rows.Scan(&fp.FileID, &fp.Path, &current, &createdRaw); err != nil {
			return nil, err
		}
		fp.Current = current == 1
		fp.CreatedAt = parseTime(createdRaw)
		paths = append(paths, fp)
	}
	return paths, rows.Err()
}

// ListFiles returns live files, optionally restricted to one library.
func (s *Store) ListFiles(ctx context.Context, libraryID int64) ([]*File, error) {
	query := "SELECT " + fileColumns + " " + fileFrom + " WHERE f.deleted_at IS NULL"
	var args []any
	if libraryID > 0 {
		query += " AND f.library_id = ?"
		args = append(args, libraryID)
	}
	query += " ORDER BY f.id"
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// SoftDeleteFile marks a file deleted. Its jobs are reaped by the garbage sweep.
func (s *Store) SoftDeleteFile(ctx context.Context, id int64) error {
	now := nowString()
	res, err := s.execWithRetry(ctx,
		`UPDATE files SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("soft delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.Wrap(services.ErrNotFound, "store", "delete file", fmt.Sprintf("file %d", id), nil)
	}
	return nil
}

// ReportFile records metadata a node observed for the file behind a job. The
// job must still be assigned to the reporting node.
func (s *Store) ReportFile(ctx context.Context, jobID int64, nodeID string, report FileReport) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var fileID int64
		err := tx.QueryRowContext(ctx,
			`SELECT file_id FROM jobs WHERE id = ? AND assigned_node_id = ? AND status = ? AND deleted_at IS NULL`,
			jobID, nodeID, JobProcessing,
		).Scan(&fileID)
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrConflict, "store", "report file", fmt.Sprintf("job %d is not running on node %s", jobID, nodeID), nil)
		}
		if err != nil {
			return fmt.Errorf("load job for report: %w", err)
		}

		now := nowString()
		metricsColumn := "initial_metrics"
		if report.Final {
			metricsColumn = "final_metrics"
		}
		if report.Metrics != "" {
			if _, err := tx.ExecContext(ctx,
				"UPDATE files SET "+metricsColumn+" = ?, updated_at = ? WHERE id = ?",
				report.Metrics, now, fileID,
			); err != nil {
				return fmt.Errorf("update file metrics: %w", err)
			}
		}
		if report.Size > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE files SET size = ?, updated_at = ? WHERE id = ?`, report.Size, now, fileID); err != nil {
				return fmt.Errorf("update file size: %w", err)
			}
		}
		if report.NewPath != "" {
			if err := setCurrentPath(ctx, tx, fileID, report.NewPath, now); err != nil {
				return err
			}
		}
		for _, path := range report.RemovePaths {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM file_paths WHERE file_id = ? AND path = ? AND current = 0`,
				fileID, path,
			); err != nil {
				return fmt.Errorf("remove file path: %w", err)
			}
		}
		return nil
	})
}

// setCurrentPath demotes the existing current path and records path as current.
// Prior paths remain resolvable.
func setCurrentPath(ctx context.Context, tx *sql.Tx, fileID int64, path, now string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE file_paths SET current = 0 WHERE file_id = ? AND current = 1`, fileID); err != nil {
		return fmt.Errorf("demote current path: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file_paths (file_id, path, current, created_at) VALUES (?, ?, 1, ?)
         ON CONFLICT(file_id, path) DO UPDATE SET current = 1`,
		fileID, path, now,
	); err != nil {
		return fmt.Errorf("record current path: %w", err)
	}
	return nil
}
