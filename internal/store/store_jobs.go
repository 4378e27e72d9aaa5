package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"lattice/internal/services"
)

// GetJob fetches a live job by id, returning nil when it does not exist.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+jobColumns+" "+jobFrom+" WHERE j.id = ? AND j.deleted_at IS NULL", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// LiveJobForFile returns the queued or processing job of a file, if any.
func (s *Store) LiveJobForFile(ctx context.Context, fileID int64) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+jobColumns+" "+jobFrom+" WHERE j.file_id = ? AND j.deleted_at IS NULL AND j.status IN (?, ?)",
		fileID, JobQueued, JobProcessing,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("live job for file: %w", err)
	}
	return job, nil
}

// JobLog returns the parsed log of a job.
func (s *Store) JobLog(ctx context.Context, id int64) ([]LogLine, error) {
	var raw string
	err := s.db.QueryRowContext(ensureContext(ctx), `SELECT log FROM jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "store", "job log", fmt.Sprintf("job %d", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read job log: %w", err)
	}
	return DecodeLog(raw), nil
}

// ListJobs returns live jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := "SELECT " + jobColumns + " " + jobFrom + " WHERE j.deleted_at IS NULL"
	var args []any
	if filter.Status != "" {
		query += " AND j.status = ?"
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		query += " AND j.type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY j.updated_at DESC, j.id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// QueuedCandidates returns queued jobs on live files in FIFO order together
// with the owning library's node allow-list.
func (s *Store) QueuedCandidates(ctx context.Context) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT "+jobColumns+`, f.library_id, l.node_allow_list
         FROM jobs j
         JOIN files f ON f.id = j.file_id AND f.deleted_at IS NULL
         JOIN libraries l ON l.id = f.library_id
         LEFT JOIN file_paths fp ON fp.file_id = j.file_id AND fp.current = 1
         WHERE j.status = ? AND j.deleted_at IS NULL
         ORDER BY j.created_at ASC, j.id ASC`,
		JobQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("queued candidates: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var (
			libraryID int64
			allowList sql.NullString
		)
		job, err := scanJob(rows, &libraryID, &allowList)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate{
			Job:           *job,
			LibraryID:     libraryID,
			NodeAllowList: decodeList(allowList),
		})
	}
	return candidates, rows.Err()
}

// ProcessingJobIDs lists the ids of jobs currently processing on a node.
func (s *Store) ProcessingJobIDs(ctx context.Context, nodeID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id FROM jobs WHERE assigned_node_id = ? AND status = ? AND deleted_at IS NULL ORDER BY id`,
		nodeID, JobProcessing,
	)
	if err != nil {
		return nil, fmt.Errorf("processing jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetRequestedAccelerator pins the accelerator a job must run on. An empty
// value clears the constraint.
func (s *Store) SetRequestedAccelerator(ctx context.Context, jobID int64, accelerator string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET requested_accelerator = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		nullableString(accelerator), nowString(), jobID,
	)
	if err != nil {
		return fmt.Errorf("set requested accelerator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.Wrap(services.ErrNotFound, "store", "set requested accelerator", fmt.Sprintf("job %d", jobID), nil)
	}
	return nil
}

// UpdateProgress records progress for a processing job owned by nodeID.
func (s *Store) UpdateProgress(ctx context.Context, jobID int64, nodeID string, progress float64, stage, message string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET progress = ?, stage = COALESCE(?, stage), progress_message = COALESCE(?, progress_message), updated_at = ?
         WHERE id = ? AND assigned_node_id = ? AND status = ? AND deleted_at IS NULL`,
		progress, nullableString(stage), nullableString(message), nowString(), jobID, nodeID, JobProcessing,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, jobID, "update progress")
	}
	return nil
}

// AppendLog appends lines to a job's NDJSON log. When nodeID is set the job
// must still be assigned to that node.
func (s *Store) AppendLog(ctx context.Context, jobID int64, nodeID string, lines []LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	chunk, err := encodeLogLines(lines)
	if err != nil {
		return fmt.Errorf("encode log lines: %w", err)
	}
	query := `UPDATE jobs SET log = log || ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`
	args := []any{chunk, nowString(), jobID}
	if nodeID != "" {
		query += ` AND assigned_node_id = ?`
		args = append(args, nodeID)
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, jobID, "append log")
	}
	return nil
}

// missOrConflict classifies a guarded write that matched no rows.
func (s *Store) missOrConflict(ctx context.Context, jobID int64, operation string) error {
	var exists int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM jobs WHERE id = ? AND deleted_at IS NULL`, jobID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if exists == 0 {
		return services.Wrap(services.ErrNotFound, "store", operation, fmt.Sprintf("job %d", jobID), nil)
	}
	return services.Wrap(services.ErrConflict, "store", operation, fmt.Sprintf("job %d is not held by the caller", jobID), nil)
}
