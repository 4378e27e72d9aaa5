package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lattice/internal/services"
)

// Transition describes the state a job row and its file move to.
type Transition struct {
	JobType    JobType
	JobStatus  JobStatus
	FileStatus FileStatus
	// Release clears the node binding, GPU index, progress, and payload.
	Release bool
	// Finish stamps finished_at.
	Finish  bool
	Message string
	Log     string
}

// Guard is the state a job must still be in for a transition to apply.
type Guard struct {
	Type   JobType
	Status JobStatus
	NodeID string
}

// Assignment binds a queued job to a node slot.
type Assignment struct {
	JobID          int64
	NodeID         string
	ProcessingType string
	Accelerator    string
	GPUIndex       *int
	Payload        string
	Log            string
}

// EnqueueFile indexes a new file under a library and queues its healthcheck job.
func (s *Store) EnqueueFile(ctx context.Context, libraryID int64, path string, size int64) (*File, *Job, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil, services.Wrap(services.ErrValidation, "store", "enqueue file", "path is required", nil)
	}
	lib, err := s.GetLibrary(ctx, libraryID)
	if err != nil {
		return nil, nil, err
	}
	if lib == nil {
		return nil, nil, services.Wrap(services.ErrNotFound, "store", "enqueue file", fmt.Sprintf("library %d", libraryID), nil)
	}
	existing, err := s.FindFileByPath(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, services.Wrap(services.ErrConflict, "store", "enqueue file", fmt.Sprintf("%s is already indexed as file %d", path, existing.ID), nil)
	}

	var fileID, jobID int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO files (library_id, size, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			libraryID, size, FileIndexed, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
		if fileID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("file id: %w", err)
		}
		if err := setCurrentPath(ctx, tx, fileID, path, now); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (file_id, type, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			fileID, JobHealthcheck, JobQueued, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if jobID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("job id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	file, err := s.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return file, job, nil
}

// AssignJob moves a queued job to processing for a node. It reports false
// when another poll claimed the job first.
func (s *Store) AssignJob(ctx context.Context, a Assignment) (bool, error) {
	logChunk, err := systemLog(a.Log)
	if err != nil {
		return false, err
	}
	assigned := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		assigned = false
		now := nowString()
		var (
			fileID  int64
			jobType string
		)
		err := tx.QueryRowContext(ctx,
			`UPDATE jobs SET status = ?, assigned_node_id = ?, processing_type = ?, accelerator = ?, gpu_index = ?,
                 transcode_payload = CASE WHEN type = ? THEN ? ELSE NULL END,
                 progress = 0, progress_message = NULL, stage = NULL, error_message = NULL,
                 started_at = ?, finished_at = NULL, updated_at = ?, log = log || ?
             WHERE id = ? AND status = ? AND deleted_at IS NULL
             RETURNING file_id, type`,
			JobProcessing, a.NodeID, nullableString(a.ProcessingType), nullableString(a.Accelerator), nullableInt(a.GPUIndex),
			JobTranscode, nullableString(a.Payload),
			now, now, logChunk,
			a.JobID, JobQueued,
		).Scan(&fileID, &jobType)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("assign job: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET status = ?, updated_at = ? WHERE id = ?`,
			JobType(jobType).InFlightStatus(), now, fileID,
		); err != nil {
			return fmt.Errorf("mark file in flight: %w", err)
		}
		assigned = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return assigned, nil
}

// ApplyTransition moves a job and its file to the target state when the job
// still matches guard. A mismatch returns ErrConflict, a missing job ErrNotFound.
func (s *Store) ApplyTransition(ctx context.Context, jobID int64, guard Guard, tr Transition) error {
	logChunk, err := systemLog(tr.Log)
	if err != nil {
		return err
	}
	matched := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		matched = false
		now := nowString()
		sets := []string{"type = ?", "status = ?", "error_message = ?", "updated_at = ?", "log = log || ?"}
		args := []any{tr.JobType, tr.JobStatus, nullableString(tr.Message), now, logChunk}
		if tr.Release {
			sets = append(sets,
				"assigned_node_id = NULL", "processing_type = NULL", "accelerator = NULL", "gpu_index = NULL",
				"progress = 0", "progress_message = NULL", "stage = NULL", "transcode_payload = NULL",
				"started_at = NULL", "finished_at = NULL",
			)
		} else if tr.Finish {
			sets = append(sets, "finished_at = ?")
			args = append(args, now)
			if tr.JobStatus == JobSuccessful {
				sets = append(sets, "progress = 100")
			}
		}
		query := "UPDATE jobs SET " + strings.Join(sets, ", ") +
			" WHERE id = ? AND type = ? AND status = ? AND deleted_at IS NULL"
		args = append(args, jobID, guard.Type, guard.Status)
		if guard.NodeID != "" {
			query += " AND assigned_node_id = ?"
			args = append(args, guard.NodeID)
		}
		query += " RETURNING file_id"

		var fileID int64
		err := tx.QueryRowContext(ctx, query, args...).Scan(&fileID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
		if tr.FileStatus != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE files SET status = ?, updated_at = ? WHERE id = ?`,
				tr.FileStatus, now, fileID,
			); err != nil {
				return fmt.Errorf("update file status: %w", err)
			}
		}
		matched = true
		return nil
	})
	if err != nil {
		return err
	}
	if !matched {
		return s.missOrConflict(ctx, jobID, "apply transition")
	}
	return nil
}

// FailedJob identifies a job failed by a sweep.
type FailedJob struct {
	ID     int64
	FileID int64
	Type   JobType
}

// FailOrphans marks processing jobs of nodeID that are absent from active and
// started before startedBefore as errored, failing their files.
func (s *Store) FailOrphans(ctx context.Context, nodeID string, active []int64, startedBefore time.Time, reason string) ([]FailedJob, error) {
	where := "assigned_node_id = ? AND status = ? AND deleted_at IS NULL AND started_at < ?"
	args := []any{nodeID, JobProcessing, formatTime(startedBefore)}
	if len(active) > 0 {
		where += " AND id NOT IN (" + makePlaceholders(len(active)) + ")"
		for _, id := range active {
			args = append(args, id)
		}
	}
	return s.failWhere(ctx, where, args, reason)
}

// FailStale marks processing jobs idle since updatedBefore as errored when
// their node is missing or has not heartbeated since heartbeatCutoff.
func (s *Store) FailStale(ctx context.Context, updatedBefore, heartbeatCutoff time.Time, reason string) ([]FailedJob, error) {
	where := `status = ? AND deleted_at IS NULL AND updated_at < ? AND (assigned_node_id IS NULL OR NOT EXISTS
        (SELECT 1 FROM nodes n WHERE n.id = jobs.assigned_node_id AND n.last_heartbeat >= ?))`
	args := []any{JobProcessing, formatTime(updatedBefore), formatTime(heartbeatCutoff)}
	return s.failWhere(ctx, where, args, reason)
}

func (s *Store) failWhere(ctx context.Context, where string, whereArgs []any, reason string) ([]FailedJob, error) {
	logChunk, err := systemLog(reason)
	if err != nil {
		return nil, err
	}
	var failed []FailedJob
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		failed = failed[:0]
		now := nowString()
		args := append([]any{JobError, reason, now, now, logChunk}, whereArgs...)
		rows, err := tx.QueryContext(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, finished_at = ?, updated_at = ?, log = log || ?
             WHERE `+where+` RETURNING id, file_id, type`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("fail jobs: %w", err)
		}
		for rows.Next() {
			var (
				job     FailedJob
				jobType string
			)
			if err := rows.Scan(&job.ID, &job.FileID, &jobType); err != nil {
				rows.Close()
				return err
			}
			job.Type = JobType(jobType)
			failed = append(failed, job)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, job := range failed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE files SET status = ?, updated_at = ? WHERE id = ?`,
				job.Type.FailedStatus(), now, job.FileID,
			); err != nil {
				return fmt.Errorf("fail file %d: %w", job.FileID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ReapGarbage soft-deletes jobs whose file is missing or deleted, or whose
// file's library no longer exists.
func (s *Store) ReapGarbage(ctx context.Context) (int64, error) {
	now := nowString()
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET deleted_at = ?, updated_at = ?
         WHERE deleted_at IS NULL AND NOT EXISTS (
             SELECT 1 FROM files f JOIN libraries l ON l.id = f.library_id
             WHERE f.id = jobs.file_id AND f.deleted_at IS NULL)`,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("reap garbage jobs: %w", err)
	}
	return res.RowsAffected()
}

func systemLog(line string) (string, error) {
	if line == "" {
		return "", nil
	}
	chunk, err := encodeLogLines([]LogLine{{TS: time.Now().UTC(), Stage: "system", Line: line}})
	if err != nil {
		return "", fmt.Errorf("encode system log: %w", err)
	}
	return chunk, nil
}
