package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// timeLayout is fixed width so lexical order in SQLite matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nowString() string {
	return formatTime(time.Now())
}

func parseTime(raw sql.NullString) time.Time {
	if !raw.Valid || raw.String == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw.String); err == nil {
		return ts
	}
	return time.Time{}
}

func parseTimePtr(raw sql.NullString) *time.Time {
	ts := parseTime(raw)
	if ts.IsZero() {
		return nil
	}
	return &ts
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func encodeList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil
	}
	return values
}

const jobColumns = "j.id, j.file_id, COALESCE(fp.path, ''), j.type, j.status, j.assigned_node_id, j.processing_type, j.accelerator, j.requested_accelerator, j.gpu_index, j.progress, j.progress_message, j.stage, j.transcode_payload, j.error_message, j.created_at, j.updated_at, j.started_at, j.finished_at"

const jobFrom = "FROM jobs j LEFT JOIN file_paths fp ON fp.file_id = j.file_id AND fp.current = 1"

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner, extra ...any) (*Job, error) {
	var (
		job             Job
		jobType         string
		status          string
		nodeID          sql.NullString
		processingType  sql.NullString
		accelerator     sql.NullString
		requested       sql.NullString
		gpuIndex        sql.NullInt64
		progressMessage sql.NullString
		stage           sql.NullString
		payload         sql.NullString
		errorMessage    sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
		startedRaw      sql.NullString
		finishedRaw     sql.NullString
	)
	dest := []any{
		&job.ID,
		&job.FileID,
		&job.FilePath,
		&jobType,
		&status,
		&nodeID,
		&processingType,
		&accelerator,
		&requested,
		&gpuIndex,
		&job.Progress,
		&progressMessage,
		&stage,
		&payload,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	job.Type = JobType(jobType)
	job.Status = JobStatus(status)
	job.AssignedNodeID = nodeID.String
	job.ProcessingType = processingType.String
	job.Accelerator = accelerator.String
	job.RequestedAccelerator = requested.String
	if gpuIndex.Valid {
		idx := int(gpuIndex.Int64)
		job.GPUIndex = &idx
	}
	job.ProgressMessage = progressMessage.String
	job.Stage = stage.String
	job.TranscodePayload = payload.String
	job.ErrorMessage = errorMessage.String
	job.CreatedAt = parseTime(createdRaw)
	job.UpdatedAt = parseTime(updatedRaw)
	job.StartedAt = parseTimePtr(startedRaw)
	job.FinishedAt = parseTimePtr(finishedRaw)
	return &job, nil
}

const fileColumns = "f.id, f.library_id, COALESCE(fp.path, ''), f.size, f.status, f.initial_metrics, f.final_metrics, f.created_at, f.updated_at, f.deleted_at"

const fileFrom = "FROM files f LEFT JOIN file_paths fp ON fp.file_id = f.id AND fp.current = 1"

func scanFile(row scanner) (*File, error) {
	var (
		file       File
		status     string
		initial    sql.NullString
		final      sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
		deletedRaw sql.NullString
	)
	if err := row.Scan(&file.ID, &file.LibraryID, &file.Path, &file.Size, &status, &initial, &final, &createdRaw, &updatedRaw, &deletedRaw); err != nil {
		return nil, err
	}
	file.Status = FileStatus(status)
	file.InitialMetrics = initial.String
	file.FinalMetrics = final.String
	file.CreatedAt = parseTime(createdRaw)
	file.UpdatedAt = parseTime(updatedRaw)
	file.DeletedAt = parseTimePtr(deletedRaw)
	return &file, nil
}

const nodeColumns = "id, name, platform, last_heartbeat, metrics, hardware, settings, tags, created_at, updated_at"

func scanNode(row scanner) (*Node, error) {
	var (
		node         Node
		platform     sql.NullString
		heartbeatRaw sql.NullString
		metrics      sql.NullString
		hardware     sql.NullString
		settings     sql.NullString
		tags         sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := row.Scan(&node.ID, &node.Name, &platform, &heartbeatRaw, &metrics, &hardware, &settings, &tags, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	node.Platform = platform.String
	node.LastHeartbeat = parseTime(heartbeatRaw)
	node.Metrics = metrics.String
	node.Hardware = hardware.String
	if settings.Valid && settings.String != "" {
		_ = json.Unmarshal([]byte(settings.String), &node.Settings)
	}
	node.Tags = decodeList(tags)
	node.CreatedAt = parseTime(createdRaw)
	node.UpdatedAt = parseTime(updatedRaw)
	return &node, nil
}

const libraryColumns = "id, name, default_tree_id, tree_scope, node_allow_list, created_at, updated_at"

func scanLibrary(row scanner) (*Library, error) {
	var (
		lib         Library
		defaultTree sql.NullInt64
		allowList   sql.NullString
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
	)
	if err := row.Scan(&lib.ID, &lib.Name, &defaultTree, &lib.TreeScope, &allowList, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	lib.DefaultTreeID = defaultTree.Int64
	lib.NodeAllowList = decodeList(allowList)
	lib.CreatedAt = parseTime(createdRaw)
	lib.UpdatedAt = parseTime(updatedRaw)
	return &lib, nil
}

const treeColumns = "t.id, t.name, t.requirements, COALESCE((SELECT MAX(version) FROM tree_versions v WHERE v.tree_id = t.id), 0), t.created_at, t.updated_at"

func scanTree(row scanner) (*Tree, error) {
	var (
		tree       Tree
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := row.Scan(&tree.ID, &tree.Name, &tree.RequirementsJSON, &tree.LatestVersion, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	tree.CreatedAt = parseTime(createdRaw)
	tree.UpdatedAt = parseTime(updatedRaw)
	return &tree, nil
}

// encodeLogLines renders lines as NDJSON, one object per line.
func encodeLogLines(lines []LogLine) (string, error) {
	var b strings.Builder
	for _, line := range lines {
		if line.TS.IsZero() {
			line.TS = time.Now().UTC()
		}
		data, err := json.Marshal(line)
		if err != nil {
			return "", err
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// DecodeLog parses a job's NDJSON log column. Malformed lines are skipped.
func DecodeLog(raw string) []LogLine {
	var lines []LogLine
	for _, entry := range strings.Split(raw, "\n") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var line LogLine
		if err := json.Unmarshal([]byte(entry), &line); err != nil {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
