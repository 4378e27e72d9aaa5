package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lattice/internal/services"
)

// RegisterNode inserts the node or refreshes its identity, hardware, tags, and
// metrics. Coordinator-side settings survive re-registration.
func (s *Store) RegisterNode(ctx context.Context, node Node) (*Node, error) {
	if node.ID == "" {
		return nil, services.Wrap(services.ErrValidation, "store", "register node", "node id is required", nil)
	}
	name := node.Name
	if name == "" {
		name = node.ID
	}
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO nodes (id, name, platform, last_heartbeat, metrics, hardware, tags, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             name = excluded.name,
             platform = excluded.platform,
             last_heartbeat = excluded.last_heartbeat,
             metrics = excluded.metrics,
             hardware = excluded.hardware,
             tags = excluded.tags,
             updated_at = excluded.updated_at`,
		node.ID, name, nullableString(node.Platform), now, nullableString(node.Metrics),
		nullableString(node.Hardware), encodeList(node.Tags), now, now,
	); err != nil {
		return nil, fmt.Errorf("register node: %w", err)
	}
	return s.GetNode(ctx, node.ID)
}

// TouchNode records a heartbeat. Tags are replaced only when provided.
func (s *Store) TouchNode(ctx context.Context, id, metrics string, tags []string) error {
	now := nowString()
	query := `UPDATE nodes SET last_heartbeat = ?, updated_at = ?, metrics = COALESCE(?, metrics)`
	args := []any{now, now, nullableString(metrics)}
	if tags != nil {
		query += `, tags = ?`
		args = append(args, encodeList(tags))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("touch node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.Wrap(services.ErrNotFound, "store", "heartbeat", fmt.Sprintf("node %s is not registered", id), nil)
	}
	return nil
}

// UpdateNodeSettings stores coordinator-side slot overrides for a node.
func (s *Store) UpdateNodeSettings(ctx context.Context, id string, settings NodeSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode node settings: %w", err)
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE nodes SET settings = ?, updated_at = ? WHERE id = ?`,
		string(data), nowString(), id,
	)
	if err != nil {
		return fmt.Errorf("update node settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.Wrap(services.ErrNotFound, "store", "update node settings", fmt.Sprintf("node %s", id), nil)
	}
	return nil
}

// GetNode fetches a node by id, returning nil when it is unknown.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

// ListNodes returns every registered node by name.
func (s *Store) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), "SELECT "+nodeColumns+" FROM nodes ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// CountFreshNodes counts nodes whose last heartbeat is at or after cutoff.
func (s *Store) CountFreshNodes(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM nodes WHERE last_heartbeat >= ?`, formatTime(cutoff),
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return count, nil
}
