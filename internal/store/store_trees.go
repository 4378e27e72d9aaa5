package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lattice/internal/services"
)

// SaveTree creates the named tree if needed and appends a new immutable
// version holding graphJSON. Requirements are replaced on every save.
func (s *Store) SaveTree(ctx context.Context, name, requirementsJSON, graphJSON string) (*TreeVersion, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, services.Wrap(services.ErrValidation, "store", "save tree", "name is required", nil)
	}
	if requirementsJSON == "" {
		requirementsJSON = "{}"
	}

	var version TreeVersion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO trees (name, requirements, created_at, updated_at) VALUES (?, ?, ?, ?)
             ON CONFLICT(name) DO UPDATE SET requirements = excluded.requirements, updated_at = excluded.updated_at
             RETURNING id`,
			name, requirementsJSON, now, now,
		).Scan(&version.TreeID); err != nil {
			return fmt.Errorf("upsert tree: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO tree_versions (tree_id, version, graph, created_at)
             SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ? FROM tree_versions WHERE tree_id = ?
             RETURNING version`,
			version.TreeID, graphJSON, now, version.TreeID,
		).Scan(&version.Version); err != nil {
			return fmt.Errorf("insert tree version: %w", err)
		}
		version.Graph = graphJSON
		version.CreatedAt = parseTime(sql.NullString{String: now, Valid: true})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// GetTree fetches a tree by id, returning nil when it does not exist.
func (s *Store) GetTree(ctx context.Context, id int64) (*Tree, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+treeColumns+" FROM trees t WHERE t.id = ?", id)
	tree, err := scanTree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tree: %w", err)
	}
	return tree, nil
}

// FindTree resolves a tree by id or name.
func (s *Store) FindTree(ctx context.Context, ref string) (*Tree, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+treeColumns+" FROM trees t WHERE CAST(t.id AS TEXT) = ? OR t.name = ? ORDER BY t.id LIMIT 1",
		ref, ref,
	)
	tree, err := scanTree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find tree: %w", err)
	}
	return tree, nil
}

// ListTrees returns every tree in id order.
func (s *Store) ListTrees(ctx context.Context) ([]*Tree, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), "SELECT "+treeColumns+" FROM trees t ORDER BY t.id")
	if err != nil {
		return nil, fmt.Errorf("list trees: %w", err)
	}
	defer rows.Close()

	var trees []*Tree
	for rows.Next() {
		tree, err := scanTree(rows)
		if err != nil {
			return nil, err
		}
		trees = append(trees, tree)
	}
	return trees, rows.Err()
}

// LatestTreeVersion returns the highest version of a tree, or nil when the
// tree has no versions.
func (s *Store) LatestTreeVersion(ctx context.Context, treeID int64) (*TreeVersion, error) {
	return s.TreeVersion(ctx, treeID, 0)
}

// TreeVersion returns a specific version of a tree. A version of zero selects
// the latest.
func (s *Store) TreeVersion(ctx context.Context, treeID int64, version int) (*TreeVersion, error) {
	query := `SELECT tree_id, version, graph, created_at FROM tree_versions WHERE tree_id = ?`
	args := []any{treeID}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	var (
		tv         TreeVersion
		createdRaw sql.NullString
	)
	err := s.db.QueryRowContext(ensureContext(ctx), query, args...).Scan(&tv.TreeID, &tv.Version, &tv.Graph, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tree version: %w", err)
	}
	tv.CreatedAt = parseTime(createdRaw)
	return &tv, nil
}
