package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lattice/internal/services"
)

// CreateLibrary inserts a library and returns it with its assigned id.
func (s *Store) CreateLibrary(ctx context.Context, lib Library) (*Library, error) {
	name := strings.TrimSpace(lib.Name)
	if name == "" {
		return nil, services.Wrap(services.ErrValidation, "store", "create library", "name is required", nil)
	}
	scope := lib.TreeScope
	if scope == "" {
		scope = ScopeSelected
	}
	if scope != ScopeSelected && scope != ScopeAny {
		return nil, services.Wrap(services.ErrValidation, "store", "create library", fmt.Sprintf("unknown tree scope %q", scope), nil)
	}
	now := nowString()
	var defaultTree any
	if lib.DefaultTreeID > 0 {
		defaultTree = lib.DefaultTreeID
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO libraries (name, default_tree_id, tree_scope, node_allow_list, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		name, defaultTree, scope, encodeList(lib.NodeAllowList), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert library: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("library id: %w", err)
	}
	return s.GetLibrary(ctx, id)
}

// GetLibrary fetches a library by id, returning nil when it does not exist.
func (s *Store) GetLibrary(ctx context.Context, id int64) (*Library, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+libraryColumns+" FROM libraries WHERE id = ?", id)
	lib, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get library: %w", err)
	}
	return lib, nil
}

// FindLibrary resolves a library by id or name.
func (s *Store) FindLibrary(ctx context.Context, ref string) (*Library, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+libraryColumns+" FROM libraries WHERE CAST(id AS TEXT) = ? OR name = ? ORDER BY id LIMIT 1",
		ref, ref,
	)
	lib, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find library: %w", err)
	}
	return lib, nil
}

// ListLibraries returns every library ordered by id.
func (s *Store) ListLibraries(ctx context.Context) ([]*Library, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), "SELECT "+libraryColumns+" FROM libraries ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer rows.Close()

	var libs []*Library
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libs = append(libs, lib)
	}
	return libs, rows.Err()
}

// DeleteLibrary removes a library and its tree rules. Files keep their rows
// and their jobs are reaped by the garbage sweep.
func (s *Store) DeleteLibrary(ctx context.Context, id int64) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM libraries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete library: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.Wrap(services.ErrNotFound, "store", "delete library", fmt.Sprintf("library %d", id), nil)
	}
	return nil
}

// SetLibraryTrees replaces the ordered list of trees explicitly bound to a library.
func (s *Store) SetLibraryTrees(ctx context.Context, libraryID int64, treeIDs []int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM library_trees WHERE library_id = ?`, libraryID); err != nil {
			return fmt.Errorf("clear library trees: %w", err)
		}
		for position, treeID := range treeIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO library_trees (library_id, tree_id, position) VALUES (?, ?, ?)`,
				libraryID, treeID, position,
			); err != nil {
				return fmt.Errorf("bind tree %d: %w", treeID, err)
			}
		}
		return nil
	})
}

// LibraryTreeIDs returns the rule-listed trees for a library in priority order.
func (s *Store) LibraryTreeIDs(ctx context.Context, libraryID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT tree_id FROM library_trees WHERE library_id = ? ORDER BY position, tree_id`,
		libraryID,
	)
	if err != nil {
		return nil, fmt.Errorf("list library trees: %w", err)
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
