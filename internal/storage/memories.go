package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Memory is the durable row behind one vector-indexed memory. The
// embedding itself lives in the vector index; this row survives index
// rebuilds and carries the soft-delete marker.
type Memory struct {
	ID         string
	TenantID   string
	Collection string
	Content    string
	Metadata   json.RawMessage
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// InsertMemory records a new memory row.
func (s *Store) InsertMemory(ctx context.Context, m Memory) error {
	meta := string(m.Metadata)
	if meta == "" {
		meta = "{}"
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO vector_memories (id, tenant_id, collection, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, m.ID, m.TenantID, m.Collection, m.Content, meta, nowMilli())
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		return nil
	})
}

// GetMemory returns one live memory row, or false when absent or deleted.
func (s *Store) GetMemory(ctx context.Context, tenantID, id string) (Memory, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, collection, content, metadata, created_at
		FROM vector_memories
		WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL;
	`, tenantID, id)
	m, err := scanMemory(row)
	if err != nil {
		if isNoRows(err) {
			return Memory{}, false, nil
		}
		return Memory{}, false, fmt.Errorf("get memory: %w", err)
	}
	return m, true, nil
}

// RecentMemories returns the newest live memories, optionally restricted
// to one collection. Without a collection filter, internal collections
// (leading underscore) are excluded.
func (s *Store) RecentMemories(ctx context.Context, tenantID, collection string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, tenant_id, collection, content, metadata, created_at
		FROM vector_memories
		WHERE tenant_id = ? AND deleted_at IS NULL`
	args := []any{tenantID}
	if collection != "" {
		query += ` AND collection = ?`
		args = append(args, collection)
	} else {
		query += ` AND collection NOT LIKE '\_%' ESCAPE '\'`
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SoftDeleteMemory marks a live memory deleted. Returns false when the row
// is absent or already deleted.
func (s *Store) SoftDeleteMemory(ctx context.Context, tenantID, id string) (bool, error) {
	var deleted bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE vector_memories SET deleted_at = ?
			WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL;
		`, nowMilli(), tenantID, id)
		if err != nil {
			return fmt.Errorf("soft delete memory: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("soft delete rows affected: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// LiveMemories streams every live memory row across all tenants in id
// order, calling fn for each. Used to rebuild the in-process vector index
// at startup.
func (s *Store) LiveMemories(ctx context.Context, fn func(Memory) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, collection, content, metadata, created_at
		FROM vector_memories
		WHERE deleted_at IS NULL
		ORDER BY id;
	`)
	if err != nil {
		return fmt.Errorf("live memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return fmt.Errorf("scan memory: %w", err)
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListCollections returns the tenant's collection names with live counts.
// Internal collections (leading underscore) are filtered out.
func (s *Store) ListCollections(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, COUNT(*)
		FROM vector_memories
		WHERE tenant_id = ? AND deleted_at IS NULL
		GROUP BY collection;
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		if strings.HasPrefix(name, "_") {
			continue
		}
		out[name] = count
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var m Memory
	var meta string
	var created int64
	if err := row.Scan(&m.ID, &m.TenantID, &m.Collection, &m.Content, &meta, &created); err != nil {
		return Memory{}, err
	}
	m.Metadata = json.RawMessage(meta)
	m.CreatedAt = time.UnixMilli(created)
	return m, nil
}
