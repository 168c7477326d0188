package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Meta kinds and resolutions for human-review rows.
const (
	MetaKindContradiction = "contradiction"

	MetaStatusPending  = "pending"
	MetaStatusResolved = "resolved"

	ResolutionConfirm  = "confirm"
	ResolutionReject   = "reject"
	ResolutionKeepBoth = "keep_both"
)

// MetaRecord is one pending observation about a memory, typically a
// suspected contradiction between a new memory and an older one.
type MetaRecord struct {
	ID         string
	TenantID   string
	Kind       string
	MemoryID   string // the newer memory that triggered the observation
	RelatedID  string // the older memory it conflicts with, if any
	Detail     string
	Status     string
	Resolution string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// InsertMeta files a pending review row.
func (s *Store) InsertMeta(ctx context.Context, m MetaRecord) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_meta (id, tenant_id, kind, memory_id, related_id, detail, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?);
		`, m.ID, m.TenantID, m.Kind, m.MemoryID, m.RelatedID, m.Detail, nowMilli())
		if err != nil {
			return fmt.Errorf("insert meta: %w", err)
		}
		return nil
	})
}

// PendingMeta returns the tenant's unresolved review rows, oldest first.
func (s *Store) PendingMeta(ctx context.Context, tenantID string, limit int) ([]MetaRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, memory_id, related_id, detail, status, resolution, created_at, resolved_at
		FROM memory_meta
		WHERE tenant_id = ? AND status = 'pending'
		ORDER BY created_at, id LIMIT ?;
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("pending meta: %w", err)
	}
	defer rows.Close()

	var out []MetaRecord
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMeta fetches one review row by id.
func (s *Store) GetMeta(ctx context.Context, tenantID, id string) (MetaRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, memory_id, related_id, detail, status, resolution, created_at, resolved_at
		FROM memory_meta
		WHERE tenant_id = ? AND id = ?;
	`, tenantID, id)
	m, err := scanMeta(row)
	if err != nil {
		if isNoRows(err) {
			return MetaRecord{}, false, nil
		}
		return MetaRecord{}, false, fmt.Errorf("get meta: %w", err)
	}
	return m, true, nil
}

// ResolveMeta marks a pending row resolved with the given resolution.
// The update is conditioned on status so concurrent resolutions race
// safely: exactly one caller sees true.
func (s *Store) ResolveMeta(ctx context.Context, tenantID, id, resolution string) (bool, error) {
	var resolved bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE memory_meta
			SET status = 'resolved', resolution = ?, resolved_at = ?
			WHERE tenant_id = ? AND id = ? AND status = 'pending';
		`, resolution, nowMilli(), tenantID, id)
		if err != nil {
			return fmt.Errorf("resolve meta: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		resolved = n > 0
		return nil
	})
	return resolved, err
}

func scanMeta(row rowScanner) (MetaRecord, error) {
	var m MetaRecord
	var created int64
	var resolvedAt sql.NullInt64
	if err := row.Scan(&m.ID, &m.TenantID, &m.Kind, &m.MemoryID, &m.RelatedID, &m.Detail, &m.Status, &m.Resolution, &created, &resolvedAt); err != nil {
		return MetaRecord{}, err
	}
	m.CreatedAt = time.UnixMilli(created)
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		m.ResolvedAt = &t
	}
	return m, nil
}
