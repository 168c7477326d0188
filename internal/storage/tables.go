package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one row in a tenant's structured table.
type Record struct {
	ID        string
	TenantID  string
	Table     string
	Data      json.RawMessage
	Summary   string
	CreatedAt time.Time
}

// RecordQuery selects records from one table. Filters are top-level-key
// equality matches against the stored JSON document.
type RecordQuery struct {
	Table   string
	Filters map[string]any
	Limit   int
	Offset  int
}

// InsertRecord appends a record to a tenant table. Tables are created
// implicitly by their first record.
func (s *Store) InsertRecord(ctx context.Context, rec Record) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO table_records (id, tenant_id, table_name, data, summary, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.TenantID, rec.Table, string(rec.Data), rec.Summary, nowMilli())
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return nil
	})
}

// QueryRecords returns matching records newest first.
func (s *Store) QueryRecords(ctx context.Context, tenantID string, q RecordQuery) ([]Record, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	query := `
		SELECT id, tenant_id, table_name, data, summary, created_at
		FROM table_records
		WHERE tenant_id = ? AND table_name = ?`
	args := []any{tenantID, q.Table}
	for key, want := range q.Filters {
		query += ` AND json_extract(data, '$.' || ?) = ?`
		args = append(args, key, filterValue(want))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?;`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var data string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Table, &data, &rec.Summary, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Data = json.RawMessage(data)
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// filterValue maps Go values onto what json_extract yields: booleans come
// back as 0/1 integers, everything else compares as-is.
func filterValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

// TableInfo describes one tenant table for listings.
type TableInfo struct {
	Name  string
	Count int
}

// ListTables returns the tenant's tables with row counts, alphabetical.
func (s *Store) ListTables(ctx context.Context, tenantID string) ([]TableInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, COUNT(*)
		FROM table_records
		WHERE tenant_id = ?
		GROUP BY table_name
		ORDER BY table_name;
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []TableInfo
	for rows.Next() {
		var info TableInfo
		if err := rows.Scan(&info.Name, &info.Count); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
