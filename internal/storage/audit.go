package storage

import (
	"context"
	"fmt"
)

// AuditEntry is one consent decision as recorded for the tenant's history.
type AuditEntry struct {
	TraceID    string
	TenantID   string
	AgentID    string
	Resource   string
	Permission string
	Decision   string
	Reason     string
}

// AppendAudit writes one decision row.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, tenant_id, agent_id, resource, permission, decision, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.TenantID, e.AgentID, e.Resource, e.Permission, e.Decision, e.Reason)
		if err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

// CountAudit returns how many decisions are recorded for a tenant,
// optionally narrowed to one resource.
func (s *Store) CountAudit(ctx context.Context, tenantID, resource string) (int, error) {
	query := `SELECT COUNT(*) FROM audit_log WHERE tenant_id = ?`
	args := []any{tenantID}
	if resource != "" {
		query += ` AND resource = ?`
		args = append(args, resource)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query+";", args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}
