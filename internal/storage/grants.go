package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Grant is a single consent row: the tenant allowed agent_id to perform
// permission on resource, optionally until expires_at.
type Grant struct {
	ID         int64
	TenantID   string
	AgentID    string
	Resource   string
	Permission string
	ExpiresAt  *time.Time
}

// Expired reports whether the grant has lapsed at the given instant.
// A grant with no expiry never expires.
func (g Grant) Expired(at time.Time) bool {
	return g.ExpiresAt != nil && !at.Before(*g.ExpiresAt)
}

// ListGrants returns all grants for the tenant/agent pair, expired ones
// included. Filtering by expiry is the consent engine's job so that the
// decision and the clock it uses live in one place.
func (s *Store) ListGrants(ctx context.Context, tenantID, agentID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, agent_id, resource, permission, expires_at
		FROM consent_grants
		WHERE tenant_id = ? AND agent_id = ?
		ORDER BY id;
	`, tenantID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var expires sql.NullInt64
		if err := rows.Scan(&g.ID, &g.TenantID, &g.AgentID, &g.Resource, &g.Permission, &expires); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		if expires.Valid {
			t := time.UnixMilli(expires.Int64)
			g.ExpiresAt = &t
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// PutGrant inserts or refreshes a grant. expiresAt nil means no expiry.
func (s *Store) PutGrant(ctx context.Context, g Grant) error {
	var expires any
	if g.ExpiresAt != nil {
		expires = g.ExpiresAt.UnixMilli()
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO consent_grants (tenant_id, agent_id, resource, permission, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, agent_id, resource, permission)
			DO UPDATE SET expires_at = excluded.expires_at;
		`, g.TenantID, g.AgentID, g.Resource, g.Permission, expires)
		if err != nil {
			return fmt.Errorf("put grant: %w", err)
		}
		return nil
	})
}

// RevokeGrant deletes a grant. Deleting an absent grant is not an error.
func (s *Store) RevokeGrant(ctx context.Context, tenantID, agentID, resource, permission string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM consent_grants
			WHERE tenant_id = ? AND agent_id = ? AND resource = ? AND permission = ?;
		`, tenantID, agentID, resource, permission)
		if err != nil {
			return fmt.Errorf("revoke grant: %w", err)
		}
		return nil
	})
}
