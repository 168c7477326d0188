package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetProfile returns the tenant's profile document. A tenant with no
// profile row gets an empty object, not an error.
func (s *Store) GetProfile(ctx context.Context, tenantID string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM profiles WHERE tenant_id = ?;
	`, tenantID).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	var profile map[string]any
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, fmt.Errorf("decode profile for %s: %w", tenantID, err)
	}
	if profile == nil {
		profile = map[string]any{}
	}
	return profile, nil
}

// MergeProfile applies fields as a shallow merge patch: each key replaces
// the stored value, and an explicit JSON null removes the key.
func (s *Store) MergeProfile(ctx context.Context, tenantID string, fields map[string]any) (map[string]any, error) {
	profile, err := s.GetProfile(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		if v == nil {
			delete(profile, k)
			continue
		}
		profile[k] = v
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	err = retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO profiles (tenant_id, data, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(tenant_id)
			DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP;
		`, tenantID, string(raw))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("merge profile: %w", err)
	}
	return profile, nil
}
