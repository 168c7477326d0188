package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Entity is a node in a tenant's knowledge graph.
type Entity struct {
	ID         string
	TenantID   string
	Name       string
	Type       string
	Confidence float64
	Mentions   int
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// Relation is a directed edge between two entities.
type Relation struct {
	ID       int64
	TenantID string
	FromID   string
	ToID     string
	Relation string
}

// UpsertEntity inserts an entity or, when a node with the same name already
// exists for the tenant, bumps its mention count and freshness and keeps
// the higher confidence. Returns the entity's id.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (string, error) {
	now := nowMilli()
	var id string
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE graph_entities
			SET mentions = mentions + 1,
			    last_seen_at = ?,
			    confidence = MAX(confidence, ?),
			    entity_type = CASE WHEN entity_type = '' THEN ? ELSE entity_type END
			WHERE tenant_id = ? AND name = ?;
		`, now, e.Confidence, e.Type, e.TenantID, e.Name)
		if err != nil {
			return fmt.Errorf("bump entity: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return s.db.QueryRowContext(ctx, `
				SELECT id FROM graph_entities WHERE tenant_id = ? AND name = ?;
			`, e.TenantID, e.Name).Scan(&id)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO graph_entities (id, tenant_id, name, entity_type, confidence, mentions, last_seen_at, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?);
		`, e.ID, e.TenantID, e.Name, e.Type, e.Confidence, now, now)
		if err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
		id = e.ID
		return nil
	})
	return id, err
}

// LinkEntities records a directed relation between two entity ids.
func (s *Store) LinkEntities(ctx context.Context, tenantID, fromID, toID, relation string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_relations (tenant_id, from_id, to_id, relation, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, tenantID, fromID, toID, relation, nowMilli())
		if err != nil {
			return fmt.Errorf("link entities: %w", err)
		}
		return nil
	})
}

// RenameEntity changes an entity's display name. Returns false when no
// entity with the old name exists.
func (s *Store) RenameEntity(ctx context.Context, tenantID, oldName, newName string) (bool, error) {
	var renamed bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE graph_entities SET name = ?, last_seen_at = ?
			WHERE tenant_id = ? AND name = ?;
		`, newName, nowMilli(), tenantID, oldName)
		if err != nil {
			return fmt.Errorf("rename entity: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		renamed = n > 0
		return nil
	})
	return renamed, err
}

// GetEntityByName fetches one entity by exact name.
func (s *Store) GetEntityByName(ctx context.Context, tenantID, name string) (Entity, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, entity_type, confidence, mentions, last_seen_at, created_at
		FROM graph_entities
		WHERE tenant_id = ? AND name = ?;
	`, tenantID, name)
	e, err := scanEntity(row)
	if err != nil {
		if isNoRows(err) {
			return Entity{}, false, nil
		}
		return Entity{}, false, fmt.Errorf("get entity: %w", err)
	}
	return e, true, nil
}

// FindEntities returns entities whose name matches the LIKE pattern,
// case-insensitively, most-mentioned first.
func (s *Store) FindEntities(ctx context.Context, tenantID, pattern string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, entity_type, confidence, mentions, last_seen_at, created_at
		FROM graph_entities
		WHERE tenant_id = ? AND name LIKE ? COLLATE NOCASE
		ORDER BY mentions DESC, name LIMIT ?;
	`, tenantID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("find entities: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// TopEntities ranks the tenant's entities by confidence scaled with
// recency and frequency boosts. Frequency is normalized against the
// tenant's most-mentioned entity, so the boost is relative to maxMentions
// fetched alongside the rows.
func (s *Store) TopEntities(ctx context.Context, tenantID string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, entity_type, confidence, mentions, last_seen_at, created_at
		FROM graph_entities
		WHERE tenant_id = ?;
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("top entities: %w", err)
	}
	defer rows.Close()

	entities, err := collectEntities(rows)
	if err != nil {
		return nil, err
	}
	maxMentions := 0
	for _, e := range entities {
		if e.Mentions > maxMentions {
			maxMentions = e.Mentions
		}
	}
	now := time.Now()
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].RankScore(now, maxMentions) > entities[j].RankScore(now, maxMentions)
	})
	if len(entities) > limit {
		entities = entities[:limit]
	}
	return entities, nil
}

// MaxEntityMentions returns the highest mention count among the tenant's
// entities. Frequency boosts normalize against this tenant-wide maximum,
// not the maximum of whatever subset a query returned.
func (s *Store) MaxEntityMentions(ctx context.Context, tenantID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(mentions), 0) FROM graph_entities WHERE tenant_id = ?;
	`, tenantID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max entity mentions: %w", err)
	}
	return max, nil
}

// RankScore scores an entity for snapshot ranking: confidence scaled by
// a recency boost with a ~30-day half-life and a frequency boost
// normalized against the tenant's most-mentioned entity.
func (e Entity) RankScore(now time.Time, maxMentions int) float64 {
	const halfLifeSeconds = 2592000 // 30 days
	age := now.Sub(e.LastSeenAt).Seconds()
	if age < 0 {
		age = 0
	}
	recencyBoost := 1 + 0.5*math.Exp(-age/halfLifeSeconds)
	frequencyBoost := 1.0
	if maxMentions > 0 {
		frequencyBoost = math.Log(float64(e.Mentions)+1) / math.Log(float64(maxMentions)+1)
	}
	return e.Confidence * recencyBoost * frequencyBoost
}

// Neighbor is one entity reached while walking the graph, with the
// relation and direction of the edge that reached it.
type Neighbor struct {
	Entity   Entity
	Relation string
	Outbound bool
	Depth    int
}

// Neighbors walks the relation graph breadth-first from the entity with
// the given name, up to maxHops edges away. Both edge directions are
// followed. The origin itself is not included.
func (s *Store) Neighbors(ctx context.Context, tenantID, name string, maxHops int) ([]Neighbor, error) {
	if maxHops <= 0 {
		maxHops = 1
	}
	origin, ok, err := s.GetEntityByName(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	seen := map[string]bool{origin.ID: true}
	frontier := []string{origin.ID}
	var out []Neighbor

	for depth := 1; depth <= maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := s.edgesOf(ctx, tenantID, id)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				otherID := edge.ToID
				outbound := true
				if otherID == id {
					otherID = edge.FromID
					outbound = false
				}
				if seen[otherID] {
					continue
				}
				seen[otherID] = true
				other, err := s.entityByID(ctx, tenantID, otherID)
				if err != nil {
					return nil, err
				}
				out = append(out, Neighbor{Entity: other, Relation: edge.Relation, Outbound: outbound, Depth: depth})
				next = append(next, otherID)
			}
		}
		frontier = next
	}
	return out, nil
}

func (s *Store) edgesOf(ctx context.Context, tenantID, entityID string) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, from_id, to_id, relation
		FROM graph_relations
		WHERE tenant_id = ? AND (from_id = ? OR to_id = ?)
		ORDER BY id;
	`, tenantID, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("edges of %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.ID, &r.TenantID, &r.FromID, &r.ToID, &r.Relation); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) entityByID(ctx context.Context, tenantID, id string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, entity_type, confidence, mentions, last_seen_at, created_at
		FROM graph_entities
		WHERE tenant_id = ? AND id = ?;
	`, tenantID, id)
	e, err := scanEntity(row)
	if err != nil {
		return Entity{}, fmt.Errorf("entity %s: %w", id, err)
	}
	return e, nil
}

func scanEntity(row rowScanner) (Entity, error) {
	var e Entity
	var lastSeen, created int64
	if err := row.Scan(&e.ID, &e.TenantID, &e.Name, &e.Type, &e.Confidence, &e.Mentions, &lastSeen, &created); err != nil {
		return Entity{}, err
	}
	e.LastSeenAt = time.UnixMilli(lastSeen)
	e.CreatedAt = time.UnixMilli(created)
	return e, nil
}

func collectEntities(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Entity, error) {
	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
