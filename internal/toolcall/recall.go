package toolcall

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/mnemo/internal/consent"
	"github.com/basket/mnemo/internal/shared"
	"github.com/basket/mnemo/internal/storage"
	"github.com/basket/mnemo/internal/toolerr"
	"github.com/basket/mnemo/internal/vector"
)

const (
	defaultMinSimilarity = 0.3
	defaultSearchLimit   = 10
	maxSearchLimit       = 50
	defaultFindLimit     = 20
	maxGraphHops         = 3
)

type recallArgs struct {
	Mode   string          `json:"mode"`
	Topic  string          `json:"topic"`
	Budget int             `json:"budget"`
	Memory *memoryQuery    `json:"memory"`
	Graph  *graphQuery     `json:"graph"`
	Table  json.RawMessage `json:"table"`

	// Top-level table shorthand, kept for callers that never adopted the
	// nested table object. Nested fields win when both are set.
	TableName string         `json:"tableName"`
	Filters   map[string]any `json:"filters"`
	SQL       string         `json:"sql"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
}

func (a recallArgs) hasTableShorthand() bool {
	return a.TableName != "" || a.Filters != nil || a.SQL != "" || a.Limit > 0 || a.Offset > 0
}

type memoryQuery struct {
	Query         string   `json:"query"`
	Collection    string   `json:"collection"`
	MinSimilarity *float64 `json:"minSimilarity"`
	Limit         int      `json:"limit"`
}

type graphQuery struct {
	QueryType string `json:"queryType"`
	Entity    string `json:"entity"`
	EntityID  string `json:"entityId"`
	Relation  string `json:"relation"`
	MaxHops   int    `json:"maxHops"`
	Pattern   string `json:"pattern"`
}

type tableQuery struct {
	Name    string         `json:"name"`
	Table   string         `json:"table"`
	Filters map[string]any `json:"filters"`
	SQL     string         `json:"sql"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

func (r *Router) handleRecall(ctx context.Context, raw json.RawMessage) (Success, error) {
	var a recallArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return Success{}, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "decode recall arguments")
	}
	mode := a.Mode
	if mode == "" {
		switch {
		case a.Memory != nil:
			mode = "memory"
		case a.Graph != nil:
			mode = "graph"
		case len(a.Table) > 0 || a.hasTableShorthand():
			mode = "table"
		case a.Topic != "":
			mode = "knowledge"
		default:
			mode = "context"
		}
	}
	switch mode {
	case "context":
		return r.recallContext(ctx, a)
	case "knowledge":
		return r.recallKnowledge(ctx, a)
	case "memory":
		return r.recallMemory(ctx, a.Memory)
	case "graph":
		return r.recallGraph(ctx, a.Graph)
	case "table":
		return r.recallTable(ctx, a)
	default:
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "unknown recall mode %q", mode)
	}
}

func (r *Router) recallContext(ctx context.Context, a recallArgs) (Success, error) {
	snap, err := r.fusion.BuildSnapshot(ctx, a.Topic)
	if err != nil {
		return Success{}, err
	}
	if a.Budget > 0 && len(snap.RecentMemories) > a.Budget {
		snap.RecentMemories = snap.RecentMemories[:a.Budget]
	}
	return Success{Data: snap, Warnings: snap.Warnings}, nil
}

func (r *Router) recallKnowledge(ctx context.Context, a recallArgs) (Success, error) {
	res, err := r.fusion.SearchKnowledge(ctx, a.Topic, a.Budget)
	if err != nil {
		return Success{}, err
	}
	return Success{Data: res, Warnings: res.Warnings}, nil
}

// recallMemory is a direct similarity search. Unlike the fusion paths a
// denied grant fails the whole call here: the caller asked for exactly
// one section, degrading it to nothing would hide the denial.
func (r *Router) recallMemory(ctx context.Context, q *memoryQuery) (Success, error) {
	if q == nil || q.Query == "" {
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "memory recall requires memory.query")
	}
	id, _ := shared.IdentityFrom(ctx)

	minSim := defaultMinSimilarity
	if q.MinSimilarity != nil {
		minSim = *q.MinSimilarity
	}
	limit := q.Limit
	if limit <= 0 || limit > maxSearchLimit {
		limit = defaultSearchLimit
	}

	var hits []vector.Hit
	var err error
	if q.Collection == "" {
		if err := r.authorizeRead(ctx, "vectors"); err != nil {
			return Success{}, err
		}
		hits, err = r.index.SearchAll(ctx, id.TenantID, q.Query, limit)
	} else {
		if err := r.authorizeRead(ctx, "vectors/"+q.Collection); err != nil {
			return Success{}, err
		}
		hits, err = r.index.Search(ctx, id.TenantID, q.Collection, q.Query, limit)
	}
	if err != nil {
		return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "similarity search")
	}

	views := make([]memoryHitView, 0, len(hits))
	for _, h := range hits {
		if float64(h.Similarity) < minSim {
			continue
		}
		views = append(views, memoryHitView{
			ID:         h.ID,
			Collection: h.Collection,
			Content:    h.Content,
			Similarity: h.Similarity,
		})
	}
	return Success{Data: map[string]any{"memories": views}}, nil
}

type memoryHitView struct {
	ID         string  `json:"id"`
	Collection string  `json:"collection"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}

func (r *Router) recallGraph(ctx context.Context, q *graphQuery) (Success, error) {
	if q == nil || q.QueryType == "" {
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "graph recall requires graph.queryType")
	}
	if err := r.authorizeRead(ctx, "graph"); err != nil {
		return Success{}, err
	}
	id, _ := shared.IdentityFrom(ctx)

	switch q.QueryType {
	case "neighbors":
		name := q.Entity
		if name == "" {
			name = q.EntityID
		}
		if name == "" {
			return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "neighbors query requires an entity name")
		}
		hops := q.MaxHops
		if hops <= 0 {
			hops = 1
		}
		if hops > maxGraphHops {
			hops = maxGraphHops
		}
		neighbors, err := r.store.Neighbors(ctx, id.TenantID, name, hops)
		if err != nil {
			return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "graph walk")
		}
		views := make([]neighborView, 0, len(neighbors))
		for _, n := range neighbors {
			if q.Relation != "" && n.Relation != q.Relation {
				continue
			}
			direction := "inbound"
			if n.Outbound {
				direction = "outbound"
			}
			views = append(views, neighborView{
				Name:      n.Entity.Name,
				Type:      n.Entity.Type,
				Relation:  n.Relation,
				Direction: direction,
				Depth:     n.Depth,
			})
		}
		return Success{Data: map[string]any{"entity": name, "neighbors": views}}, nil

	case "find":
		if q.Pattern == "" {
			return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "find query requires a pattern")
		}
		entities, err := r.store.FindEntities(ctx, id.TenantID, "%"+q.Pattern+"%", defaultFindLimit)
		if err != nil {
			return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "entity search")
		}
		maxMentions, err := r.store.MaxEntityMentions(ctx, id.TenantID)
		if err != nil {
			return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "entity ranking")
		}
		return Success{Data: map[string]any{"entities": entityViews(entities, maxMentions)}}, nil

	case "top":
		entities, err := r.store.TopEntities(ctx, id.TenantID, defaultFindLimit)
		if err != nil {
			return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "entity ranking")
		}
		maxMentions, err := r.store.MaxEntityMentions(ctx, id.TenantID)
		if err != nil {
			return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "entity ranking")
		}
		return Success{Data: map[string]any{"entities": entityViews(entities, maxMentions)}}, nil

	default:
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "unknown graph queryType %q", q.QueryType)
	}
}

type neighborView struct {
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Relation  string `json:"relation"`
	Direction string `json:"direction"`
	Depth     int    `json:"depth"`
}

type graphEntityView struct {
	Name     string  `json:"name"`
	Type     string  `json:"type,omitempty"`
	Mentions int     `json:"mentions"`
	Score    float64 `json:"score"`
}

// entityViews renders entities with their composite scores. maxMentions
// is the tenant-wide maximum, not the maximum of this slice.
func entityViews(entities []storage.Entity, maxMentions int) []graphEntityView {
	now := time.Now()
	views := make([]graphEntityView, 0, len(entities))
	for _, e := range entities {
		views = append(views, graphEntityView{
			Name:     e.Name,
			Type:     e.Type,
			Mentions: e.Mentions,
			Score:    e.RankScore(now, maxMentions),
		})
	}
	return views
}

func (r *Router) recallTable(ctx context.Context, a recallArgs) (Success, error) {
	q, err := normalizeTableQuery(a.Table)
	if err != nil {
		return Success{}, err
	}
	q.mergeShorthand(a)
	if q.SQL != "" {
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "ad-hoc SQL is not supported; use filters")
	}
	id, _ := shared.IdentityFrom(ctx)

	name := q.Name
	if name == "" {
		name = q.Table
	}
	if name == "" {
		if err := r.authorizeRead(ctx, "tables"); err != nil {
			return Success{}, err
		}
		tables, err := r.store.ListTables(ctx, id.TenantID)
		if err != nil {
			return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "list tables")
		}
		views := make([]tableInfoView, 0, len(tables))
		for _, t := range tables {
			views = append(views, tableInfoView{Name: t.Name, Count: t.Count})
		}
		return Success{Data: map[string]any{"tables": views}}, nil
	}

	if err := r.authorizeRead(ctx, "tables/"+name); err != nil {
		return Success{}, err
	}
	records, err := r.store.QueryRecords(ctx, id.TenantID, storage.RecordQuery{
		Table:   name,
		Filters: q.Filters,
		Limit:   q.Limit,
		Offset:  q.Offset,
	})
	if err != nil {
		return Success{}, toolerr.Wrap(toolerr.CodeInternal, err, "query table %s", name)
	}
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView{
			ID:        rec.ID,
			Data:      rec.Data,
			Summary:   rec.Summary,
			CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return Success{Data: map[string]any{"table": name, "records": views}}, nil
}

type tableInfoView struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type recordView struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Summary   string          `json:"summary,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

// mergeShorthand folds the top-level table fields into the query. A field
// already set by the nested object keeps its value.
func (q *tableQuery) mergeShorthand(a recallArgs) {
	if q.Name == "" && q.Table == "" {
		q.Name = a.TableName
	}
	if q.Filters == nil {
		q.Filters = a.Filters
	}
	if q.SQL == "" {
		q.SQL = a.SQL
	}
	if q.Limit == 0 {
		q.Limit = a.Limit
	}
	if q.Offset == 0 {
		q.Offset = a.Offset
	}
}

// normalizeTableQuery accepts the table argument as a bare table name, a
// query object, or nothing at all (a listing).
func normalizeTableQuery(raw json.RawMessage) (tableQuery, error) {
	if len(raw) == 0 {
		return tableQuery{}, nil
	}
	trimmed := string(json.RawMessage(raw))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return tableQuery{}, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "decode table name")
		}
		return tableQuery{Name: name}, nil
	}
	var q tableQuery
	if err := json.Unmarshal(raw, &q); err != nil {
		return tableQuery{}, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "decode table query")
	}
	return q, nil
}

// authorizeRead gates a direct read and converts denial into a coded
// error. Reads are not audited.
func (r *Router) authorizeRead(ctx context.Context, resource string) error {
	d, err := r.consent.Authorize(ctx, resource, consent.PermissionRead)
	if err != nil {
		return toolerr.Wrap(toolerr.CodeInternal, err, "authorization check failed")
	}
	if !d.Allowed {
		return toolerr.E(toolerr.CodeConsentDenied, "read of %q denied: %s", resource, d.Reason)
	}
	return nil
}
