// Package fusion builds multi-source read responses under per-section
// authorization: one denied section empties that section and adds a
// warning, it never fails the rest of the response.
package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/mnemo/internal/consent"
	"github.com/basket/mnemo/internal/shared"
	"github.com/basket/mnemo/internal/storage"
	"github.com/basket/mnemo/internal/toolerr"
	"github.com/basket/mnemo/internal/vector"
)

const (
	searchSimilarity = 0.3
	searchLimit      = 10
	topEntityLimit   = 20
)

// Snapshot is the context document assembled for an agent: everything the
// tenant's grants let this agent see, in one response.
type Snapshot struct {
	Profile        map[string]any       `json:"profile"`
	Tables         []TableView          `json:"tables"`
	Collections    map[string]int       `json:"collections"`
	TopEntities    []EntityView         `json:"topEntities"`
	RecentMemories []MemoryView         `json:"recentMemories"`
	Hints          []string             `json:"hints,omitempty"`
	Intent         *Intent              `json:"intent,omitempty"`
	Diagnostics    []string             `json:"accessDiagnostics,omitempty"`
	Warnings       []string             `json:"-"`
}

type TableView struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type EntityView struct {
	Name     string  `json:"name"`
	Type     string  `json:"type,omitempty"`
	Mentions int     `json:"mentions"`
	Score    float64 `json:"score"`
}

type MemoryView struct {
	ID         string  `json:"id"`
	Collection string  `json:"collection"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

// Engine assembles snapshots and federated searches.
type Engine struct {
	consent    *consent.Engine
	store      *storage.Store
	index      *vector.Index
	classifier Classifier
	logger     *slog.Logger
}

func NewEngine(consentEngine *consent.Engine, store *storage.Store, index *vector.Index, classifier Classifier, logger *slog.Logger) *Engine {
	if classifier == nil {
		classifier = KeywordClassifier{}
	}
	return &Engine{consent: consentEngine, store: store, index: index, classifier: classifier, logger: logger}
}

// BuildSnapshot assembles the five sections. profile:read is the master
// gate: denied means an empty but successful snapshot with one warning.
// Section reads are deliberately not audited; only writes leave audit
// entries.
func (e *Engine) BuildSnapshot(ctx context.Context, topic string) (Snapshot, error) {
	snap := Snapshot{
		Profile:        map[string]any{},
		Tables:         []TableView{},
		Collections:    map[string]int{},
		TopEntities:    []EntityView{},
		RecentMemories: []MemoryView{},
	}
	id, ok := shared.IdentityFrom(ctx)
	if !ok {
		return snap, toolerr.E(toolerr.CodeConsentDenied, "no identity in request context")
	}

	gate, err := e.consent.Authorize(ctx, "profile", consent.PermissionRead)
	if err != nil {
		return snap, toolerr.Wrap(toolerr.CodeInternal, err, "authorization check failed")
	}
	if !gate.Allowed {
		snap.Warnings = append(snap.Warnings, "profile access denied; context sections withheld")
		snap.Diagnostics = append(snap.Diagnostics, "profile:read denied (master gate)")
		return snap, nil
	}

	profile, err := e.store.GetProfile(ctx, id.TenantID)
	if err != nil {
		e.logger.Warn("profile load failed", "error", err)
		snap.Warnings = append(snap.Warnings, "profile section unavailable")
	} else {
		snap.Profile = profile
	}

	if e.sectionAllowed(ctx, "tables", &snap, "tables section withheld: tables access denied") {
		tables, err := e.store.ListTables(ctx, id.TenantID)
		if err != nil {
			e.logger.Warn("table listing failed", "error", err)
			snap.Warnings = append(snap.Warnings, "tables section unavailable")
		} else {
			for _, tbl := range tables {
				snap.Tables = append(snap.Tables, TableView{Name: tbl.Name, Count: tbl.Count})
			}
		}
	}

	if e.sectionAllowed(ctx, "vectors", &snap, "memory sections withheld: vectors access denied") {
		cols, err := e.store.ListCollections(ctx, id.TenantID)
		if err != nil {
			e.logger.Warn("collection listing failed", "error", err)
			snap.Warnings = append(snap.Warnings, "collections section unavailable")
		} else {
			snap.Collections = cols
		}
		snap.RecentMemories = e.memorySection(ctx, id.TenantID, topic)
	}

	if e.sectionAllowed(ctx, "graph", &snap, "topEntities section withheld: graph access denied") {
		entities, err := e.store.TopEntities(ctx, id.TenantID, topEntityLimit)
		var maxMentions int
		if err == nil {
			// Normalize against the tenant-wide maximum so displayed scores
			// match the ranking order even when the most-mentioned entity
			// falls outside the returned slice.
			maxMentions, err = e.store.MaxEntityMentions(ctx, id.TenantID)
		}
		if err != nil {
			e.logger.Warn("entity ranking failed", "error", err)
			snap.Warnings = append(snap.Warnings, "topEntities section unavailable")
		} else {
			now := time.Now()
			for _, ent := range entities {
				snap.TopEntities = append(snap.TopEntities, EntityView{
					Name:     ent.Name,
					Type:     ent.Type,
					Mentions: ent.Mentions,
					Score:    ent.RankScore(now, maxMentions),
				})
			}
		}
	}

	snap.Hints = deriveHints(snap)
	if topic != "" {
		intent := e.classifier.Classify(ctx, topic)
		snap.Intent = &intent
	}
	return snap, nil
}

// sectionAllowed authorizes one section read and records the denial as a
// warning plus a diagnostic. Never an error: denial only empties the
// section.
func (e *Engine) sectionAllowed(ctx context.Context, domain string, snap *Snapshot, warning string) bool {
	d, err := e.consent.Authorize(ctx, domain, consent.PermissionRead)
	if err != nil {
		e.logger.Warn("section authorization failed", "domain", domain, "error", err)
		snap.Warnings = append(snap.Warnings, warning)
		return false
	}
	if !d.Allowed {
		snap.Warnings = append(snap.Warnings, warning)
		snap.Diagnostics = append(snap.Diagnostics, fmt.Sprintf("%s:read denied", domain))
		return false
	}
	return true
}

// memorySection fills recentMemories: semantic search when a topic was
// given, falling back to the newest non-internal memories on error or
// empty result.
func (e *Engine) memorySection(ctx context.Context, tenantID, topic string) []MemoryView {
	if topic != "" {
		hits, err := e.index.SearchAll(ctx, tenantID, topic, searchLimit)
		if err != nil {
			e.logger.Warn("semantic search failed, falling back to recency", "error", err)
		} else {
			views := make([]MemoryView, 0, len(hits))
			for _, h := range hits {
				if h.Similarity < searchSimilarity {
					continue
				}
				views = append(views, MemoryView{
					ID:         h.ID,
					Collection: h.Collection,
					Content:    h.Content,
					Similarity: h.Similarity,
					CreatedAt:  h.Metadata[vector.MetaCreatedAt],
				})
			}
			if len(views) > 0 {
				return views
			}
		}
	}
	recent, err := e.store.RecentMemories(ctx, tenantID, "", searchLimit)
	if err != nil {
		e.logger.Warn("recent memories load failed", "error", err)
		return []MemoryView{}
	}
	views := make([]MemoryView, 0, len(recent))
	for _, m := range recent {
		views = append(views, MemoryView{
			ID:         m.ID,
			Collection: m.Collection,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return views
}

func deriveHints(snap Snapshot) []string {
	var hints []string
	if len(snap.Tables) > 0 {
		hints = append(hints, "table")
	}
	if len(snap.RecentMemories) > 0 || len(snap.Collections) > 0 {
		hints = append(hints, "memory")
	}
	if len(snap.TopEntities) > 0 {
		hints = append(hints, "graph")
	}
	return hints
}

// KnowledgeResult is the federated search response for a topic.
type KnowledgeResult struct {
	Memories []MemoryView `json:"memories"`
	Entities []EntityView `json:"entities"`
	Intent   Intent       `json:"intent"`
	Warnings []string     `json:"-"`
}

// SearchKnowledge federates a topic across the vector store and the
// knowledge graph under independent authorization, same degradation rules
// as the snapshot.
func (e *Engine) SearchKnowledge(ctx context.Context, topic string, limit int) (KnowledgeResult, error) {
	res := KnowledgeResult{Memories: []MemoryView{}, Entities: []EntityView{}}
	if topic == "" {
		return res, toolerr.E(toolerr.CodeInvalidArgs, "knowledge search requires a topic")
	}
	id, ok := shared.IdentityFrom(ctx)
	if !ok {
		return res, toolerr.E(toolerr.CodeConsentDenied, "no identity in request context")
	}
	if limit <= 0 || limit > 50 {
		limit = searchLimit
	}
	res.Intent = e.classifier.Classify(ctx, topic)

	if d, err := e.consent.Authorize(ctx, "vectors", consent.PermissionRead); err == nil && d.Allowed {
		hits, err := e.index.SearchAll(ctx, id.TenantID, topic, limit)
		if err != nil {
			e.logger.Warn("knowledge vector search failed", "error", err)
			res.Warnings = append(res.Warnings, "memory search unavailable")
		} else {
			for _, h := range hits {
				if h.Similarity < searchSimilarity {
					continue
				}
				res.Memories = append(res.Memories, MemoryView{
					ID: h.ID, Collection: h.Collection, Content: h.Content, Similarity: h.Similarity,
				})
			}
		}
	} else if err != nil {
		return res, toolerr.Wrap(toolerr.CodeInternal, err, "authorization check failed")
	} else {
		res.Warnings = append(res.Warnings, "memory results withheld: vectors access denied")
	}

	if d, err := e.consent.Authorize(ctx, "graph", consent.PermissionRead); err == nil && d.Allowed {
		entities, err := e.store.FindEntities(ctx, id.TenantID, "%"+topic+"%", limit)
		if err != nil {
			e.logger.Warn("knowledge entity search failed", "error", err)
			res.Warnings = append(res.Warnings, "entity search unavailable")
		} else {
			for _, ent := range entities {
				res.Entities = append(res.Entities, EntityView{Name: ent.Name, Type: ent.Type, Mentions: ent.Mentions})
			}
		}
	} else if err != nil {
		return res, toolerr.Wrap(toolerr.CodeInternal, err, "authorization check failed")
	} else {
		res.Warnings = append(res.Warnings, "entity results withheld: graph access denied")
	}
	return res, nil
}
