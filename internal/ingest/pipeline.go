// Package ingest is the write pipeline behind memorize: authorize the
// derived resource, audit the decision, run the primary mutation under
// the idempotency coordinator, then fire best-effort derived writes that
// never block or fail the call.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mnemo/internal/audit"
	"github.com/basket/mnemo/internal/bus"
	"github.com/basket/mnemo/internal/consent"
	"github.com/basket/mnemo/internal/effects"
	"github.com/basket/mnemo/internal/idempotency"
	"github.com/basket/mnemo/internal/shared"
	"github.com/basket/mnemo/internal/storage"
	"github.com/basket/mnemo/internal/toolerr"
	"github.com/basket/mnemo/internal/vector"
)

// Similarity thresholds for the delete sweep and the contradiction probe.
const (
	deleteSimilarity        = 0.8
	contradictionSimilarity = 0.85

	// deleteSearchPage bounds one search pass of the delete sweep; the
	// sweep repeats until a pass matches nothing new.
	deleteSearchPage = 50
)

// recordVectorCollection receives auto-vectorized summaries of structured
// records so they show up in semantic search.
const recordVectorCollection = "records"

// Pipeline wires the write path together.
type Pipeline struct {
	consent *consent.Engine
	coord   *idempotency.Coordinator
	store   *storage.Store
	index   *vector.Index
	sink    *audit.Sink
	runner  *effects.Runner
	events  *bus.Bus
	logger  *slog.Logger
}

func NewPipeline(
	consentEngine *consent.Engine,
	coord *idempotency.Coordinator,
	store *storage.Store,
	index *vector.Index,
	sink *audit.Sink,
	runner *effects.Runner,
	events *bus.Bus,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		consent: consentEngine,
		coord:   coord,
		store:   store,
		index:   index,
		sink:    sink,
		runner:  runner,
		events:  events,
		logger:  logger,
	}
}

// Outcome is a completed write: the operation's response document plus
// any non-fatal warnings accumulated on the way.
type Outcome struct {
	Data     json.RawMessage
	Warnings []string
	Cached   bool
}

// authorizeWrite gates one mutation and audits the decision without
// blocking on the sink.
func (p *Pipeline) authorizeWrite(ctx context.Context, resource string) error {
	decision, err := p.consent.Authorize(ctx, resource, consent.PermissionWrite)
	if err != nil {
		return toolerr.Wrap(toolerr.CodeInternal, err, "authorization check failed")
	}
	p.auditDecision(ctx, resource, decision)
	if !decision.Allowed {
		return toolerr.E(toolerr.CodeConsentDenied, "write to %q denied: %s", resource, decision.Reason)
	}
	return nil
}

func (p *Pipeline) auditDecision(ctx context.Context, resource string, d consent.Decision) {
	id, _ := shared.IdentityFrom(ctx)
	traceID := shared.TraceID(ctx)
	ev := audit.Event{
		TraceID:    traceID,
		TenantID:   id.TenantID,
		AgentID:    id.AgentID,
		Resource:   resource,
		Permission: consent.PermissionWrite,
		Decision:   audit.DecisionAllow,
		Reason:     d.Reason,
	}
	if !d.Allowed {
		ev.Decision = audit.DecisionDeny
	}
	p.runner.Go("audit-decision", func(ctx context.Context) error {
		p.sink.Record(ctx, ev)
		return nil
	})
}

// InsertRecord appends a structured record to tables/<table>. The summary
// (caller text or a synthesized key=value line) is auto-vectorized into
// the records collection as a derived effect.
func (p *Pipeline) InsertRecord(ctx context.Context, idemKey, table string, data map[string]any, text string) (Outcome, error) {
	if table == "" {
		return Outcome{}, toolerr.E(toolerr.CodeInvalidArgs, "record insert requires a table name")
	}
	if len(data) == 0 {
		return Outcome{}, toolerr.E(toolerr.CodeInvalidArgs, "record insert requires a data object")
	}
	if err := p.authorizeWrite(ctx, "tables/"+table); err != nil {
		return Outcome{}, err
	}
	id, _ := shared.IdentityFrom(ctx)

	summary := text
	if summary == "" {
		summary = SynthesizeSummary(table, data)
	}
	args, err := json.Marshal(map[string]any{"table": table, "data": data, "text": text})
	if err != nil {
		return Outcome{}, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "record data is not serializable")
	}

	out, err := p.coord.Execute(ctx, "memorize", idemKey, args, func(ctx context.Context) (json.RawMessage, error) {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "record data is not serializable")
		}
		recordID := uuid.NewString()
		rec := storage.Record{
			ID:       recordID,
			TenantID: id.TenantID,
			Table:    table,
			Data:     raw,
			Summary:  summary,
		}
		if err := p.store.InsertRecord(ctx, rec); err != nil {
			return nil, toolerr.Wrap(toolerr.CodeInternal, err, "insert record")
		}
		return json.Marshal(map[string]any{"id": recordID, "table": table})
	})
	if err != nil {
		return Outcome{}, err
	}

	result := Outcome{Data: out.Result, Cached: out.Cached}
	if out.Cached {
		return result, nil
	}

	var saved struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(out.Result, &saved)

	// Derived vectorization: fire and forget, failures logged by the runner.
	tenantID := id.TenantID
	p.runner.Go("vectorize-record", func(ctx context.Context) error {
		if err := p.store.InsertMemory(ctx, storage.Memory{
			ID:         saved.ID,
			TenantID:   tenantID,
			Collection: recordVectorCollection,
			Content:    summary,
			Metadata:   mustMeta(map[string]string{"table": table, "record_id": saved.ID}),
		}); err != nil {
			return fmt.Errorf("derived memory row: %w", err)
		}
		if err := p.index.Add(ctx, tenantID, recordVectorCollection, saved.ID, summary,
			vector.StampCreatedAt(map[string]string{"table": table, "record_id": saved.ID}, time.Now())); err != nil {
			return fmt.Errorf("derived vectorization: %w", err)
		}
		return nil
	})
	p.events.Publish(bus.TopicRecordInserted, bus.RecordInsertedEvent{
		TenantID: id.TenantID, Table: table, RecordID: saved.ID,
	})

	if w := p.checkContradiction(ctx, id.TenantID, recordVectorCollection, saved.ID, summary); w != "" {
		result.Warnings = append(result.Warnings, w)
	}
	return result, nil
}

// SaveMemory stores a free-text memory in vectors/<collection>.
func (p *Pipeline) SaveMemory(ctx context.Context, idemKey, collection, text string, metadata map[string]string) (Outcome, error) {
	if text == "" {
		return Outcome{}, toolerr.E(toolerr.CodeInvalidArgs, "memory save requires text")
	}
	if collection == "" {
		collection = "default"
	}
	if strings.HasPrefix(collection, "_") {
		return Outcome{}, toolerr.E(toolerr.CodeInvalidArgs, "collection %q is reserved", collection)
	}
	if err := p.authorizeWrite(ctx, "vectors/"+collection); err != nil {
		return Outcome{}, err
	}
	id, _ := shared.IdentityFrom(ctx)

	args, err := json.Marshal(map[string]any{"collection": collection, "text": text, "metadata": metadata})
	if err != nil {
		return Outcome{}, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "memory payload is not serializable")
	}

	out, err := p.coord.Execute(ctx, "memorize", idemKey, args, func(ctx context.Context) (json.RawMessage, error) {
		memID := uuid.NewString()
		mem := storage.Memory{
			ID:         memID,
			TenantID:   id.TenantID,
			Collection: collection,
			Content:    text,
			Metadata:   mustMeta(metadata),
		}
		if err := p.store.InsertMemory(ctx, mem); err != nil {
			return nil, toolerr.Wrap(toolerr.CodeInternal, err, "insert memory")
		}
		// The index is rebuilt from rows at startup; a failed add degrades
		// search until then but must not fail the recorded write.
		if err := p.index.Add(ctx, id.TenantID, collection, memID, text, vector.StampCreatedAt(metadata, time.Now())); err != nil {
			p.logger.Warn("memory index add failed", "memory_id", memID, "error", err)
		}
		return json.Marshal(map[string]any{"id": memID, "collection": collection})
	})
	if err != nil {
		return Outcome{}, err
	}

	result := Outcome{Data: out.Result, Cached: out.Cached}
	if out.Cached {
		return result, nil
	}

	var saved struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(out.Result, &saved)
	p.events.Publish(bus.TopicMemorySaved, bus.MemorySavedEvent{
		TenantID: id.TenantID, MemoryID: saved.ID, Collection: collection,
	})

	if w := p.checkContradiction(ctx, id.TenantID, collection, saved.ID, text); w != "" {
		result.Warnings = append(result.Warnings, w)
	}
	return result, nil
}

// UpdateProfile merges fields into the tenant profile. A change to the
// "name" field renames the matching graph entity as a derived effect.
func (p *Pipeline) UpdateProfile(ctx context.Context, idemKey string, fields map[string]any) (Outcome, error) {
	if len(fields) == 0 {
		return Outcome{}, toolerr.E(toolerr.CodeInvalidArgs, "profile update requires a data object")
	}
	if err := p.authorizeWrite(ctx, "profile"); err != nil {
		return Outcome{}, err
	}
	id, _ := shared.IdentityFrom(ctx)

	args, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return Outcome{}, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "profile fields are not serializable")
	}

	var oldName, newName string
	out, err := p.coord.Execute(ctx, "memorize", idemKey, args, func(ctx context.Context) (json.RawMessage, error) {
		before, err := p.store.GetProfile(ctx, id.TenantID)
		if err != nil {
			return nil, toolerr.Wrap(toolerr.CodeInternal, err, "read profile")
		}
		merged, err := p.store.MergeProfile(ctx, id.TenantID, fields)
		if err != nil {
			return nil, toolerr.Wrap(toolerr.CodeInternal, err, "merge profile")
		}
		oldName, _ = before["name"].(string)
		newName, _ = merged["name"].(string)
		return json.Marshal(map[string]any{"profile": merged})
	})
	if err != nil {
		return Outcome{}, err
	}

	result := Outcome{Data: out.Result, Cached: out.Cached}
	if out.Cached {
		return result, nil
	}

	if oldName != "" && newName != "" && oldName != newName {
		tenantID := id.TenantID
		p.runner.Go("rename-profile-entity", func(ctx context.Context) error {
			renamed, err := p.store.RenameEntity(ctx, tenantID, oldName, newName)
			if err != nil {
				return fmt.Errorf("rename entity %q: %w", oldName, err)
			}
			if !renamed {
				p.logger.Debug("no graph entity matched old profile name", "name", oldName)
			}
			return nil
		})
	}
	p.events.Publish(bus.TopicProfileUpdated, id.TenantID)
	return result, nil
}

// DeleteMemories soft-deletes every memory in the collection whose
// similarity to query is at least 0.8.
func (p *Pipeline) DeleteMemories(ctx context.Context, idemKey, collection, query string) (Outcome, error) {
	if query == "" {
		return Outcome{}, toolerr.E(toolerr.CodeInvalidArgs, "memory delete requires text to match against")
	}
	if collection == "" {
		collection = "default"
	}
	if err := p.authorizeWrite(ctx, "vectors/"+collection); err != nil {
		return Outcome{}, err
	}
	id, _ := shared.IdentityFrom(ctx)

	args, err := json.Marshal(map[string]any{"collection": collection, "query": query, "action": "delete"})
	if err != nil {
		return Outcome{}, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "delete payload is not serializable")
	}

	out, err := p.coord.Execute(ctx, "memorize", idemKey, args, func(ctx context.Context) (json.RawMessage, error) {
		// Deleted documents leave the index, so repeating the search pages
		// through matches past the per-query result cap. seen guards
		// against re-matching a document whose index delete failed.
		var deleted []string
		seen := map[string]bool{}
		for {
			hits, err := p.index.Search(ctx, id.TenantID, collection, query, deleteSearchPage)
			if err != nil {
				return nil, toolerr.Wrap(toolerr.CodeInternal, err, "similarity search for delete")
			}
			progress := false
			for _, h := range hits {
				if h.Similarity < deleteSimilarity || seen[h.ID] {
					continue
				}
				seen[h.ID] = true
				progress = true
				ok, err := p.store.SoftDeleteMemory(ctx, id.TenantID, h.ID)
				if err != nil {
					return nil, toolerr.Wrap(toolerr.CodeInternal, err, "soft delete memory %s", h.ID)
				}
				if !ok {
					continue
				}
				if err := p.index.Delete(ctx, id.TenantID, collection, h.ID); err != nil {
					p.logger.Warn("index delete failed", "memory_id", h.ID, "error", err)
				}
				deleted = append(deleted, h.ID)
				p.events.Publish(bus.TopicMemoryDeleted, bus.MemorySavedEvent{
					TenantID: id.TenantID, MemoryID: h.ID, Collection: collection,
				})
			}
			if !progress {
				break
			}
		}
		return json.Marshal(map[string]any{"deleted": deleted, "count": len(deleted)})
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Data: out.Result, Cached: out.Cached}, nil
}

// checkContradiction probes the collection for a near-duplicate of the
// just-saved text. Best effort: any failure is logged and the save stands.
func (p *Pipeline) checkContradiction(ctx context.Context, tenantID, collection, memoryID, text string) string {
	hits, err := p.index.Search(ctx, tenantID, collection, text, 5)
	if err != nil {
		p.logger.Warn("contradiction check failed", "memory_id", memoryID, "error", err)
		return ""
	}
	for _, h := range hits {
		if h.ID == memoryID || h.Similarity < contradictionSimilarity {
			continue
		}
		meta := storage.MetaRecord{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Kind:      storage.MetaKindContradiction,
			MemoryID:  memoryID,
			RelatedID: h.ID,
			Detail:    fmt.Sprintf("similarity %.2f against existing memory", h.Similarity),
		}
		if err := p.store.InsertMeta(ctx, meta); err != nil {
			p.logger.Warn("could not file contradiction for review", "memory_id", memoryID, "error", err)
			return ""
		}
		p.events.Publish(bus.TopicConflictFound, bus.ConflictFoundEvent{
			TenantID: tenantID, MetaID: meta.ID, MemoryID: memoryID,
		})
		return fmt.Sprintf("possible contradiction with existing memory %s (filed %s for review)", h.ID, meta.ID)
	}
	return ""
}

// SynthesizeSummary renders a record as "<table>: k=v, ..." with keys
// sorted for stability, truncated at 500 characters.
func SynthesizeSummary(table string, data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, stringifyValue(data[k])))
	}
	return TruncateSummary(table + ": " + strings.Join(parts, ", "))
}

// TruncateSummary caps a synthesized line at 500 characters, appending
// "..." when it was cut.
func TruncateSummary(s string) string {
	const maxLen = 500
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func stringifyValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func mustMeta(m map[string]string) json.RawMessage {
	if len(m) == 0 {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
