package vector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// MetaCreatedAt is the metadata key carrying the source row's creation
// time (RFC3339) so search hits can report it without a storage lookup.
const MetaCreatedAt = "created_at"

// StampCreatedAt returns a copy of metadata with MetaCreatedAt set. The
// caller's map is never mutated.
func StampCreatedAt(metadata map[string]string, t time.Time) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[MetaCreatedAt] = t.UTC().Format(time.RFC3339)
	return out
}

// Hit is one similarity-search result.
type Hit struct {
	ID         string
	Collection string
	Content    string
	Similarity float32
	Metadata   map[string]string
}

// Index is a per-process vector index over tenant collections. Embeddings
// are always supplied explicitly, never computed by chromem itself, so
// the same Embedder serves index and query and results stay comparable.
type Index struct {
	db       *chromem.DB
	embedder Embedder

	mu          sync.RWMutex
	collections map[string]*chromem.Collection // key: tenant + "\x00" + collection
}

func NewIndex(embedder Embedder) *Index {
	return &Index{
		db:          chromem.NewDB(),
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
	}
}

func (ix *Index) Embedder() Embedder {
	return ix.embedder
}

func collectionName(tenantID, collection string) string {
	// chromem collection names share one flat namespace; the tenant prefix
	// keeps them disjoint.
	return fmt.Sprintf("t_%s__%s", tenantID, collection)
}

func (ix *Index) getOrCreate(tenantID, collection string) (*chromem.Collection, error) {
	key := tenantID + "\x00" + collection

	ix.mu.RLock()
	col, ok := ix.collections[key]
	ix.mu.RUnlock()
	if ok {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[key]; ok {
		return col, nil
	}
	col, err := ix.db.CreateCollection(collectionName(tenantID, collection), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s/%s: %w", tenantID, collection, err)
	}
	ix.collections[key] = col
	return col, nil
}

// Add indexes one document.
func (ix *Index) Add(ctx context.Context, tenantID, collection, id, content string, metadata map[string]string) error {
	col, err := ix.getOrCreate(tenantID, collection)
	if err != nil {
		return err
	}
	embedding, err := ix.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   content,
		Embedding: embedding,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("add document %s: %w", id, err)
	}
	return nil
}

// Delete removes one document from a collection. Unknown ids and
// collections are a no-op.
func (ix *Index) Delete(ctx context.Context, tenantID, collection, id string) error {
	ix.mu.RLock()
	col, ok := ix.collections[tenantID+"\x00"+collection]
	ix.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// Search finds the most similar documents in one collection. Asking for
// more results than the collection holds is fine; chromem requires
// nResults <= document count so the limit is clamped.
func (ix *Index) Search(ctx context.Context, tenantID, collection, query string, limit int) ([]Hit, error) {
	embedding, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ix.searchEmbedding(ctx, tenantID, collection, embedding, limit)
}

func (ix *Index) searchEmbedding(ctx context.Context, tenantID, collection string, embedding []float32, limit int) ([]Hit, error) {
	ix.mu.RLock()
	col, ok := ix.collections[tenantID+"\x00"+collection]
	ix.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	if n := col.Count(); n < limit {
		limit = n
	}
	if limit == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection %s/%s: %w", tenantID, collection, err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:         r.ID,
			Collection: collection,
			Content:    r.Content,
			Similarity: r.Similarity,
			Metadata:   r.Metadata,
		})
	}
	return hits, nil
}

// SearchAll queries every non-internal collection of the tenant and
// merges the hits by similarity.
func (ix *Index) SearchAll(ctx context.Context, tenantID, query string, limit int) ([]Hit, error) {
	embedding, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	ix.mu.RLock()
	var names []string
	prefix := tenantID + "\x00"
	for key := range ix.collections {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		if strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	ix.mu.RUnlock()
	sort.Strings(names)

	var all []Hit
	for _, name := range names {
		hits, err := ix.searchEmbedding(ctx, tenantID, name, embedding, limit)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Similarity > all[j].Similarity })
	if len(all) > limit && limit > 0 {
		all = all[:limit]
	}
	return all, nil
}
