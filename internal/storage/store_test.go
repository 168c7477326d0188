package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mnemo.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	var version int
	var checksum string
	err = s2.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum)
	if err != nil {
		t.Fatalf("read migration row: %v", err)
	}
	if version != schemaVersion || checksum != schemaChecksum {
		t.Fatalf("migration row = (%d, %q), want (%d, %q)", version, checksum, schemaVersion, schemaChecksum)
	}
}

func TestGrantsRoundTripAndRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	grants := []Grant{
		{TenantID: "t1", AgentID: "a1", Resource: "tables/books", Permission: "read"},
		{TenantID: "t1", AgentID: "a1", Resource: "vectors/*", Permission: "write", ExpiresAt: &expires},
		{TenantID: "t2", AgentID: "a1", Resource: "profile", Permission: "read"},
	}
	for _, g := range grants {
		if err := s.PutGrant(ctx, g); err != nil {
			t.Fatalf("put grant %v: %v", g.Resource, err)
		}
	}

	got, err := s.ListGrants(ctx, "t1", "a1")
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d grants for t1/a1, want 2", len(got))
	}
	if got[1].ExpiresAt == nil || !got[1].ExpiresAt.Equal(expires) {
		t.Fatalf("expiry not preserved: %v", got[1].ExpiresAt)
	}

	if err := s.RevokeGrant(ctx, "t1", "a1", "tables/books", "read"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err = s.ListGrants(ctx, "t1", "a1")
	if err != nil {
		t.Fatalf("list after revoke: %v", err)
	}
	if len(got) != 1 || got[0].Resource != "vectors/*" {
		t.Fatalf("unexpected grants after revoke: %+v", got)
	}
}

func TestGrantExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name   string
		grant  Grant
		expect bool
	}{
		{"no expiry", Grant{}, false},
		{"future expiry", Grant{ExpiresAt: &future}, false},
		{"past expiry", Grant{ExpiresAt: &past}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.grant.Expired(now); got != tc.expect {
				t.Fatalf("Expired = %v, want %v", got, tc.expect)
			}
		})
	}
}

func TestMergeProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetProfile(ctx, "t1")
	if err != nil {
		t.Fatalf("get empty profile: %v", err)
	}
	if len(p) != 0 {
		t.Fatalf("fresh tenant profile not empty: %v", p)
	}

	_, err = s.MergeProfile(ctx, "t1", map[string]any{"name": "Ada", "timezone": "UTC"})
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	p, err = s.MergeProfile(ctx, "t1", map[string]any{"timezone": "Europe/Berlin", "name": nil})
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if p["timezone"] != "Europe/Berlin" {
		t.Fatalf("timezone = %v, want Europe/Berlin", p["timezone"])
	}
	if _, ok := p["name"]; ok {
		t.Fatalf("null field should delete key, profile = %v", p)
	}

	// Other tenants never see it.
	other, err := s.GetProfile(ctx, "t2")
	if err != nil {
		t.Fatalf("get other profile: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("profile leaked across tenants: %v", other)
	}
}

func TestRecordsQueryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insert := func(table, data string) {
		t.Helper()
		err := s.InsertRecord(ctx, Record{
			ID:       uuid.NewString(),
			TenantID: "t1",
			Table:    table,
			Data:     json.RawMessage(data),
		})
		if err != nil {
			t.Fatalf("insert into %s: %v", table, err)
		}
	}
	insert("books", `{"title":"Dune","rating":5,"read":true}`)
	insert("books", `{"title":"Solaris","rating":4,"read":false}`)
	insert("books", `{"title":"Blindsight","rating":5,"read":false}`)
	insert("films", `{"title":"Stalker"}`)

	cases := []struct {
		name    string
		filters map[string]any
		want    int
	}{
		{"no filters", nil, 3},
		{"string match", map[string]any{"title": "Dune"}, 1},
		{"number match", map[string]any{"rating": 5}, 2},
		{"bool match", map[string]any{"read": false}, 2},
		{"conjunction", map[string]any{"rating": 5, "read": false}, 1},
		{"no match", map[string]any{"title": "Neuromancer"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := s.QueryRecords(ctx, "t1", RecordQuery{Table: "books", Filters: tc.filters})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(recs) != tc.want {
				t.Fatalf("got %d records, want %d", len(recs), tc.want)
			}
		})
	}

	tables, err := s.ListTables(ctx, "t1")
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if len(tables) != 2 || tables[0].Name != "books" || tables[0].Count != 3 {
		t.Fatalf("unexpected tables: %+v", tables)
	}
}

func TestMemoriesSoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := make([]string, 3)
	for i, content := range []string{"likes tea", "works remotely", "allergic to cats"} {
		ids[i] = uuid.NewString()
		err := s.InsertMemory(ctx, Memory{ID: ids[i], TenantID: "t1", Collection: "journal", Content: content})
		if err != nil {
			t.Fatalf("insert memory: %v", err)
		}
	}

	deleted, err := s.SoftDeleteMemory(ctx, "t1", ids[1])
	if err != nil || !deleted {
		t.Fatalf("soft delete = (%v, %v), want (true, nil)", deleted, err)
	}
	// Second delete of the same row is a no-op.
	deleted, err = s.SoftDeleteMemory(ctx, "t1", ids[1])
	if err != nil || deleted {
		t.Fatalf("repeat soft delete = (%v, %v), want (false, nil)", deleted, err)
	}

	recent, err := s.RecentMemories(ctx, "t1", "journal", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d live memories, want 2", len(recent))
	}
	for _, m := range recent {
		if m.ID == ids[1] {
			t.Fatalf("soft-deleted memory still listed")
		}
	}

	if _, ok, _ := s.GetMemory(ctx, "t1", ids[1]); ok {
		t.Fatalf("GetMemory returned a deleted row")
	}
	if _, ok, _ := s.GetMemory(ctx, "t2", ids[0]); ok {
		t.Fatalf("GetMemory crossed tenants")
	}
}

func TestListCollectionsHidesInternal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, col := range []string{"journal", "journal", "notes", "_scratch"} {
		err := s.InsertMemory(ctx, Memory{ID: uuid.NewString(), TenantID: "t1", Collection: col, Content: "x"})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	cols, err := s.ListCollections(ctx, "t1")
	if err != nil {
		t.Fatalf("list collections: %v", err)
	}
	if len(cols) != 2 || cols["journal"] != 2 || cols["notes"] != 1 {
		t.Fatalf("unexpected collections: %v", cols)
	}
}

func TestGraphUpsertAndNeighbors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(name string) string {
		t.Helper()
		id, err := s.UpsertEntity(ctx, Entity{ID: uuid.NewString(), TenantID: "t1", Name: name, Type: "person", Confidence: 0.8})
		if err != nil {
			t.Fatalf("upsert %s: %v", name, err)
		}
		return id
	}
	ada := mk("Ada")
	grace := mk("Grace")
	linus := mk("Linus")
	if err := s.LinkEntities(ctx, "t1", ada, grace, "collaborates_with"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := s.LinkEntities(ctx, "t1", grace, linus, "mentors"); err != nil {
		t.Fatalf("link: %v", err)
	}

	// Re-upserting the same name bumps mentions instead of duplicating.
	again, err := s.UpsertEntity(ctx, Entity{ID: uuid.NewString(), TenantID: "t1", Name: "Ada", Confidence: 0.9})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if again != ada {
		t.Fatalf("re-upsert created a new id: %s vs %s", again, ada)
	}
	e, ok, err := s.GetEntityByName(ctx, "t1", "Ada")
	if err != nil || !ok {
		t.Fatalf("get Ada: ok=%v err=%v", ok, err)
	}
	if e.Mentions != 2 || e.Confidence != 0.9 {
		t.Fatalf("mentions=%d confidence=%v, want 2 and 0.9", e.Mentions, e.Confidence)
	}

	oneHop, err := s.Neighbors(ctx, "t1", "Ada", 1)
	if err != nil {
		t.Fatalf("neighbors 1 hop: %v", err)
	}
	if len(oneHop) != 1 || oneHop[0].Entity.Name != "Grace" {
		t.Fatalf("unexpected 1-hop neighbors: %+v", oneHop)
	}

	twoHop, err := s.Neighbors(ctx, "t1", "Ada", 2)
	if err != nil {
		t.Fatalf("neighbors 2 hops: %v", err)
	}
	if len(twoHop) != 2 {
		t.Fatalf("got %d neighbors at 2 hops, want 2", len(twoHop))
	}
	if twoHop[1].Entity.Name != "Linus" || twoHop[1].Depth != 2 {
		t.Fatalf("unexpected 2-hop neighbor: %+v", twoHop[1])
	}

	// Inbound edges are followed too.
	fromLinus, err := s.Neighbors(ctx, "t1", "Linus", 1)
	if err != nil {
		t.Fatalf("neighbors of Linus: %v", err)
	}
	if len(fromLinus) != 1 || fromLinus[0].Entity.Name != "Grace" || fromLinus[0].Outbound {
		t.Fatalf("unexpected inbound neighbor: %+v", fromLinus)
	}
}

func TestTopEntitiesRanking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// "Grace" gets three mentions, "Ada" one; both recent, so mention
	// volume dominates the ranking.
	for i, name := range []string{"Ada", "Grace", "Grace", "Grace"} {
		_, err := s.UpsertEntity(ctx, Entity{ID: uuid.NewString(), TenantID: "t1", Name: name, Confidence: 0.8})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	top, err := s.TopEntities(ctx, "t1", 5)
	if err != nil {
		t.Fatalf("top entities: %v", err)
	}
	if len(top) != 2 || top[0].Name != "Grace" {
		t.Fatalf("unexpected ranking: %+v", top)
	}
}

func TestMaxEntityMentions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"Ada", "Grace", "Grace", "Grace"} {
		if _, err := s.UpsertEntity(ctx, Entity{ID: uuid.NewString(), TenantID: "t1", Name: name, Confidence: 0.8}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	if _, err := s.UpsertEntity(ctx, Entity{ID: uuid.NewString(), TenantID: "t2", Name: "Linus", Confidence: 0.8}); err != nil {
		t.Fatalf("upsert other tenant: %v", err)
	}

	max, err := s.MaxEntityMentions(ctx, "t1")
	if err != nil || max != 3 {
		t.Fatalf("t1 max = (%d, %v), want 3", max, err)
	}
	if max, err := s.MaxEntityMentions(ctx, "empty"); err != nil || max != 0 {
		t.Fatalf("empty tenant max = (%d, %v), want 0", max, err)
	}
}

func TestEntityRankScore(t *testing.T) {
	now := time.Now()
	fresh := Entity{Mentions: 3, Confidence: 0.8, LastSeenAt: now}
	stale := Entity{Mentions: 3, Confidence: 0.8, LastSeenAt: now.Add(-60 * 24 * time.Hour)}
	if fresh.RankScore(now, 3) <= stale.RankScore(now, 3) {
		t.Fatalf("fresh score %v not above stale %v", fresh.RankScore(now, 3), stale.RankScore(now, 3))
	}
	// A just-seen entity with max mentions scores confidence * 1.5 * 1.
	got := fresh.RankScore(now, 3)
	if got < 1.19 || got > 1.21 {
		t.Fatalf("fresh max-mention score = %v, want ~1.2", got)
	}
}

func TestRenameEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertEntity(ctx, Entity{ID: uuid.NewString(), TenantID: "t1", Name: "Bob"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ok, err := s.RenameEntity(ctx, "t1", "Bob", "Robert")
	if err != nil || !ok {
		t.Fatalf("rename = (%v, %v), want (true, nil)", ok, err)
	}
	if _, found, _ := s.GetEntityByName(ctx, "t1", "Bob"); found {
		t.Fatalf("old name still resolves")
	}
	if _, found, _ := s.GetEntityByName(ctx, "t1", "Robert"); !found {
		t.Fatalf("new name does not resolve")
	}
	ok, err = s.RenameEntity(ctx, "t1", "Nobody", "Somebody")
	if err != nil || ok {
		t.Fatalf("rename of absent entity = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestReviewQueueLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	err := s.InsertMeta(ctx, MetaRecord{
		ID:        id,
		TenantID:  "t1",
		Kind:      MetaKindContradiction,
		MemoryID:  "m-new",
		RelatedID: "m-old",
		Detail:    "cosine 0.91 against earlier memory",
	})
	if err != nil {
		t.Fatalf("insert meta: %v", err)
	}

	pending, err := s.PendingMeta(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != MetaStatusPending {
		t.Fatalf("unexpected pending rows: %+v", pending)
	}

	ok, err := s.ResolveMeta(ctx, "t1", id, ResolutionConfirm)
	if err != nil || !ok {
		t.Fatalf("resolve = (%v, %v), want (true, nil)", ok, err)
	}
	// Resolving twice loses the race with itself.
	ok, err = s.ResolveMeta(ctx, "t1", id, ResolutionReject)
	if err != nil || ok {
		t.Fatalf("second resolve = (%v, %v), want (false, nil)", ok, err)
	}

	m, found, err := s.GetMeta(ctx, "t1", id)
	if err != nil || !found {
		t.Fatalf("get meta: found=%v err=%v", found, err)
	}
	if m.Resolution != ResolutionConfirm || m.ResolvedAt == nil {
		t.Fatalf("resolution not recorded: %+v", m)
	}

	pending, err = s.PendingMeta(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("pending after resolve: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("resolved row still pending: %+v", pending)
	}
}

func TestLedgerReserveCompleteRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := LedgerKey{TenantID: "t1", ToolName: "memorize", Key: "k-1"}

	won, err := s.ReserveLedger(ctx, key, "hash-a", "owner-1")
	if err != nil || !won {
		t.Fatalf("first reserve = (%v, %v), want (true, nil)", won, err)
	}
	won, err = s.ReserveLedger(ctx, key, "hash-a", "owner-2")
	if err != nil || won {
		t.Fatalf("second reserve = (%v, %v), want (false, nil)", won, err)
	}

	// The loser cannot complete with its own token.
	done, err := s.CompleteLedger(ctx, key, "owner-2", json.RawMessage(`{"ok":true}`))
	if err != nil || done {
		t.Fatalf("foreign completion = (%v, %v), want (false, nil)", done, err)
	}
	done, err = s.CompleteLedger(ctx, key, "owner-1", json.RawMessage(`{"ok":true}`))
	if err != nil || !done {
		t.Fatalf("owner completion = (%v, %v), want (true, nil)", done, err)
	}

	entry, found, err := s.GetLedger(ctx, key)
	if err != nil || !found {
		t.Fatalf("get ledger: found=%v err=%v", found, err)
	}
	if entry.Status != LedgerCompleted || string(entry.Response) != `{"ok":true}` {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}

	// Completed rows cannot be released.
	released, err := s.ReleaseLedger(ctx, key, "owner-1")
	if err != nil || released {
		t.Fatalf("release of completed row = (%v, %v), want (false, nil)", released, err)
	}
}

func TestLedgerReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := LedgerKey{TenantID: "t1", ToolName: "memorize", Key: "k-2"}

	if _, err := s.ReserveLedger(ctx, key, "hash-a", "stale-owner"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	won, err := s.ReclaimLedger(ctx, key, "stale-owner", "new-owner", "hash-b")
	if err != nil || !won {
		t.Fatalf("reclaim = (%v, %v), want (true, nil)", won, err)
	}
	// A second reclaimer still holding the old token loses.
	won, err = s.ReclaimLedger(ctx, key, "stale-owner", "third-owner", "hash-c")
	if err != nil || won {
		t.Fatalf("double reclaim = (%v, %v), want (false, nil)", won, err)
	}
	// The original owner can no longer complete.
	done, err := s.CompleteLedger(ctx, key, "stale-owner", json.RawMessage(`{}`))
	if err != nil || done {
		t.Fatalf("stale completion = (%v, %v), want (false, nil)", done, err)
	}
	done, err = s.CompleteLedger(ctx, key, "new-owner", json.RawMessage(`{}`))
	if err != nil || !done {
		t.Fatalf("new owner completion = (%v, %v), want (true, nil)", done, err)
	}
}

func TestLedgerSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldKey := LedgerKey{TenantID: "t1", ToolName: "memorize", Key: "old"}
	newKey := LedgerKey{TenantID: "t1", ToolName: "memorize", Key: "new"}
	if _, err := s.ReserveLedger(ctx, oldKey, "h", "o1"); err != nil {
		t.Fatalf("reserve old: %v", err)
	}
	if _, err := s.CompleteLedger(ctx, oldKey, "o1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("complete old: %v", err)
	}
	if _, err := s.ReserveLedger(ctx, newKey, "h", "o2"); err != nil {
		t.Fatalf("reserve new: %v", err)
	}

	// Cutoffs in the future sweep everything; cutoffs in the past, nothing.
	swept, err := s.SweepLedger(ctx, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sweep past cutoffs: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept %d rows with past cutoffs, want 0", swept)
	}
	swept, err = s.SweepLedger(ctx, time.Now().Add(time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sweep future cutoffs: %v", err)
	}
	if swept != 2 {
		t.Fatalf("swept %d rows, want 2", swept)
	}
}

func TestAuditAppendAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []AuditEntry{
		{TraceID: "tr-1", TenantID: "t1", AgentID: "a1", Resource: "tables/books", Permission: "read", Decision: "allow"},
		{TraceID: "tr-2", TenantID: "t1", AgentID: "a1", Resource: "vectors/notes", Permission: "write", Decision: "deny", Reason: "no grant"},
		{TraceID: "tr-3", TenantID: "t2", AgentID: "a9", Resource: "profile", Permission: "read", Decision: "allow"},
	}
	for _, e := range entries {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}
	n, err := s.CountAudit(ctx, "t1", "")
	if err != nil || n != 2 {
		t.Fatalf("count t1 = (%d, %v), want (2, nil)", n, err)
	}
	n, err = s.CountAudit(ctx, "t1", "vectors/notes")
	if err != nil || n != 1 {
		t.Fatalf("count t1/vectors = (%d, %v), want (1, nil)", n, err)
	}
}
