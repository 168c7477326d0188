package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/mnemo/internal/shared"
	"github.com/basket/mnemo/internal/storage"
	"github.com/basket/mnemo/internal/toolerr"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "mnemo.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	c := NewCoordinator(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.PollInterval = 5 * time.Millisecond
	c.PollDeadline = 500 * time.Millisecond
	return c, store
}

func tenantCtx(tenant string) context.Context {
	return shared.WithIdentity(context.Background(), shared.Identity{TenantID: tenant, AgentID: "a1"})
}

func TestExecuteRunsOnceAndReplays(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := tenantCtx("t1")
	args := json.RawMessage(`{"table":"books","record":{"title":"Dune"}}`)

	var runs atomic.Int32
	work := func(context.Context) (json.RawMessage, error) {
		runs.Add(1)
		return json.RawMessage(`{"id":"r-1"}`), nil
	}

	out, err := c.Execute(ctx, "memorize", "k-1", args, work)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if out.Cached || string(out.Result) != `{"id":"r-1"}` {
		t.Fatalf("unexpected first outcome: %+v", out)
	}

	// Retry with the same key and payload in a different key order.
	retryArgs := json.RawMessage(`{"record":{"title":"Dune"},"table":"books"}`)
	out, err = c.Execute(ctx, "memorize", "k-1", retryArgs, work)
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if !out.Cached || string(out.Result) != `{"id":"r-1"}` {
		t.Fatalf("retry did not replay: %+v", out)
	}
	if runs.Load() != 1 {
		t.Fatalf("work ran %d times, want 1", runs.Load())
	}
}

func TestExecuteWithoutKeyRunsEveryTime(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := tenantCtx("t1")

	var runs atomic.Int32
	work := func(context.Context) (json.RawMessage, error) {
		runs.Add(1)
		return json.RawMessage(`{}`), nil
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Execute(ctx, "memorize", "", json.RawMessage(`{}`), work); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	if runs.Load() != 3 {
		t.Fatalf("keyless work ran %d times, want 3", runs.Load())
	}
}

func TestExecuteHashMismatch(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := tenantCtx("t1")

	work := func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	if _, err := c.Execute(ctx, "memorize", "k-1", json.RawMessage(`{"v":1}`), work); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, err := c.Execute(ctx, "memorize", "k-1", json.RawMessage(`{"v":2}`), work)
	if toolerr.CodeOf(err) != toolerr.CodeHashMismatch {
		t.Fatalf("got %v, want HASH_MISMATCH", err)
	}
}

func TestExecuteFailureReleasesReservation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := tenantCtx("t1")
	args := json.RawMessage(`{"v":1}`)

	boom := errors.New("storage hiccup")
	_, err := c.Execute(ctx, "memorize", "k-1", args, func(context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("work error not propagated: %v", err)
	}

	// The failed attempt must not poison the key: a retry executes.
	out, err := c.Execute(ctx, "memorize", "k-1", args, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if out.Cached {
		t.Fatalf("retry replayed a failed attempt")
	}
}

func TestExecuteConcurrentCallersOneExecution(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := tenantCtx("t1")
	args := json.RawMessage(`{"v":"shared"}`)

	var runs atomic.Int32
	work := func(context.Context) (json.RawMessage, error) {
		runs.Add(1)
		time.Sleep(20 * time.Millisecond)
		return json.RawMessage(`{"winner":true}`), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Outcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Execute(ctx, "memorize", "k-race", args, work)
		}(i)
	}
	wg.Wait()

	if runs.Load() != 1 {
		t.Fatalf("work ran %d times under contention, want 1", runs.Load())
	}
	cached := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if string(results[i].Result) != `{"winner":true}` {
			t.Fatalf("caller %d got %s", i, results[i].Result)
		}
		if results[i].Cached {
			cached++
		}
	}
	if cached != callers-1 {
		t.Fatalf("%d cached outcomes, want %d", cached, callers-1)
	}
}

func TestExecuteReclaimsStaleReservation(t *testing.T) {
	c, store := newTestCoordinator(t)
	c.StaleAfter = 10 * time.Millisecond
	ctx := tenantCtx("t1")
	args := json.RawMessage(`{"v":1}`)

	// A dead owner left a reservation behind.
	hash, err := Fingerprint(args)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	key := storage.LedgerKey{TenantID: "t1", ToolName: "memorize", Key: "k-stale"}
	if _, err := store.ReserveLedger(ctx, key, hash, "dead-owner"); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	var runs atomic.Int32
	out, err := c.Execute(ctx, "memorize", "k-stale", args, func(context.Context) (json.RawMessage, error) {
		runs.Add(1)
		return json.RawMessage(`{"reclaimed":true}`), nil
	})
	if err != nil {
		t.Fatalf("execute over stale reservation: %v", err)
	}
	if out.Cached || runs.Load() != 1 {
		t.Fatalf("stale reservation was not reclaimed: %+v runs=%d", out, runs.Load())
	}
}

func TestExecutePollTimesOut(t *testing.T) {
	c, store := newTestCoordinator(t)
	c.PollDeadline = 30 * time.Millisecond
	ctx := tenantCtx("t1")
	args := json.RawMessage(`{"v":1}`)

	// Another live owner holds a fresh reservation and never completes.
	hash, _ := Fingerprint(args)
	key := storage.LedgerKey{TenantID: "t1", ToolName: "memorize", Key: "k-inflight"}
	if _, err := store.ReserveLedger(ctx, key, hash, "live-owner"); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	_, err := c.Execute(ctx, "memorize", "k-inflight", args, func(context.Context) (json.RawMessage, error) {
		t.Fatalf("loser must not execute work")
		return nil, nil
	})
	te := toolerr.From(err)
	if te == nil || te.Code != toolerr.CodeTimeout {
		t.Fatalf("got %v, want TIMEOUT", err)
	}
	if !te.Retryable {
		t.Fatalf("timeout must be retryable")
	}
}

func TestExecuteKeysAreTenantScoped(t *testing.T) {
	c, _ := newTestCoordinator(t)
	args := json.RawMessage(`{"v":1}`)

	var runs atomic.Int32
	work := func(context.Context) (json.RawMessage, error) {
		runs.Add(1)
		return json.RawMessage(`{}`), nil
	}
	if _, err := c.Execute(tenantCtx("t1"), "memorize", "k-1", args, work); err != nil {
		t.Fatalf("tenant 1: %v", err)
	}
	if _, err := c.Execute(tenantCtx("t2"), "memorize", "k-1", args, work); err != nil {
		t.Fatalf("tenant 2: %v", err)
	}
	if runs.Load() != 2 {
		t.Fatalf("same key across tenants ran %d times, want 2", runs.Load())
	}
}

func TestSweeperRemovesOldRows(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := tenantCtx("t1")

	if _, err := c.Execute(ctx, "memorize", "k-done", json.RawMessage(`{}`), func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sw := NewSweeper(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Zero retention sweeps everything already written.
	sw.RetainCompleted = -time.Second
	sw.RetainReserved = -time.Second
	var swept int64
	sw.OnSwept = func(n int64) { swept = n }
	sw.Sweep(context.Background())

	if swept != 1 {
		t.Fatalf("swept %d rows, want 1", swept)
	}
	_, found, err := store.GetLedger(context.Background(), storage.LedgerKey{TenantID: "t1", ToolName: "memorize", Key: "k-done"})
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if found {
		t.Fatalf("swept row still present")
	}
}
