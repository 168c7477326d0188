package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mnemo/internal/shared"
	"github.com/basket/mnemo/internal/storage"
	"github.com/basket/mnemo/internal/toolerr"
)

// Outcome is what Execute hands back: the canonical response for the key
// and whether it was replayed from the ledger rather than produced by
// this call.
type Outcome struct {
	Result json.RawMessage
	Cached bool
}

// Work produces the response for one logical write. It runs at most once
// per (tenant, tool, key) while the key's ledger row lives.
type Work func(ctx context.Context) (json.RawMessage, error)

// Coordinator arbitrates concurrent and retried writes through the
// ledger. All mutations are compare-and-swap rows; the coordinator never
// reads then writes.
type Coordinator struct {
	store  *storage.Store
	logger *slog.Logger

	// StaleAfter is how long a reservation may sit before another caller
	// assumes its owner died and reclaims it.
	StaleAfter time.Duration
	// PollInterval and PollDeadline bound how long a losing caller waits
	// for the winner's response before giving up with TIMEOUT.
	PollInterval time.Duration
	PollDeadline time.Duration

	now func() time.Time
}

func NewCoordinator(store *storage.Store, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:        store,
		logger:       logger,
		StaleAfter:   30 * time.Second,
		PollInterval: 200 * time.Millisecond,
		PollDeadline: 5 * time.Second,
		now:          time.Now,
	}
}

// Execute runs work under the idempotency key. An empty key means the
// caller opted out: work runs directly with no at-most-once guarantee.
//
// With a key, exactly one concurrent caller wins the reservation and
// runs work; the rest wait for its recorded response. A key reused with
// a different payload fails with HASH_MISMATCH. A reservation older than
// StaleAfter is reclaimed once; a fresh one is polled until PollDeadline.
func (c *Coordinator) Execute(ctx context.Context, toolName, key string, args json.RawMessage, work Work) (Outcome, error) {
	if key == "" {
		result, err := work(ctx)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: result}, nil
	}
	id, ok := shared.IdentityFrom(ctx)
	if !ok {
		return Outcome{}, toolerr.E(toolerr.CodeInvalidArgs, "idempotent write requires an authenticated identity")
	}

	hash, err := Fingerprint(args)
	if err != nil {
		return Outcome{}, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "idempotency payload is not valid JSON")
	}
	ledgerKey := storage.LedgerKey{TenantID: id.TenantID, ToolName: toolName, Key: key}
	ownerToken := uuid.NewString()

	reclaimed := false
	for {
		won, err := c.store.ReserveLedger(ctx, ledgerKey, hash, ownerToken)
		if err != nil {
			return Outcome{}, toolerr.Wrap(toolerr.CodeInternal, err, "reserve idempotency key")
		}
		if won {
			return c.runOwned(ctx, ledgerKey, ownerToken, work)
		}

		entry, found, err := c.store.GetLedger(ctx, ledgerKey)
		if err != nil {
			return Outcome{}, toolerr.Wrap(toolerr.CodeInternal, err, "read idempotency ledger")
		}
		if !found {
			// The row vanished between the insert and the read: its owner
			// failed and released. Take another shot at the reservation.
			continue
		}
		if entry.RequestHash != hash {
			return Outcome{}, toolerr.E(toolerr.CodeHashMismatch,
				"idempotency key %q reused with a different payload", key)
		}
		if entry.Status == storage.LedgerCompleted {
			return Outcome{Result: entry.Response, Cached: true}, nil
		}

		// Reserved by someone else.
		if !reclaimed && c.now().Sub(entry.ReservedAt) > c.StaleAfter {
			reclaimed = true
			won, err := c.store.ReclaimLedger(ctx, ledgerKey, entry.OwnerToken, ownerToken, hash)
			if err != nil {
				return Outcome{}, toolerr.Wrap(toolerr.CodeInternal, err, "reclaim stale reservation")
			}
			if won {
				c.logger.Warn("reclaimed stale idempotency reservation",
					"tool", toolName, "key", key, "stale_for", c.now().Sub(entry.ReservedAt).String())
				return c.runOwned(ctx, ledgerKey, ownerToken, work)
			}
			// Someone else reclaimed first; fall through to polling them.
		}
		return c.poll(ctx, ledgerKey, hash, key)
	}
}

// runOwned executes work while holding the reservation and records the
// response with a CAS completion.
func (c *Coordinator) runOwned(ctx context.Context, key storage.LedgerKey, ownerToken string, work Work) (Outcome, error) {
	result, err := work(ctx)
	if err != nil {
		// Release so a retry can execute cleanly. If the release loses the
		// CAS, a reclaimer already owns the row and will record its own
		// result; nothing to clean up.
		if _, relErr := c.store.ReleaseLedger(ctx, key, ownerToken); relErr != nil {
			c.logger.Error("failed to release reservation after work error",
				"tool", key.ToolName, "key", key.Key, "error", relErr)
		}
		return Outcome{}, err
	}
	done, err := c.store.CompleteLedger(ctx, key, ownerToken, result)
	if err != nil {
		return Outcome{}, toolerr.Wrap(toolerr.CodeInternal, err, "record idempotency result")
	}
	if !done {
		// The reservation was reclaimed while work ran, so this result was
		// not recorded and the reclaimer's will become canonical. Retrying
		// converges on that recorded response.
		return Outcome{}, toolerr.E(toolerr.CodeInternal,
			"reservation reclaimed during execution; result not recorded")
	}
	return Outcome{Result: result}, nil
}

// poll waits for the reservation owner to record a response.
func (c *Coordinator) poll(ctx context.Context, key storage.LedgerKey, hash, userKey string) (Outcome, error) {
	deadline := c.now().Add(c.PollDeadline)
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, toolerr.Wrap(toolerr.CodeTimeout, ctx.Err(), "canceled while waiting for inflight write")
		case <-ticker.C:
		}
		entry, found, err := c.store.GetLedger(ctx, key)
		if err != nil {
			return Outcome{}, toolerr.Wrap(toolerr.CodeInternal, err, "poll idempotency ledger")
		}
		if found {
			if entry.RequestHash != hash {
				return Outcome{}, toolerr.E(toolerr.CodeHashMismatch,
					"idempotency key %q reused with a different payload", userKey)
			}
			if entry.Status == storage.LedgerCompleted {
				return Outcome{Result: entry.Response, Cached: true}, nil
			}
		}
		// Row gone means the owner failed and released; the caller's retry
		// will re-reserve. Treat like still-pending until the deadline.
		if c.now().After(deadline) {
			return Outcome{}, toolerr.E(toolerr.CodeTimeout,
				"timed out waiting for inflight write with key %q", userKey)
		}
	}
}
