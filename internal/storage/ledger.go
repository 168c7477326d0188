package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Ledger statuses.
const (
	LedgerReserved  = "reserved"
	LedgerCompleted = "completed"
)

// LedgerKey identifies one logical write.
type LedgerKey struct {
	TenantID string
	ToolName string
	Key      string
}

// LedgerEntry is one row of the idempotency ledger.
type LedgerEntry struct {
	LedgerKey
	RequestHash string
	Status      string
	Response    json.RawMessage
	OwnerToken  string
	ReservedAt  time.Time
	CompletedAt *time.Time
}

// ReserveLedger attempts to claim the key for ownerToken with a
// conditional insert. Returns true when this caller won the reservation;
// false means a row already exists and the caller should consult
// GetLedger. Never read-then-write: the primary key conflict is the
// arbitration.
func (s *Store) ReserveLedger(ctx context.Context, key LedgerKey, requestHash, ownerToken string) (bool, error) {
	var won bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO idempotency_ledger
				(tenant_id, tool_name, idempotency_key, request_hash, status, owner_token, reserved_at)
			VALUES (?, ?, ?, ?, 'reserved', ?, ?);
		`, key.TenantID, key.ToolName, key.Key, requestHash, ownerToken, nowMilli())
		if err != nil {
			return fmt.Errorf("reserve ledger: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		won = n > 0
		return nil
	})
	return won, err
}

// GetLedger fetches the current row for the key.
func (s *Store) GetLedger(ctx context.Context, key LedgerKey) (LedgerEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, tool_name, idempotency_key, request_hash, status, response, owner_token, reserved_at, completed_at
		FROM idempotency_ledger
		WHERE tenant_id = ? AND tool_name = ? AND idempotency_key = ?;
	`, key.TenantID, key.ToolName, key.Key)

	var e LedgerEntry
	var response sql.NullString
	var reserved int64
	var completed sql.NullInt64
	err := row.Scan(&e.TenantID, &e.ToolName, &e.Key, &e.RequestHash, &e.Status, &response, &e.OwnerToken, &reserved, &completed)
	if err != nil {
		if isNoRows(err) {
			return LedgerEntry{}, false, nil
		}
		return LedgerEntry{}, false, fmt.Errorf("get ledger: %w", err)
	}
	if response.Valid {
		e.Response = json.RawMessage(response.String)
	}
	e.ReservedAt = time.UnixMilli(reserved)
	if completed.Valid {
		t := time.UnixMilli(completed.Int64)
		e.CompletedAt = &t
	}
	return e, true, nil
}

// CompleteLedger records the canonical response, conditioned on the row
// still being reserved by ownerToken. Zero rows affected means the
// reservation was reclaimed while the work ran and the result was NOT
// recorded.
func (s *Store) CompleteLedger(ctx context.Context, key LedgerKey, ownerToken string, response json.RawMessage) (bool, error) {
	var done bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE idempotency_ledger
			SET status = 'completed', response = ?, completed_at = ?
			WHERE tenant_id = ? AND tool_name = ? AND idempotency_key = ?
			  AND status = 'reserved' AND owner_token = ?;
		`, string(response), nowMilli(), key.TenantID, key.ToolName, key.Key, ownerToken)
		if err != nil {
			return fmt.Errorf("complete ledger: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		done = n > 0
		return nil
	})
	return done, err
}

// ReleaseLedger deletes the reservation after a failed execution so a
// retry can start clean. Conditioned on owner and status, same as
// completion.
func (s *Store) ReleaseLedger(ctx context.Context, key LedgerKey, ownerToken string) (bool, error) {
	var released bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency_ledger
			WHERE tenant_id = ? AND tool_name = ? AND idempotency_key = ?
			  AND status = 'reserved' AND owner_token = ?;
		`, key.TenantID, key.ToolName, key.Key, ownerToken)
		if err != nil {
			return fmt.Errorf("release ledger: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		released = n > 0
		return nil
	})
	return released, err
}

// ReclaimLedger takes over a stale reservation: the owner token is
// swapped and the reservation clock restarts, conditioned on the row
// still carrying the stale owner. Exactly one of any concurrent
// reclaimers wins.
func (s *Store) ReclaimLedger(ctx context.Context, key LedgerKey, staleOwner, newOwner, requestHash string) (bool, error) {
	var won bool
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE idempotency_ledger
			SET owner_token = ?, request_hash = ?, reserved_at = ?
			WHERE tenant_id = ? AND tool_name = ? AND idempotency_key = ?
			  AND status = 'reserved' AND owner_token = ?;
		`, newOwner, requestHash, nowMilli(), key.TenantID, key.ToolName, key.Key, staleOwner)
		if err != nil {
			return fmt.Errorf("reclaim ledger: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		won = n > 0
		return nil
	})
	return won, err
}

// SweepLedger deletes completed rows older than completedBefore and
// reserved rows older than reservedBefore. Returns rows removed.
func (s *Store) SweepLedger(ctx context.Context, completedBefore, reservedBefore time.Time) (int64, error) {
	var swept int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency_ledger
			WHERE (status = 'completed' AND completed_at < ?)
			   OR (status = 'reserved' AND reserved_at < ?);
		`, completedBefore.UnixMilli(), reservedBefore.UnixMilli())
		if err != nil {
			return fmt.Errorf("sweep ledger: %w", err)
		}
		swept, err = res.RowsAffected()
		return err
	})
	return swept, err
}
