// Package storage is the sqlite-backed system of record for mnemod: consent
// grants, tenant profiles, structured tables, vector-memory metadata, the
// knowledge graph, the review queue, the idempotency ledger, and the audit
// log. Vector similarity itself lives in internal/vector; rows here are the
// durable source of truth.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "mn-v1-2026-08-tenant-memory"
)

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. The connection is serialized: sqlite handles one writer at a
// time and the driver's busy timeout plus retryOnBusy absorb contention.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when sqlite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		// Consent grants are written by the tenant's management surface and
		// read-only to the request pipeline.
		`CREATE TABLE IF NOT EXISTS consent_grants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			permission TEXT NOT NULL CHECK(permission IN ('read', 'write')),
			expires_at INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(tenant_id, agent_id, resource, permission)
		);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			tenant_id TEXT PRIMARY KEY,
			data JSON NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS table_records (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			data JSON NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS vector_memories (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			collection TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			deleted_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS graph_entities (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0.5,
			mentions INTEGER NOT NULL DEFAULT 1,
			last_seen_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(tenant_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS graph_relations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			from_id TEXT NOT NULL REFERENCES graph_entities(id),
			to_id TEXT NOT NULL REFERENCES graph_entities(id),
			relation TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_meta (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			related_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'resolved')),
			resolution TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			resolved_at INTEGER
		);`,
		// One row per logical write; every mutation is CAS-conditioned on
		// owner_token and status.
		`CREATE TABLE IF NOT EXISTS idempotency_ledger (
			tenant_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('reserved', 'completed')),
			response JSON,
			owner_token TEXT NOT NULL,
			reserved_at INTEGER NOT NULL,
			completed_at INTEGER,
			PRIMARY KEY(tenant_id, tool_name, idempotency_key)
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			tenant_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			permission TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_grants_lookup ON consent_grants(tenant_id, agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_records_table ON table_records(tenant_id, table_name, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_recency ON vector_memories(tenant_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_tenant ON graph_entities(tenant_id, mentions DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_meta_pending ON memory_meta(tenant_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_sweep ON idempotency_ledger(status, reserved_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
