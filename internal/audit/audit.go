// Package audit records consent decisions to a JSONL file and to the
// audit_log table. Writes are best-effort: a failed audit write never
// fails the request that triggered it, but it is always logged.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/mnemo/internal/shared"
	"github.com/basket/mnemo/internal/storage"
)

// Decision values recorded by the sink.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Event is one consent decision for one resource access.
type Event struct {
	TraceID    string
	TenantID   string
	AgentID    string
	Resource   string
	Permission string
	Decision   string
	Reason     string
}

type fileEntry struct {
	Timestamp  string `json:"timestamp"`
	TraceID    string `json:"trace_id,omitempty"`
	TenantID   string `json:"tenant_id"`
	AgentID    string `json:"agent_id"`
	Resource   string `json:"resource"`
	Permission string `json:"permission"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
}

// Sink writes decisions to logs/audit.jsonl and the store.
type Sink struct {
	mu        sync.Mutex
	file      *os.File
	store     *storage.Store
	logger    *slog.Logger
	denyCount atomic.Int64
}

// NewSink opens (appending) homeDir/logs/audit.jsonl. store may be nil in
// tests that only care about the file.
func NewSink(homeDir string, store *storage.Store, logger *slog.Logger) (*Sink, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Sink{file: f, store: store, logger: logger}, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded since startup.
func (s *Sink) DenyCount() int64 {
	return s.denyCount.Load()
}

// Record persists one decision. Secrets are redacted from the reason
// before anything touches disk.
func (s *Sink) Record(ctx context.Context, ev Event) {
	if ev.Decision == DecisionDeny {
		s.denyCount.Add(1)
	}
	ev.Reason = shared.Redact(ev.Reason)

	s.mu.Lock()
	if s.file != nil {
		line := fileEntry{
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:    ev.TraceID,
			TenantID:   ev.TenantID,
			AgentID:    ev.AgentID,
			Resource:   ev.Resource,
			Permission: ev.Permission,
			Decision:   ev.Decision,
			Reason:     ev.Reason,
		}
		if b, err := json.Marshal(line); err == nil {
			if _, err := s.file.Write(append(b, '\n')); err != nil {
				s.logger.Warn("audit file write failed", "error", err)
			}
		}
	}
	s.mu.Unlock()

	if s.store != nil {
		err := s.store.AppendAudit(ctx, storage.AuditEntry{
			TraceID:    ev.TraceID,
			TenantID:   ev.TenantID,
			AgentID:    ev.AgentID,
			Resource:   ev.Resource,
			Permission: ev.Permission,
			Decision:   ev.Decision,
			Reason:     ev.Reason,
		})
		if err != nil {
			s.logger.Warn("audit table write failed", "error", err,
				"tenant_id", ev.TenantID, "resource", ev.Resource)
		}
	}
}
