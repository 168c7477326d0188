// Package gateway is the network surface of mnemod: JSON-RPC 2.0 over
// POST /rpc and WebSocket /ws, plus a REST mirror of the tool surface.
// Authentication is a static bearer-token table; the resolved identity
// rides the request context into every pipeline underneath.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/mnemo/internal/audit"
	"github.com/basket/mnemo/internal/bus"
	"github.com/basket/mnemo/internal/config"
	"github.com/basket/mnemo/internal/shared"
	"github.com/basket/mnemo/internal/storage"
	"github.com/basket/mnemo/internal/toolcall"
	"github.com/basket/mnemo/internal/toolerr"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602

	maxRequestBody = 1 << 20
)

type Config struct {
	Router *toolcall.Router
	Store  *storage.Store
	Sink   *audit.Sink
	Bus    *bus.Bus

	// AuthTokens is the static token table; swapped atomically on config
	// reload via UpdateTokens.
	AuthTokens []config.AgentToken

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	Logger *slog.Logger
}

type Server struct {
	cfg Config

	tokensMu sync.RWMutex
	tokens   map[string]shared.Identity

	started time.Time
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, started: time.Now()}
	s.UpdateTokens(cfg.AuthTokens)
	return s
}

// UpdateTokens replaces the token table. Called on config reload;
// in-flight requests keep the identity they already resolved.
func (s *Server) UpdateTokens(tokens []config.AgentToken) {
	table := make(map[string]shared.Identity, len(tokens))
	for _, t := range tokens {
		table[strings.TrimSpace(t.Token)] = shared.Identity{
			TenantID: t.TenantID,
			AgentID:  t.AgentID,
			Tier:     t.Tier,
		}
	}
	s.tokensMu.Lock()
	s.tokens = table
	s.tokensMu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPCPost)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/v1/tools/", s.handleRESTTool)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// authorize resolves the bearer token to an identity. An empty table
// rejects everything: mnemod never runs open.
func (s *Server) authorize(r *http.Request) (shared.Identity, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return shared.Identity{}, false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return shared.Identity{}, false
	}
	s.tokensMu.RLock()
	id, ok := s.tokens[token]
	s.tokensMu.RUnlock()
	return id, ok
}

func (s *Server) requestContext(r *http.Request, id shared.Identity) context.Context {
	ctx := shared.WithIdentity(r.Context(), id)
	return shared.WithTraceID(ctx, shared.NewTraceID())
}

func (s *Server) handleRPCPost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req rpcRequest
	w.Header().Set("Content-Type", "application/json")
	if err := json.Unmarshal(body, &req); err != nil {
		_ = json.NewEncoder(w).Encode(rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
		})
		return
	}
	resp := s.handleRPC(s.requestContext(r, id), req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.cfg.Logger.Info("ws: agent connected", "tenant_id", id.TenantID, "agent_id", id.AgentID)
	defer func() {
		s.cfg.Logger.Info("ws: agent disconnecting", "agent_id", id.AgentID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	base := shared.WithIdentity(r.Context(), id)
	var writeMu sync.Mutex
	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(shared.WithTraceID(base, shared.NewTraceID()), req)
		if resp == nil {
			continue
		}
		writeMu.Lock()
		err := wsjson.Write(r.Context(), conn, resp)
		writeMu.Unlock()
		if err != nil {
			s.cfg.Logger.Error("ws: write response failed", "method", req.Method, "error", err)
			return
		}
	}
}

// handleRPC serves one JSON-RPC call. Tool failures are results with
// isError set, not protocol errors: the protocol layer only errors on
// malformed requests and unknown methods.
func (s *Server) handleRPC(ctx context.Context, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "tools/list":
		result = map[string]any{"tools": toolcall.Definitions()}
	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "params require a tool name"}
			break
		}
		result = s.callTool(ctx, p.Name, p.Arguments, "")
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage, headerKey string) toolcall.Envelope {
	inv, err := toolcall.NewInvocation(name, args, headerKey)
	if err != nil {
		te := toolerr.From(err)
		return toolcall.Failure{Code: te.Code, Message: te.Message, Retryable: te.Retryable}.Envelope()
	}
	return s.cfg.Router.Dispatch(ctx, inv).Envelope()
}

// handleRESTTool mirrors tools/call as POST /v1/tools/{name}. The body is
// the argument object; the Idempotency-Key header takes precedence over
// an embedded key.
func (s *Server) handleRESTTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/tools/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "tool name required", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	ctx := s.requestContext(r, id)
	env := s.callTool(ctx, name, body, r.Header.Get("Idempotency-Key"))

	w.Header().Set("Content-Type", "application/json")
	if env.IsError {
		w.WriteHeader(httpStatusFor(env))
		// CODE: message, split back into a structured body.
		code, message, _ := strings.Cut(env.Content[0].Text, ": ")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": message})
		return
	}
	// The envelope's text block is the response document itself.
	_, _ = io.WriteString(w, env.Content[0].Text)
	_, _ = io.WriteString(w, "\n")
}

func httpStatusFor(env toolcall.Envelope) int {
	if len(env.Content) == 0 {
		return http.StatusInternalServerError
	}
	code, _, _ := strings.Cut(env.Content[0].Text, ": ")
	switch toolerr.Code(code) {
	case toolerr.CodeInvalidArgs:
		return http.StatusBadRequest
	case toolerr.CodeConsentDenied:
		return http.StatusForbidden
	case toolerr.CodeNotFound:
		return http.StatusNotFound
	case toolerr.CodeHashMismatch:
		return http.StatusConflict
	case toolerr.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
		dbOK = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	payload := map[string]any{
		"consent_deny_total": s.cfg.Sink.DenyCount(),
		"alloc_bytes":        mem.Alloc,
		"goroutines":         runtime.NumGoroutine(),
		"bus_subscribers":    s.cfg.Bus.SubscriberCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}
