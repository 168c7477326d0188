package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/mnemo/internal/audit"
	"github.com/basket/mnemo/internal/bus"
	"github.com/basket/mnemo/internal/config"
	"github.com/basket/mnemo/internal/consent"
	"github.com/basket/mnemo/internal/effects"
	"github.com/basket/mnemo/internal/fusion"
	"github.com/basket/mnemo/internal/gateway"
	"github.com/basket/mnemo/internal/idempotency"
	"github.com/basket/mnemo/internal/ingest"
	"github.com/basket/mnemo/internal/storage"
	"github.com/basket/mnemo/internal/toolcall"
	"github.com/basket/mnemo/internal/vector"
)

const testToken = "gateway-test-token"

type rpcReq struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErr         `json:"error,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func newTestServer(t *testing.T) (*httptest.Server, *storage.Store) {
	t.Helper()
	home := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.Open(filepath.Join(home, "mnemo.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sink, err := audit.NewSink(home, store, logger)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	index := vector.NewIndex(vector.NewLocalEmbedder())
	coord := idempotency.NewCoordinator(store, logger)
	coord.PollInterval = 5 * time.Millisecond
	runner := effects.NewRunner(logger)
	events := bus.New()
	consentEngine := consent.NewEngine(store)
	pipeline := ingest.NewPipeline(consentEngine, coord, store, index, sink, runner, events, logger)
	fusionEngine := fusion.NewEngine(consentEngine, store, index, nil, logger)

	router, err := toolcall.NewRouter(fusionEngine, pipeline, consentEngine, store, index, nil, events, logger)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	srv := gateway.New(gateway.Config{
		Router: router,
		Store:  store,
		Sink:   sink,
		Bus:    events,
		AuthTokens: []config.AgentToken{
			{Token: testToken, TenantID: "t1", AgentID: "a1", Tier: "standard"},
		},
		Logger: logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func grant(t *testing.T, store *storage.Store, resource, permission string) {
	t.Helper()
	err := store.PutGrant(context.Background(), storage.Grant{
		TenantID: "t1", AgentID: "a1", Resource: resource, Permission: permission,
	})
	if err != nil {
		t.Fatalf("grant %s:%s: %v", resource, permission, err)
	}
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func rpcCall(t *testing.T, url string, req rpcReq) rpcResp {
	t.Helper()
	resp := postJSON(t, url+"/rpc", testToken, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rpc status = %d", resp.StatusCode)
	}
	var out rpcResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode rpc response: %v", err)
	}
	return out
}

func toolResult(t *testing.T, raw json.RawMessage) (map[string]any, envelope) {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if len(env.Content) != 1 || env.Content[0].Type != "text" {
		t.Fatalf("envelope content = %+v", env.Content)
	}
	doc := map[string]any{}
	if !env.IsError {
		if err := json.Unmarshal([]byte(env.Content[0].Text), &doc); err != nil {
			t.Fatalf("envelope text not JSON: %v", err)
		}
	}
	return doc, env
}

func TestRPCRejectsBadAuthAndUnknownMethod(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/rpc", "", rpcReq{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/rpc", "wrong-token", rpcReq{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", resp.StatusCode)
	}

	out := rpcCall(t, ts.URL, rpcReq{JSONRPC: "2.0", ID: 2, Method: "tools/destroy"})
	if out.Error == nil || out.Error.Code != gateway.ErrCodeMethodNotFound {
		t.Fatalf("unknown method error = %+v", out.Error)
	}

	out = rpcCall(t, ts.URL, rpcReq{JSONRPC: "1.1", ID: 3, Method: "tools/list"})
	if out.Error == nil || out.Error.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("bad version error = %+v", out.Error)
	}
}

func TestRPCToolsListAndCall(t *testing.T) {
	ts, store := newTestServer(t)
	grant(t, store, "vectors/*", "write")

	out := rpcCall(t, ts.URL, rpcReq{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	var listed struct {
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(out.Result, &listed); err != nil {
		t.Fatalf("decode tools/list: %v", err)
	}
	if len(listed.Tools) != 3 {
		t.Fatalf("tools = %d, want 3", len(listed.Tools))
	}
	if listed.Tools[0].Name != "recall" || len(listed.Tools[0].InputSchema) == 0 {
		t.Fatalf("first tool = %+v", listed.Tools[0])
	}

	out = rpcCall(t, ts.URL, rpcReq{
		JSONRPC: "2.0", ID: 2, Method: "tools/call",
		Params: map[string]any{
			"name":      "memorize",
			"arguments": map[string]any{"text": "user prefers window seats", "collection": "travel"},
		},
	})
	if out.Error != nil {
		t.Fatalf("tools/call error: %+v", out.Error)
	}
	doc, env := toolResult(t, out.Result)
	if env.IsError {
		t.Fatalf("memorize failed: %s", env.Content[0].Text)
	}
	if doc["collection"] != "travel" || doc["id"] == "" {
		t.Fatalf("memorize doc = %v", doc)
	}
}

func TestRPCToolFailureIsResultNotProtocolError(t *testing.T) {
	ts, _ := newTestServer(t)

	out := rpcCall(t, ts.URL, rpcReq{
		JSONRPC: "2.0", ID: 1, Method: "tools/call",
		Params: map[string]any{
			"name":      "memorize",
			"arguments": map[string]any{"text": "no grants here", "collection": "travel"},
		},
	})
	if out.Error != nil {
		t.Fatalf("consent denial surfaced as protocol error: %+v", out.Error)
	}
	_, env := toolResult(t, out.Result)
	if !env.IsError || !strings.HasPrefix(env.Content[0].Text, "CONSENT_DENIED") {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestRESTToolMirror(t *testing.T) {
	ts, store := newTestServer(t)
	grant(t, store, "tables/*", "write")
	grant(t, store, "tables/*", "read")

	// The Idempotency-Key header dedupes retries.
	// A literal body keeps the field order json.Marshal of a map would sort away.
	body := []byte(`{"table": "books", "data": {"title": "Dune", "rating": 5}}`)
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/tools/add_record", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set("Idempotency-Key", "rest-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("rest call: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("rest status = %d", resp.StatusCode)
		}
		_ = resp.Body.Close()
	}

	resp := postJSON(t, ts.URL+"/v1/tools/query_table", testToken, map[string]any{"table": "books"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d", resp.StatusCode)
	}
	var doc struct {
		Records []struct {
			Summary string `json:"summary"`
		} `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode query response: %v", err)
	}
	if len(doc.Records) != 1 {
		t.Fatalf("records = %d, want 1 (idempotent retry must not duplicate)", len(doc.Records))
	}
	if doc.Records[0].Summary != "books: title=Dune, rating=5" {
		t.Fatalf("summary = %q", doc.Records[0].Summary)
	}
}

func TestRESTErrorStatusMapping(t *testing.T) {
	ts, store := newTestServer(t)
	grant(t, store, "vectors/*", "write")

	cases := []struct {
		name   string
		tool   string
		body   map[string]any
		status int
	}{
		{"missing text", "memorize", map[string]any{}, http.StatusBadRequest},
		{"ungranted table", "memorize", map[string]any{"text": "x", "category": "books"}, http.StatusForbidden},
		{"unknown review item", "review", map[string]any{"action": "resolve", "metaId": "nope", "resolution": "confirm"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := postJSON(t, ts.URL+"/v1/tools/"+tc.tool, testToken, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s status = %d, want %d", tc.name, resp.StatusCode, tc.status)
		}
		if tc.status >= 400 {
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("%s: decode error body: %v", tc.name, err)
			}
			if body["code"] == "" || body["message"] == "" {
				t.Fatalf("%s: error body = %v", tc.name, body)
			}
		}
	}
}

func TestWebSocketToolCall(t *testing.T) {
	ts, store := newTestServer(t)
	grant(t, store, "profile", "read")
	grant(t, store, "vectors", "read")
	grant(t, store, "tables", "read")
	grant(t, store, "graph", "read")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	req := rpcReq{
		JSONRPC: "2.0", ID: 1, Method: "tools/call",
		Params: map[string]any{"name": "recall", "arguments": map[string]any{"mode": "context"}},
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	var out rpcResp
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if out.Error != nil {
		t.Fatalf("ws tools/call error: %+v", out.Error)
	}
	doc, env := toolResult(t, out.Result)
	if env.IsError {
		t.Fatalf("snapshot failed: %s", env.Content[0].Text)
	}
	if _, ok := doc["profile"]; !ok {
		t.Fatalf("snapshot missing profile section: %v", doc)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer nope"}},
	})
	if err == nil {
		t.Fatal("dial with bad token succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthzIsOpen(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var body struct {
		Healthy bool `json:"healthy"`
		DBOk    bool `json:"db_ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || !body.Healthy || !body.DBOk {
		t.Fatalf("healthz body = %+v (%v)", body, err)
	}
}
