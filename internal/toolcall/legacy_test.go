package toolcall

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/basket/mnemo/internal/toolerr"
)

func mustTranslate(t *testing.T, name, args string) (string, map[string]json.RawMessage) {
	t.Helper()
	tool, raw, err := Translate(name, json.RawMessage(args))
	if err != nil {
		t.Fatalf("translate %s: %v", name, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("translated args not an object: %v", err)
	}
	return tool, fields
}

func fieldString(t *testing.T, fields map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(fields[key], &s); err != nil {
		t.Fatalf("field %q = %s: %v", key, fields[key], err)
	}
	return s
}

func TestTranslateAddRecordPreservesKeyOrder(t *testing.T) {
	tool, fields := mustTranslate(t, "add_record",
		`{"table": "books", "data": {"title": "Dune", "rating": 5}}`)
	if tool != "memorize" {
		t.Fatalf("tool = %q, want memorize", tool)
	}
	if got := fieldString(t, fields, "text"); got != "books: title=Dune, rating=5" {
		t.Fatalf("text = %q", got)
	}
	if got := fieldString(t, fields, "category"); got != "books" {
		t.Fatalf("category = %q", got)
	}

	// The synthesized line follows the document's own key order, not a
	// sorted one.
	_, fields = mustTranslate(t, "add_record",
		`{"table": "books", "data": {"rating": 5, "title": "Dune"}}`)
	if got := fieldString(t, fields, "text"); got != "books: rating=5, title=Dune" {
		t.Fatalf("text = %q", got)
	}
}

func TestTranslateAddRecordNestedAndTruncated(t *testing.T) {
	_, fields := mustTranslate(t, "add_record",
		`{"table": "trips", "data": {"route": {"from": "Oslo", "to": "Bergen"}, "days": 3}}`)
	if got := fieldString(t, fields, "text"); got != `trips: route={"from":"Oslo","to":"Bergen"}, days=3` {
		t.Fatalf("text = %q", got)
	}

	long := strings.Repeat("x", 600)
	_, fields = mustTranslate(t, "add_record",
		`{"table": "notes", "data": {"body": "`+long+`"}}`)
	text := fieldString(t, fields, "text")
	if len(text) != 503 || !strings.HasSuffix(text, "...") {
		t.Fatalf("truncated text length = %d", len(text))
	}
}

func TestTranslateUpdateProfilePrefersReason(t *testing.T) {
	_, fields := mustTranslate(t, "update_profile",
		`{"data": {"name": "Ada"}, "reason": "user introduced themselves"}`)
	if got := fieldString(t, fields, "text"); got != "user introduced themselves" {
		t.Fatalf("text = %q", got)
	}
	if got := fieldString(t, fields, "category"); got != "profile" {
		t.Fatalf("category = %q", got)
	}

	// Without a reason the text is synthesized from the fields.
	_, fields = mustTranslate(t, "update_profile", `{"data": {"name": "Ada", "city": "Paris"}}`)
	if got := fieldString(t, fields, "text"); got != "name=Ada, city=Paris" {
		t.Fatalf("text = %q", got)
	}
}

func TestTranslateReadTools(t *testing.T) {
	tool, fields := mustTranslate(t, "get_user_context", `{"topic": "allergies"}`)
	if tool != "recall" || fieldString(t, fields, "mode") != "knowledge" {
		t.Fatalf("get_user_context with topic = %s %s", tool, fields["mode"])
	}
	tool, fields = mustTranslate(t, "get_user_context", `{}`)
	if tool != "recall" || fieldString(t, fields, "mode") != "context" {
		t.Fatalf("bare get_user_context = %s %s", tool, fields["mode"])
	}

	tool, fields = mustTranslate(t, "list_tables", `{}`)
	if tool != "recall" || fieldString(t, fields, "mode") != "table" {
		t.Fatalf("list_tables = %s %s", tool, fields["mode"])
	}

	_, fields = mustTranslate(t, "query_table", `{"table": "meals", "limit": 5}`)
	var q struct {
		Name  string `json:"name"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(fields["table"], &q); err != nil || q.Name != "meals" || q.Limit != 5 {
		t.Fatalf("query_table table = %s (%v)", fields["table"], err)
	}

	_, fields = mustTranslate(t, "search_memory", `{"collection": "journal", "query": "tea"}`)
	var m struct {
		Collection string `json:"collection"`
		Query      string `json:"query"`
	}
	if err := json.Unmarshal(fields["memory"], &m); err != nil || m.Collection != "journal" || m.Query != "tea" {
		t.Fatalf("search_memory memory = %s (%v)", fields["memory"], err)
	}

	tool, fields = mustTranslate(t, "query_graph", `{"queryType": "neighbors", "entity": "Ada", "maxHops": 2}`)
	if tool != "recall" || fieldString(t, fields, "mode") != "graph" {
		t.Fatalf("query_graph = %s %s", tool, fields["mode"])
	}
}

func TestTranslateMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		args string
	}{
		{"add_record", `{"data": {"a": 1}}`},
		{"add_record", `{"table": "books"}`},
		{"save_memory", `{"collection": "journal"}`},
		{"save_memory", `{"text": "hi"}`},
		{"update_profile", `{}`},
		{"query_table", `{}`},
		{"query_graph", `{}`},
		{"delete_memory", `{}`},
		{"review_memories", `{}`},
	}
	for _, tc := range cases {
		_, _, err := Translate(tc.name, json.RawMessage(tc.args))
		if toolerr.CodeOf(err) != toolerr.CodeInvalidArgs {
			t.Fatalf("%s %s = %v, want INVALID_ARGS", tc.name, tc.args, err)
		}
	}
}

func TestTranslateUnknownTool(t *testing.T) {
	if IsLegacy("recall") {
		t.Fatal("canonical name reported as legacy")
	}
	_, _, err := Translate("forget_everything", nil)
	if toolerr.CodeOf(err) != toolerr.CodeInvalidArgs {
		t.Fatalf("unknown tool = %v, want INVALID_ARGS", err)
	}
}
