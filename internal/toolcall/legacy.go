package toolcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/mnemo/internal/toolerr"
)

const synthesizedMaxLen = 500

// legacyTools maps each deprecated tool name to its translator. A call
// that cannot be unambiguously rebuilt (missing required legacy field)
// is rejected with INVALID_ARGS, never silently dropped.
var legacyTools = map[string]func(args map[string]json.RawMessage) (string, map[string]any, error){
	"get_user_context": translateGetUserContext,
	"list_tables":      translateListTables,
	"query_table":      translateQueryTable,
	"search_memory":    translateSearchMemory,
	"query_graph":      translateQueryGraph,
	"add_record":       translateAddRecord,
	"save_memory":      translateSaveMemory,
	"update_profile":   translateUpdateProfile,
	"delete_memory":    translateDeleteMemory,
	"review_memories":  translateReviewMemories,
}

// IsLegacy reports whether name belongs to the deprecated vocabulary.
func IsLegacy(name string) bool {
	_, ok := legacyTools[name]
	return ok
}

// Translate rewrites a deprecated call into its canonical equivalent.
// Translation is pure: no storage access, no side effects.
func Translate(name string, args json.RawMessage) (string, json.RawMessage, error) {
	fn, ok := legacyTools[name]
	if !ok {
		return "", nil, toolerr.E(toolerr.CodeInvalidArgs, "unknown tool %q", name)
	}
	fields := map[string]json.RawMessage{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &fields); err != nil {
			return "", nil, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "legacy arguments for %s are not a JSON object", name)
		}
	}
	canonical, out, err := fn(fields)
	if err != nil {
		return "", nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", nil, toolerr.Wrap(toolerr.CodeInternal, err, "encode translated call")
	}
	return canonical, raw, nil
}

func translateGetUserContext(args map[string]json.RawMessage) (string, map[string]any, error) {
	out := map[string]any{"mode": "context"}
	if topic := stringField(args, "topic"); topic != "" {
		out["mode"] = "knowledge"
		out["topic"] = topic
	}
	if budget, ok := args["budget"]; ok {
		out["budget"] = json.RawMessage(budget)
	}
	return "recall", out, nil
}

func translateListTables(map[string]json.RawMessage) (string, map[string]any, error) {
	return "recall", map[string]any{"mode": "table"}, nil
}

func translateQueryTable(args map[string]json.RawMessage) (string, map[string]any, error) {
	name := firstString(args, "table", "tableName")
	if name == "" {
		return "", nil, toolerr.E(toolerr.CodeInvalidArgs, "query_table requires table or tableName")
	}
	query := map[string]any{"name": name}
	for _, field := range []string{"filters", "sql", "limit", "offset"} {
		if v, ok := args[field]; ok {
			query[field] = json.RawMessage(v)
		}
	}
	return "recall", map[string]any{"mode": "table", "table": query}, nil
}

func translateSearchMemory(args map[string]json.RawMessage) (string, map[string]any, error) {
	collection := stringField(args, "collection")
	query := stringField(args, "query")
	if collection == "" || query == "" {
		return "", nil, toolerr.E(toolerr.CodeInvalidArgs, "search_memory requires collection and query")
	}
	mem := map[string]any{"collection": collection, "query": query}
	for _, field := range []string{"minSimilarity", "limit"} {
		if v, ok := args[field]; ok {
			mem[field] = json.RawMessage(v)
		}
	}
	return "recall", map[string]any{"mode": "memory", "memory": mem}, nil
}

func translateQueryGraph(args map[string]json.RawMessage) (string, map[string]any, error) {
	queryType := stringField(args, "queryType")
	if queryType == "" {
		return "", nil, toolerr.E(toolerr.CodeInvalidArgs, "query_graph requires queryType")
	}
	graph := map[string]any{"queryType": queryType}
	for _, field := range []string{"entityId", "entity", "relation", "maxHops", "pattern"} {
		if v, ok := args[field]; ok {
			graph[field] = json.RawMessage(v)
		}
	}
	return "recall", map[string]any{"mode": "graph", "graph": graph}, nil
}

func translateAddRecord(args map[string]json.RawMessage) (string, map[string]any, error) {
	table := firstString(args, "table", "tableName")
	data, hasData := args["data"]
	if table == "" || !hasData {
		return "", nil, toolerr.E(toolerr.CodeInvalidArgs, "add_record requires table and data")
	}
	text, err := synthesizeText(table+": ", data)
	if err != nil {
		return "", nil, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "add_record data is not a JSON object")
	}
	return "memorize", map[string]any{
		"text":     text,
		"category": table,
		"data":     json.RawMessage(data),
	}, nil
}

func translateSaveMemory(args map[string]json.RawMessage) (string, map[string]any, error) {
	collection := stringField(args, "collection")
	text := stringField(args, "text")
	if collection == "" || text == "" {
		return "", nil, toolerr.E(toolerr.CodeInvalidArgs, "save_memory requires collection and text")
	}
	out := map[string]any{"text": text, "storage": "memory", "collection": collection}
	if v, ok := args["metadata"]; ok {
		out["metadata"] = json.RawMessage(v)
	}
	return "memorize", out, nil
}

func translateUpdateProfile(args map[string]json.RawMessage) (string, map[string]any, error) {
	data, hasData := args["data"]
	if !hasData {
		return "", nil, toolerr.E(toolerr.CodeInvalidArgs, "update_profile requires data")
	}
	text := stringField(args, "reason")
	if text == "" {
		var err error
		text, err = synthesizeText("", data)
		if err != nil {
			return "", nil, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "update_profile data is not a JSON object")
		}
	}
	return "memorize", map[string]any{
		"text":     text,
		"category": "profile",
		"data":     json.RawMessage(data),
	}, nil
}

func translateDeleteMemory(args map[string]json.RawMessage) (string, map[string]any, error) {
	text := firstString(args, "query", "text")
	if text == "" {
		return "", nil, toolerr.E(toolerr.CodeInvalidArgs, "delete_memory requires query or text")
	}
	out := map[string]any{"action": "delete", "text": text}
	if collection := stringField(args, "collection"); collection != "" {
		out["collection"] = collection
	}
	return "memorize", out, nil
}

func translateReviewMemories(args map[string]json.RawMessage) (string, map[string]any, error) {
	action := stringField(args, "action")
	if action == "" {
		return "", nil, toolerr.E(toolerr.CodeInvalidArgs, "review_memories requires action")
	}
	out := map[string]any{"action": action}
	for _, field := range []string{"metaId", "resolution"} {
		if v, ok := args[field]; ok {
			out[field] = json.RawMessage(v)
		}
	}
	return "review", out, nil
}

// synthesizeText renders a JSON object as "k=v, ..." in the object's own
// key order (a decoder token walk, since Go maps shuffle keys), truncated
// at 500 characters with a "..." suffix.
func synthesizeText(prefix string, data json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", fmt.Errorf("expected a JSON object, got %v", tok)
	}
	var parts []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return "", err
		}
		key, _ := keyTok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return "", err
		}
		parts = append(parts, key+"="+stringifyRaw(value))
	}
	text := prefix + strings.Join(parts, ", ")
	if len(text) > synthesizedMaxLen {
		text = text[:synthesizedMaxLen] + "..."
	}
	return text, nil
}

// stringifyRaw renders a raw JSON value for the synthesized line: strings
// are unquoted, everything else keeps its compact JSON form.
func stringifyRaw(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

func stringField(args map[string]json.RawMessage, key string) string {
	raw, ok := args[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func firstString(args map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if s := stringField(args, k); s != "" {
			return s
		}
	}
	return ""
}
