package toolcall

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool schemas are deliberately permissive at this layer: they pin the
// shape of each argument (types, enums) and leave conditionally-required
// fields to the mode handlers, which produce far better error messages
// than a compiled anyOf tree would.
const recallSchema = `{
  "type": "object",
  "properties": {
    "mode": {"type": "string", "enum": ["context", "knowledge", "memory", "graph", "table"]},
    "topic": {"type": "string"},
    "budget": {"type": "integer", "minimum": 1},
    "memory": {
      "type": "object",
      "properties": {
        "query": {"type": "string"},
        "collection": {"type": "string"},
        "minSimilarity": {"type": "number"},
        "limit": {"type": "integer", "minimum": 1}
      }
    },
    "graph": {
      "type": "object",
      "properties": {
        "queryType": {"type": "string", "enum": ["neighbors", "find", "top"]},
        "entity": {"type": "string"},
        "entityId": {"type": "string"},
        "relation": {"type": "string"},
        "maxHops": {"type": "integer", "minimum": 1},
        "pattern": {"type": "string"}
      }
    },
    "table": {
      "type": ["object", "string"],
      "properties": {
        "name": {"type": "string"},
        "table": {"type": "string"},
        "filters": {"type": "object"},
        "sql": {"type": "string"},
        "limit": {"type": "integer", "minimum": 1},
        "offset": {"type": "integer", "minimum": 0}
      }
    },
    "tableName": {"type": "string"},
    "filters": {"type": "object"},
    "sql": {"type": "string"},
    "limit": {"type": "integer", "minimum": 1},
    "offset": {"type": "integer", "minimum": 0}
  }
}`

const memorizeSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": {"type": "string", "minLength": 1},
    "action": {"type": "string", "enum": ["save", "delete"]},
    "storage": {"type": "string", "enum": ["record", "memory", "profile"]},
    "category": {"type": "string"},
    "collection": {"type": "string"},
    "data": {"type": "object"},
    "metadata": {"type": "object"}
  }
}`

const reviewSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": ["list", "resolve"]},
    "metaId": {"type": "string"},
    "resolution": {"type": "string", "enum": ["confirm", "reject", "keep_both"]}
  }
}`

// compileSchemas builds the per-tool validators once at router
// construction. The sources are compile-time constants, so failure here
// is a programming error surfaced at startup.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	sources := map[string]string{
		"recall":   recallSchema,
		"memorize": memorizeSchema,
		"review":   reviewSchema,
	}
	compiled := make(map[string]*jsonschema.Schema, len(sources))
	for name, src := range sources {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which
		// the validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", name, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		compiled[name] = schema
	}
	return compiled, nil
}
