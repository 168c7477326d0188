package toolcall

import (
	"encoding/json"

	"github.com/basket/mnemo/internal/toolerr"
)

// Invocation is one tool call after legacy translation: the canonical
// tool name, its arguments, and the idempotency key (if any) already
// stripped out of the argument document so it never affects the
// request fingerprint.
type Invocation struct {
	Tool           string
	Args           json.RawMessage
	IdempotencyKey string
}

const idempotencyKeyField = "idempotencyKey"

// NewInvocation builds an Invocation from a raw call. Legacy names are
// translated first; the idempotencyKey argument, when present, is
// lifted out of the document. A key supplied out of band (the REST
// header) wins over one embedded in the arguments.
func NewInvocation(name string, args json.RawMessage, headerKey string) (Invocation, error) {
	// The key comes out before translation: translators only carry the
	// fields they know about.
	args, embedded, err := extractKey(args)
	if err != nil {
		return Invocation{}, err
	}
	tool := name
	if IsLegacy(name) {
		tool, args, err = Translate(name, args)
		if err != nil {
			return Invocation{}, err
		}
	}
	key := headerKey
	if key == "" {
		key = embedded
	}
	return Invocation{Tool: tool, Args: args, IdempotencyKey: key}, nil
}

func extractKey(args json.RawMessage) (json.RawMessage, string, error) {
	if len(args) == 0 {
		return json.RawMessage("{}"), "", nil
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(args, &fields); err != nil {
		return nil, "", toolerr.Wrap(toolerr.CodeInvalidArgs, err, "arguments must be a JSON object")
	}
	raw, ok := fields[idempotencyKeyField]
	if !ok {
		return args, "", nil
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, "", toolerr.E(toolerr.CodeInvalidArgs, "idempotencyKey must be a string")
	}
	delete(fields, idempotencyKeyField)
	stripped, err := json.Marshal(fields)
	if err != nil {
		return nil, "", toolerr.Wrap(toolerr.CodeInternal, err, "re-encode arguments")
	}
	return stripped, key, nil
}
