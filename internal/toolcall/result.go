// Package toolcall is the tool protocol surface: the ToolResult sum type
// and wire envelope, legacy-name translation, argument schemas, and the
// router dispatching recall, memorize, and review onto the read and
// write pipelines.
package toolcall

import (
	"encoding/json"
	"fmt"

	"github.com/basket/mnemo/internal/toolerr"
)

// Result is the outcome of one tool call: exactly one of Success or
// Failure. Callers switch on the concrete type; there is no error-shaped
// escape hatch.
type Result interface {
	Envelope() Envelope
	isResult()
}

// Success carries the operation's response document plus non-fatal
// warnings ("degraded but successful").
type Success struct {
	Data     any
	Message  string
	Warnings []string

	// cached marks a response replayed from the idempotency ledger; the
	// router counts these, the wire shape is unchanged.
	cached bool
}

// Cached reports whether this result was replayed from the ledger.
func (s Success) Cached() bool { return s.cached }

// Failure carries a stable machine-readable code, a human-readable
// message, and whether a retry can help.
type Failure struct {
	Code      toolerr.Code
	Message   string
	Retryable bool
}

func (Success) isResult() {}
func (Failure) isResult() {}

// Envelope is the wire shape shared by both transports.
type Envelope struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Envelope renders a success as one text block holding the JSON document,
// with warnings folded in under _meta.
func (s Success) Envelope() Envelope {
	doc := map[string]any{}
	if s.Data != nil {
		raw, ok := s.Data.(json.RawMessage)
		if !ok {
			b, err := json.Marshal(s.Data)
			if err != nil {
				b = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", s.Data)))
			}
			raw = b
		}
		// Non-object documents (arrays, scalars) are wrapped under "data"
		// so _meta always has a place to live.
		if err := json.Unmarshal(raw, &doc); err != nil {
			var v any
			if err := json.Unmarshal(raw, &v); err == nil {
				doc = map[string]any{"data": v}
			} else {
				doc = map[string]any{"data": string(raw)}
			}
		}
	}
	if s.Message != "" {
		doc["message"] = s.Message
	}
	if len(s.Warnings) > 0 {
		doc["_meta"] = map[string]any{"warnings": s.Warnings}
	}
	text, err := json.Marshal(doc)
	if err != nil {
		text = []byte(`{}`)
	}
	return Envelope{Content: []ContentBlock{{Type: "text", Text: string(text)}}}
}

func (f Failure) Envelope() Envelope {
	return Envelope{
		Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("%s: %s", f.Code, f.Message)}},
		IsError: true,
	}
}

// failureOf maps a pipeline error onto the Failure variant.
func failureOf(err error) Failure {
	te := toolerr.From(err)
	return Failure{Code: te.Code, Message: te.Message, Retryable: te.Retryable}
}
