package toolcall

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/basket/mnemo/internal/ingest"
	"github.com/basket/mnemo/internal/toolerr"
)

type memorizeArgs struct {
	Text       string            `json:"text"`
	Action     string            `json:"action"`
	Storage    string            `json:"storage"`
	Category   string            `json:"category"`
	Collection string            `json:"collection"`
	Data       json.RawMessage   `json:"data"`
	Metadata   map[string]string `json:"metadata"`
}

// handleMemorize routes one write onto the pipeline. Routing, in order:
// an explicit action or storage field wins; otherwise a data object or
// category selects the record path, and bare text becomes a memory in
// the default collection.
func (r *Router) handleMemorize(ctx context.Context, idemKey string, raw json.RawMessage) (Success, error) {
	var a memorizeArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return Success{}, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "decode memorize arguments")
	}
	if a.Text == "" {
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "memorize requires text")
	}

	if a.Action == "delete" {
		out, err := r.pipeline.DeleteMemories(ctx, idemKey, a.Collection, a.Text)
		return successOf(out, err)
	}

	target := a.Storage
	if target == "" {
		switch {
		case a.Category == "profile":
			target = "profile"
		case len(a.Data) > 0 || a.Category != "":
			target = "record"
		default:
			target = "memory"
		}
	}

	switch target {
	case "profile":
		fields, err := decodeFields(a.Data)
		if err != nil {
			return Success{}, err
		}
		out, perr := r.pipeline.UpdateProfile(ctx, idemKey, fields)
		return successOf(out, perr)

	case "record":
		category := a.Category
		if category == "" {
			category = "notes"
		}
		fields, err := decodeFields(a.Data)
		if err != nil {
			return Success{}, err
		}
		if len(fields) == 0 {
			fields = map[string]any{"text": a.Text}
		}
		out, perr := r.pipeline.InsertRecord(ctx, idemKey, category, fields, a.Text)
		return successOf(out, perr)

	case "memory":
		out, err := r.pipeline.SaveMemory(ctx, idemKey, a.Collection, a.Text, a.Metadata)
		return successOf(out, err)

	default:
		return Success{}, toolerr.E(toolerr.CodeInvalidArgs, "unknown storage %q", target)
	}
}

// decodeFields parses the data object keeping numbers as json.Number so
// synthesized summaries show "5", not "5.000000".
func decodeFields(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, toolerr.Wrap(toolerr.CodeInvalidArgs, err, "data must be a JSON object")
	}
	return fields, nil
}

func successOf(out ingest.Outcome, err error) (Success, error) {
	if err != nil {
		return Success{}, err
	}
	s := Success{Data: out.Data, Warnings: out.Warnings, cached: out.Cached}
	if out.Cached {
		s.Message = "replayed from idempotency ledger"
	}
	return s, nil
}
