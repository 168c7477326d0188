package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/basket/mnemo/internal/bus"
	"github.com/basket/mnemo/internal/consent"
	"github.com/basket/mnemo/internal/fusion"
	"github.com/basket/mnemo/internal/ingest"
	otelx "github.com/basket/mnemo/internal/otel"
	"github.com/basket/mnemo/internal/shared"
	"github.com/basket/mnemo/internal/storage"
	"github.com/basket/mnemo/internal/toolerr"
	"github.com/basket/mnemo/internal/vector"
)

// Router validates and dispatches tool invocations onto the read and
// write pipelines. It is the single choke point for tool metrics and
// tool lifecycle events.
type Router struct {
	fusion   *fusion.Engine
	pipeline *ingest.Pipeline
	consent  *consent.Engine
	store    *storage.Store
	index    *vector.Index
	metrics  *otelx.Metrics
	events   *bus.Bus
	schemas  map[string]*jsonschema.Schema
	logger   *slog.Logger
}

func NewRouter(
	fusionEngine *fusion.Engine,
	pipeline *ingest.Pipeline,
	consentEngine *consent.Engine,
	store *storage.Store,
	index *vector.Index,
	metrics *otelx.Metrics,
	events *bus.Bus,
	logger *slog.Logger,
) (*Router, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics, err = otelx.NewMetrics(noop.NewMeterProvider().Meter("mnemo"))
		if err != nil {
			return nil, err
		}
	}
	return &Router{
		fusion:   fusionEngine,
		pipeline: pipeline,
		consent:  consentEngine,
		store:    store,
		index:    index,
		metrics:  metrics,
		events:   events,
		schemas:  schemas,
		logger:   logger,
	}, nil
}

// Dispatch runs one invocation end to end. It never returns an error:
// every outcome is a Result, failures included.
func (r *Router) Dispatch(ctx context.Context, inv Invocation) Result {
	start := time.Now()
	res := r.dispatch(ctx, inv)
	r.observe(ctx, inv, res, time.Since(start))
	return res
}

func (r *Router) dispatch(ctx context.Context, inv Invocation) Result {
	schema, ok := r.schemas[inv.Tool]
	if !ok {
		return Failure{Code: toolerr.CodeInvalidArgs, Message: "unknown tool " + inv.Tool}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(inv.Args))
	if err != nil {
		return Failure{Code: toolerr.CodeInvalidArgs, Message: "arguments are not valid JSON: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return Failure{Code: toolerr.CodeInvalidArgs, Message: err.Error()}
	}

	var (
		success Success
		callErr error
	)
	switch inv.Tool {
	case "recall":
		success, callErr = r.handleRecall(ctx, inv.Args)
	case "memorize":
		success, callErr = r.handleMemorize(ctx, inv.IdempotencyKey, inv.Args)
	case "review":
		success, callErr = r.handleReview(ctx, inv.Args)
	}
	if callErr != nil {
		return failureOf(callErr)
	}
	return success
}

func (r *Router) observe(ctx context.Context, inv Invocation, res Result, elapsed time.Duration) {
	id, _ := shared.IdentityFrom(ctx)
	toolAttr := metric.WithAttributes(attribute.String("tool", inv.Tool))
	r.metrics.ToolCallDuration.Record(ctx, elapsed.Seconds(), toolAttr)

	switch v := res.(type) {
	case Success:
		if v.Cached() {
			r.metrics.IdempotencyCacheHits.Add(ctx, 1, toolAttr)
		}
		if len(v.Warnings) > 0 {
			r.metrics.FusionWarnings.Add(ctx, int64(len(v.Warnings)), toolAttr)
		}
		r.events.Publish(bus.TopicToolCalled, bus.ToolCalledEvent{
			TenantID: id.TenantID, AgentID: id.AgentID, Tool: inv.Tool, Cached: v.Cached(),
		})
	case Failure:
		r.metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", inv.Tool),
			attribute.String("code", string(v.Code)),
		))
		switch v.Code {
		case toolerr.CodeConsentDenied:
			r.metrics.ConsentDenials.Add(ctx, 1, toolAttr)
		case toolerr.CodeHashMismatch:
			r.metrics.IdempotencyConflicts.Add(ctx, 1, toolAttr)
		}
		r.events.Publish(bus.TopicToolFailed, bus.ToolFailedEvent{
			TenantID: id.TenantID, AgentID: id.AgentID, Tool: inv.Tool, Code: string(v.Code),
		})
		r.logger.Warn("tool call failed",
			"tool", inv.Tool,
			"code", v.Code,
			"retryable", v.Retryable,
			"trace_id", shared.TraceID(ctx),
		)
	}
}

// Definition describes one tool for tools/list.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Definitions lists the canonical tool surface. Legacy names resolve at
// dispatch time but are not advertised.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        "recall",
			Description: "Read from the memory service: a fused context snapshot, a federated knowledge search, or a direct memory, graph, or table query.",
			InputSchema: json.RawMessage(recallSchema),
		},
		{
			Name:        "memorize",
			Description: "Write to the memory service: save a memory or structured record, update the profile, or delete memories matching a text.",
			InputSchema: json.RawMessage(memorizeSchema),
		},
		{
			Name:        "review",
			Description: "List pending memory contradictions and resolve them by confirming, rejecting, or keeping both.",
			InputSchema: json.RawMessage(reviewSchema),
		},
	}
}
