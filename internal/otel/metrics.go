package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all mnemod metric instruments.
type Metrics struct {
	ToolCallDuration     metric.Float64Histogram
	ToolCallErrors       metric.Int64Counter
	ConsentDenials       metric.Int64Counter
	IdempotencyCacheHits metric.Int64Counter
	IdempotencyConflicts metric.Int64Counter
	LedgerSweptRows      metric.Int64Counter
	FusionWarnings       metric.Int64Counter
	EffectFailures       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ToolCallDuration, err = meter.Float64Histogram("mnemo.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("mnemo.tool.errors",
		metric.WithDescription("Tool call failures by code"),
	)
	if err != nil {
		return nil, err
	}

	m.ConsentDenials, err = meter.Int64Counter("mnemo.consent.denials",
		metric.WithDescription("Authorization denials"),
	)
	if err != nil {
		return nil, err
	}

	m.IdempotencyCacheHits, err = meter.Int64Counter("mnemo.idempotency.cache_hits",
		metric.WithDescription("Idempotent calls answered from the ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.IdempotencyConflicts, err = meter.Int64Counter("mnemo.idempotency.conflicts",
		metric.WithDescription("Reservation conflicts observed on insert"),
	)
	if err != nil {
		return nil, err
	}

	m.LedgerSweptRows, err = meter.Int64Counter("mnemo.idempotency.swept_rows",
		metric.WithDescription("Ledger rows removed by the retention sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.FusionWarnings, err = meter.Int64Counter("mnemo.fusion.warnings",
		metric.WithDescription("Degraded sections in context snapshots"),
	)
	if err != nil {
		return nil, err
	}

	m.EffectFailures, err = meter.Int64Counter("mnemo.effects.failures",
		metric.WithDescription("Best-effort side effects that failed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
