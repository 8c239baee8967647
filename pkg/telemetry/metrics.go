package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/ruleflow/pkg/domain"
)

// Outcome classifies a single rule invocation.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRecordErrors Outcome = "record_errors"
	OutcomeFailed       Outcome = "failed"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	ruleExecutionCounter metric.Int64Counter
	ruleLatencyHistogram metric.Float64Histogram
	recordErrorCounter   metric.Int64Counter
	bypassCounter        metric.Int64Counter
)

// RuleMetrics captures the fields needed to record one rule invocation.
type RuleMetrics struct {
	EntityType   string
	Phase        domain.Phase
	RuleID       string
	Outcome      Outcome
	Duration     time.Duration
	RecordErrors int
}

// RecordRuleMetrics emits counters and histograms that describe rule execution behaviour.
func RecordRuleMetrics(ctx context.Context, metrics RuleMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("entity.type", metrics.EntityType),
		attribute.String("rule.phase", string(metrics.Phase)),
		attribute.String("rule.id", metrics.RuleID),
		attribute.String("rule.outcome", string(metrics.Outcome)),
	}

	ruleExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		ruleLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.RecordErrors > 0 {
		recordErrorCounter.Add(ctx, int64(metrics.RecordErrors), metric.WithAttributes(attrs[:3]...))
	}
}

// RecordBypass counts a dispatch that did not run because its entity was bypassed.
// Scope is "registry", "setting" or "permission".
func RecordBypass(ctx context.Context, entityType string, phase domain.Phase, scope string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	bypassCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity.type", entityType),
		attribute.String("rule.phase", string(phase)),
		attribute.String("bypass.scope", scope),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("ruleflow.dispatch")

		ruleExecutionCounter, metricsInitErr = meter.Int64Counter(
			"ruleflow.rule.executions_total",
			metric.WithDescription("Rule invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		ruleLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"ruleflow.rule.duration_ms",
			metric.WithDescription("Observed rule execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		recordErrorCounter, metricsInitErr = meter.Int64Counter(
			"ruleflow.record.errors_total",
			metric.WithDescription("Validation errors attached to records by rules"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		bypassCounter, metricsInitErr = meter.Int64Counter(
			"ruleflow.dispatch.bypassed_total",
			metric.WithDescription("Dispatches skipped because the entity was bypassed"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordValidationEvent attaches a record validation summary to the span without
// copying field values.
func RecordValidationEvent(span trace.Span, ruleID string, records int, errs int) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("ruleflow.validation", trace.WithAttributes(
		attribute.String("rule.id", ruleID),
		attribute.Int("record.count", records),
		attribute.Int("record.errors.count", errs),
	))
}
