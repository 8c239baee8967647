package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/ruleflow/pkg/domain"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordRuleMetrics(t *testing.T) {
	reader := installReader(t)

	RecordRuleMetrics(context.Background(), RuleMetrics{
		EntityType:   "Opportunity",
		Phase:        domain.BeforeInsert,
		RuleID:       "ta_Opportunity_StageInsertRules",
		Outcome:      OutcomeRecordErrors,
		Duration:     15 * time.Millisecond,
		RecordErrors: 2,
	})

	metrics := collect(t, reader)

	exec, ok := metrics["ruleflow.rule.executions_total"]
	require.True(t, ok, "missing executions metric")
	execData, ok := exec.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, execData.DataPoints, 1)
	assert.Equal(t, int64(1), execData.DataPoints[0].Value)
	value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("rule.outcome"))
	require.True(t, ok)
	assert.Equal(t, "record_errors", value.AsString())

	errs := metrics["ruleflow.record.errors_total"].Data.(metricdata.Sum[int64])
	require.Len(t, errs.DataPoints, 1)
	assert.Equal(t, int64(2), errs.DataPoints[0].Value)

	latency, ok := metrics["ruleflow.rule.duration_ms"]
	require.True(t, ok, "missing latency metric")
	hist := latency.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestRecordBypass(t *testing.T) {
	reader := installReader(t)

	RecordBypass(context.Background(), "Opportunity", domain.AfterUpdate, "registry")
	RecordBypass(context.Background(), "Opportunity", domain.AfterUpdate, "registry")

	data := collect(t, reader)["ruleflow.dispatch.bypassed_total"].Data.(metricdata.Sum[int64])
	require.Len(t, data.DataPoints, 1)
	assert.Equal(t, int64(2), data.DataPoints[0].Value)
}

func TestRecordValidationEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := provider.Tracer("test").Start(context.Background(), "rule")

	RecordValidationEvent(span, "ta_Opportunity_StageInsertRules", 3, 1)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "ruleflow.validation", spans[0].Events()[0].Name)

	RecordValidationEvent(nil, "x", 1, 1)
}

func TestPrometheusMiddlewareLabelsByRoute(t *testing.T) {
	m := NewMetrics()
	router := mux.NewRouter()
	router.Use(m.MetricsMiddleware)
	router.HandleFunc("/v1/bypass/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.Handle("/metrics", m.Handler())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/v1/bypass/Opportunity", nil))
	m.RecordDispatch("Opportunity", "before_insert", "ok")
	m.RecordCatalogReload("success", 4)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `ruleflow_http_requests_total{endpoint="/v1/bypass/{id}",method="PUT",status_code="204"} 1`), body)
	assert.True(t, strings.Contains(body, `ruleflow_dispatches_total{entity="Opportunity",phase="before_insert",result="ok"} 1`))
	assert.True(t, strings.Contains(body, "ruleflow_catalog_bindings 4"))
}
