package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics   Metrics = NoopMetrics{}
	globalMetricsMu sync.RWMutex
)

// Metrics records the pipeline's operational counters. Implementations must
// be safe for concurrent use. errKind is empty on success.
type Metrics interface {
	RecordTurn(ctx context.Context, mode string, duration time.Duration, errKind string)
	RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordRetrieval(ctx context.Context, stage string, duration time.Duration, docs int, fallback bool)
	RecordWebFilter(ctx context.Context, kept, removed int)
	RecordCriticPass(ctx context.Context, action string)
	RecordMemoryRecall(ctx context.Context, backend string, duration time.Duration, hits int)
	Handler() http.Handler
}

// PrometheusMetrics implements Metrics over OTel instruments bridged to a
// dedicated Prometheus registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	turnDuration       metric.Float64Histogram
	turns              metric.Int64Counter
	turnErrors         metric.Int64Counter
	llmDuration        metric.Float64Histogram
	llmInputTokens     metric.Int64Counter
	llmOutputTokens    metric.Int64Counter
	llmErrors          metric.Int64Counter
	retrievalDuration  metric.Float64Histogram
	retrievalDocs      metric.Int64Counter
	retrievalFallbacks metric.Int64Counter
	webResults         metric.Int64Counter
	criticPasses       metric.Int64Counter
	memoryRecalls      metric.Float64Histogram
}

func (m *PrometheusMetrics) RecordTurn(ctx context.Context, mode string, duration time.Duration, errKind string) {
	attrs := metric.WithAttributes(attribute.String(AttrSessionMode, mode))
	m.turns.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, duration.Seconds(), attrs)
	if errKind != "" {
		m.turnErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String(AttrSessionMode, mode),
			attribute.String(AttrErrorKind, errKind),
		))
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	attrs := metric.WithAttributes(
		attribute.String(AttrLLMProvider, provider),
		attribute.String(AttrLLMModel, model),
	)
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordRetrieval(ctx context.Context, stage string, duration time.Duration, docs int, fallback bool) {
	attrs := metric.WithAttributes(attribute.String(AttrRetrievalStage, stage))
	m.retrievalDuration.Record(ctx, duration.Seconds(), attrs)
	m.retrievalDocs.Add(ctx, int64(docs), attrs)
	if fallback {
		m.retrievalFallbacks.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordWebFilter(ctx context.Context, kept, removed int) {
	m.webResults.Add(ctx, int64(kept), metric.WithAttributes(attribute.String("outcome", "kept")))
	m.webResults.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("outcome", "removed")))
}

func (m *PrometheusMetrics) RecordCriticPass(ctx context.Context, action string) {
	m.criticPasses.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *PrometheusMetrics) RecordMemoryRecall(ctx context.Context, backend string, duration time.Duration, hits int) {
	m.memoryRecalls.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(AttrMemoryBackend, backend),
		attribute.Int(AttrRetrievalDocs, hits),
	))
}

// Shutdown flushes the meter provider.
func (m *PrometheusMetrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// SetGlobalMetrics installs the process-wide metrics recorder.
func SetGlobalMetrics(m Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics recorder.
func GetGlobalMetrics() Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	return globalMetrics
}
