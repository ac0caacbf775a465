package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig controls the Prometheus-bridged meter provider.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// InitMetrics builds the meter provider and the instrument set. Disabled
// metrics return a no-op recorder so call sites never branch.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (Metrics, error) {
	if !cfg.Enabled {
		return NoopMetrics{}, nil
	}

	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter(DefaultServiceName)

	turnDuration, err := meter.Float64Histogram(
		"anchora_turn_duration_seconds",
		metric.WithDescription("Session turn duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}

	turns, err := meter.Int64Counter(
		"anchora_turns_total",
		metric.WithDescription("Total session turns"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}

	turnErrors, err := meter.Int64Counter(
		"anchora_turn_errors_total",
		metric.WithDescription("Total failed turns by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"anchora_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"anchora_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"anchora_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"anchora_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	retrievalDuration, err := meter.Float64Histogram(
		"anchora_retrieval_duration_seconds",
		metric.WithDescription("Retrieval attempt duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval duration histogram: %w", err)
	}

	retrievalDocs, err := meter.Int64Counter(
		"anchora_retrieval_docs_total",
		metric.WithDescription("Total documents returned by retrieval"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval docs counter: %w", err)
	}

	retrievalFallbacks, err := meter.Int64Counter(
		"anchora_retrieval_fallbacks_total",
		metric.WithDescription("Total retrieval fallback stage activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval fallbacks counter: %w", err)
	}

	webResults, err := meter.Int64Counter(
		"anchora_web_results_total",
		metric.WithDescription("Web results by quality filter outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create web results counter: %w", err)
	}

	criticPasses, err := meter.Int64Counter(
		"anchora_critic_passes_total",
		metric.WithDescription("Critic passes by action"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create critic passes counter: %w", err)
	}

	memoryRecalls, err := meter.Float64Histogram(
		"anchora_memory_recall_duration_seconds",
		metric.WithDescription("Long-term memory recall duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory recall histogram: %w", err)
	}

	return &PrometheusMetrics{
		registry:           registry,
		provider:           meterProvider,
		turnDuration:       turnDuration,
		turns:              turns,
		turnErrors:         turnErrors,
		llmDuration:        llmDuration,
		llmInputTokens:     llmInputTokens,
		llmOutputTokens:    llmOutputTokens,
		llmErrors:          llmErrors,
		retrievalDuration:  retrievalDuration,
		retrievalDocs:      retrievalDocs,
		retrievalFallbacks: retrievalFallbacks,
		webResults:         webResults,
		criticPasses:       criticPasses,
		memoryRecalls:      memoryRecalls,
	}, nil
}

// Handler serves the Prometheus scrape endpoint for this metric set.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
