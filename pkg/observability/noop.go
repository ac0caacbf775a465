package observability

import (
	"context"
	"net/http"
	"time"
)

// NoopMetrics discards every record. Used when metrics are disabled and in
// tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordTurn(_ context.Context, _ string, _ time.Duration, _ string) {}
func (NoopMetrics) RecordLLMCall(_ context.Context, _, _ string, _ time.Duration, _, _ int, _ error) {
}
func (NoopMetrics) RecordRetrieval(_ context.Context, _ string, _ time.Duration, _ int, _ bool) {}
func (NoopMetrics) RecordWebFilter(_ context.Context, _, _ int)                                 {}
func (NoopMetrics) RecordCriticPass(_ context.Context, _ string)                                {}
func (NoopMetrics) RecordMemoryRecall(_ context.Context, _ string, _ time.Duration, _ int)      {}

func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
}

// NoopManager returns a manager with tracing and metrics disabled.
func NoopManager() *Manager {
	m := NewManager(Config{})
	_ = m.Initialize(context.Background())
	return m
}
