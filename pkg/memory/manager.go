// Package memory holds what the answering pipeline knows between turns.
//
// Two layers with different lifetimes:
//
//   - Short-term: per-session summary bullets and salience notes, kept in
//     process by Store and aged out by turn count.
//   - Long-term: durable facts recalled by semantic similarity from one of
//     the LongTerm backends (chromem, qdrant, pinecone, sql).
//
// Manager fronts the long-term layer for the pipeline: recall is
// best-effort and never fails a turn, writes enforce the soft cap by
// pruning stale low-usage records.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/session"
)

// Embedder is the slice of the embedding client the memory layer needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Manager fronts a long-term backend with embedding, recall metrics, and
// soft-cap pruning.
type Manager struct {
	longterm LongTerm
	embedder Embedder
	softCap  int
}

// NewManager builds a manager. A nil backend disables long-term memory.
func NewManager(longterm LongTerm, embedder Embedder, softCap int) *Manager {
	if longterm == nil {
		longterm = NilLongTerm{}
	}
	return &Manager{
		longterm: longterm,
		embedder: embedder,
		softCap:  softCap,
	}
}

// Enabled reports whether long-term memory is usable.
func (m *Manager) Enabled() bool {
	if m == nil || m.embedder == nil {
		return false
	}
	_, disabled := m.longterm.(NilLongTerm)
	return !disabled
}

// Recall returns memories relevant to the question. Recall is best-effort:
// any failure logs a warning and returns an empty set, never an error, so a
// broken memory backend cannot fail a turn.
//
// Scope follows identity: when the user is known, recall spans all their
// sessions; otherwise it narrows to the current session.
func (m *Manager) Recall(ctx context.Context, question string, f config.FeatureSet, sessionID, userID string) []session.LongTermMemory {
	if !m.Enabled() || question == "" {
		return nil
	}

	tracer := observability.GetTracer("anchora.memory")
	ctx, span := tracer.Start(ctx, observability.SpanRecall, trace.WithAttributes(
		attribute.String(observability.AttrMemoryBackend, m.longterm.Name()),
	))
	defer span.End()

	vector, err := m.embedder.Embed(ctx, question)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("failed to embed recall query, continuing without memories",
			"session_id", sessionID, "error", err)
		return nil
	}

	q := RecallQuery{
		Vector:        vector,
		K:             f.MemoryRecallK,
		MinSimilarity: f.MemoryMinSimilarity,
	}
	if userID != "" {
		q.UserID = userID
	} else {
		q.SessionID = sessionID
	}

	start := time.Now()
	hits, err := m.longterm.Recall(ctx, q)
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordMemoryRecall(ctx, m.longterm.Name(), time.Since(start), len(hits))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("long-term recall failed, continuing without memories",
			"session_id", sessionID, "backend", m.longterm.Name(), "error", err)
		return nil
	}

	span.SetStatus(codes.Ok, "")
	return hits
}

// Remember embeds and stores one memory, then prunes if the store has grown
// past the soft cap.
func (m *Manager) Remember(ctx context.Context, text string, typ session.MemoryType, tags []string, f config.FeatureSet, sessionID, userID string) (string, error) {
	if !m.Enabled() {
		return "", session.NewError(session.KindConfig, "no long-term memory backend configured")
	}

	tracer := observability.GetTracer("anchora.memory")
	ctx, span := tracer.Start(ctx, observability.SpanMemoryWrite, trace.WithAttributes(
		attribute.String(observability.AttrMemoryBackend, m.longterm.Name()),
	))
	defer span.End()

	vector, err := m.embedder.Embed(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("embedding memory text: %w", err)
	}

	id, err := m.longterm.Add(ctx, session.LongTermMemory{
		Text:      text,
		Type:      typ,
		Embedding: vector,
		Tags:      tags,
		SessionID: sessionID,
		UserID:    userID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	m.maybePrune(ctx, f)
	span.SetStatus(codes.Ok, "")
	return id, nil
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.longterm.Close()
}

// maybePrune drops stale low-usage records once the store exceeds the soft
// cap. Prune failures only log; the write that triggered them succeeded.
func (m *Manager) maybePrune(ctx context.Context, f config.FeatureSet) {
	if m.softCap <= 0 {
		return
	}

	stats, err := m.longterm.Stats(ctx)
	if err != nil {
		slog.Warn("failed to read memory stats", "backend", m.longterm.Name(), "error", err)
		return
	}
	if stats.Records <= m.softCap {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -f.MemoryMaxAgeDays)
	pruned, err := m.longterm.Prune(ctx, cutoff, f.MemoryMinUsage)
	if err != nil {
		slog.Warn("failed to prune memories", "backend", m.longterm.Name(), "error", err)
		return
	}
	if pruned > 0 {
		slog.Info("pruned stale memories",
			"backend", m.longterm.Name(), "pruned", pruned, "records", stats.Records, "soft_cap", m.softCap)
	}
}
