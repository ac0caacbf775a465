// Package telemetry records what each turn did. A Recorder stamps and
// forwards the turn's event stream, the hub keeps a bounded ring of recent
// traces per session, and service-level counters feed the telemetry stream
// event's aggregate snapshot.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/session"
)

const (
	defaultTraceDepth = 8
	maxTraceEvents    = 128
)

// Telemetry aggregates turn outcomes across the service and retains the
// recent traces of every session. All methods are safe for concurrent use.
type Telemetry struct {
	store *traceStore

	mu  sync.Mutex
	agg aggregates
}

type aggregates struct {
	turns          int
	completed      int
	failed         int
	errorsByKind   map[string]int
	usage          session.Usage
	criticAccepted int
	criticRevised  int
	fallbacks      int
	reformulations int
	webSearches    int
	turnMillis     float64
}

// Option configures the telemetry hub.
type Option func(*Telemetry)

// WithTraceDepth sets how many finished turns are retained per session.
func WithTraceDepth(depth int) Option {
	return func(t *Telemetry) { t.store = newTraceStore(depth) }
}

// New creates an empty telemetry hub.
func New(opts ...Option) *Telemetry {
	t := &Telemetry{store: newTraceStore(defaultTraceDepth)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start opens the recorder for one turn and the span that covers it. The
// returned context carries the turn span and must be used for the turn's
// work. Every event the turn produces goes through the recorder, which
// stamps it with {sessionId, turn, timestamp} and hands it to forward when
// forward is set.
func (t *Telemetry) Start(ctx context.Context, sessionID string, turn int, mode session.Mode, question string, forward func(session.Event)) (context.Context, *Recorder) {
	tracer := observability.GetTracer("anchora.telemetry")
	ctx, span := tracer.Start(ctx, observability.SpanTurn,
		trace.WithAttributes(
			attribute.String(observability.AttrSessionID, sessionID),
			attribute.Int(observability.AttrSessionTurn, turn),
			attribute.String(observability.AttrSessionMode, string(mode)),
		),
	)

	r := &Recorder{
		telemetry: t,
		forward:   forward,
		span:      span,
		// Metric export must survive the turn's own cancellation.
		metricCtx: context.WithoutCancel(ctx),
		trace: Trace{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Turn:      turn,
			Mode:      mode,
			Question:  question,
			StartedAt: time.Now(),
		},
	}
	return ctx, r
}

// Aggregates returns a point-in-time copy of the service counters.
func (t *Telemetry) Aggregates() session.AggregateSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := session.AggregateSnapshot{
		Turns:          t.agg.turns,
		Completed:      t.agg.completed,
		Failed:         t.agg.failed,
		Usage:          t.agg.usage,
		CriticAccepted: t.agg.criticAccepted,
		CriticRevised:  t.agg.criticRevised,
		Fallbacks:      t.agg.fallbacks,
		Reformulations: t.agg.reformulations,
		WebSearches:    t.agg.webSearches,
	}
	if len(t.agg.errorsByKind) > 0 {
		snap.ErrorsByKind = make(map[string]int, len(t.agg.errorsByKind))
		for kind, n := range t.agg.errorsByKind {
			snap.ErrorsByKind[kind] = n
		}
	}
	if t.agg.turns > 0 {
		snap.AvgTurnMillis = t.agg.turnMillis / float64(t.agg.turns)
	}
	return snap
}

// Recent returns the retained traces of a session, oldest first.
func (t *Telemetry) Recent(sessionID string) []Trace {
	return t.store.recent(sessionID)
}

// Forget drops the retained traces of a session. Counters are unaffected.
func (t *Telemetry) Forget(sessionID string) {
	t.store.forget(sessionID)
}

// Sessions reports how many sessions currently hold traces.
func (t *Telemetry) Sessions() int {
	return t.store.len()
}

// Sweep evicts sessions whose last turn finished longer than maxIdle ago
// and reports how many were dropped.
func (t *Telemetry) Sweep(maxIdle time.Duration) int {
	return t.store.sweep(maxIdle)
}

func (t *Telemetry) recordCompleted(resp *session.Response, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.agg.turns++
	t.agg.completed++
	t.agg.turnMillis += float64(elapsed) / float64(time.Millisecond)
	if resp == nil {
		return
	}
	t.agg.usage.Add(resp.Usage)
	for _, report := range resp.Critic {
		switch report.Action {
		case session.CriticAccept:
			t.agg.criticAccepted++
		case session.CriticRevise:
			t.agg.criticRevised++
		}
	}
	if ret := resp.Diagnostics.Retrieval; ret != nil && ret.FallbackReason != "" {
		t.agg.fallbacks++
	}
	t.agg.reformulations += len(resp.Diagnostics.Reformulations)
	if resp.Diagnostics.WebFilter != nil || len(resp.WebResults) > 0 {
		t.agg.webSearches++
	}
}

func (t *Telemetry) recordFailed(kind session.ErrorKind, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.agg.turns++
	t.agg.failed++
	t.agg.turnMillis += float64(elapsed) / float64(time.Millisecond)
	if t.agg.errorsByKind == nil {
		t.agg.errorsByKind = make(map[string]int)
	}
	t.agg.errorsByKind[string(kind)]++
}

// Recorder captures the events and outcome of a single turn. Emit may be
// called from any goroutine. Complete and Fail are terminal; the first call
// wins and later terminal calls are ignored.
type Recorder struct {
	telemetry *Telemetry
	forward   func(session.Event)
	span      trace.Span
	metricCtx context.Context

	mu       sync.Mutex
	finished bool
	trace    Trace
}

// SessionID returns the session this recorder is bound to.
func (r *Recorder) SessionID() string { return r.trace.SessionID }

// Turn returns the turn number events are stamped with.
func (r *Recorder) Turn() int { return r.trace.Turn }

// Emit stamps an event with the turn's identity, retains it on the trace,
// and forwards it. Token events are forwarded but never retained; the final
// answer already carries their content.
func (r *Recorder) Emit(event session.Event) {
	event = event.Stamp(r.trace.SessionID, r.trace.Turn)

	if event.Type != session.EventToken {
		r.mu.Lock()
		if !r.finished && len(r.trace.Events) < maxTraceEvents {
			r.trace.Events = append(r.trace.Events, event)
		}
		r.mu.Unlock()
	}

	if r.forward != nil {
		r.forward(event)
	}
}

// Complete closes the turn as succeeded: the counters absorb the response,
// the trace is stored, and the turn span ends clean.
func (r *Recorder) Complete(resp *session.Response) {
	tr, ok := r.finish(TraceCompleted)
	if !ok {
		return
	}
	if resp != nil {
		tr.Usage = resp.Usage
	}
	elapsed := tr.EndedAt.Sub(tr.StartedAt)

	r.telemetry.recordCompleted(resp, elapsed)
	r.telemetry.store.add(tr)

	r.span.SetAttributes(
		attribute.Int(observability.AttrTokensInput, tr.Usage.PromptTokens),
		attribute.Int(observability.AttrTokensOutput, tr.Usage.CompletionTokens),
	)
	r.span.SetStatus(codes.Ok, "")
	r.span.End()

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordTurn(r.metricCtx, string(tr.Mode), elapsed, "")
	}
}

// Fail closes the turn as failed under the classified error kind.
func (r *Recorder) Fail(err error) {
	tr, ok := r.finish(TraceFailed)
	if !ok {
		return
	}
	kind := session.Classify(err)
	tr.ErrorKind = kind
	if err != nil {
		tr.Error = err.Error()
	}
	elapsed := tr.EndedAt.Sub(tr.StartedAt)

	r.telemetry.recordFailed(kind, elapsed)
	r.telemetry.store.add(tr)

	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, string(kind))
	r.span.End()

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordTurn(r.metricCtx, string(tr.Mode), elapsed, string(kind))
	}
}

// finish flips the recorder terminal exactly once and returns the trace to
// store. A second terminal call reports ok=false and changes nothing.
func (r *Recorder) finish(status TraceStatus) (Trace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return Trace{}, false
	}
	r.finished = true
	r.trace.Status = status
	r.trace.EndedAt = time.Now()
	return r.trace, true
}
