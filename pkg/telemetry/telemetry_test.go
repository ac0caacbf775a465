package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/anchora/pkg/session"
)

// eventSink collects forwarded events from any goroutine.
type eventSink struct {
	mu     sync.Mutex
	events []session.Event
}

func (s *eventSink) forward(ev session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []session.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestRecorder_CompletedTurn(t *testing.T) {
	hub := New()
	sink := &eventSink{}

	ctx, rec := hub.Start(context.Background(), "sess-1", 3, session.ModeSync, "what is the leave policy", sink.forward)
	require.NotNil(t, ctx)
	assert.Equal(t, "sess-1", rec.SessionID())
	assert.Equal(t, 3, rec.Turn())

	rec.Emit(session.NewStatusEvent(session.StageRetrieving))
	rec.Emit(session.NewTokenEvent("Employees"))
	rec.Emit(session.NewTokenEvent(" accrue"))

	resp := &session.Response{
		Answer: "Employees accrue 25 days per year [1].",
		Usage:  session.Usage{PromptTokens: 120, CompletionTokens: 40, TotalTokens: 160},
		Critic: []session.CriticReport{
			{Grounded: false, Action: session.CriticRevise},
			{Grounded: true, Action: session.CriticAccept},
		},
		Diagnostics: session.Diagnostics{
			Retrieval: &session.RetrievalDiagnostics{
				Attempted:      true,
				Succeeded:      true,
				FallbackReason: "hybrid_primary returned 1 documents, needed 3",
			},
			Reformulations: []session.ReformulationRecord{
				{OriginalQuery: "leave policy", NewQuery: "annual leave allowance", Reason: "no documents were retrieved"},
			},
			WebFilter: &session.WebFilterDiagnostics{Evaluated: 5, Kept: 2, Removed: 3},
		},
	}
	rec.Complete(resp)

	t.Run("forwarded events are stamped", func(t *testing.T) {
		events := sink.all()
		require.Len(t, events, 3)
		for _, ev := range events {
			assert.Equal(t, "sess-1", ev.SessionID)
			assert.Equal(t, 3, ev.Turn)
			assert.False(t, ev.Timestamp.IsZero())
		}
		assert.Equal(t, session.EventStatus, events[0].Type)
		assert.Equal(t, session.EventToken, events[1].Type)
	})

	t.Run("trace retains the turn without token events", func(t *testing.T) {
		traces := hub.Recent("sess-1")
		require.Len(t, traces, 1)

		tr := traces[0]
		assert.NotEmpty(t, tr.ID)
		assert.Equal(t, 3, tr.Turn)
		assert.Equal(t, session.ModeSync, tr.Mode)
		assert.Equal(t, "what is the leave policy", tr.Question)
		assert.Equal(t, TraceCompleted, tr.Status)
		assert.Empty(t, tr.ErrorKind)
		assert.Equal(t, 160, tr.Usage.TotalTokens)
		assert.False(t, tr.EndedAt.Before(tr.StartedAt))

		require.Len(t, tr.Events, 1)
		assert.Equal(t, session.EventStatus, tr.Events[0].Type)
	})

	t.Run("aggregates absorb the response", func(t *testing.T) {
		snap := hub.Aggregates()
		assert.Equal(t, 1, snap.Turns)
		assert.Equal(t, 1, snap.Completed)
		assert.Zero(t, snap.Failed)
		assert.Equal(t, 160, snap.Usage.TotalTokens)
		assert.Equal(t, 1, snap.CriticAccepted)
		assert.Equal(t, 1, snap.CriticRevised)
		assert.Equal(t, 1, snap.Fallbacks)
		assert.Equal(t, 1, snap.Reformulations)
		assert.Equal(t, 1, snap.WebSearches)
		assert.Empty(t, snap.ErrorsByKind)
		assert.GreaterOrEqual(t, snap.AvgTurnMillis, 0.0)
	})
}

func TestRecorder_FailedTurn(t *testing.T) {
	hub := New()

	_, rec := hub.Start(context.Background(), "sess-2", 1, session.ModeStream, "who approves expense reports", nil)
	rec.Fail(session.NewError(session.KindUpstreamTimeout, "search index timed out"))

	traces := hub.Recent("sess-2")
	require.Len(t, traces, 1)
	assert.Equal(t, TraceFailed, traces[0].Status)
	assert.Equal(t, session.KindUpstreamTimeout, traces[0].ErrorKind)
	assert.Contains(t, traces[0].Error, "timed out")

	snap := hub.Aggregates()
	assert.Equal(t, 1, snap.Turns)
	assert.Zero(t, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, map[string]int{"UpstreamTimeout": 1}, snap.ErrorsByKind)
}

func TestRecorder_ClassifiesCancellation(t *testing.T) {
	hub := New()

	_, rec := hub.Start(context.Background(), "sess-3", 1, session.ModeStream, "q", nil)
	rec.Fail(fmt.Errorf("synthesis interrupted: %w", context.Canceled))

	snap := hub.Aggregates()
	assert.Equal(t, map[string]int{string(session.KindCancelled): 1}, snap.ErrorsByKind)
}

func TestRecorder_TerminalOnce(t *testing.T) {
	t.Run("fail after complete is ignored", func(t *testing.T) {
		hub := New()
		_, rec := hub.Start(context.Background(), "s1", 1, session.ModeSync, "q", nil)

		rec.Complete(&session.Response{Usage: session.Usage{TotalTokens: 10}})
		rec.Fail(session.NewError(session.KindInternalInvariant, "late failure"))

		snap := hub.Aggregates()
		assert.Equal(t, 1, snap.Turns)
		assert.Equal(t, 1, snap.Completed)
		assert.Zero(t, snap.Failed)

		traces := hub.Recent("s1")
		require.Len(t, traces, 1)
		assert.Equal(t, TraceCompleted, traces[0].Status)
	})

	t.Run("complete after fail is ignored", func(t *testing.T) {
		hub := New()
		_, rec := hub.Start(context.Background(), "s2", 1, session.ModeSync, "q", nil)

		rec.Fail(session.NewError(session.KindSchema, "decode failed"))
		rec.Complete(&session.Response{})

		snap := hub.Aggregates()
		assert.Equal(t, 1, snap.Turns)
		assert.Equal(t, 1, snap.Failed)
		assert.Zero(t, snap.Completed)
	})
}

func TestRecorder_EmitAfterFinish(t *testing.T) {
	hub := New()
	sink := &eventSink{}
	_, rec := hub.Start(context.Background(), "s1", 2, session.ModeStream, "q", sink.forward)

	rec.Complete(&session.Response{})

	// The closing frames of a stream arrive after the counters settle.
	rec.Emit(session.NewTelemetryEvent(hub.Aggregates()))
	rec.Emit(session.NewDoneEvent())

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, session.EventTelemetry, events[0].Type)
	assert.Equal(t, session.EventDone, events[1].Type)
	assert.Equal(t, "s1", events[1].SessionID)
	assert.Equal(t, 2, events[1].Turn)

	traces := hub.Recent("s1")
	require.Len(t, traces, 1)
	assert.Empty(t, traces[0].Events, "the stored trace is sealed at completion")
}

func TestRecorder_NilForward(t *testing.T) {
	hub := New()
	_, rec := hub.Start(context.Background(), "s1", 1, session.ModeSync, "q", nil)

	rec.Emit(session.NewStatusEvent(session.StagePlan))
	rec.Complete(nil)

	snap := hub.Aggregates()
	assert.Equal(t, 1, snap.Completed)
	assert.Zero(t, snap.Usage.TotalTokens)
}

func TestRecorder_EventCap(t *testing.T) {
	hub := New()
	_, rec := hub.Start(context.Background(), "s1", 1, session.ModeSync, "q", nil)

	for i := 0; i < maxTraceEvents+16; i++ {
		rec.Emit(session.NewActivityEvent(session.ActivityStep{
			Type:        "search",
			Description: fmt.Sprintf("pass %d", i),
		}))
	}
	rec.Complete(&session.Response{})

	traces := hub.Recent("s1")
	require.Len(t, traces, 1)
	assert.Len(t, traces[0].Events, maxTraceEvents)
}

func TestRecorder_ConcurrentEmit(t *testing.T) {
	hub := New()
	sink := &eventSink{}
	_, rec := hub.Start(context.Background(), "s1", 1, session.ModeStream, "q", sink.forward)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				rec.Emit(session.NewTokenEvent("x"))
			}
		}()
	}
	wg.Wait()
	rec.Complete(&session.Response{})

	assert.Len(t, sink.all(), 200)
}

func TestTelemetry_TraceRing(t *testing.T) {
	hub := New(WithTraceDepth(2))

	for turn := 1; turn <= 3; turn++ {
		_, rec := hub.Start(context.Background(), "sess-ring", turn, session.ModeSync, fmt.Sprintf("question %d", turn), nil)
		rec.Complete(&session.Response{})
	}

	traces := hub.Recent("sess-ring")
	require.Len(t, traces, 2)
	assert.Equal(t, 2, traces[0].Turn)
	assert.Equal(t, 3, traces[1].Turn)
}

func TestTelemetry_RecentIsolation(t *testing.T) {
	hub := New()

	_, rec := hub.Start(context.Background(), "a", 1, session.ModeSync, "q", nil)
	rec.Complete(&session.Response{})

	assert.Empty(t, hub.Recent("b"))
	assert.Len(t, hub.Recent("a"), 1)
	assert.Equal(t, 1, hub.Sessions())
}

func TestTelemetry_Forget(t *testing.T) {
	hub := New()

	_, rec := hub.Start(context.Background(), "a", 1, session.ModeSync, "q", nil)
	rec.Complete(&session.Response{Usage: session.Usage{TotalTokens: 50}})

	hub.Forget("a")
	assert.Empty(t, hub.Recent("a"))
	assert.Zero(t, hub.Sessions())

	snap := hub.Aggregates()
	assert.Equal(t, 1, snap.Turns, "forgetting traces keeps the counters")
	assert.Equal(t, 50, snap.Usage.TotalTokens)
}

func TestTelemetry_Sweep(t *testing.T) {
	t.Run("drops idle sessions", func(t *testing.T) {
		hub := New()
		_, rec := hub.Start(context.Background(), "old", 1, session.ModeSync, "q", nil)
		rec.Complete(&session.Response{})
		time.Sleep(5 * time.Millisecond)

		assert.Equal(t, 1, hub.Sweep(time.Millisecond))
		assert.Zero(t, hub.Sessions())
	})

	t.Run("keeps recently active sessions", func(t *testing.T) {
		hub := New()
		_, rec := hub.Start(context.Background(), "fresh", 1, session.ModeSync, "q", nil)
		rec.Complete(&session.Response{})

		assert.Zero(t, hub.Sweep(time.Hour))
		assert.Equal(t, 1, hub.Sessions())
	})
}

func TestTelemetry_AveragesAcrossTurns(t *testing.T) {
	hub := New()

	for i := 0; i < 2; i++ {
		_, rec := hub.Start(context.Background(), "s", i+1, session.ModeSync, "q", nil)
		rec.Complete(&session.Response{Usage: session.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}})
	}
	_, rec := hub.Start(context.Background(), "s", 3, session.ModeSync, "q", nil)
	rec.Fail(session.NewError(session.KindRetrievalEmpty, "nothing indexed"))

	snap := hub.Aggregates()
	assert.Equal(t, 3, snap.Turns)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 30, snap.Usage.TotalTokens)
	assert.GreaterOrEqual(t, snap.AvgTurnMillis, 0.0)
}
