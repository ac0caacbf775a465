package telemetry

import (
	"sync"
	"time"

	"github.com/kadirpekel/anchora/pkg/session"
)

// TraceStatus is the terminal state of a recorded turn.
type TraceStatus string

const (
	TraceCompleted TraceStatus = "completed"
	TraceFailed    TraceStatus = "failed"
)

// Trace is the retained record of one finished turn: its identity, outcome,
// and the non-token events the pipeline emitted along the way. Traces are
// immutable once stored.
type Trace struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Turn      int               `json:"turn"`
	Mode      session.Mode      `json:"mode"`
	Question  string            `json:"question"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   time.Time         `json:"endedAt"`
	Status    TraceStatus       `json:"status"`
	ErrorKind session.ErrorKind `json:"errorKind,omitempty"`
	Error     string            `json:"error,omitempty"`
	Usage     session.Usage     `json:"usage"`
	Events    []session.Event   `json:"events,omitempty"`
}

type sessionTraces struct {
	traces   []Trace
	lastSeen time.Time
}

// traceStore keeps the most recent finished traces of each session, oldest
// first. The ring is bounded per session; old turns fall off the front.
type traceStore struct {
	mu       sync.RWMutex
	depth    int
	sessions map[string]*sessionTraces
}

func newTraceStore(depth int) *traceStore {
	if depth <= 0 {
		depth = defaultTraceDepth
	}
	return &traceStore{
		depth:    depth,
		sessions: make(map[string]*sessionTraces),
	}
}

func (s *traceStore) add(t Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[t.SessionID]
	if !ok {
		entry = &sessionTraces{}
		s.sessions[t.SessionID] = entry
	}
	entry.traces = append(entry.traces, t)
	if overflow := len(entry.traces) - s.depth; overflow > 0 {
		entry.traces = append(entry.traces[:0], entry.traces[overflow:]...)
	}
	entry.lastSeen = time.Now()
}

func (s *traceStore) recent(sessionID string) []Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Trace, len(entry.traces))
	copy(out, entry.traces)
	return out
}

func (s *traceStore) forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *traceStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// sweep drops sessions whose newest trace finished before the idle cutoff
// and reports how many were removed.
func (s *traceStore) sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, entry := range s.sessions {
		if entry.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			dropped++
		}
	}
	return dropped
}
