package memory

import (
	"sync"
	"time"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/session"
)

// State is the compacted conversational state carried across the turns of
// one session: summary bullets, salience notes, the turn counter, and the
// feature overrides the session has accumulated. Overrides are treated as
// immutable once stored; callers layer new ones with config.MergeOverrides
// rather than mutating the stored value.
type State struct {
	Bullets   []session.SummaryBullet
	Salience  []session.SalienceNote
	Turn      int
	Overrides *config.FeatureOverrides
}

type sessionEntry struct {
	state      State
	lastActive time.Time

	// turn serializes concurrent turns on the same session.
	turn sync.Mutex
}

// Store holds short-term session state in memory. All methods are safe for
// concurrent use; Acquire additionally serializes whole turns per session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewStore creates an empty short-term store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*sessionEntry),
	}
}

// Get returns the state of a session. Unknown sessions yield a zero state.
// The returned slices are copies; mutating them does not touch the store.
func (s *Store) Get(sessionID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return State{}
	}
	return copyState(entry.state)
}

// Put replaces the state of a session. Salience notes whose LastSeenTurn is
// more than maxAgeTurns behind the stored turn are dropped; maxAgeTurns <= 0
// disables aging.
func (s *Store) Put(sessionID string, st State, maxAgeTurns int) {
	st = copyState(st)
	if maxAgeTurns > 0 {
		kept := st.Salience[:0]
		for _, note := range st.Salience {
			if st.Turn-note.LastSeenTurn > maxAgeTurns {
				continue
			}
			kept = append(kept, note)
		}
		st.Salience = kept
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(sessionID)
	entry.state = st
	entry.lastActive = time.Now()
}

// Acquire takes the per-session turn lock and returns its release func.
// Turns on distinct sessions proceed in parallel; turns on the same session
// run one at a time.
func (s *Store) Acquire(sessionID string) func() {
	for {
		s.mu.Lock()
		entry := s.entryLocked(sessionID)
		entry.lastActive = time.Now()
		s.mu.Unlock()

		entry.turn.Lock()

		// The sweeper may have dropped the entry while we waited. Retry on
		// a fresh entry so two callers never hold locks for the same session.
		s.mu.Lock()
		current, ok := s.sessions[sessionID]
		s.mu.Unlock()
		if ok && current == entry {
			return entry.turn.Unlock
		}
		entry.turn.Unlock()
	}
}

// Forget drops all state of a session.
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len reports the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes sessions idle longer than maxIdle and reports how many were
// dropped. Sessions with a turn in flight are left alone.
func (s *Store) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.sessions {
		if entry.lastActive.After(cutoff) {
			continue
		}
		if !entry.turn.TryLock() {
			continue
		}
		entry.turn.Unlock()
		delete(s.sessions, id)
		removed++
	}
	return removed
}

// entryLocked returns the entry for a session, creating it if needed.
// Callers hold s.mu.
func (s *Store) entryLocked(sessionID string) *sessionEntry {
	entry, ok := s.sessions[sessionID]
	if !ok {
		entry = &sessionEntry{lastActive: time.Now()}
		s.sessions[sessionID] = entry
	}
	return entry
}

func copyState(st State) State {
	out := State{Turn: st.Turn, Overrides: st.Overrides}
	if len(st.Bullets) > 0 {
		out.Bullets = make([]session.SummaryBullet, len(st.Bullets))
		copy(out.Bullets, st.Bullets)
	}
	if len(st.Salience) > 0 {
		out.Salience = make([]session.SalienceNote, len(st.Salience))
		copy(out.Salience, st.Salience)
	}
	return out
}
