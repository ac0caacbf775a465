package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/anchora/pkg/session"
)

func TestStore_GetPut(t *testing.T) {
	s := NewStore()

	t.Run("unknown session yields zero state", func(t *testing.T) {
		st := s.Get("missing")
		assert.Zero(t, st.Turn)
		assert.Empty(t, st.Bullets)
		assert.Empty(t, st.Salience)
	})

	t.Run("round trips state", func(t *testing.T) {
		s.Put("s1", State{
			Bullets:  []session.SummaryBullet{{Text: "migration blocked on approvals", Turn: 1}},
			Salience: []session.SalienceNote{{Fact: "deploys happen on fridays", Topic: "ops", LastSeenTurn: 1}},
			Turn:     1,
		}, 0)

		st := s.Get("s1")
		assert.Equal(t, 1, st.Turn)
		require.Len(t, st.Bullets, 1)
		assert.Equal(t, "migration blocked on approvals", st.Bullets[0].Text)
		require.Len(t, st.Salience, 1)
		assert.Equal(t, "ops", st.Salience[0].Topic)
	})

	t.Run("returned state is a copy", func(t *testing.T) {
		st := s.Get("s1")
		st.Bullets[0].Text = "mutated"

		again := s.Get("s1")
		assert.Equal(t, "migration blocked on approvals", again.Bullets[0].Text)
	})

	t.Run("stored state is a copy", func(t *testing.T) {
		in := State{Bullets: []session.SummaryBullet{{Text: "original", Turn: 2}}, Turn: 2}
		s.Put("s2", in, 0)
		in.Bullets[0].Text = "mutated"

		st := s.Get("s2")
		assert.Equal(t, "original", st.Bullets[0].Text)
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		st := s.Get("s2")
		assert.Equal(t, 2, st.Turn)
		assert.Empty(t, st.Salience)

		other := s.Get("s1")
		assert.Equal(t, 1, other.Turn)
	})

	t.Run("forget drops the session", func(t *testing.T) {
		s.Forget("s2")
		assert.Zero(t, s.Get("s2").Turn)
	})
}

func TestStore_SalienceAging(t *testing.T) {
	t.Run("drops notes beyond max age", func(t *testing.T) {
		s := NewStore()
		s.Put("s1", State{
			Salience: []session.SalienceNote{
				{Fact: "stale", LastSeenTurn: 1},
				{Fact: "fresh", LastSeenTurn: 9},
			},
			Turn: 10,
		}, 5)

		st := s.Get("s1")
		require.Len(t, st.Salience, 1)
		assert.Equal(t, "fresh", st.Salience[0].Fact)
	})

	t.Run("note exactly at max age survives", func(t *testing.T) {
		s := NewStore()
		s.Put("s1", State{
			Salience: []session.SalienceNote{{Fact: "edge", LastSeenTurn: 5}},
			Turn:     10,
		}, 5)

		assert.Len(t, s.Get("s1").Salience, 1)
	})

	t.Run("zero max age disables aging", func(t *testing.T) {
		s := NewStore()
		s.Put("s1", State{
			Salience: []session.SalienceNote{{Fact: "ancient", LastSeenTurn: 1}},
			Turn:     1000,
		}, 0)

		assert.Len(t, s.Get("s1").Salience, 1)
	})
}

func TestStore_Acquire(t *testing.T) {
	t.Run("serializes turns on one session", func(t *testing.T) {
		s := NewStore()
		const workers = 8
		const rounds = 50

		counter := 0
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < rounds; j++ {
					release := s.Acquire("hot")
					counter++
					release()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, workers*rounds, counter)
	})

	t.Run("same session blocks until release", func(t *testing.T) {
		s := NewStore()
		release := s.Acquire("s1")

		acquired := make(chan struct{})
		go func() {
			r := s.Acquire("s1")
			r()
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("second acquire succeeded while the turn was held")
		case <-time.After(50 * time.Millisecond):
		}

		release()
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("second acquire never completed after release")
		}
	})

	t.Run("distinct sessions proceed in parallel", func(t *testing.T) {
		s := NewStore()
		release := s.Acquire("a")
		defer release()

		done := make(chan struct{})
		go func() {
			r := s.Acquire("b")
			r()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("acquire on a different session blocked")
		}
	})
}

func TestStore_Sweep(t *testing.T) {
	t.Run("drops idle sessions", func(t *testing.T) {
		s := NewStore()
		s.Put("old", State{Turn: 1}, 0)
		time.Sleep(5 * time.Millisecond)

		removed := s.Sweep(time.Millisecond)
		assert.Equal(t, 1, removed)
		assert.Zero(t, s.Len())
	})

	t.Run("keeps recently active sessions", func(t *testing.T) {
		s := NewStore()
		s.Put("fresh", State{Turn: 1}, 0)

		removed := s.Sweep(time.Hour)
		assert.Zero(t, removed)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("skips sessions with a turn in flight", func(t *testing.T) {
		s := NewStore()
		release := s.Acquire("busy")
		time.Sleep(5 * time.Millisecond)

		assert.Zero(t, s.Sweep(time.Millisecond))
		assert.Equal(t, 1, s.Len())

		release()
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, 1, s.Sweep(time.Millisecond))
		assert.Zero(t, s.Len())
	})

	t.Run("acquire after sweep gets a fresh entry", func(t *testing.T) {
		s := NewStore()
		s.Put("s1", State{Turn: 3}, 0)
		time.Sleep(5 * time.Millisecond)
		s.Sweep(time.Millisecond)

		release := s.Acquire("s1")
		release()
		assert.Zero(t, s.Get("s1").Turn)
	})
}
