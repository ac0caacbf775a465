package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/session"
)

func newTestChromem(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(&config.ChromemConfig{Collection: "test-memories"}, 4)
	require.NoError(t, err)
	return store
}

func TestChromemStore_Add(t *testing.T) {
	ctx := context.Background()

	t.Run("generates an ID and round trips", func(t *testing.T) {
		store := newTestChromem(t)

		id, err := store.Add(ctx, session.LongTermMemory{
			Text:      "prefers terse answers",
			Type:      session.MemoryPreference,
			Embedding: []float32{1, 0, 0, 0},
			UserID:    "u1",
			Tags:      []string{"style"},
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		hits, err := store.Recall(ctx, RecallQuery{Vector: []float32{1, 0, 0, 0}, K: 5})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, id, hits[0].ID)
		assert.Equal(t, "prefers terse answers", hits[0].Text)
		assert.Equal(t, session.MemoryPreference, hits[0].Type)
		assert.Equal(t, "u1", hits[0].UserID)
		assert.Equal(t, []string{"style"}, hits[0].Tags)
		assert.False(t, hits[0].CreatedAt.IsZero())
	})

	t.Run("refuses empty text", func(t *testing.T) {
		store := newTestChromem(t)

		_, err := store.Add(ctx, session.LongTermMemory{Embedding: []float32{1, 0, 0, 0}})
		require.Error(t, err)
		se, ok := session.AsError(err)
		require.True(t, ok)
		assert.Equal(t, session.KindConfig, se.Kind)
	})

	t.Run("refuses foreign dimensions", func(t *testing.T) {
		store := newTestChromem(t)

		_, err := store.Add(ctx, session.LongTermMemory{Text: "x", Embedding: []float32{1, 0}})
		require.Error(t, err)
		se, ok := session.AsError(err)
		require.True(t, ok)
		assert.Equal(t, session.KindConfig, se.Kind)
	})
}

func TestChromemStore_Recall(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses foreign query dimensions", func(t *testing.T) {
		store := newTestChromem(t)

		_, err := store.Recall(ctx, RecallQuery{Vector: []float32{1, 0}, K: 5})
		require.Error(t, err)
		se, ok := session.AsError(err)
		require.True(t, ok)
		assert.Equal(t, session.KindConfig, se.Kind)
	})

	t.Run("empty store recalls nothing", func(t *testing.T) {
		store := newTestChromem(t)

		hits, err := store.Recall(ctx, RecallQuery{Vector: []float32{1, 0, 0, 0}, K: 5})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("excludes results below the similarity floor", func(t *testing.T) {
		store := newTestChromem(t)
		_, err := store.Add(ctx, session.LongTermMemory{Text: "unrelated", Embedding: []float32{0, 1, 0, 0}})
		require.NoError(t, err)

		hits, err := store.Recall(ctx, RecallQuery{
			Vector:        []float32{1, 0, 0, 0},
			K:             5,
			MinSimilarity: 0.5,
		})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("filters by user, session, and type", func(t *testing.T) {
		store := newTestChromem(t)
		seed := []session.LongTermMemory{
			{Text: "alice prefers yaml", Type: session.MemoryPreference, Embedding: []float32{1, 0, 0, 0}, UserID: "alice"},
			{Text: "bob prefers json", Type: session.MemoryPreference, Embedding: []float32{1, 0, 0, 0}, UserID: "bob"},
			{Text: "outage happened tuesday", Type: session.MemoryEpisodic, Embedding: []float32{1, 0, 0, 0}, SessionID: "s7"},
		}
		for _, mem := range seed {
			_, err := store.Add(ctx, mem)
			require.NoError(t, err)
		}

		hits, err := store.Recall(ctx, RecallQuery{Vector: []float32{1, 0, 0, 0}, K: 5, UserID: "alice"})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "alice prefers yaml", hits[0].Text)

		hits, err = store.Recall(ctx, RecallQuery{Vector: []float32{1, 0, 0, 0}, K: 5, SessionID: "s7"})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, session.MemoryEpisodic, hits[0].Type)

		hits, err = store.Recall(ctx, RecallQuery{Vector: []float32{1, 0, 0, 0}, K: 5, Type: session.MemoryPreference})
		require.NoError(t, err)
		assert.Len(t, hits, 2)
	})

	t.Run("requires every listed tag", func(t *testing.T) {
		store := newTestChromem(t)
		_, err := store.Add(ctx, session.LongTermMemory{
			Text: "tagged", Embedding: []float32{1, 0, 0, 0}, Tags: []string{"infra", "billing"},
		})
		require.NoError(t, err)

		hits, err := store.Recall(ctx, RecallQuery{
			Vector: []float32{1, 0, 0, 0}, K: 5, Tags: []string{"infra", "billing"},
		})
		require.NoError(t, err)
		assert.Len(t, hits, 1)

		hits, err = store.Recall(ctx, RecallQuery{
			Vector: []float32{1, 0, 0, 0}, K: 5, Tags: []string{"infra", "security"},
		})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("caps results at K", func(t *testing.T) {
		store := newTestChromem(t)
		for i := 0; i < 5; i++ {
			_, err := store.Add(ctx, session.LongTermMemory{Text: "fact", Embedding: []float32{1, 0, 0, 0}})
			require.NoError(t, err)
		}

		hits, err := store.Recall(ctx, RecallQuery{Vector: []float32{1, 0, 0, 0}, K: 2})
		require.NoError(t, err)
		assert.Len(t, hits, 2)
	})

	t.Run("every recall counts as a use", func(t *testing.T) {
		store := newTestChromem(t)
		_, err := store.Add(ctx, session.LongTermMemory{Text: "fact", Embedding: []float32{1, 0, 0, 0}})
		require.NoError(t, err)

		hits, err := store.Recall(ctx, RecallQuery{Vector: []float32{1, 0, 0, 0}, K: 1})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, 1, hits[0].UsageCount)

		hits, err = store.Recall(ctx, RecallQuery{Vector: []float32{1, 0, 0, 0}, K: 1})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, 2, hits[0].UsageCount)
	})
}

func TestChromemStore_Prune(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	old := time.Now().UTC().AddDate(0, 0, -60)
	seed := []session.LongTermMemory{
		{Text: "stale and unused", Embedding: []float32{1, 0, 0, 0}, CreatedAt: old},
		{Text: "stale but used", Embedding: []float32{0, 1, 0, 0}, CreatedAt: old, UsageCount: 5},
		{Text: "fresh", Embedding: []float32{0, 0, 1, 0}},
	}
	for _, mem := range seed {
		_, err := store.Add(ctx, mem)
		require.NoError(t, err)
	}

	pruned, err := store.Prune(ctx, time.Now().UTC().AddDate(0, 0, -30), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)

	hits, err := store.Recall(ctx, RecallQuery{Vector: []float32{1, 0, 0, 0}, K: 5, MinSimilarity: 0.9})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	seed := []session.LongTermMemory{
		{Text: "a", Type: session.MemorySemantic, Embedding: []float32{1, 0, 0, 0}},
		{Text: "b", Type: session.MemorySemantic, Embedding: []float32{0, 1, 0, 0}},
		{Text: "c", Type: session.MemoryPreference, Embedding: []float32{0, 0, 1, 0}},
	}
	for _, mem := range seed {
		_, err := store.Add(ctx, mem)
		require.NoError(t, err)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, 2, stats.ByType[session.MemorySemantic])
	assert.Equal(t, 1, stats.ByType[session.MemoryPreference])
}

func TestChromemStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := &config.ChromemConfig{PersistPath: dir, Collection: "persist-test"}

	store, err := NewChromemStore(cfg, 4)
	require.NoError(t, err)

	id, err := store.Add(ctx, session.LongTermMemory{Text: "survives restarts", Embedding: []float32{1, 0, 0, 0}})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewChromemStore(cfg, 4)
	require.NoError(t, err)

	hits, err := reopened.Recall(ctx, RecallQuery{Vector: []float32{1, 0, 0, 0}, K: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].ID)
	assert.Equal(t, "survives restarts", hits[0].Text)
}
