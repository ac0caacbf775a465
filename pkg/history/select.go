package history

import (
	"context"
	"log/slog"
	"sort"

	"github.com/kadirpekel/anchora/pkg/rank"
	"github.com/kadirpekel/anchora/pkg/session"
)

// Embedder is the slice of the model surface bullet selection needs.
// llm.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SelectSummaries returns the k bullets most similar to the query, in
// chronological order. Missing bullet embeddings are computed in one batch
// and filled in place so the caller can persist them. When embedding fails
// the most recent k bullets are returned instead; a degraded embedder never
// blocks a turn.
func SelectSummaries(ctx context.Context, embedder Embedder, query string, bullets []session.SummaryBullet, k int) []session.SummaryBullet {
	if k <= 0 || len(bullets) == 0 {
		return nil
	}
	if len(bullets) <= k {
		return bullets
	}

	queryVec, err := embedBullets(ctx, embedder, query, bullets)
	if err != nil {
		slog.Warn("summary embedding failed, selecting by recency", "error", err, "bullets", len(bullets))
		return bullets[len(bullets)-k:]
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(bullets))
	for i, b := range bullets {
		scores[i] = scored{idx: i, score: rank.Cosine(queryVec, b.Embedding)}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	picked := make([]int, k)
	for i := 0; i < k; i++ {
		picked[i] = scores[i].idx
	}
	sort.Ints(picked)

	out := make([]session.SummaryBullet, k)
	for i, idx := range picked {
		out[i] = bullets[idx]
	}
	return out
}

// embedBullets embeds the query plus every bullet that still lacks a vector,
// in a single batch, writing bullet vectors back in place.
func embedBullets(ctx context.Context, embedder Embedder, query string, bullets []session.SummaryBullet) ([]float32, error) {
	texts := []string{query}
	missing := make([]int, 0, len(bullets))
	for i, b := range bullets {
		if len(b.Embedding) == 0 {
			texts = append(texts, b.Text)
			missing = append(missing, i)
		}
	}

	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, session.Errorf(session.KindUpstreamTransient,
			"embedding batch returned %d vectors for %d inputs", len(vectors), len(texts))
	}

	for n, idx := range missing {
		bullets[idx].Embedding = vectors[n+1]
	}
	return vectors[0], nil
}
