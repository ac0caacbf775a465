package web

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/rank"
	"github.com/kadirpekel/anchora/pkg/session"
)

// Keep rule and score weights for the quality gate.
const (
	minAuthority       = 0.3
	minRelevance       = 0.3
	maxKnownSimilarity = 0.9

	authorityWeight = 0.3
	noveltyWeight   = 0.3
	relevanceWeight = 0.4
)

// Embedder produces embeddings for quality scoring. llm.Provider
// satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// QualityFilter scores web results on authority, novelty and relevance
// and keeps only the ones fit to stand next to index evidence.
type QualityFilter struct {
	config   *config.WebConfig
	embedder Embedder
}

// NewQualityFilter builds a filter over the configured domain tables.
func NewQualityFilter(cfg *config.WebConfig, embedder Embedder) *QualityFilter {
	return &QualityFilter{config: cfg, embedder: embedder}
}

// FilterResult partitions one scored pass.
type FilterResult struct {
	Kept    []session.WebResult
	Removed []session.WebResult
}

// Diagnostics summarizes the pass for telemetry.
func (r *FilterResult) Diagnostics() session.WebFilterDiagnostics {
	return session.WebFilterDiagnostics{
		Evaluated: len(r.Kept) + len(r.Removed),
		Kept:      len(r.Kept),
		Removed:   len(r.Removed),
	}
}

// Filter scores every result and applies the keep rule: authority ≥ 0.3,
// known-similarity ≤ 0.9 and relevance ≥ 0.3. Kept results come back
// sorted by overall score, best first, with scores written onto them.
func (f *QualityFilter) Filter(ctx context.Context, results []session.WebResult, query string, known []session.Reference) (*FilterResult, error) {
	out := &FilterResult{}
	if len(results) == 0 {
		return out, nil
	}

	queryVec, resultVecs, knownVecs, err := f.embedAll(ctx, query, results, known)
	if err != nil {
		return nil, err
	}

	for i, result := range results {
		result.Scores = f.Score(result, resultVecs[i], queryVec, knownVecs)
		if keep(result.Scores) {
			out.Kept = append(out.Kept, result)
		} else {
			out.Removed = append(out.Removed, result)
		}
	}

	sort.SliceStable(out.Kept, func(i, j int) bool {
		return out.Kept[i].Scores.Overall > out.Kept[j].Scores.Overall
	})

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordWebFilter(ctx, len(out.Kept), len(out.Removed))
	}
	return out, nil
}

// Score computes the quality dimensions of one result. Novelty measures
// distance from what the index already supplied, clipped to [0,1]; a
// result that could not be embedded counts as fully novel but irrelevant.
func (f *QualityFilter) Score(result session.WebResult, resultVec, queryVec []float32, knownVecs [][]float32) session.WebScores {
	scores := session.WebScores{
		Authority: f.Authority(result.URL),
		Novelty:   1,
	}
	if len(resultVec) > 0 {
		scores.Relevance = rank.Cosine(queryVec, resultVec)
		scores.Novelty = clip01(1 - rank.MaxCosine(resultVec, knownVecs))
	}
	scores.Overall = authorityWeight*scores.Authority +
		noveltyWeight*scores.Novelty +
		relevanceWeight*scores.Relevance
	return scores
}

// Authority looks the result's domain up in the configured tables. Spam
// domains score zero regardless of trust entries; unlisted domains get
// the configured default. Matching is by exact host or dot-suffix.
func (f *QualityFilter) Authority(rawURL string) float64 {
	host := hostOf(rawURL)
	if host == "" {
		return 0
	}
	for _, spam := range f.config.SpamDomains {
		if domainMatch(host, spam) {
			return 0
		}
	}
	best := -1.0
	for domain, score := range f.config.TrustedDomains {
		if domainMatch(host, domain) && score > best {
			best = score
		}
	}
	if best >= 0 {
		return best
	}
	return f.config.UnknownAuthority
}

func keep(s session.WebScores) bool {
	return s.Authority >= minAuthority &&
		(1-s.Novelty) <= maxKnownSimilarity &&
		s.Relevance >= minRelevance
}

// embedAll produces the query, per-result and known-reference vectors in
// one batched call. Results without text get a nil vector; known
// references that already carry an embedding are not re-embedded.
func (f *QualityFilter) embedAll(ctx context.Context, query string, results []session.WebResult, known []session.Reference) ([]float32, [][]float32, [][]float32, error) {
	texts := []string{query}

	resultPos := make([]int, len(results))
	for i, result := range results {
		text := strings.TrimSpace(result.Snippet)
		if text == "" {
			text = strings.TrimSpace(result.Title)
		}
		if text == "" {
			resultPos[i] = -1
			continue
		}
		resultPos[i] = len(texts)
		texts = append(texts, text)
	}

	knownVecs := make([][]float32, 0, len(known))
	knownPos := make([]int, len(known))
	for i, ref := range known {
		knownPos[i] = -1
		if len(ref.Embedding) > 0 {
			knownVecs = append(knownVecs, ref.Embedding)
			continue
		}
		text := strings.TrimSpace(ref.Content)
		if text == "" {
			text = strings.TrimSpace(ref.Title)
		}
		if text == "" {
			continue
		}
		knownPos[i] = len(texts)
		texts = append(texts, text)
	}

	vectors, err := f.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(vectors) != len(texts) {
		return nil, nil, nil, session.Errorf(session.KindUpstreamTransient,
			"embedder returned %d vectors for %d inputs", len(vectors), len(texts))
	}

	resultVecs := make([][]float32, len(results))
	for i, pos := range resultPos {
		if pos >= 0 {
			resultVecs[i] = vectors[pos]
		}
	}
	for _, pos := range knownPos {
		if pos >= 0 {
			knownVecs = append(knownVecs, vectors[pos])
		}
	}
	return vectors[0], resultVecs, knownVecs, nil
}

func hostOf(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		// Tolerate bare hosts like "example.com/path".
		u, err = url.Parse("https://" + raw)
		if err != nil || u.Hostname() == "" {
			return ""
		}
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func domainMatch(host, domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "www.")
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
