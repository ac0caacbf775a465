package retrieval

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/search"
	"github.com/kadirpekel/anchora/pkg/session"
)

type fakeSearcher struct {
	mu      sync.Mutex
	calls   []search.Query
	respond func(q search.Query) (*search.Results, error)
	docs    map[string]search.Document
}

func (s *fakeSearcher) Search(_ context.Context, q search.Query) (*search.Results, error) {
	s.mu.Lock()
	s.calls = append(s.calls, q)
	s.mu.Unlock()
	if s.respond == nil {
		return &search.Results{}, nil
	}
	return s.respond(q)
}

func (s *fakeSearcher) Lookup(_ context.Context, key string) (*search.Document, error) {
	doc, ok := s.docs[key]
	if !ok {
		return nil, session.Errorf(session.KindRetrievalEmpty, "document %q not found", key)
	}
	return &doc, nil
}

func (s *fakeSearcher) queries() []search.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]search.Query(nil), s.calls...)
}

// fakeEmbedder hands back per-text vectors, defaulting to a unit vector
// so unlisted texts all look identical to each other.
type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	vectors map[string][]float32
	err     error
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := e.vectors[text]; ok {
			out[i] = vec
			continue
		}
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeCompleter struct {
	calls   int
	prompts [][]session.Message
	schema  *llm.Schema
	text    string
	usage   session.Usage
	err     error
}

func (f *fakeCompleter) CompleteStructured(_ context.Context, messages []session.Message, schema *llm.Schema, _ llm.Options) (*llm.Completion, error) {
	f.calls++
	f.prompts = append(f.prompts, messages)
	f.schema = schema
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Text: f.text, Usage: f.usage, FinishReason: "stop"}, nil
}

type fakeAuthority struct {
	scores map[string]float64
}

func (a *fakeAuthority) Authority(rawURL string) float64 {
	return a.scores[rawURL]
}

func indexDocs(ids ...string) []search.Document {
	out := make([]search.Document, len(ids))
	for i, id := range ids {
		out[i] = search.Document{
			ID:            id,
			Title:         "Doc " + id,
			Content:       "Body of " + id,
			RerankerScore: 2.5,
		}
	}
	return out
}

func resultsOf(coverage *float64, docs ...search.Document) *search.Results {
	return &search.Results{Documents: docs, Coverage: coverage}
}

func pct(v float64) *float64 { return &v }

func TestEngine_Retrieve_Chain(t *testing.T) {
	t.Run("primary stage terminates the ladder", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			return resultsOf(nil, indexDocs("a", "b", "c")...), nil
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil)

		result, err := e.Retrieve(context.Background(), "travel policy", Options{
			Filter:   "category eq 'hr'",
			Features: config.DefaultFeatures(),
		})
		require.NoError(t, err)

		require.Len(t, result.References, 3)
		assert.Equal(t, "a", result.References[0].ID)
		assert.Equal(t, session.SourceIndex, result.References[0].Source)

		assert.True(t, result.Diagnostics.Attempted)
		assert.True(t, result.Diagnostics.Succeeded)
		assert.Equal(t, 1, result.Diagnostics.Attempts)
		assert.Equal(t, 2.0, result.Diagnostics.ThresholdUsed)
		assert.Empty(t, result.Diagnostics.FallbackReason)
		assert.InDelta(t, 2.5, result.Diagnostics.MeanScore, 1e-9)

		calls := searcher.queries()
		require.Len(t, calls, 1)
		assert.Equal(t, search.ModeHybrid, calls[0].Mode)
		assert.Equal(t, "travel policy", calls[0].Text)
		assert.Equal(t, []float32{1, 0}, calls[0].Vector)
		assert.Equal(t, 8, calls[0].TopK)
		assert.Equal(t, "category eq 'hr'", calls[0].Filter)
		assert.True(t, calls[0].WithCaptions)
		assert.Equal(t, 1.0, calls[0].MinimumCoverage)

		require.Len(t, result.Activity, 1)
		assert.Equal(t, "search", result.Activity[0].Type)
		assert.Equal(t, "hybrid_primary", result.Activity[0].Data["stage"])
	})

	t.Run("short primary falls back to relaxed", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			if q.RerankerThreshold == 2.0 {
				return resultsOf(nil, indexDocs("a")...), nil
			}
			return resultsOf(nil, indexDocs("a", "b")...), nil
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil)

		result, err := e.Retrieve(context.Background(), "travel policy", Options{Features: config.DefaultFeatures()})
		require.NoError(t, err)

		assert.Len(t, result.References, 2)
		assert.Equal(t, 1.1, result.Diagnostics.ThresholdUsed)
		assert.Contains(t, result.Diagnostics.FallbackReason, "hybrid_primary returned 1 documents, needed 3")
		assert.Len(t, searcher.queries(), 2)
		assert.Len(t, result.Activity, 2)
	})

	t.Run("pure vector is the last resort", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			if q.Mode == search.ModePureVector {
				return resultsOf(nil, indexDocs("v")...), nil
			}
			return resultsOf(nil), nil
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil)

		result, err := e.Retrieve(context.Background(), "obscure clause", Options{Features: config.DefaultFeatures()})
		require.NoError(t, err)

		require.Len(t, result.References, 1)
		assert.Equal(t, "v", result.References[0].ID)
		assert.Zero(t, result.Diagnostics.ThresholdUsed)
		assert.Contains(t, result.Diagnostics.FallbackReason, "hybrid_relaxed")

		calls := searcher.queries()
		require.Len(t, calls, 3)
		assert.Equal(t, search.ModePureVector, calls[2].Mode)
	})

	t.Run("undersized primary batch survives empty later stages", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			if q.RerankerThreshold == 2.0 {
				return resultsOf(nil, indexDocs("a", "b")...), nil
			}
			return resultsOf(nil), nil
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil)

		result, err := e.Retrieve(context.Background(), "travel policy", Options{Features: config.DefaultFeatures()})
		require.NoError(t, err)

		assert.Len(t, result.References, 2)
		assert.True(t, result.Diagnostics.Succeeded)
		assert.Equal(t, 2.0, result.Diagnostics.ThresholdUsed)
	})

	t.Run("lazy summaries join the ladder when enabled", func(t *testing.T) {
		f := config.DefaultFeatures()
		f.EnableLazyRetrieval = true
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			if q.TopK == 2*f.TopK {
				return resultsOf(nil, search.Document{
					ID: "s1", Title: "Doc s1", Content: "full body", Summary: "short gist", RerankerScore: 1.4,
				}), nil
			}
			return resultsOf(nil), nil
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil)

		result, err := e.Retrieve(context.Background(), "niche topic", Options{Features: f})
		require.NoError(t, err)

		require.Len(t, result.References, 1)
		assert.True(t, result.References[0].Summary)
		assert.Equal(t, "short gist", result.References[0].Content)

		calls := searcher.queries()
		require.Len(t, calls, 4)
		last := calls[3]
		assert.Equal(t, search.ModeHybrid, last.Mode)
		assert.Zero(t, last.RerankerThreshold)
		assert.Equal(t, 16, last.TopK)
		assert.False(t, last.WithCaptions)
	})

	t.Run("transport error skips to the next stage", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			if q.RerankerThreshold == 2.0 {
				return nil, session.NewError(session.KindUpstreamTransient, "search backend 503")
			}
			return resultsOf(nil, indexDocs("a", "b")...), nil
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil)

		result, err := e.Retrieve(context.Background(), "travel policy", Options{Features: config.DefaultFeatures()})
		require.NoError(t, err)

		assert.Len(t, result.References, 2)
		assert.Equal(t, 1.1, result.Diagnostics.ThresholdUsed)
		require.Len(t, result.Activity, 2)
		assert.Equal(t, "hybrid_primary failed", result.Activity[0].Description)
		assert.NotEmpty(t, result.Activity[0].Data["error"])
	})

	t.Run("every stage failing is an error", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			return nil, session.NewError(session.KindUpstreamTransient, "search backend 503")
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil)

		result, err := e.Retrieve(context.Background(), "travel policy", Options{Features: config.DefaultFeatures()})
		require.Error(t, err)

		se, ok := session.AsError(err)
		require.True(t, ok)
		assert.Equal(t, session.KindUpstreamTransient, se.Kind)

		require.NotNil(t, result)
		assert.True(t, result.Diagnostics.Attempted)
		assert.False(t, result.Diagnostics.Succeeded)
		assert.Equal(t, 1, result.Diagnostics.Attempts)
	})

	t.Run("embedding failure degrades to keyword-only", func(t *testing.T) {
		searcher := &fakeSearcher{}
		embedder := &fakeEmbedder{err: session.NewError(session.KindUpstreamTransient, "embeddings down")}
		e := NewEngine(searcher, embedder, nil)

		result, err := e.Retrieve(context.Background(), "travel policy", Options{Features: config.DefaultFeatures()})
		require.NoError(t, err)

		assert.Empty(t, result.References)
		assert.False(t, result.Diagnostics.Succeeded)

		calls := searcher.queries()
		require.Len(t, calls, 2)
		for _, call := range calls {
			assert.Equal(t, search.ModeHybrid, call.Mode)
			assert.Nil(t, call.Vector)
		}
	})

	t.Run("fast strategy skips the strict primary pass", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			return resultsOf(nil, indexDocs("a")...), nil
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil)

		result, err := e.Retrieve(context.Background(), "office wifi password?", Options{
			Strategy: session.RetrieverFast,
			Features: config.DefaultFeatures(),
		})
		require.NoError(t, err)

		assert.Len(t, result.References, 1)
		calls := searcher.queries()
		require.Len(t, calls, 1)
		assert.Equal(t, 1.1, calls[0].RerankerThreshold)
	})
}

func TestEngine_Retrieve_Reformulation(t *testing.T) {
	t.Run("rewrites the query when diversity fails", func(t *testing.T) {
		embedder := &fakeEmbedder{vectors: map[string][]float32{
			"Body of b1": {1, 0},
			"Body of b2": {0, 1},
			"Body of b3": {0.6, 0.8},
		}}
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			if q.Text == "travel reimbursement policy" {
				return resultsOf(nil, indexDocs("b1", "b2", "b3")...), nil
			}
			return resultsOf(nil, indexDocs("a1", "a2", "a3")...), nil
		}}
		completer := &fakeCompleter{
			text:  `{"newQuery": "travel reimbursement policy", "reason": "use official terminology"}`,
			usage: session.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
		}
		e := NewEngine(searcher, embedder, completer)

		result, err := e.Retrieve(context.Background(), "how do I get my travel money back", Options{Features: config.DefaultFeatures()})
		require.NoError(t, err)

		require.Len(t, result.References, 3)
		assert.Equal(t, "b1", result.References[0].ID)
		assert.NotEmpty(t, result.References[0].Embedding, "gate embeddings should be kept for downstream reuse")

		assert.Equal(t, 2, result.Diagnostics.Attempts)
		assert.Empty(t, result.Diagnostics.FallbackReason)
		assert.Equal(t, 52, result.Usage.TotalTokens)

		require.Len(t, result.Reformulations, 1)
		assert.Equal(t, "how do I get my travel money back", result.Reformulations[0].OriginalQuery)
		assert.Equal(t, "travel reimbursement policy", result.Reformulations[0].NewQuery)
		assert.Contains(t, result.Reformulations[0].Reason, "diversity")

		var reformSteps []session.ActivityStep
		for _, step := range result.Activity {
			if step.Type == "reformulate" {
				reformSteps = append(reformSteps, step)
			}
		}
		require.Len(t, reformSteps, 2, "each rewrite records the failed attempt and the outcome")
		assert.Equal(t, "how do I get my travel money back", reformSteps[0].Data["originalQuery"])
		assert.NotEmpty(t, reformSteps[0].Data["reason"])
		assert.NotContains(t, reformSteps[0].Data, "newQuery")
		assert.Equal(t, "how do I get my travel money back", reformSteps[1].Data["originalQuery"])
		assert.Equal(t, "travel reimbursement policy", reformSteps[1].Data["newQuery"])
		assert.NotEmpty(t, reformSteps[1].Data["reason"])
	})

	t.Run("rewrites the query when index coverage is low", func(t *testing.T) {
		embedder := &fakeEmbedder{vectors: map[string][]float32{
			"Body of b1": {1, 0},
			"Body of b2": {0, 1},
			"Body of b3": {0.6, 0.8},
		}}
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			if q.Text == "vacation carryover" {
				return resultsOf(pct(30), indexDocs("a1", "a2", "a3")...), nil
			}
			return resultsOf(pct(85), indexDocs("b1", "b2", "b3")...), nil
		}}
		completer := &fakeCompleter{text: `{"newQuery": "annual leave carryover rules", "reason": "broaden"}`}
		e := NewEngine(searcher, embedder, completer)

		result, err := e.Retrieve(context.Background(), "vacation carryover", Options{Features: config.DefaultFeatures()})
		require.NoError(t, err)

		require.Len(t, result.Reformulations, 1)
		assert.Contains(t, result.Reformulations[0].Reason, "coverage")
		assert.Equal(t, "b1", result.References[0].ID)
	})

	t.Run("keeps the best attempt when the budget runs out", func(t *testing.T) {
		f := config.DefaultFeatures()
		f.MaxReformulations = 1
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			if q.Text == "vacation carryover" {
				return resultsOf(pct(20), indexDocs("a1", "a2")...), nil
			}
			return resultsOf(pct(40), indexDocs("b1", "b2", "b3")...), nil
		}}
		completer := &fakeCompleter{text: `{"newQuery": "annual leave carryover", "reason": "broaden"}`}
		e := NewEngine(searcher, &fakeEmbedder{}, completer)

		result, err := e.Retrieve(context.Background(), "vacation carryover", Options{Features: f})
		require.NoError(t, err)

		assert.Len(t, result.References, 3, "the larger of two gate-failing attempts wins")
		assert.Equal(t, "b1", result.References[0].ID)
		assert.Equal(t, 2, result.Diagnostics.Attempts)
		assert.Contains(t, result.Diagnostics.FallbackReason, "coverage")
		assert.Equal(t, 1, completer.calls)
	})

	t.Run("reformulation failure keeps the current attempt", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			return resultsOf(pct(20), indexDocs("a1", "a2", "a3")...), nil
		}}
		completer := &fakeCompleter{err: session.NewError(session.KindUpstreamTimeout, "model timed out")}
		e := NewEngine(searcher, &fakeEmbedder{}, completer)

		result, err := e.Retrieve(context.Background(), "vacation carryover", Options{Features: config.DefaultFeatures()})
		require.NoError(t, err)

		assert.Len(t, result.References, 3)
		assert.Empty(t, result.Reformulations)
		assert.Equal(t, 1, result.Diagnostics.Attempts)
	})

	t.Run("a rewrite that repeats the query stops the loop", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			return resultsOf(pct(20), indexDocs("a1", "a2", "a3")...), nil
		}}
		completer := &fakeCompleter{text: `{"newQuery": "Vacation Carryover", "reason": "none"}`}
		e := NewEngine(searcher, &fakeEmbedder{}, completer)

		result, err := e.Retrieve(context.Background(), "vacation carryover", Options{Features: config.DefaultFeatures()})
		require.NoError(t, err)

		assert.Equal(t, 1, completer.calls)
		assert.Equal(t, 1, result.Diagnostics.Attempts)
		assert.Empty(t, result.Reformulations)
	})

	t.Run("fast strategy never reformulates", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			return resultsOf(pct(10), indexDocs("a1", "a2")...), nil
		}}
		completer := &fakeCompleter{text: `{"newQuery": "x", "reason": "y"}`}
		e := NewEngine(searcher, &fakeEmbedder{}, completer)

		_, err := e.Retrieve(context.Background(), "quick one", Options{
			Strategy: session.RetrieverFast,
			Features: config.DefaultFeatures(),
		})
		require.NoError(t, err)
		assert.Zero(t, completer.calls)
	})

	t.Run("adaptive retrieval off skips the gates", func(t *testing.T) {
		f := config.DefaultFeatures()
		f.EnableAdaptiveRetrieval = false
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			return resultsOf(pct(10), indexDocs("a1", "a2", "a3")...), nil
		}}
		completer := &fakeCompleter{text: `{"newQuery": "x", "reason": "y"}`}
		embedder := &fakeEmbedder{}
		e := NewEngine(searcher, embedder, completer)

		result, err := e.Retrieve(context.Background(), "vacation carryover", Options{Features: f})
		require.NoError(t, err)

		assert.Zero(t, completer.calls)
		assert.Len(t, result.References, 3)
		assert.Equal(t, 1, embedder.calls, "only the query itself is embedded")
	})
}

func TestEngine_Retrieve_Federated(t *testing.T) {
	t.Run("fuses ranked lists across indexes", func(t *testing.T) {
		f := config.DefaultFeatures()
		f.EnableSemanticBoost = false
		f.MinDocs = 2
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			switch q.Index {
			case "hr":
				return resultsOf(pct(80), indexDocs("a", "b")...), nil
			case "eng":
				return resultsOf(nil, indexDocs("b", "c")...), nil
			}
			return nil, session.Errorf(session.KindConfig, "unexpected index %q", q.Index)
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil, WithIndexes("hr", "eng"))

		result, err := e.Retrieve(context.Background(), "deployment policy", Options{Features: f})
		require.NoError(t, err)

		require.Len(t, result.References, 3)
		assert.Equal(t, "b", result.References[0].ID, "the shared document accumulates rank from both lists")

		require.NotNil(t, result.Diagnostics.Coverage)
		assert.Equal(t, 80.0, *result.Diagnostics.Coverage)

		calls := searcher.queries()
		require.Len(t, calls, 2)
		indexes := []string{calls[0].Index, calls[1].Index}
		assert.ElementsMatch(t, []string{"hr", "eng"}, indexes)
	})

	t.Run("one index failing does not sink the stage", func(t *testing.T) {
		f := config.DefaultFeatures()
		f.MinDocs = 2
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			if q.Index == "hr" {
				return nil, session.NewError(session.KindUpstreamTransient, "hr index down")
			}
			return resultsOf(nil, indexDocs("b", "c")...), nil
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil, WithIndexes("hr", "eng"))

		result, err := e.Retrieve(context.Background(), "deployment policy", Options{Features: f})
		require.NoError(t, err)
		assert.Len(t, result.References, 2)
	})

	t.Run("all indexes failing fails the stage", func(t *testing.T) {
		searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
			return nil, session.NewError(session.KindUpstreamTransient, "index down")
		}}
		e := NewEngine(searcher, &fakeEmbedder{}, nil, WithIndexes("hr", "eng"))

		_, err := e.Retrieve(context.Background(), "deployment policy", Options{Features: config.DefaultFeatures()})
		require.Error(t, err)

		se, ok := session.AsError(err)
		require.True(t, ok)
		assert.Equal(t, session.KindUpstreamTransient, se.Kind)
	})
}

func TestEngine_RetrieveLazy(t *testing.T) {
	searcher := &fakeSearcher{respond: func(q search.Query) (*search.Results, error) {
		return resultsOf(pct(90), search.Document{
			ID: "s1", Title: "Onboarding", Content: "the whole chapter", Summary: "new-hire checklist", RerankerScore: 1.6,
		}), nil
	}}
	completer := &fakeCompleter{text: `{"newQuery": "x", "reason": "y"}`}
	e := NewEngine(searcher, &fakeEmbedder{}, completer)

	result, err := e.RetrieveLazy(context.Background(), "how do I onboard?", Options{Features: config.DefaultFeatures()})
	require.NoError(t, err)

	require.Len(t, result.References, 1)
	assert.True(t, result.References[0].Summary)
	assert.Equal(t, "new-hire checklist", result.References[0].Content)
	assert.Equal(t, 1, result.Diagnostics.Attempts)
	assert.Zero(t, completer.calls, "lazy retrieval is a single pass")

	calls := searcher.queries()
	require.Len(t, calls, 1)
	assert.Equal(t, search.ModeHybrid, calls[0].Mode)
	assert.Equal(t, 16, calls[0].TopK)
	assert.Equal(t, 1.1, calls[0].RerankerThreshold)
}

func TestEngine_Load(t *testing.T) {
	searcher := &fakeSearcher{docs: map[string]search.Document{
		"s1": {ID: "s1", Title: "Onboarding", Content: "the whole chapter", Summary: "new-hire checklist"},
	}}
	e := NewEngine(searcher, nil, nil)

	ref, err := e.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "the whole chapter", ref.Content)
	assert.False(t, ref.Summary)

	_, err = e.Load(context.Background(), "ghost")
	require.Error(t, err)
	se, ok := session.AsError(err)
	require.True(t, ok)
	assert.Equal(t, session.KindRetrievalEmpty, se.Kind)
}

func TestStagesFor(t *testing.T) {
	f := config.DefaultFeatures()

	fast := stagesFor(session.RetrieverFast, f)
	require.Len(t, fast, 2)
	assert.Equal(t, "hybrid_relaxed", fast[0].name)
	assert.Equal(t, "pure_vector", fast[1].name)
	assert.Equal(t, 1, fast[0].minDocs)

	thorough := stagesFor(session.RetrieverThorough, f)
	require.Len(t, thorough, 3)
	assert.Equal(t, "hybrid_primary", thorough[0].name)
	assert.Equal(t, f.MinDocs, thorough[0].minDocs)
	assert.Equal(t, f.PrimaryRerankerThreshold, thorough[0].threshold)

	f.EnableLazyRetrieval = true
	withLazy := stagesFor(session.RetrieverDual, f)
	require.Len(t, withLazy, 4)
	last := withLazy[3]
	assert.Equal(t, "lazy_summaries", last.name)
	assert.True(t, last.lazy)
	assert.Equal(t, 2*f.TopK, last.topK)
	assert.Zero(t, last.threshold)

	f.MinDocs = 0
	f.TopK = 0
	clamped := stagesFor(session.RetrieverThorough, f)
	assert.Equal(t, 1, clamped[0].minDocs)
	assert.Equal(t, 1, clamped[0].topK)
}
