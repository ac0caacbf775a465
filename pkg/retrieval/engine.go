// Package retrieval runs the evidence-gathering loop over the document
// index: a fallback chain of progressively looser queries, quality gates
// over what came back, and bounded query reformulation when a gate fails.
//
// The engine decides what to ask and when to loosen. The wire protocol
// belongs to pkg/search and fusion math to pkg/rank; nothing here touches
// either directly except through their narrow surfaces.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/rank"
	"github.com/kadirpekel/anchora/pkg/search"
	"github.com/kadirpekel/anchora/pkg/session"
)

// Searcher is the slice of the index client the engine drives.
// search.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, query search.Query) (*search.Results, error)
	Lookup(ctx context.Context, key string) (*search.Document, error)
}

// Embedder produces embeddings for query vectors and the diversity gate.
// llm.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// AuthorityScorer maps a URL onto a [0,1] trust score for the authority
// gate. web.QualityFilter satisfies it.
type AuthorityScorer interface {
	Authority(rawURL string) float64
}

// StructuredCompleter is the slice of the model surface reformulation
// needs. llm.Provider satisfies it.
type StructuredCompleter interface {
	CompleteStructured(ctx context.Context, messages []session.Message, schema *llm.Schema, opts llm.Options) (*llm.Completion, error)
}

// Engine orders retrieval strategies over one or more indexes.
type Engine struct {
	searcher  Searcher
	embedder  Embedder
	llm       StructuredCompleter
	authority AuthorityScorer
	indexes   []string
}

// Option configures optional engine behavior.
type Option func(*Engine)

// WithIndexes federates every stage across the named indexes and fuses
// the lists by reciprocal rank. Fewer than two names keeps single-index
// mode against the client's configured default.
func WithIndexes(indexes ...string) Option {
	return func(e *Engine) { e.indexes = indexes }
}

// WithAuthority enables the authority gate with the given scorer.
func WithAuthority(scorer AuthorityScorer) Option {
	return func(e *Engine) { e.authority = scorer }
}

// NewEngine builds an engine. A nil completer disables reformulation; a
// nil embedder disables pure-vector stages and the diversity gate.
func NewEngine(searcher Searcher, embedder Embedder, completer StructuredCompleter, opts ...Option) *Engine {
	e := &Engine{searcher: searcher, embedder: embedder, llm: completer}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Options select how one retrieval runs.
type Options struct {
	// Strategy widens or narrows the fallback chain. Empty means thorough.
	Strategy session.RetrieverStrategy

	// Filter is an OData expression applied to every stage.
	Filter string

	Features config.FeatureSet
}

// Result is one completed retrieval.
type Result struct {
	References     []session.Reference
	Activity       []session.ActivityStep
	Diagnostics    session.RetrievalDiagnostics
	Reformulations []session.ReformulationRecord
	Usage          session.Usage
}

// stage is one rung of the fallback ladder.
type stage struct {
	name      string
	mode      search.Mode
	threshold float64
	minDocs   int
	topK      int
	lazy      bool
}

// stagesFor lays out the ladder. Fast skips the strict primary pass and
// never widens beyond pure vector. Thorough and dual share the full
// ladder; dual's second evidence leg (web) is the caller's to dispatch.
// The lazy rung keeps every hit regardless of reranker score: with only
// summaries in tow the extra width is affordable.
func stagesFor(strategy session.RetrieverStrategy, f config.FeatureSet) []stage {
	topK := f.TopK
	if topK < 1 {
		topK = 1
	}
	minDocs := f.MinDocs
	if minDocs < 1 {
		minDocs = 1
	}

	if strategy == session.RetrieverFast {
		return []stage{
			{name: "hybrid_relaxed", mode: search.ModeHybrid, threshold: f.RelaxedRerankerThreshold, minDocs: 1, topK: topK},
			{name: "pure_vector", mode: search.ModePureVector, minDocs: 1, topK: topK},
		}
	}

	stages := []stage{
		{name: "hybrid_primary", mode: search.ModeHybrid, threshold: f.PrimaryRerankerThreshold, minDocs: minDocs, topK: topK},
		{name: "hybrid_relaxed", mode: search.ModeHybrid, threshold: f.RelaxedRerankerThreshold, minDocs: 1, topK: topK},
		{name: "pure_vector", mode: search.ModePureVector, minDocs: 1, topK: topK},
	}
	if f.EnableLazyRetrieval {
		stages = append(stages, stage{name: "lazy_summaries", mode: search.ModeHybrid, minDocs: 1, topK: topK * 2, lazy: true})
	}
	return stages
}

// attempt is one full pass of the ladder plus its gate outcome.
type attempt struct {
	refs        []session.Reference
	stage       string
	threshold   float64
	coverage    *float64
	fallback    string // why the chain moved past an earlier stage
	gatesPassed int
	gateReason  string // first failing gate, empty when all passed
	activity    []session.ActivityStep
	err         error // set when the chain ended empty-handed on transport errors
}

// betterThan orders attempts by gates passed, then by evidence volume.
// Ties keep the earlier attempt.
func (a attempt) betterThan(b attempt) bool {
	if a.gatesPassed != b.gatesPassed {
		return a.gatesPassed > b.gatesPassed
	}
	return len(a.refs) > len(b.refs)
}

// Retrieve walks the fallback ladder, gates the outcome, and rewrites the
// query for another pass while the gates keep failing, up to the
// configured reformulation budget. It returns the best attempt seen. A
// nil error with zero references means the index had nothing; an error
// means every stage failed on transport with no earlier evidence to fall
// back on.
func (e *Engine) Retrieve(ctx context.Context, query string, opts Options) (*Result, error) {
	f := opts.Features
	strategy := opts.Strategy
	if strategy == "" {
		strategy = session.RetrieverThorough
	}

	tracer := observability.GetTracer("anchora.retrieval")
	ctx, span := tracer.Start(ctx, observability.SpanRetrieval, trace.WithAttributes(
		attribute.String("retrieval.strategy", string(strategy)),
	))
	defer span.End()

	result := &Result{Diagnostics: session.RetrievalDiagnostics{Attempted: true}}
	stages := stagesFor(strategy, f)

	// Fast routes answer cheap questions; rewriting their queries would
	// cost more than the evidence is worth.
	maxReforms := f.MaxReformulations
	if !f.EnableAdaptiveRetrieval || strategy == session.RetrieverFast || e.llm == nil {
		maxReforms = 0
	}

	current := query
	queryVec := e.embedQuery(ctx, current)

	var best *attempt
	var chainErr error
	for round := 0; ; round++ {
		att := e.runChain(ctx, current, queryVec, stages, opts.Filter, f)
		result.Activity = append(result.Activity, att.activity...)
		result.Diagnostics.Attempts = round + 1

		if att.err == nil && maxReforms > 0 {
			e.applyGates(ctx, &att, f)
		}
		if best == nil || att.betterThan(*best) {
			best = &att
		}
		if att.err != nil {
			// Transport failure is not the query's fault; rewriting
			// would burn rounds on the same broken upstream.
			chainErr = att.err
			break
		}
		if att.gateReason == "" || round >= maxReforms {
			break
		}

		rewrite, usage, err := e.reformulate(ctx, query, current, att.gateReason)
		result.Usage.Add(usage)
		if err != nil {
			slog.Warn("query reformulation failed, keeping best attempt", "error", err)
			break
		}
		result.Reformulations = append(result.Reformulations, session.ReformulationRecord{
			OriginalQuery: current,
			NewQuery:      rewrite.NewQuery,
			Reason:        att.gateReason,
		})
		// Two activity entries per rewrite: the attempt records which
		// query failed the gate and why, the outcome records what the
		// next round will run.
		result.Activity = append(result.Activity,
			session.ActivityStep{
				Type:        "reformulate",
				Description: fmt.Sprintf("retrieval gate rejected the query: %s", att.gateReason),
				Data: map[string]any{
					"originalQuery": current,
					"reason":        att.gateReason,
				},
			},
			session.ActivityStep{
				Type:        "reformulate",
				Description: "rewrote the query for another pass",
				Data: map[string]any{
					"originalQuery": current,
					"newQuery":      rewrite.NewQuery,
					"reason":        att.gateReason,
				},
			},
		)
		current = rewrite.NewQuery
		queryVec = e.embedQuery(ctx, current)
	}

	finish(result, best)
	if len(best.refs) == 0 && chainErr != nil {
		span.RecordError(chainErr)
		span.SetStatus(codes.Error, "all retrieval stages failed")
		return result, chainErr
	}

	span.SetAttributes(
		attribute.String(observability.AttrRetrievalStage, best.stage),
		attribute.Int(observability.AttrRetrievalDocs, len(best.refs)),
	)
	return result, nil
}

// RetrieveLazy gathers summary-level evidence in one relaxed hybrid pass,
// trading depth for breadth: double the usual candidate count, no
// fallback, no reformulation. Load upgrades individual references when
// the turn turns out to need their full body.
func (e *Engine) RetrieveLazy(ctx context.Context, query string, opts Options) (*Result, error) {
	f := opts.Features
	topK := f.TopK * 2
	if topK < 2 {
		topK = 2
	}
	st := stage{
		name:      "lazy_summaries",
		mode:      search.ModeHybrid,
		threshold: f.RelaxedRerankerThreshold,
		minDocs:   1,
		topK:      topK,
		lazy:      true,
	}

	tracer := observability.GetTracer("anchora.retrieval")
	ctx, span := tracer.Start(ctx, observability.SpanRetrieval, trace.WithAttributes(
		attribute.String("retrieval.strategy", "lazy"),
	))
	defer span.End()

	result := &Result{Diagnostics: session.RetrievalDiagnostics{Attempted: true, Attempts: 1}}
	queryVec := e.embedQuery(ctx, query)

	att := e.runChain(ctx, query, queryVec, []stage{st}, opts.Filter, f)
	result.Activity = att.activity
	finish(result, &att)
	if att.err != nil {
		span.RecordError(att.err)
		span.SetStatus(codes.Error, "lazy retrieval failed")
		return result, att.err
	}

	span.SetAttributes(
		attribute.String(observability.AttrRetrievalStage, att.stage),
		attribute.Int(observability.AttrRetrievalDocs, len(att.refs)),
	)
	return result, nil
}

// Load upgrades a lazy reference to its full body.
func (e *Engine) Load(ctx context.Context, id string) (*session.Reference, error) {
	doc, err := e.searcher.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	ref := doc.AsReference(false)
	return &ref, nil
}

// runChain walks the ladder until a stage meets its minimum. Transport
// errors skip to the next stage; an undersized batch is kept in case
// every later stage comes back empty.
func (e *Engine) runChain(ctx context.Context, text string, vec []float32, stages []stage, filter string, f config.FeatureSet) attempt {
	var att attempt
	var lastErr error

	for i, st := range stages {
		if st.mode == search.ModePureVector && len(vec) == 0 {
			continue
		}

		start := time.Now()
		refs, coverage, err := e.searchStage(ctx, text, vec, st, filter, f)
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordRetrieval(ctx, st.name, time.Since(start), len(refs), i > 0)
		}

		if err != nil {
			lastErr = err
			slog.Warn("retrieval stage failed", "stage", st.name, "error", err)
			att.activity = append(att.activity, session.ActivityStep{
				Type:        "search",
				Description: fmt.Sprintf("%s failed", st.name),
				Data:        map[string]any{"stage": st.name, "error": err.Error()},
			})
			continue
		}

		att.activity = append(att.activity, session.ActivityStep{
			Type:        "search",
			Description: fmt.Sprintf("%s returned %d documents", st.name, len(refs)),
			Data:        map[string]any{"stage": st.name, "documents": len(refs), "threshold": st.threshold},
		})

		if len(refs) >= st.minDocs {
			att.refs, att.stage, att.threshold, att.coverage = refs, st.name, st.threshold, coverage
			return att
		}
		if len(refs) > len(att.refs) {
			att.refs, att.stage, att.threshold, att.coverage = refs, st.name, st.threshold, coverage
		}
		att.fallback = fmt.Sprintf("%s returned %d documents, needed %d", st.name, len(refs), st.minDocs)
	}

	if len(att.refs) == 0 && lastErr != nil {
		att.err = lastErr
	}
	return att
}

// searchStage issues one ladder rung, fanning out across indexes when
// federation is configured. MinimumCoverage is pinned low so the index
// reports its scan coverage without failing narrow queries.
func (e *Engine) searchStage(ctx context.Context, text string, vec []float32, st stage, filter string, f config.FeatureSet) ([]session.Reference, *float64, error) {
	q := search.Query{
		Text:              text,
		Vector:            vec,
		TopK:              st.topK,
		RerankerThreshold: st.threshold,
		Filter:            filter,
		Mode:              st.mode,
		MinimumCoverage:   1,
		WithCaptions:      st.mode == search.ModeHybrid && !st.lazy,
	}

	if len(e.indexes) < 2 {
		if len(e.indexes) == 1 {
			q.Index = e.indexes[0]
		}
		res, err := e.searcher.Search(ctx, q)
		if err != nil {
			return nil, nil, err
		}
		return toReferences(res.Documents, st.lazy), res.Coverage, nil
	}
	return e.searchFederated(ctx, q, st.lazy, f)
}

// searchFederated runs the same query against every configured index and
// fuses the lists by reciprocal rank. One index failing does not sink the
// stage; all of them failing does. Coverage comes from the first index
// that reported it, in configuration order.
func (e *Engine) searchFederated(ctx context.Context, q search.Query, lazy bool, f config.FeatureSet) ([]session.Reference, *float64, error) {
	lists := make([][]session.Reference, len(e.indexes))
	coverages := make([]*float64, len(e.indexes))
	errs := make([]error, len(e.indexes))

	g, gctx := errgroup.WithContext(ctx)
	for i, index := range e.indexes {
		g.Go(func() error {
			sub := q
			sub.Index = index
			res, err := e.searcher.Search(gctx, sub)
			if err != nil {
				errs[i] = err
				return nil
			}
			lists[i] = toReferences(res.Documents, lazy)
			coverages[i] = res.Coverage
			return nil
		})
	}
	// Failures are collected per index; the group itself never errors.
	_ = g.Wait()

	var firstErr error
	var failed int
	for _, err := range errs {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed == len(e.indexes) {
		return nil, nil, firstErr
	}
	if firstErr != nil {
		slog.Warn("federated index failed, fusing the rest", "error", firstErr)
	}

	fuseOpts := rank.Options{K: f.RRFK, Limit: q.TopK}
	if f.EnableSemanticBoost && len(q.Vector) > 0 {
		fuseOpts.SemanticWeight = f.SemanticBoostWeight
		fuseOpts.QueryVector = q.Vector
		e.embedForBoost(ctx, lists)
	}
	fused := rank.Fuse(fuseOpts, lists...)

	for _, coverage := range coverages {
		if coverage != nil {
			return fused, coverage, nil
		}
	}
	return fused, nil, nil
}

// embedForBoost attaches content embeddings so fusion can apply the
// semantic boost. Failure downgrades fusion to plain reciprocal rank.
func (e *Engine) embedForBoost(ctx context.Context, lists [][]session.Reference) {
	if e.embedder == nil {
		return
	}
	var texts []string
	var where [][2]int
	for li, list := range lists {
		for ri, ref := range list {
			if len(ref.Embedding) > 0 {
				continue
			}
			text := strings.TrimSpace(ref.Content)
			if text == "" {
				text = strings.TrimSpace(ref.Title)
			}
			if text == "" {
				continue
			}
			where = append(where, [2]int{li, ri})
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return
	}
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil || len(vectors) != len(texts) {
		slog.Warn("embedding fusion candidates failed, fusing by rank only", "error", err)
		return
	}
	for i, pos := range where {
		lists[pos[0]][pos[1]].Embedding = vectors[i]
	}
}

// embedQuery produces the query vector. Failure degrades to keyword-only
// recall: hybrid stages still run, pure-vector stages are skipped.
func (e *Engine) embedQuery(ctx context.Context, query string) []float32 {
	if e.embedder == nil {
		return nil
	}
	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		slog.Warn("failed to embed query, continuing keyword-only", "error", err)
		return nil
	}
	return vectors[0]
}

// finish copies the best attempt onto the result surface. The fallback
// reason prefers the gate verdict over the ladder's own downgrade note:
// when both exist the gate explains why retrieval stopped where it did.
func finish(result *Result, best *attempt) {
	result.References = best.refs
	result.Diagnostics.Succeeded = len(best.refs) > 0
	result.Diagnostics.ThresholdUsed = best.threshold
	result.Diagnostics.Coverage = best.coverage
	result.Diagnostics.MeanScore, result.Diagnostics.MinScore, result.Diagnostics.MaxScore = scoreStats(best.refs)

	switch {
	case best.gateReason != "":
		result.Diagnostics.FallbackReason = best.gateReason
	case best.fallback != "":
		result.Diagnostics.FallbackReason = best.fallback
	}
}

func toReferences(docs []search.Document, lazy bool) []session.Reference {
	refs := make([]session.Reference, len(docs))
	for i, doc := range docs {
		refs[i] = doc.AsReference(lazy)
	}
	return refs
}

// scoreStats summarizes reference scores for diagnostics.
func scoreStats(refs []session.Reference) (mean, low, high float64) {
	if len(refs) == 0 {
		return 0, 0, 0
	}
	low, high = refs[0].Score, refs[0].Score
	var total float64
	for _, ref := range refs {
		total += ref.Score
		if ref.Score < low {
			low = ref.Score
		}
		if ref.Score > high {
			high = ref.Score
		}
	}
	return total / float64(len(refs)), low, high
}
