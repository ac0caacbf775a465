package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/planner"
	"github.com/kadirpekel/anchora/pkg/rank"
	"github.com/kadirpekel/anchora/pkg/retrieval"
	"github.com/kadirpekel/anchora/pkg/session"
)

// indexOutcome is what the index leg hands back to the dispatch join.
type indexOutcome struct {
	refs           []session.Reference
	activity       []session.ActivityStep
	diag           session.RetrievalDiagnostics
	reformulations []session.ReformulationRecord
	usage          session.Usage
	err            error
}

// gatherEvidence runs the plan: the index leg and the web leg in parallel,
// the web quality gate, fusion of web evidence into the citable set, and
// the optional retrieval grade. Evidence failures are recoverable; the only
// error returned is the turn's own cancellation.
func (o *Orchestrator) gatherEvidence(ctx context.Context, t *turn) error {
	doIndex := t.plan.HasStep(session.StepVectorSearch) && o.retriever != nil
	doWeb := t.plan.HasStep(session.StepWebSearch) && o.web != nil
	if t.plan.HasStep(session.StepWebSearch) && o.web == nil {
		slog.Warn("plan requests web search but no web client is configured",
			"session_id", t.sessionID)
	}
	if !doIndex && !doWeb {
		return nil
	}

	tracer := observability.GetTracer("anchora.orchestrator")
	ctx, span := tracer.Start(ctx, observability.SpanDispatch)
	defer span.End()

	var waves [][]session.SubQuery
	if doIndex && t.features.EnableQueryDecomposition && o.planner != nil {
		waves = o.maybeDecompose(ctx, t)
	}

	if doIndex {
		t.rec.Emit(session.NewStatusEvent(session.StageRetrieving))
	}
	if doWeb {
		t.rec.Emit(session.NewStatusEvent(session.StageWebSearching))
	}

	var (
		idx        indexOutcome
		webResults []session.WebResult
		webErr     error
	)
	var g errgroup.Group
	if doIndex {
		g.Go(func() error {
			if len(waves) > 0 {
				idx = o.retrieveDecomposed(ctx, t.features, t.route, waves)
			} else {
				idx = o.retrieveOne(ctx, t.features, t.route, t.question)
			}
			return nil
		})
	}
	if doWeb {
		g.Go(func() error {
			webResults, webErr = o.searchWeb(ctx, t.features, t.question)
			return nil
		})
	}
	_ = g.Wait()

	if doIndex {
		t.usage.Add(idx.usage)
		t.activity = append(t.activity, idx.activity...)
		t.diags.Retrieval = &idx.diag
		t.diags.Reformulations = idx.reformulations
		t.refs = idx.refs
		if idx.err != nil {
			span.RecordError(idx.err)
			slog.Warn("index retrieval failed, continuing on remaining evidence",
				"session_id", t.sessionID, "error", idx.err)
			t.activity = append(t.activity, session.ActivityStep{
				Type:        "retrieval",
				Description: "index retrieval failed: " + idx.err.Error(),
			})
		}
	}
	if doWeb {
		if webErr != nil {
			span.RecordError(webErr)
			slog.Warn("web search failed, continuing on remaining evidence",
				"session_id", t.sessionID, "error", webErr)
			t.activity = append(t.activity, session.ActivityStep{
				Type:        "web_search",
				Description: "web search failed: " + webErr.Error(),
			})
		} else {
			t.activity = append(t.activity, session.ActivityStep{
				Type:        "web_search",
				Description: fmt.Sprintf("web search returned %d results", len(webResults)),
			})
			t.web = o.filterWeb(ctx, t, webResults)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("evidence gathering interrupted: %w", err)
	}

	o.mergeWebEvidence(t)
	if doIndex {
		o.gradeEvidence(ctx, t)
	}

	if len(t.refs) > 0 {
		t.rec.Emit(session.NewCitationsEvent(t.refs))
	}
	if len(t.web) > 0 {
		t.rec.Emit(session.NewWebResultsEvent(t.web))
	}

	span.SetAttributes(attribute.Int(observability.AttrRetrievalDocs, len(t.refs)))
	span.SetStatus(codes.Ok, "")
	return nil
}

// maybeDecompose assesses the question's complexity and splits it into
// dispatch waves when the threshold is crossed. Any failure here
// dispatches the question whole.
func (o *Orchestrator) maybeDecompose(ctx context.Context, t *turn) [][]session.SubQuery {
	assessment, usage, err := o.planner.Assess(ctx, t.question)
	t.usage.Add(usage)
	if err != nil {
		slog.Warn("complexity assessment failed, dispatching the question whole",
			"session_id", t.sessionID, "error", err)
		return nil
	}
	if !planner.ShouldDecompose(assessment, t.features) {
		return nil
	}

	decomp, usage, err := o.planner.Decompose(ctx, t.question)
	t.usage.Add(usage)
	if err != nil {
		slog.Warn("decomposition failed, dispatching the question whole",
			"session_id", t.sessionID, "error", err)
		return nil
	}

	waves, err := planner.Waves(decomp.SubQueries)
	if err != nil {
		slog.Warn("decomposition produced an unusable dependency graph, dispatching the question whole",
			"session_id", t.sessionID, "error", err)
		return nil
	}

	t.diags.Decomposition = &session.DecompositionDiagnostics{
		Complexity: assessment.Complexity,
		SubQueries: len(decomp.SubQueries),
		Waves:      len(waves),
	}
	t.activity = append(t.activity, session.ActivityStep{
		Type: "decompose",
		Description: fmt.Sprintf("split into %d sub-queries across %d waves",
			len(decomp.SubQueries), len(waves)),
	})
	return waves
}

// retrieveOne runs a single engine pass. Fast routes take the lazy
// summary-first path when it is enabled; the critic loop upgrades
// summaries later if the draft needs deeper evidence.
func (o *Orchestrator) retrieveOne(ctx context.Context, f config.FeatureSet, route session.RouteInfo, query string) indexOutcome {
	opts := retrieval.Options{
		Strategy: route.Profile.RetrieverStrategy,
		Features: f,
	}

	var (
		res *retrieval.Result
		err error
	)
	if f.EnableLazyRetrieval && route.Profile.RetrieverStrategy == session.RetrieverFast {
		res, err = o.retriever.RetrieveLazy(ctx, query, opts)
	} else {
		res, err = o.retriever.Retrieve(ctx, query, opts)
	}

	out := indexOutcome{err: err}
	if res != nil {
		out.refs = res.References
		out.activity = res.Activity
		out.diag = res.Diagnostics
		out.reformulations = res.Reformulations
		out.usage = res.Usage
	}
	return out
}

// retrieveDecomposed dispatches sub-queries wave by wave, capped at
// MaxParallelSubQueries within a wave, then fuses the per-sub-query lists
// by reciprocal rank. A failed sub-query contributes nothing; the outcome
// fails only when every sub-query does.
func (o *Orchestrator) retrieveDecomposed(ctx context.Context, f config.FeatureSet, route session.RouteInfo, waves [][]session.SubQuery) indexOutcome {
	var out indexOutcome
	out.diag.Attempted = true
	var lists [][]session.Reference
	failures := 0
	total := 0

	for _, wave := range waves {
		results := make([]indexOutcome, len(wave))
		var g errgroup.Group
		g.SetLimit(f.MaxParallelSubQueries)
		for i, sub := range wave {
			g.Go(func() error {
				results[i] = o.retrieveOne(ctx, f, route, sub.Text)
				return nil
			})
		}
		_ = g.Wait()

		for i, res := range results {
			total++
			out.usage.Add(res.usage)
			out.activity = append(out.activity, res.activity...)
			out.reformulations = append(out.reformulations, res.reformulations...)
			out.diag.Attempts += res.diag.Attempts
			if out.diag.ThresholdUsed == 0 {
				out.diag.ThresholdUsed = res.diag.ThresholdUsed
			}
			if out.diag.FallbackReason == "" {
				out.diag.FallbackReason = res.diag.FallbackReason
			}
			if res.err != nil {
				failures++
				slog.Warn("sub-query retrieval failed",
					"sub_query", wave[i].ID, "error", res.err)
				continue
			}
			if len(res.refs) > 0 {
				lists = append(lists, res.refs)
			}
		}
	}

	out.refs = rank.Fuse(rank.Options{K: f.RRFK, Limit: f.TopK}, lists...)
	out.diag.Succeeded = len(out.refs) > 0
	out.diag.MeanScore, out.diag.MinScore, out.diag.MaxScore = fusedScoreStats(out.refs)
	if failures == total && total > 0 {
		out.err = session.Errorf(session.KindRetrievalEmpty, "all %d sub-queries failed", total)
	}
	return out
}

// searchWeb runs the external leg under its own timeout so a slow upstream
// cannot eat the turn deadline.
func (o *Orchestrator) searchWeb(ctx context.Context, f config.FeatureSet, query string) ([]session.WebResult, error) {
	if d := f.WebTimeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return o.web.Search(ctx, query, f.WebK)
}

// filterWeb applies the quality gate. A failed gate keeps the raw results:
// unvetted context beats no context.
func (o *Orchestrator) filterWeb(ctx context.Context, t *turn, results []session.WebResult) []session.WebResult {
	if !t.features.EnableWebQualityFilter || o.webFilter == nil || len(results) == 0 {
		return results
	}
	fr, err := o.webFilter.Filter(ctx, results, t.question, t.refs)
	if err != nil {
		slog.Warn("web quality filter failed, keeping results unfiltered",
			"session_id", t.sessionID, "error", err)
		return results
	}
	d := fr.Diagnostics()
	t.diags.WebFilter = &d
	t.activity = append(t.activity, session.ActivityStep{
		Type:        "web_filter",
		Description: fmt.Sprintf("kept %d of %d web results", d.Kept, d.Evaluated),
	})
	return fr.Kept
}

// mergeWebEvidence folds kept web results into the citable reference set by
// reciprocal rank. With reranking off, web results stay supporting context
// and never receive citation numbers.
func (o *Orchestrator) mergeWebEvidence(t *turn) {
	if len(t.web) == 0 || !t.features.EnableWebReranking {
		return
	}
	t.rec.Emit(session.NewStatusEvent(session.StageReranking))
	webRefs := make([]session.Reference, 0, len(t.web))
	for _, w := range t.web {
		webRefs = append(webRefs, w.AsReference())
	}
	t.refs = rank.Fuse(rank.Options{K: t.features.RRFK, Limit: t.features.TopK}, t.refs, webRefs)
}

// gradeEvidence is the corrective gate before synthesis: an incorrect grade
// swaps the evidence for web results, an ambiguous one rewrites the set
// against the question. Grading failures pass the evidence through as
// ranked.
func (o *Orchestrator) gradeEvidence(ctx context.Context, t *turn) {
	if !t.features.EnableCRAG || o.grader == nil {
		return
	}

	eval, usage, err := o.grader.Grade(ctx, t.question, t.refs)
	t.usage.Add(usage)
	if err != nil {
		slog.Warn("retrieval grading failed, using evidence as ranked",
			"session_id", t.sessionID, "error", err)
		return
	}
	t.activity = append(t.activity, session.ActivityStep{
		Type:        "crag",
		Description: fmt.Sprintf("retrieval graded %s, action %s", eval.Confidence, eval.Action),
		Data:        map[string]any{"reasoning": eval.Reasoning},
	})

	switch eval.Action {
	case session.CRAGWebFallback:
		o.webFallback(ctx, t)
	case session.CRAGRefine:
		refined, err := o.grader.Refine(ctx, t.question, t.refs)
		if err != nil {
			slog.Warn("evidence refinement failed, keeping the original set",
				"session_id", t.sessionID, "error", err)
		}
		t.refs = refined
	}
}

// webFallback replaces the index evidence with web evidence after an
// incorrect grade, searching fresh when the web leg has not run yet.
func (o *Orchestrator) webFallback(ctx context.Context, t *turn) {
	if len(t.web) == 0 && o.web != nil {
		t.rec.Emit(session.NewStatusEvent(session.StageWebSearching))
		results, err := o.searchWeb(ctx, t.features, t.question)
		if err != nil {
			slog.Warn("fallback web search failed, keeping graded evidence",
				"session_id", t.sessionID, "error", err)
			return
		}
		t.activity = append(t.activity, session.ActivityStep{
			Type:        "web_search",
			Description: fmt.Sprintf("fallback web search returned %d results", len(results)),
		})
		t.web = o.filterWeb(ctx, t, results)
	}
	if len(t.web) == 0 {
		t.refs = nil
		return
	}

	refs := make([]session.Reference, 0, len(t.web))
	for _, w := range t.web {
		refs = append(refs, w.AsReference())
	}
	t.refs = refs
	if t.diags.Retrieval != nil && t.diags.Retrieval.FallbackReason == "" {
		t.diags.Retrieval.FallbackReason = "graded incorrect, answering from web evidence"
	}
}

// fusedScoreStats summarizes a fused list; fusion replaces the per-stage
// reranker scores with reciprocal-rank scores.
func fusedScoreStats(refs []session.Reference) (mean, low, high float64) {
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
