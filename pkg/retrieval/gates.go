package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/rank"
	"github.com/kadirpekel/anchora/pkg/session"
)

// applyGates runs the quality gates over an attempt and records the first
// failure as the reformulation reason. Gates short-circuit, so a failed
// coverage check never pays for the diversity embedding. A gate that
// cannot be evaluated counts as passed; only measured shortfalls trigger
// a rewrite.
func (e *Engine) applyGates(ctx context.Context, att *attempt, f config.FeatureSet) {
	if len(att.refs) == 0 {
		att.gateReason = "no documents were retrieved"
		return
	}

	if att.coverage != nil && *att.coverage/100 < f.MinCoverage {
		att.gateReason = fmt.Sprintf("index coverage %.2f below the %.2f minimum", *att.coverage/100, f.MinCoverage)
		return
	}
	att.gatesPassed++

	if diversity, ok := e.diversity(ctx, att.refs); ok && diversity < f.MinDiversity {
		att.gateReason = fmt.Sprintf("result diversity %.2f below the %.2f minimum, the documents largely repeat each other", diversity, f.MinDiversity)
		return
	}
	att.gatesPassed++

	if authority, ok := e.meanAuthority(att.refs); ok && authority < f.MinAuthority {
		att.gateReason = fmt.Sprintf("mean source authority %.2f below the %.2f minimum", authority, f.MinAuthority)
		return
	}
	att.gatesPassed++
}

// diversity measures how spread out the evidence is: one minus the mean
// pairwise cosine of the reference embeddings. A single document is
// trivially diverse. The embeddings are written back onto the references
// so downstream consumers (fusion boost, web novelty scoring) reuse them
// instead of re-embedding.
func (e *Engine) diversity(ctx context.Context, refs []session.Reference) (float64, bool) {
	if len(refs) < 2 {
		return 1, true
	}
	if e.embedder == nil || !e.ensureEmbeddings(ctx, refs) {
		return 0, false
	}

	var total float64
	var pairs int
	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			if len(refs[i].Embedding) == 0 || len(refs[j].Embedding) == 0 {
				continue
			}
			total += rank.Cosine(refs[i].Embedding, refs[j].Embedding)
			pairs++
		}
	}
	if pairs == 0 {
		return 0, false
	}
	return 1 - total/float64(pairs), true
}

// ensureEmbeddings fills missing reference embeddings in one batched
// call. References with no usable text are left alone.
func (e *Engine) ensureEmbeddings(ctx context.Context, refs []session.Reference) bool {
	var texts []string
	var positions []int
	for i, ref := range refs {
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
		positions = append(positions, i)
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return true
	}

	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil || len(vectors) != len(texts) {
		slog.Warn("embedding references for the diversity gate failed", "error", err)
		return false
	}
	for i, pos := range positions {
		refs[pos].Embedding = vectors[i]
	}
	return true
}

// meanAuthority averages the authority score over references that carry
// a URL. No scorer or no URLs skips the gate: documents without an
// address cannot be held against the corpus.
func (e *Engine) meanAuthority(refs []session.Reference) (float64, bool) {
	if e.authority == nil {
		return 0, false
	}
	var total float64
	var scored int
	for _, ref := range refs {
		if ref.URL == "" {
			continue
		}
		total += e.authority.Authority(ref.URL)
		scored++
	}
	if scored == 0 {
		return 0, false
	}
	return total / float64(scored), true
}
